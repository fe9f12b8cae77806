package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"possync/internal/export"
	"possync/internal/models"

	"github.com/spf13/cobra"
)

func newQueueCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline operation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueSyncCommand(rootOpts))
	cmd.AddCommand(newQueueExportCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(rootOpts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			ctx := cmd.Context()
			q, store, redisClient, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(store, redisClient, cfg, logger)

			return printOperations(cmd.OutOrStdout(), rootOpts.Format, q.All())
		},
	}
}

func newQueueDiscardCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Abandon queued operations without executing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(rootOpts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			ctx := cmd.Context()
			q, store, redisClient, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(store, redisClient, cfg, logger)

			for _, id := range args {
				if err := q.Discard(ctx, id); err != nil {
					return fmt.Errorf("discard %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", id)
			}
			return nil
		},
	}
}

func newQueueRetryCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-arm failed operations and run one sync pass",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncPass(cmd, rootOpts, func(ctx context.Context, a *app) (models.SyncResult, error) {
				return a.orch.Retry(ctx, args)
			})
		},
	}
}

func newQueueSyncCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncPass(cmd, rootOpts, func(ctx context.Context, a *app) (models.SyncResult, error) {
				return a.orch.SyncNow(ctx)
			})
		},
	}
}

func runSyncPass(cmd *cobra.Command, rootOpts *rootOptions, pass func(ctx context.Context, a *app) (models.SyncResult, error)) error {
	cfg, logger, closer, err := loadConfigAndLogger(rootOpts, "queue")
	if err != nil {
		return err
	}
	defer closeQuietly(closer)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := pass(ctx, a)
	if printErr := printSyncResult(cmd.OutOrStdout(), rootOpts.Format, res); printErr != nil {
		return printErr
	}
	return err
}

func newQueueExportCommand(rootOpts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the queue to an Excel workbook",
		Long: `Write every queued operation and a status summary to an .xlsx workbook.

Example:
  possync queue export --out queue.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(rootOpts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			ctx := cmd.Context()
			q, store, redisClient, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(store, redisClient, cfg, logger)

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			counts := q.Counts()
			status := models.QueueStatus{
				QueueSize:     counts.Total(),
				PendingCount:  counts.Pending,
				SyncingCount:  counts.Syncing,
				FailedCount:   counts.Failed,
				TerminalCount: counts.Terminal,
				MaxSize:       q.MaxSize(),
			}
			if err := export.WriteQueue(f, q.All(), status); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d operations to %s\n", q.Size(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "queue.xlsx", "output workbook path")
	return cmd
}

func printOperations(w io.Writer, format string, ops []models.QueuedOperation) error {
	if format == "json" {
		return writeIndentedJSON(w, ops)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, op := range ops {
		status := string(op.Status)
		if op.Terminal {
			status += " (terminal)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Type, op.TargetEntityID, status, op.Attempts,
			op.CreatedAt.Local().Format(time.DateTime), op.LastError)
	}
	return tw.Flush()
}

func printSyncResult(w io.Writer, format string, res models.SyncResult) error {
	if format == "json" {
		return writeIndentedJSON(w, res)
	}
	if res.Skipped {
		_, err := fmt.Fprintln(w, "sync skipped: another pass is running")
		return err
	}
	_, err := fmt.Fprintf(w, "%d succeeded, %d failed (%s)\n", res.Succeeded, res.Failed, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return err
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
