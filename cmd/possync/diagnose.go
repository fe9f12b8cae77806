package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"possync/internal/config"
	"possync/internal/diagnostics"
	"possync/internal/logging"

	"github.com/spf13/cobra"
)

type diagnoseOptions struct {
	*rootOptions
	Transport string
	Seed      uint64
	Only      []string
	Timeout   time.Duration
}

func newDiagnoseCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &diagnoseOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Verify queue and sync guarantees under simulated network conditions",
		Long: `Run the sync engine against an in-process fake backend while forcing the
network offline, adding latency and dropping packets. Each scenario checks one
guarantee: idempotent retries, per-entity ordering, durability across restarts,
the queue limit, partial-failure isolation, draining on reconnect and recovery
from a corrupted store.

Example:
  possync diagnose
  possync diagnose --transport grpc --only reconnect_trigger,lossy_link`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Transport, "transport", config.TransportHTTP, "backend transport (http|grpc)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "packet loss seed")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, fmt.Sprintf("run only these scenarios %v", diagnostics.Scenarios()))
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-scenario timeout")

	return cmd
}

func runDiagnose(cmd *cobra.Command, opts *diagnoseOptions) error {
	logCfg := config.LoggingConfig{Level: "warn", Format: "console", Output: "stderr"}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger, closer, err := logging.New(logCfg, config.AppConfig{Name: "possync", Environment: "diagnostics"})
	if err != nil {
		return err
	}
	defer closeQuietly(closer)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := diagnostics.Run(ctx, diagnostics.Options{
		Transport:       opts.Transport,
		Seed:            opts.Seed,
		Only:            opts.Only,
		ScenarioTimeout: opts.Timeout,
		Logger:          logging.Component(logger, "diagnostics"),
	})
	if err != nil {
		return err
	}
	if err := printReport(cmd.OutOrStdout(), opts.Format, report); err != nil {
		return err
	}
	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%w: %d of %d", errScenariosFailed, failed, len(report.Results))
	}
	return nil
}

func printReport(w io.Writer, format string, report diagnostics.Report) error {
	if format == "json" {
		return writeIndentedJSON(w, report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SCENARIO\tRESULT\tDURATION\tERROR\n")
	for _, res := range report.Results {
		result := "PASS"
		if !res.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, result, res.Duration.Round(time.Millisecond), res.Error)
	}
	return tw.Flush()
}
