// Package export renders the offline queue as a spreadsheet for support staff.
package export

import (
	"fmt"
	"io"
	"time"

	"possync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	QueueSheet   = "Queue"
	SummarySheet = "Summary"
)

var queueHeaders = []string{
	"ID", "Idempotency key", "Type", "Target", "Status", "Attempts",
	"Terminal", "Created", "Last attempt", "Next attempt", "Last error",
}

var statusColors = map[models.OperationStatus]string{
	models.StatusPending: "#FFF2CC",
	models.StatusSyncing: "#DDEBF7",
	models.StatusFailed:  "#F8CBAD",
}

// WriteQueue writes a workbook with one row per operation plus a summary sheet.
func WriteQueue(w io.Writer, ops []models.QueuedOperation, status models.QueueStatus) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(QueueSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range queueHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(QueueSheet, cell, h)
		_ = f.SetCellStyle(QueueSheet, cell, cell, headerStyle)
	}
	_ = f.SetColWidth(QueueSheet, "A", "B", 40)
	_ = f.SetColWidth(QueueSheet, "C", "J", 18)
	_ = f.SetColWidth(QueueSheet, "K", "K", 60)

	styles := make(map[models.OperationStatus]int, len(statusColors))
	for st, color := range statusColors {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[st] = id
		}
	}

	for i, op := range ops {
		row := i + 2
		values := []any{
			op.ID,
			op.IdempotencyKey,
			string(op.Type),
			op.TargetEntityID,
			string(op.Status),
			op.Attempts,
			op.Terminal,
			formatTime(&op.CreatedAt),
			formatTime(op.LastAttemptAt),
			formatTime(op.NextAttemptAt),
			op.LastError,
		}
		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(QueueSheet, start, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		if style, ok := styles[op.Status]; ok {
			cell, _ := excelize.CoordinatesToCellName(5, row)
			_ = f.SetCellStyle(QueueSheet, cell, cell, style)
		}
	}

	if err := writeSummary(f, status); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, status models.QueueStatus) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	rows := [][]any{
		{"Queue size", status.QueueSize},
		{"Max size", status.MaxSize},
		{"Pending", status.PendingCount},
		{"Syncing", status.SyncingCount},
		{"Failed", status.FailedCount},
		{"Terminal", status.TerminalCount},
		{"Online", status.Online},
		{"Last sync attempt", formatTime(status.LastSyncAttempt)},
		{"Exported at", time.Now().UTC().Format(time.RFC3339)},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &r); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 22)
	_ = f.SetColWidth(SummarySheet, "B", "B", 28)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
