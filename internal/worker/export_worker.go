package worker

import (
	"context"
	"fmt"
	"log/slog"

	"tontine/internal/amqp"
	"tontine/internal/core"
	"tontine/internal/export"
	"tontine/internal/storage"
)

// ExportWorker mirrors committed ledger transactions to an external sink.
// AMQP events drive the fast path; a periodic sweep over rows still marked
// pending recovers from lost messages and worker downtime.
type ExportWorker struct {
	storage   *storage.SQLiteRepository
	sink      export.RowAppender
	batchSize int
}

func NewExportWorker(storage *storage.SQLiteRepository, sink export.RowAppender, batchSize int) *ExportWorker {
	return &ExportWorker{
		storage:   storage,
		sink:      sink,
		batchSize: batchSize,
	}
}

// HandleLedgerEvent processes a single ledger event from AMQP
func (w *ExportWorker) HandleLedgerEvent(ctx context.Context, msg *amqp.LedgerEventMessage) error {
	slog.InfoContext(ctx, "Processing ledger event",
		"transactions", len(msg.TransactionIDs))

	for _, id := range msg.TransactionIDs {
		tx, err := w.storage.Transaction(ctx, id)
		if err != nil {
			return fmt.Errorf("get transaction %s from storage: %w", id, err)
		}

		if err := w.exportTransaction(ctx, tx); err != nil {
			return fmt.Errorf("export transaction %s: %w", id, err)
		}
	}

	return nil
}

// ProcessPending exports any transactions that haven't been exported yet.
// This is a backup mechanism in case AMQP messages are lost.
func (w *ExportWorker) ProcessPending(ctx context.Context) error {
	pending, err := w.storage.PendingExport(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending transactions: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending transactions", "count", len(pending))

	for _, tx := range pending {
		if err := w.exportTransaction(ctx, tx); err != nil {
			slog.ErrorContext(ctx, "Failed to export transaction",
				"transaction_id", tx.ID, "error", err)
			continue
		}
	}

	return nil
}

// StartupCheck exports any pending transactions at worker startup. This is
// useful to recover from missed AMQP messages or worker downtime.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	// Get a larger batch for startup check
	pending, err := w.storage.PendingExport(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending transactions for startup check: %w", err)
	}

	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending transactions found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending transactions on startup, processing...",
		"count", len(pending))

	successCount := 0
	errorCount := 0

	for _, tx := range pending {
		if err := w.exportTransaction(ctx, tx); err != nil {
			slog.ErrorContext(ctx, "Failed to export transaction during startup",
				"transaction_id", tx.ID, "error", err)
			errorCount++
			continue
		}
		successCount++
	}

	slog.InfoContext(ctx, "Startup export completed",
		"total", len(pending),
		"exported", successCount,
		"errors", errorCount)

	return nil
}

func (w *ExportWorker) exportTransaction(ctx context.Context, tx core.Transaction) error {
	memberName := tx.MemberID
	if member, err := w.storage.Member(ctx, tx.MemberID); err == nil {
		memberName = member.FirstName + " " + member.LastName
	}

	row := export.Row{
		TransactionID: tx.ID,
		MemberID:      tx.MemberID,
		MemberName:    memberName,
		CycleID:       tx.CycleID,
		Period:        tx.Period,
		Kind:          string(tx.Kind),
		AmountCents:   tx.Amount.Cents,
		PenaltyCents:  tx.Penalty.Cents,
		Timestamp:     tx.Timestamp,
	}

	ref, err := w.sink.AppendRow(ctx, row)
	if err != nil {
		// Mark as export error
		if markErr := w.storage.MarkExportError(ctx, tx.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark export error",
				"transaction_id", tx.ID, "error", markErr)
		}
		return fmt.Errorf("append to sink: %w", err)
	}

	// Mark as successfully exported
	if err := w.storage.MarkExported(ctx, tx.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark as exported",
			"transaction_id", tx.ID, "error", err)
		// Don't return error here - the export actually worked
	}

	slog.InfoContext(ctx, "Successfully exported transaction",
		"transaction_id", tx.ID,
		"sheets_ref", ref,
		"amount_cents", tx.Amount.Cents)

	return nil
}
