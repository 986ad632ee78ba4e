package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"finledger/internal/amqp"
	"finledger/internal/core"
)

// EntrySource is the slice of the storage layer the worker needs: the
// export queue plus entry lookup.
type EntrySource interface {
	GetEntry(ctx context.Context, id uuid.UUID) (core.Entry, error)
	UnexportedEntries(ctx context.Context, limit int) ([]core.Entry, error)
	MarkExported(ctx context.Context, id uuid.UUID) error
	MarkExportError(ctx context.Context, id uuid.UUID) error
}

// StatementAppender writes one entry to the statement destination.
type StatementAppender interface {
	AppendStatementRow(ctx context.Context, e core.Entry) (string, error)
}

// StatementWorker drains committed-entry events into the statement export.
// The periodic sweep is the backup path for events lost in transit.
type StatementWorker struct {
	entries   EntrySource
	exporter  StatementAppender
	batchSize int
}

func NewStatementWorker(entries EntrySource, exporter StatementAppender, batchSize int) *StatementWorker {
	return &StatementWorker{
		entries:   entries,
		exporter:  exporter,
		batchSize: batchSize,
	}
}

// HandleEntryCommitted processes a single committed-entry event from AMQP.
func (w *StatementWorker) HandleEntryCommitted(ctx context.Context, msg *amqp.EntryCommittedMessage) error {
	id, err := uuid.Parse(msg.EntryID)
	if err != nil {
		return fmt.Errorf("parse entry id %q: %w", msg.EntryID, err)
	}

	entry, err := w.entries.GetEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("get entry from storage: %w", err)
	}

	return w.export(ctx, entry)
}

// SweepUnexported exports any entries the event path missed.
func (w *StatementWorker) SweepUnexported(ctx context.Context) error {
	pending, err := w.entries.UnexportedEntries(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get unexported entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Sweeping unexported entries", "count", len(pending))
	for _, entry := range pending {
		if err := w.export(ctx, entry); err != nil {
			slog.ErrorContext(ctx, "Failed to export entry", "entry_id", entry.ID, "error", err)
		}
	}
	return nil
}

// StartupSweep runs a larger sweep at worker startup to recover from
// downtime.
func (w *StatementWorker) StartupSweep(ctx context.Context) error {
	pending, err := w.entries.UnexportedEntries(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get unexported entries for startup sweep: %w", err)
	}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "No unexported entries found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found unexported entries on startup, processing...",
		"count", len(pending))

	exported := 0
	failed := 0
	for _, entry := range pending {
		if err := w.export(ctx, entry); err != nil {
			slog.ErrorContext(ctx, "Failed to export entry during startup",
				"entry_id", entry.ID, "error", err)
			failed++
			continue
		}
		exported++
	}

	slog.InfoContext(ctx, "Startup sweep completed",
		"total", len(pending),
		"exported", exported,
		"errors", failed)
	return nil
}

func (w *StatementWorker) export(ctx context.Context, entry core.Entry) error {
	ref, err := w.exporter.AppendStatementRow(ctx, entry)
	if err != nil {
		if markErr := w.entries.MarkExportError(ctx, entry.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark export error", "entry_id", entry.ID, "error", markErr)
		}
		return fmt.Errorf("append statement row: %w", err)
	}

	if err := w.entries.MarkExported(ctx, entry.ID); err != nil {
		// The export itself worked, keep going.
		slog.ErrorContext(ctx, "Failed to mark as exported", "entry_id", entry.ID, "error", err)
	}

	slog.InfoContext(ctx, "Entry exported",
		"entry_id", entry.ID,
		"statement_ref", ref,
		"amount_cents", entry.Amount)
	return nil
}
