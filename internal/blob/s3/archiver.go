package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"leversim/internal/domain"
)

// LedgerArchiveStore is the narrow ledger surface the archiver needs: the
// time-ranged query plus the prune that runs only after a verified upload.
type LedgerArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves settled positions out of the primary ledger: rows older
// than the cutoff are serialized to JSONL, uploaded to S3 under
// archive/positions/, verified, and then pruned from Postgres.
type Archiver struct {
	writer *Writer
	reader *Reader
	store  LedgerArchiveStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer *Writer, reader *Reader, store LedgerArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		store:  store,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosed archives all settled positions with exit_time before the
// cutoff and returns the number of rows moved. Pruning only happens after
// the uploaded object is confirmed to exist, so a failed upload leaves the
// ledger untouched.
func (a *Archiver) ArchiveClosed(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.store.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive verify: uploaded object %s not found", path)
	}

	pruned, err := a.store.DeleteClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prune: %w", err)
	}

	a.logger.InfoContext(ctx, "ledger archived",
		slog.String("path", path),
		slog.Int("archived", len(positions)),
		slog.Int64("pruned", pruned),
	)
	return int64(len(positions)), nil
}

// Run archives on the given interval until ctx is cancelled. retention
// controls how far back rows are kept in the primary ledger.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("archiver started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention),
	)
	defer a.logger.Info("archiver stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := a.ArchiveClosed(ctx, now.Add(-retention)); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archivePath builds the S3 key for an archive file. Keys carry the full
// cutoff timestamp so successive runs never overwrite an earlier batch.
//
//	archive/positions/2025-01-15_030000.jsonl
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/positions/%s.jsonl", before.UTC().Format("2006-01-02_150405"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
