package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// multipartThreshold is the body size above which a batch is streamed through
// the multipart uploader instead of a single PutObject.
const multipartThreshold = 16 * 1024 * 1024

// archivedAuction is one JSONL line: the auction plus its full bid trail.
type archivedAuction struct {
	Auction domain.Auction `json:"auction"`
	Bids    []domain.Bid   `json:"bids"`
}

// ArchiveImpl implements domain.Archiver by paging closed records out of the
// ledger, serializing them to JSONL, and uploading the result. Rows are only
// stamped archived after the upload is read back intact; nothing is deleted.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	ledger    domain.Ledger
	audit     domain.AuditStore
	batch     int
	multipart int
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl. reader may be nil, in which case
// existing objects are not checked before upload and uploads are not read
// back.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	ledger domain.Ledger,
	audit domain.AuditStore,
	batch int,
	now func() time.Time,
	logger *slog.Logger,
) *ArchiveImpl {
	if batch <= 0 {
		batch = 500
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		ledger:    ledger,
		audit:     audit,
		batch:     batch,
		multipart: multipartThreshold,
		now:       now,
		logger:    logger,
	}
}

// ArchiveAuctions uploads closed auctions last touched before the cutoff,
// one batch per object, and marks them archived.
func (a *ArchiveImpl) ArchiveAuctions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batchNo := 0; ; batchNo++ {
		auctions, err := a.ledger.Auctions().ListArchivable(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive auctions query: %w", err)
		}
		if len(auctions) == 0 {
			return total, nil
		}

		records := make([]archivedAuction, 0, len(auctions))
		ids := make([]string, 0, len(auctions))
		for _, au := range auctions {
			bids, err := a.ledger.Bids().ListByAuction(ctx, au.ID, domain.ListOpts{})
			if err != nil {
				return total, fmt.Errorf("s3blob: archive auction %s bids: %w", au.ID, err)
			}
			records = append(records, archivedAuction{Auction: au, Bids: bids})
			ids = append(ids, au.ID)
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive auctions marshal: %w", err)
		}
		path, err := a.upload(ctx, "auctions", before, batchNo, buf)
		if err != nil {
			return total, err
		}
		if err := a.ledger.Auctions().MarkArchived(ctx, ids, a.now().UTC()); err != nil {
			return total, fmt.Errorf("s3blob: mark auctions archived: %w", err)
		}
		total += int64(len(ids))
		a.logAudit(ctx, "archive.auctions", path, len(ids), before)

		if len(auctions) < a.batch {
			return total, nil
		}
	}
}

// ArchiveTransactions uploads terminal transactions last touched before the
// cutoff and marks them archived.
func (a *ArchiveImpl) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batchNo := 0; ; batchNo++ {
		txns, err := a.ledger.Transactions().ListArchivable(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive transactions query: %w", err)
		}
		if len(txns) == 0 {
			return total, nil
		}

		ids := make([]string, 0, len(txns))
		for _, t := range txns {
			ids = append(ids, t.ID)
		}

		buf, err := marshalJSONL(txns)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
		}
		path, err := a.upload(ctx, "transactions", before, batchNo, buf)
		if err != nil {
			return total, err
		}
		if err := a.ledger.Transactions().MarkArchived(ctx, ids, a.now().UTC()); err != nil {
			return total, fmt.Errorf("s3blob: mark transactions archived: %w", err)
		}
		total += int64(len(ids))
		a.logAudit(ctx, "archive.transactions", path, len(ids), before)

		if len(txns) < a.batch {
			return total, nil
		}
	}
}

func (a *ArchiveImpl) upload(ctx context.Context, kind string, before time.Time, batchNo int, buf []byte) (string, error) {
	path, err := a.freePath(ctx, kind, before, batchNo)
	if err != nil {
		return "", err
	}
	if len(buf) > a.multipart {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	if err := a.verify(ctx, path, buf); err != nil {
		return "", fmt.Errorf("s3blob: archive %s verify: %w", kind, err)
	}
	return path, nil
}

// verify reads the uploaded object back and compares it with what was sent.
func (a *ArchiveImpl) verify(ctx context.Context, path string, want []byte) error {
	if a.reader == nil {
		return nil
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read back %s: %w", path, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back %s: %d bytes stored, %d sent", path, len(got), len(want))
	}
	return nil
}

// freePath picks an object key that does not overwrite an earlier batch.
func (a *ArchiveImpl) freePath(ctx context.Context, kind string, before time.Time, part int) (string, error) {
	stamp := a.now().UTC()
	path := archivePath(kind, before, stamp, part)
	if a.reader == nil {
		return path, nil
	}
	for {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive %s exists: %w", kind, err)
		}
		if !exists {
			return path, nil
		}
		part++
		path = archivePath(kind, before, stamp, part)
	}
}

func (a *ArchiveImpl) logAudit(ctx context.Context, event, path string, count int, before time.Time) {
	if a.audit == nil {
		return
	}
	// The rows are already archived; an audit failure must not undo that.
	err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff and named by the run time.
//
//	archive/auctions/2025-01/20250201T030000Z.jsonl
//	archive/transactions/2025-01/20250201T030000Z-1.jsonl
func archivePath(kind string, before, stamp time.Time, part int) string {
	name := stamp.Format("20060102T150405Z")
	if part > 0 {
		name = fmt.Sprintf("%s-%d", name, part)
	}
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.UTC().Format("2006-01"), name)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON, one
// compact record per line.
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
