package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage. PutMultipart streams large
// bodies in parts of at least partSize bytes.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies closed auctions and finished transactions to cold storage.
// Rows are marked archived, never deleted.
type Archiver interface {
	ArchiveAuctions(ctx context.Context, before time.Time) (int64, error)
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
}
