package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	// BlobInfo is what a blob store knows about a stored blob.
	BlobInfo struct {
		ID   string
		Size int64
	}

	// BlobStore keeps attachment bytes keyed by a generated identifier.
	BlobStore interface {
		// Save streams r into a new blob. A failed copy leaves nothing behind.
		Save(ctx context.Context, r io.Reader) (BlobInfo, error)
		Exists(ctx context.Context, id string) bool
		// Stat returns ErrNotFound for unknown blobs.
		Stat(ctx context.Context, id string) (BlobInfo, error)
		// Open returns ErrNotFound for unknown blobs.
		Open(ctx context.Context, id string) (io.ReadCloser, error)
		// Delete is a no-op for unknown blobs.
		Delete(ctx context.Context, id string) error
		// List returns the identifiers of every stored blob.
		List(ctx context.Context) ([]string, error)
	}
)

// NewBlobID returns a fresh blob identifier.
func NewBlobID() string {
	return ulid.Make().String()
}

// ValidateBlobID rejects anything that is not an identifier produced by
// NewBlobID. Backends call it before touching storage.
func ValidateBlobID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: blob id %q", ErrInvalidID, id)
	}
	return nil
}

// BlobCreatedAt extracts the creation time encoded in a blob identifier.
func BlobCreatedAt(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: blob id %q", ErrInvalidID, id)
	}
	return ulid.Time(parsed.Time()), nil
}
