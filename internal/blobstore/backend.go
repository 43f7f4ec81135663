// Package blobstore provides content-addressable storage of immutable blobs
// keyed by SHA-256. Bytes live in a Backend; one row per distinct digest
// lives in the package_blob table.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrBlobNotFound is returned when a requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBlobWrite is returned when blob bytes or the blob row could not be persisted.
	ErrBlobWrite = errors.New("blob write failed")

	// ErrHashMismatch is returned when the bytes written do not hash to the expected key.
	ErrHashMismatch = errors.New("blob hash mismatch")

	// ErrBlobInUse is returned when deleting a blob that a file still references.
	ErrBlobInUse = errors.New("blob is referenced")
)

// Entry describes one stored key.
type Entry struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the byte-addressable storage beneath the blob store.
// Keys are lowercase hex SHA-256 digests.
type Backend interface {
	// Put stores the bytes read from r under key. The SHA-256 of the data
	// must equal key, otherwise nothing is stored and ErrHashMismatch is
	// returned. Storing an existing key only refreshes its ModTime.
	Put(ctx context.Context, key string, r io.Reader) error

	// Open returns a seekable reader. Returns ErrBlobNotFound if absent.
	Open(ctx context.Context, key string) (io.ReadSeekCloser, error)

	// Has reports whether key is stored.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes key. No error if it doesn't exist.
	Delete(ctx context.Context, key string) error

	// List returns every stored key.
	List(ctx context.Context) ([]Entry, error)
}
