package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
)

// GCResult contains the outcome of a garbage collection run.
type GCResult struct {
	BlobsScanned int `json:"blobs_scanned"`
	BlobsDeleted int `json:"blobs_deleted"`
	BlobsInUse   int `json:"blobs_in_use"`

	// OrphansDeleted counts stored files that had no blob row.
	OrphansDeleted int   `json:"orphans_deleted"`
	BytesFreed     int64 `json:"bytes_freed"`
}

// GarbageCollect removes blobs that no package file references and that are
// older than grace. The grace period keeps blobs that were just uploaded
// but whose manifest or version has not been published yet. A second pass
// removes stored bytes that never got a blob row, using the same grace
// period against their modification time.
func GarbageCollect(ctx context.Context, blobs *blobstore.Store, grace time.Duration, logger *slog.Logger) (*GCResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result := &GCResult{}

	cutoff := time.Now().Add(-grace)
	candidates, err := blobs.Unreferenced(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list unreferenced blobs: %w", err)
	}
	result.BlobsScanned = len(candidates)

	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := blobs.Delete(ctx, b)
		switch {
		case err == nil:
			result.BlobsDeleted++
			result.BytesFreed += b.Size
		case errors.Is(err, blobstore.ErrBlobInUse):
			result.BlobsInUse++
		case errors.Is(err, blobstore.ErrBlobNotFound):
		default:
			logger.Warn("gc: failed to delete blob", "hash", b.HashSHA256, "error", err)
		}
	}

	orphans, freed, err := blobs.SweepOrphans(ctx, cutoff)
	result.OrphansDeleted = orphans
	result.BytesFreed += freed
	if err != nil {
		return result, fmt.Errorf("sweep orphaned bytes: %w", err)
	}

	logger.Info("gc complete",
		"scanned", result.BlobsScanned,
		"deleted", result.BlobsDeleted,
		"in_use", result.BlobsInUse,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_freed", result.BytesFreed,
	)

	return result, nil
}
