package server

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/db"
	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
)

func newGCEnv(t *testing.T) (*blobstore.Store, *packages.Service) {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(dir, "pkgstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	backend, err := blobstore.NewFSBackend(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	blobs := blobstore.NewStore(sqlDB, backend)
	return blobs, packages.NewService(metastore.New(sqlDB), blobs, nil, nil)
}

func storeBlob(t *testing.T, blobs *blobstore.Store, data []byte) *blobstore.Blob {
	t.Helper()
	hashes, err := hashing.Compute(bytes.NewReader(data))
	require.NoError(t, err)
	b, _, err := blobs.StoreOrGet(context.Background(), hashes, bytes.NewReader(data))
	require.NoError(t, err)
	return b
}

func TestGarbageCollect_NoBlobs(t *testing.T) {
	blobs, _ := newGCEnv(t)

	result, err := GarbageCollect(context.Background(), blobs, -time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlobsScanned)
	assert.Equal(t, 0, result.BlobsDeleted)
}

func TestGarbageCollect_DeletesUnreferenced(t *testing.T) {
	ctx := context.Background()
	blobs, svc := newGCEnv(t)

	kept := storeBlob(t, blobs, []byte("referenced blob"))
	orphan := storeBlob(t, blobs, []byte("orphan blob"))

	_, err := svc.PublishVersion(ctx, packages.PublishRequest{
		Owner:   "acme",
		Type:    metastore.TypeGeneric,
		Name:    "tool",
		Version: "1.0.0",
		Files:   []packages.FileSpec{{Name: "tool.bin", Blob: kept, IsLead: true}},
	})
	require.NoError(t, err)

	// A negative grace period makes every blob old enough.
	result, err := GarbageCollect(ctx, blobs, -time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsScanned)
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.Equal(t, orphan.Size, result.BytesFreed)

	has, err := blobs.Exists(ctx, orphan.HashSHA256)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = blobs.Backend().Has(ctx, orphan.HashSHA256)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = blobs.Exists(ctx, kept.HashSHA256)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGarbageCollect_GracePeriod(t *testing.T) {
	blobs, _ := newGCEnv(t)
	storeBlob(t, blobs, []byte("fresh upload"))

	result, err := GarbageCollect(context.Background(), blobs, time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlobsScanned)
	assert.Equal(t, 0, result.BlobsDeleted)
}

func TestGarbageCollect_SweepsOrphanedBytes(t *testing.T) {
	ctx := context.Background()
	blobs, _ := newGCEnv(t)

	data := []byte("bytes whose row was never written")
	hashes, err := hashing.Compute(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, blobs.Backend().Put(ctx, hashes.SHA256, bytes.NewReader(data)))

	result, err := GarbageCollect(ctx, blobs, time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Zero(t, result.OrphansDeleted, "fresh bytes are within the grace period")

	result, err = GarbageCollect(ctx, blobs, -time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlobsScanned)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.EqualValues(t, len(data), result.BytesFreed)

	has, err := blobs.Backend().Has(ctx, hashes.SHA256)
	require.NoError(t, err)
	assert.False(t, has)
}
