package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/db"
	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingBackend struct {
	*FSBackend
	puts int
}

func (c *countingBackend) Put(ctx context.Context, key string, r io.Reader) error {
	c.puts++
	return c.FSBackend.Put(ctx, key, r)
}

type failingBackend struct{ *FSBackend }

func (failingBackend) Put(context.Context, string, io.Reader) error {
	return errors.New("disk full")
}

// vanishingBackend loses the bytes right after writing them, as if a
// concurrent delete removed them before the row was recorded.
type vanishingBackend struct{ *FSBackend }

func (v vanishingBackend) Put(ctx context.Context, key string, r io.Reader) error {
	if err := v.FSBackend.Put(ctx, key, r); err != nil {
		return err
	}
	return v.FSBackend.Delete(ctx, key)
}

func newTestBlobStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(dir, "pkgstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	if backend == nil {
		backend = newTestBackend(t)
	}
	return NewStore(sqlDB, backend)
}

func mustHash(t *testing.T, data []byte) hashing.Hashes {
	t.Helper()
	h, err := hashing.Compute(bytes.NewReader(data))
	require.NoError(t, err)
	return h
}

func TestStore_StoreOrGet_Dedup(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{FSBackend: newTestBackend(t)}
	s := newTestBlobStore(t, backend)

	data := []byte("identical content")
	h := mustHash(t, data)

	first, created, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, h.SHA256, first.HashSHA256)
	assert.Equal(t, h.SHA1, first.HashSHA1)
	assert.Equal(t, int64(len(data)), first.Size)

	second, created, err := s.StoreOrGet(ctx, h, bytes.NewReader(append([]byte{}, data...)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, backend.puts, "identical content must not be written twice")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(len(data)), stats.TotalSize)
}

func TestStore_StoreOrGet_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, nil)

	data := bytes.Repeat([]byte("layer"), 10000)
	h := mustHash(t, data)

	const writers = 8
	ids := make([]int64, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			b, _, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
			if err != nil {
				return err
			}
			ids[i] = b.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestStore_StoreOrGet_WrongBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, nil)

	h := mustHash(t, []byte("claimed"))
	_, _, err := s.StoreOrGet(ctx, h, bytes.NewReader([]byte("actual")))
	assert.ErrorIs(t, err, ErrHashMismatch)

	exists, err := s.Exists(ctx, h.SHA256)
	require.NoError(t, err)
	assert.False(t, exists, "no row without matching bytes")
}

func TestStore_StoreOrGet_BackendFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, failingBackend{newTestBackend(t)})

	data := []byte("x")
	_, _, err := s.StoreOrGet(ctx, mustHash(t, data), bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrBlobWrite)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)
}

func TestStore_StoreOrGet_BytesRemovedBeforeRow(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, vanishingBackend{newTestBackend(t)})

	data := []byte("deleted underneath")
	h := mustHash(t, data)
	_, _, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrBlobWrite)

	exists, err := s.Exists(ctx, h.SHA256)
	require.NoError(t, err)
	assert.False(t, exists, "no row without bytes")
}

func TestStore_DeleteRacingStoreOrGet(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, nil)

	data := []byte("stored while being collected")
	h := mustHash(t, data)

	for range 50 {
		b, _, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			err := s.Delete(ctx, b)
			if errors.Is(err, ErrBlobNotFound) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			_, _, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
			if errors.Is(err, ErrBlobWrite) {
				return nil
			}
			return err
		})
		require.NoError(t, g.Wait())

		exists, err := s.Exists(ctx, h.SHA256)
		require.NoError(t, err)
		has, err := s.Backend().Has(ctx, h.SHA256)
		require.NoError(t, err)
		if exists {
			require.True(t, has, "blob row recorded without its bytes")
		}
	}
}

func TestStore_SweepOrphans(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	s := newTestBlobStore(t, backend)

	age := func(data []byte) {
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(backend.blobPath(hashBytes(data)), old, old))
	}

	stale := []byte("bytes whose row insert failed")
	require.NoError(t, backend.Put(ctx, hashBytes(stale), bytes.NewReader(stale)))
	age(stale)

	fresh := []byte("bytes still waiting for a row")
	require.NoError(t, backend.Put(ctx, hashBytes(fresh), bytes.NewReader(fresh)))

	recorded := []byte("bytes with a row")
	_, _, err := s.StoreOrGet(ctx, mustHash(t, recorded), bytes.NewReader(recorded))
	require.NoError(t, err)
	age(recorded)

	removed, freed, err := s.SweepOrphans(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(len(stale)), freed)
	assert.ElementsMatch(t, []string{hashBytes(fresh), hashBytes(recorded)}, listKeys(t, backend))

	removed, _, err = s.SweepOrphans(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStore_OpenAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, nil)

	data := []byte("streamed")
	h := mustHash(t, data)
	_, _, err := s.StoreOrGet(ctx, h, bytes.NewReader(data))
	require.NoError(t, err)

	exists, err := s.Exists(ctx, h.Digest().String())
	require.NoError(t, err)
	assert.True(t, exists)

	rc, b, err := s.Open(ctx, h.SHA256)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, h.Digest(), b.Digest())

	byID, err := s.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, byID)

	_, _, err = s.Open(ctx, mustHash(t, []byte("absent")).SHA256)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestStore_UnreferencedAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestBlobStore(t, nil)

	orphan := []byte("orphan")
	kept := []byte("kept")
	ob, _, err := s.StoreOrGet(ctx, mustHash(t, orphan), bytes.NewReader(orphan))
	require.NoError(t, err)
	kb, _, err := s.StoreOrGet(ctx, mustHash(t, kept), bytes.NewReader(kept))
	require.NoError(t, err)

	// Reference kb from a file row.
	_, err = s.db.ExecContext(ctx, `INSERT INTO package (owner, type, name, lower_name, created_unix) VALUES ('o', 'generic', 'p', 'p', 0)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO package_version (package_id, version, lower_version, created_unix) VALUES (1, '1', '1', 0)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO package_file (version_id, blob_id, name, lower_name, created_unix) VALUES (1, ?, 'f', 'f', 0)`, kb.ID)
	require.NoError(t, err)

	none, err := s.Unreferenced(ctx, time.Unix(ob.CreatedUnix, 0))
	require.NoError(t, err)
	assert.Empty(t, none, "grace period excludes fresh blobs")

	candidates, err := s.Unreferenced(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, ob.ID, candidates[0].ID)

	require.NoError(t, s.Delete(ctx, candidates[0]))
	exists, err := s.Exists(ctx, ob.HashSHA256)
	require.NoError(t, err)
	assert.False(t, exists)
	has, err := s.Backend().Has(ctx, ob.HashSHA256)
	require.NoError(t, err)
	assert.False(t, has)

	assert.ErrorIs(t, s.Delete(ctx, kb), ErrBlobInUse)
	assert.ErrorIs(t, s.Delete(ctx, ob), ErrBlobNotFound)
}
