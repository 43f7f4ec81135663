package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/opencontainers/go-digest"
)

// Blob is one stored byte sequence, identified by its SHA-256.
type Blob struct {
	ID          int64
	HashSHA256  string
	HashSHA512  string
	HashSHA1    string
	HashMD5     string
	Size        int64
	CreatedUnix int64
}

// Digest returns the blob's OCI digest.
func (b *Blob) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, b.HashSHA256)
}

// Hashes returns the blob's digests in hashing form.
func (b *Blob) Hashes() hashing.Hashes {
	return hashing.Hashes{
		Size:   b.Size,
		MD5:    b.HashMD5,
		SHA1:   b.HashSHA1,
		SHA256: b.HashSHA256,
		SHA512: b.HashSHA512,
	}
}

// Stats summarises the blob table.
type Stats struct {
	Count     int64 `json:"count"`
	TotalSize int64 `json:"total_size"`
}

// Store deduplicates blobs across all packages and owners.
type Store struct {
	db      *sql.DB
	backend Backend
	now     func() time.Time
}

// NewStore returns a Store recording blob rows in db and bytes in backend.
func NewStore(db *sql.DB, backend Backend) *Store {
	return &Store{db: db, backend: backend, now: time.Now}
}

// Backend returns the storage beneath the store.
func (s *Store) Backend() Backend {
	return s.backend
}

const blobColumns = `id, hash_sha256, hash_sha512, hash_sha1, hash_md5, size, created_unix`

func scanBlob(row interface{ Scan(...any) error }) (*Blob, error) {
	b := &Blob{}
	if err := row.Scan(&b.ID, &b.HashSHA256, &b.HashSHA512, &b.HashSHA1, &b.HashMD5, &b.Size, &b.CreatedUnix); err != nil {
		return nil, err
	}
	return b, nil
}

// StoreOrGet returns the blob whose SHA-256 is hashes.SHA256, storing the
// bytes from r first if no such blob exists yet. When the blob already
// exists r is not read. created reports whether this call inserted the row.
//
// Bytes are persisted before the row is inserted, so a row never exists
// without its bytes. Concurrent callers storing the same content all get
// the same row; the insert is resolved by the unique constraint.
func (s *Store) StoreOrGet(ctx context.Context, hashes hashing.Hashes, r io.Reader) (*Blob, bool, error) {
	key, err := hashing.ParseSHA256(hashes.SHA256)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.Get(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrBlobNotFound) {
		return nil, false, err
	}

	if err := s.backend.Put(ctx, key, r); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %w", ErrBlobWrite, err)
	}

	var (
		b       *Blob
		created bool
	)
	err = s.inWriteTx(ctx, func(tx *sql.Tx) error {
		// Delete and SweepOrphans remove bytes under the same write lock,
		// so the bytes checked here stay until the row is committed.
		has, err := s.backend.Has(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlobWrite, err)
		}
		if !has {
			return fmt.Errorf("%w: bytes for %s were removed before the row was recorded", ErrBlobWrite, key)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO package_blob (hash_sha256, hash_sha512, hash_sha1, hash_md5, size, created_unix)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash_sha256) DO NOTHING`,
			key, hashes.SHA512, hashes.SHA1, hashes.MD5, hashes.Size, s.now().Unix())
		if err != nil {
			return fmt.Errorf("%w: insert blob row: %w", ErrBlobWrite, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlobWrite, err)
		}
		created = n == 1

		b, err = scanBlob(tx.QueryRowContext(ctx,
			`SELECT `+blobColumns+` FROM package_blob WHERE hash_sha256 = ?`, key))
		if err != nil {
			return fmt.Errorf("%w: read back blob row: %w", ErrBlobWrite, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, created, nil
}

// inWriteTx runs fn in a transaction that holds the database write lock
// from its first statement. Writers in every process sharing the database
// are serialized behind it.
func (s *Store) inWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get returns the blob row for a SHA-256 (bare hex or "sha256:" digest).
func (s *Store) Get(ctx context.Context, sha256 string) (*Blob, error) {
	key, err := hashing.ParseSHA256(sha256)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	b, err := scanBlob(s.db.QueryRowContext(ctx,
		`SELECT `+blobColumns+` FROM package_blob WHERE hash_sha256 = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return b, nil
}

// GetByID returns the blob row with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Blob, error) {
	b, err := scanBlob(s.db.QueryRowContext(ctx,
		`SELECT `+blobColumns+` FROM package_blob WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %d: %w", id, err)
	}
	return b, nil
}

// Exists reports whether a blob with this SHA-256 has been committed.
func (s *Store) Exists(ctx context.Context, sha256 string) (bool, error) {
	_, err := s.Get(ctx, sha256)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Open returns a seekable stream over the blob's bytes and its row.
func (s *Store) Open(ctx context.Context, sha256 string) (io.ReadSeekCloser, *Blob, error) {
	b, err := s.Get(ctx, sha256)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.Open(ctx, b.HashSHA256)
	if err != nil {
		return nil, nil, err
	}
	return rc, b, nil
}

// Stats returns the number of blobs and their combined size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM package_blob`).Scan(&st.Count, &st.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("blob stats: %w", err)
	}
	return st, nil
}

// Unreferenced returns blobs created before olderThan that no file references.
func (s *Store) Unreferenced(ctx context.Context, olderThan time.Time) ([]*Blob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blobColumns+` FROM package_blob b
		WHERE b.created_unix < ?
		AND NOT EXISTS (SELECT 1 FROM package_file f WHERE f.blob_id = b.id)
		ORDER BY b.id`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("list unreferenced blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// Delete removes an unreferenced blob's row and its bytes in one write
// transaction. Returns ErrBlobInUse if a file started referencing it in the
// meantime.
func (s *Store) Delete(ctx context.Context, b *Blob) error {
	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM package_blob
			WHERE id = ? AND NOT EXISTS (SELECT 1 FROM package_file WHERE blob_id = ?)`, b.ID, b.ID)
		if err != nil {
			return fmt.Errorf("delete blob row %s: %w", b.HashSHA256, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete blob row %s: %w", b.HashSHA256, err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM package_blob WHERE id = ?)`, b.ID).Scan(&exists); err != nil {
				return fmt.Errorf("get blob %d: %w", b.ID, err)
			}
			if !exists {
				return ErrBlobNotFound
			}
			return ErrBlobInUse
		}
		return s.backend.Delete(ctx, b.HashSHA256)
	})
}

// SweepOrphans removes stored bytes that have no blob row and were last
// written before olderThan. Such bytes are left behind when a row insert
// fails after the bytes were persisted. Returns the number of files removed
// and their combined size.
func (s *Store) SweepOrphans(ctx context.Context, olderThan time.Time) (int, int64, error) {
	entries, err := s.backend.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list stored blobs: %w", err)
	}

	var (
		removed int
		freed   int64
	)
	for _, e := range entries {
		if !e.ModTime.Before(olderThan) {
			continue
		}
		err := s.inWriteTx(ctx, func(tx *sql.Tx) error {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM package_blob WHERE hash_sha256 = ?)`, e.Key).Scan(&exists); err != nil {
				return fmt.Errorf("look up blob %s: %w", e.Key, err)
			}
			if exists {
				return nil
			}
			if err := s.backend.Delete(ctx, e.Key); err != nil {
				return err
			}
			removed++
			freed += e.Size
			return nil
		})
		if err != nil {
			return removed, freed, err
		}
	}
	return removed, freed, nil
}
