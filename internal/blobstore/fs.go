package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// validKey matches a lowercase hex-encoded SHA-256 (64 characters).
var validKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FSBackend implements Backend on the local filesystem. Blobs are sharded
// two levels deep by the first four hex characters: root/ab/cd/abcd....
type FSBackend struct {
	root string
}

// NewFSBackend creates a filesystem backend rooted at the given directory.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

// Has checks whether a blob exists.
func (s *FSBackend) Has(_ context.Context, key string) (bool, error) {
	if !validKey.MatchString(key) {
		return false, nil
	}
	_, err := os.Stat(s.blobPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return true, nil
}

// Open opens a blob for reading.
func (s *FSBackend) Open(_ context.Context, key string) (io.ReadSeekCloser, error) {
	if !validKey.MatchString(key) {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

// Put writes r to a temp file in the shard directory, verifies its SHA-256
// and renames it into place.
func (s *FSBackend) Put(_ context.Context, key string, r io.Reader) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("invalid blob key: %q", key)
	}
	blobPath := s.blobPath(key)

	// An existing blob is kept and marked as freshly written.
	now := time.Now()
	if err := os.Chtimes(blobPath, now, now); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("touch blob %s: %w", key, err)
	}

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write blob data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != key {
		os.Remove(tmpPath)
		return fmt.Errorf("expected %s, got %s: %w", key, computed, ErrHashMismatch)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Delete removes a blob.
func (s *FSBackend) Delete(_ context.Context, key string) error {
	if !validKey.MatchString(key) {
		return nil
	}
	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// List returns all blobs by scanning the shard directories. Temp files
// of in-progress writes are skipped.
func (s *FSBackend) List(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !validKey.MatchString(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Key: d.Name(), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	return entries, err
}

func (s *FSBackend) blobPath(key string) string {
	return filepath.Join(s.root, key[:2], key[2:4], key)
}
