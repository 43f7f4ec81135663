package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("upload_sessions")

// Manager owns upload sessions. Records live in bbolt, bytes in one temp
// file per session under the uploads directory.
type Manager struct {
	db     *bolt.DB
	dir    string
	blobs  *blobstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens or creates the session database at dbPath and keeps session
// bytes under uploadsDir.
func Open(dbPath, uploadsDir string, blobs *blobstore.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{filepath.Dir(dbPath), uploadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create upload directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketSessions, err)
	}

	return &Manager{
		db:     db,
		dir:    uploadsDir,
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sessionLock),
	}, nil
}

// Close releases the session database.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// lock serializes operations on one session id.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) dataPath(id string) string {
	return filepath.Join(m.dir, id)
}

func (m *Manager) load(id string) (*Session, error) {
	var s *Session
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return ErrSessionNotFound
		}
		s = &Session{}
		return json.Unmarshal(data, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(s.ID), data)
	})
}

func (m *Manager) remove(id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// Initiate creates an empty session for one (owner, type, target).
func (m *Manager) Initiate(_ context.Context, owner, pkgType, target string) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      pkgType,
		Target:    target,
		State:     StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	f, err := os.OpenFile(m.dataPath(s.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	f.Close()

	if err := m.save(s); err != nil {
		os.Remove(m.dataPath(s.ID))
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(_ context.Context, id string) (*Session, error) {
	return m.load(id)
}

// AppendChunk writes r at offset. The offset must equal the bytes received
// so far. A chunk that ends exactly at the current offset and matches the
// bytes already stored is a retry of an acknowledged chunk and succeeds
// without changing the session. On any failure the session is unchanged.
func (m *Manager) AppendChunk(ctx context.Context, id string, r io.Reader, offset int64) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if !s.State.Open() {
		return nil, ErrSessionClosed
	}

	switch {
	case offset > s.Offset:
		return nil, fmt.Errorf("chunk starts at %d, received %d: %w", offset, s.Offset, ErrOffsetMismatch)
	case offset < s.Offset:
		same, err := m.isRetry(id, offset, s.Offset, r)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fmt.Errorf("chunk starts at %d, received %d: %w", offset, s.Offset, ErrOffsetMismatch)
		}
		return s, nil
	}

	h := hashing.New()
	if len(s.HashState) > 0 {
		if err := h.UnmarshalBinary(s.HashState); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(m.dataPath(id), os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	// Drop bytes past the recorded offset left by an interrupted append.
	if err := f.Truncate(s.Offset); err != nil {
		return nil, fmt.Errorf("truncate upload file: %w", err)
	}
	if _, err := f.Seek(s.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek upload file: %w", err)
	}

	n, err := io.Copy(io.MultiWriter(f, h), contextReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Truncate(s.Offset)
		return nil, fmt.Errorf("%w: %w", hashing.ErrDigest, err)
	}

	state, err := h.MarshalBinary()
	if err != nil {
		f.Truncate(s.Offset)
		return nil, err
	}

	next := *s
	next.Offset += n
	next.HashState = state
	next.State = StateReceiving
	next.UpdatedAt = m.now().UTC()
	if err := m.save(&next); err != nil {
		f.Truncate(s.Offset)
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &next, nil
}

// isRetry reports whether r holds exactly the stored bytes [offset, received).
func (m *Manager) isRetry(id string, offset, received int64, r io.Reader) (bool, error) {
	f, err := os.Open(m.dataPath(id))
	if err != nil {
		return false, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	stored := io.NewSectionReader(f, offset, received-offset)
	want := make([]byte, 32*1024)
	got := make([]byte, 32*1024)
	for {
		wn, werr := io.ReadFull(stored, want)
		if werr != nil && werr != io.EOF && werr != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("read upload file: %w", werr)
		}
		if wn == 0 {
			// Stored range exhausted, the chunk must be too.
			n, err := io.ReadFull(r, got[:1])
			if err != nil && err != io.EOF {
				return false, fmt.Errorf("%w: %w", hashing.ErrDigest, err)
			}
			return n == 0, nil
		}
		gn, gerr := io.ReadFull(r, got[:wn])
		if gerr != nil && gerr != io.EOF && gerr != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("%w: %w", hashing.ErrDigest, gerr)
		}
		if gn != wn || !bytes.Equal(want[:wn], got[:gn]) {
			return false, nil
		}
	}
}

// Finalize verifies the claimed digest against the received bytes and
// commits them to the blob store. On mismatch the session is abandoned and
// nothing is committed. On success the session record and bytes are removed.
func (m *Manager) Finalize(ctx context.Context, id string, claimed digest.Digest) (*blobstore.Blob, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if !s.State.Open() {
		return nil, ErrSessionClosed
	}

	prev := s.State
	s.State = StateFinalizing
	s.UpdatedAt = m.now().UTC()
	if err := m.save(s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	h := hashing.New()
	if len(s.HashState) > 0 {
		if err := h.UnmarshalBinary(s.HashState); err != nil {
			return nil, err
		}
	}
	sum := h.Sum()

	if claimed.Validate() != nil || claimed.Algorithm() != digest.SHA256 || claimed.Encoded() != sum.SHA256 {
		if err := m.abandon(s); err != nil {
			m.logger.Warn("abandon session after digest mismatch", "session", id, "error", err)
		}
		return nil, fmt.Errorf("claimed %s, received %s: %w", claimed, sum.Digest(), ErrDigestMismatch)
	}

	f, err := os.Open(m.dataPath(id))
	if err != nil {
		return nil, m.reopen(s, prev, fmt.Errorf("open upload file: %w", err))
	}
	blob, _, err := m.blobs.StoreOrGet(ctx, sum, f)
	f.Close()
	if err != nil {
		return nil, m.reopen(s, prev, err)
	}

	s.State = StateCommitted
	if err := m.remove(id); err != nil {
		m.logger.Warn("remove committed session", "session", id, "error", err)
	}
	os.Remove(m.dataPath(id))
	return blob, nil
}

// reopen puts a session back to prev after a storage failure so the client
// can retry the finalize.
func (m *Manager) reopen(s *Session, prev State, cause error) error {
	s.State = prev
	if err := m.save(s); err != nil {
		m.logger.Warn("restore session state", "session", s.ID, "error", err)
	}
	return cause
}

func (m *Manager) abandon(s *Session) error {
	if err := os.Remove(m.dataPath(s.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload file: %w", err)
	}
	s.State = StateAbandoned
	s.HashState = nil
	s.UpdatedAt = m.now().UTC()
	return m.save(s)
}

// Abandon cancels a session and releases its bytes. The record stays in
// the abandoned state until the reaper removes it.
func (m *Manager) Abandon(_ context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(id)
	if err != nil {
		return err
	}
	if s.State == StateAbandoned {
		return nil
	}
	return m.abandon(s)
}

// ReapResult reports what one reaper pass did.
type ReapResult struct {
	Abandoned int
	Removed   int
}

// Reap abandons sessions idle for longer than idle and deletes abandoned
// records that have been idle for as long.
func (m *Manager) Reap(ctx context.Context, idle time.Duration) (*ReapResult, error) {
	cutoff := m.now().Add(-idle)

	var stale []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshal session %s: %w", k, err)
			}
			if s.UpdatedAt.Before(cutoff) {
				stale = append(stale, s.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	result := &ReapResult{}
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := m.reapOne(id, cutoff, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (m *Manager) reapOne(id string, cutoff time.Time, result *ReapResult) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !s.UpdatedAt.Before(cutoff) {
		return nil
	}

	if s.State == StateAbandoned {
		if err := m.remove(id); err != nil {
			return fmt.Errorf("remove session %s: %w", id, err)
		}
		result.Removed++
		return nil
	}

	if err := m.abandon(s); err != nil {
		return fmt.Errorf("abandon session %s: %w", id, err)
	}
	result.Abandoned++
	return nil
}

// RunReaper calls Reap every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := m.Reap(ctx, idle)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("upload reaper failed", "error", err)
				continue
			}
			if result.Abandoned > 0 || result.Removed > 0 {
				m.logger.Info("upload reaper pass",
					"abandoned", result.Abandoned,
					"removed", result.Removed,
				)
			}
		}
	}
}

// Count returns the number of session records, including abandoned ones.
func (m *Manager) Count() (int, error) {
	var n int
	err := m.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSessions).Stats().KeyN
		return nil
	})
	return n, err
}

// contextReader stops a long copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
