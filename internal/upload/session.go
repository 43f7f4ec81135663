// Package upload tracks resumable chunked uploads. A session accepts
// contiguous chunks, keeps a running digest that survives restarts, and on
// finalize commits the bytes to the blob store only if the claimed digest
// matches what was received.
package upload

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionClosed is returned when writing to a session that is
	// finalizing or abandoned.
	ErrSessionClosed = errors.New("upload session closed")

	// ErrOffsetMismatch is returned when a chunk does not start at the
	// number of bytes received so far.
	ErrOffsetMismatch = errors.New("chunk offset mismatch")

	// ErrDigestMismatch is returned when the claimed digest does not match
	// the received bytes. The session is abandoned.
	ErrDigestMismatch = errors.New("upload digest mismatch")
)

// State is the lifecycle position of an upload session.
type State string

const (
	StateInitiated  State = "initiated"
	StateReceiving  State = "receiving"
	StateFinalizing State = "finalizing"
	StateCommitted  State = "committed"
	StateAbandoned  State = "abandoned"
)

// Open reports whether the session still accepts chunks.
func (s State) Open() bool {
	return s == StateInitiated || s == StateReceiving
}

// Session is the persisted record of one upload.
type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	State     State     `json:"state"`
	Offset    int64     `json:"offset"`
	HashState []byte    `json:"hash_state,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
