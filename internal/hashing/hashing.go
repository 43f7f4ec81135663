// Package hashing computes the MD5, SHA-1, SHA-256 and SHA-512 digests of a
// byte stream in a single pass. The running state can be serialized so an
// interrupted upload resumes hashing where it left off.
package hashing

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrDigest is returned when the input stream fails mid-hash.
	ErrDigest = errors.New("digest computation failed")

	// ErrInvalidDigest is returned for a malformed or non-sha256 digest string.
	ErrInvalidDigest = errors.New("invalid sha256 digest")
)

var validSHA256 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Hashes is the result of hashing a byte stream. Digests are lowercase hex.
type Hashes struct {
	Size   int64  `json:"size"`
	MD5    string `json:"md5"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
	SHA512 string `json:"sha512"`
}

// Digest returns the OCI form of the SHA-256, e.g. "sha256:ab12...".
func (h Hashes) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, h.SHA256)
}

// Integrity returns the Subresource Integrity string npm stores in dist.integrity.
func (h Hashes) Integrity() string {
	raw, err := hex.DecodeString(h.SHA512)
	if err != nil {
		return ""
	}
	return "sha512-" + base64.StdEncoding.EncodeToString(raw)
}

// Hasher is an io.Writer that feeds every byte to all four digests.
type Hasher struct {
	md5    hash.Hash
	sha1   hash.Hash
	sha256 hash.Hash
	sha512 hash.Hash
	size   int64
}

// New returns a Hasher with empty state.
func New() *Hasher {
	return &Hasher{
		md5:    md5.New(),
		sha1:   sha1.New(),
		sha256: sha256.New(),
		sha512: sha512.New(),
	}
}

// Write implements io.Writer. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	h.md5.Write(p)
	h.sha1.Write(p)
	h.sha256.Write(p)
	h.sha512.Write(p)
	h.size += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() int64 {
	return h.size
}

// Sum returns the digests of everything written so far. The state is not reset.
func (h *Hasher) Sum() Hashes {
	return Hashes{
		Size:   h.size,
		MD5:    hex.EncodeToString(h.md5.Sum(nil)),
		SHA1:   hex.EncodeToString(h.sha1.Sum(nil)),
		SHA256: hex.EncodeToString(h.sha256.Sum(nil)),
		SHA512: hex.EncodeToString(h.sha512.Sum(nil)),
	}
}

type snapshot struct {
	Size   int64  `json:"size"`
	MD5    []byte `json:"md5"`
	SHA1   []byte `json:"sha1"`
	SHA256 []byte `json:"sha256"`
	SHA512 []byte `json:"sha512"`
}

// MarshalBinary snapshots the running state of all four digests.
func (h *Hasher) MarshalBinary() ([]byte, error) {
	var snap snapshot
	snap.Size = h.size
	for _, f := range []struct {
		h   hash.Hash
		dst *[]byte
	}{
		{h.md5, &snap.MD5},
		{h.sha1, &snap.SHA1},
		{h.sha256, &snap.SHA256},
		{h.sha512, &snap.SHA512},
	} {
		m, ok := f.h.(encoding.BinaryMarshaler)
		if !ok {
			return nil, fmt.Errorf("hash %T is not serializable", f.h)
		}
		state, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal hash state: %w", err)
		}
		*f.dst = state
	}
	return json.Marshal(snap)
}

// UnmarshalBinary restores a state produced by MarshalBinary.
func (h *Hasher) UnmarshalBinary(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode hash state: %w", err)
	}

	restored := New()
	for _, f := range []struct {
		h     hash.Hash
		state []byte
	}{
		{restored.md5, snap.MD5},
		{restored.sha1, snap.SHA1},
		{restored.sha256, snap.SHA256},
		{restored.sha512, snap.SHA512},
	} {
		u, ok := f.h.(encoding.BinaryUnmarshaler)
		if !ok {
			return fmt.Errorf("hash %T is not serializable", f.h)
		}
		if err := u.UnmarshalBinary(f.state); err != nil {
			return fmt.Errorf("restore hash state: %w", err)
		}
	}
	restored.size = snap.Size

	*h = *restored
	return nil
}

// Compute hashes r to EOF in one streaming pass.
func Compute(r io.Reader) (Hashes, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return Hashes{}, fmt.Errorf("%w: %w", ErrDigest, err)
	}
	return h.Sum(), nil
}

// ParseSHA256 accepts either bare lowercase hex or a "sha256:" digest and
// returns the bare hex. Any other algorithm is rejected.
func ParseSHA256(s string) (string, error) {
	if strings.Contains(s, ":") {
		d, err := digest.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%q: %w", s, ErrInvalidDigest)
		}
		if d.Algorithm() != digest.SHA256 {
			return "", fmt.Errorf("%q: unsupported algorithm: %w", s, ErrInvalidDigest)
		}
		return d.Encoded(), nil
	}
	if !validSHA256.MatchString(s) {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidDigest)
	}
	return s, nil
}
