// Package auth resolves the caller identity of a request from an opaque
// API token. Reads are anonymous; writes need a token scoped to the owner.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// Permission levels a token can carry.
const (
	PermissionRead      = "ro"
	PermissionReadWrite = "rw"
)

// WildcardOwner grants a token access to every owner.
const WildcardOwner = "*"

// Caller is the identity behind a request.
type Caller struct {
	TokenID    string
	Owners     []string
	Permission string
}

// CanWrite reports whether the caller may publish under owner.
func (c *Caller) CanWrite(owner string) bool {
	if c == nil || c.Permission != PermissionReadWrite {
		return false
	}
	return slices.Contains(c.Owners, WildcardOwner) || slices.Contains(c.Owners, owner)
}

type contextKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the request's caller, or nil for anonymous requests.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextKey{}).(*Caller)
	return c
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// credentials extracts a raw token from a Bearer header or from the
// password of a Basic header, which is what npm and docker clients send.
func credentials(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}

// Middleware attaches the caller to the request context. Requests without
// valid credentials continue anonymously; adapters decide what that allows.
func Middleware(tokens Store, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := credentials(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			info, err := tokens.GetByHash(HashToken(raw))
			if err != nil {
				logger.Warn("token lookup failed", "error", err)
			}
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}

			caller := &Caller{TokenID: info.ID, Owners: info.Owners, Permission: info.Permission}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
