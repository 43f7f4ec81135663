// Package server assembles the registry's HTTP surface: protocol adapters,
// health and admin endpoints, and the shared middleware chain.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/compress"
	"github.com/kilupskalvis/pkgstore/internal/npm"
	"github.com/kilupskalvis/pkgstore/internal/oci"
	"github.com/kilupskalvis/pkgstore/internal/packages"
	"github.com/kilupskalvis/pkgstore/internal/upload"
)

// Deps are the long-lived stores the handlers run against.
type Deps struct {
	Service *packages.Service
	Uploads *upload.Manager
	Tokens  auth.Store
}

// Config holds configurable limits for the server.
type Config struct {
	PublicURL         string
	AdminToken        string        // for /admin endpoints; empty disables them
	RequestsPerMinute int           // per token or client address
	MaxManifestSize   int64         // bytes
	MaxNpmPublishSize int64         // bytes
	MaxChunkSize      int64         // bytes, per upload request
	GCGracePeriod     time.Duration // minimum age of a blob before GC may delete it
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerMinute: 600,
		MaxManifestSize:   4 * 1024 * 1024,   // 4MB
		MaxNpmPublishSize: 256 * 1024 * 1024, // 256MB
		MaxChunkSize:      1 << 30,           // 1GB
		GCGracePeriod:     24 * time.Hour,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(deps Deps, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Service.Blobs().Stats(r.Context()); err != nil {
			logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: database unavailable"))
			return
		}
		if _, err := deps.Tokens.List(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(deps.Tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(deps.Tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(deps.Tokens, logger))
		adminMux.HandleFunc("POST /admin/gc", makeAdminGCHandler(deps, cfg.GCGracePeriod, logger))
		adminMux.HandleFunc("GET /admin/stats", makeAdminStatsHandler(deps, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Protocol adapters
	adapters := []packages.Adapter{
		npm.New(deps.Service, npm.Config{
			PublicURL:      cfg.PublicURL,
			MaxPublishSize: cfg.MaxNpmPublishSize,
		}, logger),
		oci.New(deps.Service, deps.Uploads, oci.Config{
			MaxManifestSize: cfg.MaxManifestSize,
			MaxChunkSize:    cfg.MaxChunkSize,
		}, logger),
	}
	for _, a := range adapters {
		a.Register(mux)
		logger.Debug("adapter registered", "type", a.Type())
	}

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
		auth.Middleware(deps.Tokens, logger),
		rl.middleware,
		compress.Middleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
