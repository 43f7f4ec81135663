package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
)

// CreateTokenRequest is the body of POST /admin/tokens.
type CreateTokenRequest struct {
	Description string   `json:"description"`
	Owners      []string `json:"owners"`
	Permission  string   `json:"permission"`
}

// CreateTokenResponse carries the raw token, shown once.
type CreateTokenResponse struct {
	Token       string   `json:"token"`
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Owners      []string `json:"owners"`
	Permission  string   `json:"permission"`
}

// TokenEntry is a token's metadata as listed by GET /admin/tokens.
type TokenEntry struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Owners      []string  `json:"owners"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is the body of GET /admin/stats.
type Stats struct {
	Blobs          blobstore.Stats       `json:"blobs"`
	Packages       []metastore.TypeStats `json:"packages"`
	UploadSessions int                   `json:"upload_sessions"`
}

func makeAdminCreateTokenHandler(tokens auth.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTokenRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Permission == "" {
			req.Permission = auth.PermissionRead
		}
		if req.Permission != auth.PermissionRead && req.Permission != auth.PermissionReadWrite {
			writeError(w, http.StatusBadRequest, "permission must be 'ro' or 'rw'")
			return
		}
		if len(req.Owners) == 0 {
			writeError(w, http.StatusBadRequest, "at least one owner is required")
			return
		}

		rawToken, info, err := tokens.Create(req.Description, req.Owners, req.Permission)
		if err != nil {
			logger.Error("create token", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Info("token created", "token_id", info.ID, "owners", info.Owners, "permission", info.Permission)

		writeJSON(w, http.StatusCreated, &CreateTokenResponse{
			Token:       rawToken,
			ID:          info.ID,
			Description: info.Description,
			Owners:      info.Owners,
			Permission:  info.Permission,
		})
	}
}

func makeAdminListTokensHandler(tokens auth.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.List()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		// Metadata only, never hashes
		entries := make([]TokenEntry, len(list))
		for i, t := range list {
			entries[i] = TokenEntry{
				ID:          t.ID,
				Description: t.Description,
				Owners:      t.Owners,
				Permission:  t.Permission,
				CreatedAt:   t.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens auth.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := tokens.Delete(id)
		if errors.Is(err, auth.ErrTokenNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Info("token deleted", "token_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// makeAdminGCHandler runs one garbage collection pass. The grace query
// parameter overrides the configured grace period.
func makeAdminGCHandler(deps Deps, grace time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := grace
		if v := r.URL.Query().Get("grace"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid grace duration")
				return
			}
			g = d
		}

		result, err := GarbageCollect(r.Context(), deps.Service.Blobs(), g, logger)
		if err != nil {
			logger.Error("gc failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func makeAdminStatsHandler(deps Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := CollectStats(r.Context(), deps)
		if err != nil {
			logger.Error("collect stats", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
