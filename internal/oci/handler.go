// Package oci serves the OCI distribution v2 API: blob uploads, manifests
// and tags. Repository names are "<owner>/<image...>"; the whole name is the
// package name and the first component decides write access.
package oci

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
	"github.com/kilupskalvis/pkgstore/internal/upload"
)

// Config controls the OCI adapter.
type Config struct {
	// MaxManifestSize bounds manifest PUT bodies.
	MaxManifestSize int64

	// MaxChunkSize bounds a single PATCH or monolithic upload body.
	// Zero means unlimited.
	MaxChunkSize int64
}

// Handler is the OCI distribution adapter.
type Handler struct {
	svc     *packages.Service
	uploads *upload.Manager
	cfg     Config
	logger  *slog.Logger
}

// New returns an OCI adapter. Uploads are staged in uploads and committed
// into svc's blob store.
func New(svc *packages.Service, uploads *upload.Manager, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxManifestSize <= 0 {
		cfg.MaxManifestSize = 4 << 20
	}
	return &Handler{svc: svc, uploads: uploads, cfg: cfg, logger: logger.With("adapter", "oci")}
}

// Type returns the package type this adapter serves.
func (h *Handler) Type() metastore.Type { return metastore.TypeContainer }

// Register mounts the adapter under /v2/.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v2/", h.ServeHTTP)
}

// ServeHTTP dispatches a /v2/ request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")

	p := strings.TrimPrefix(r.URL.Path, "/v2/")
	if p == "" {
		h.versionCheck(w, r)
		return
	}

	rt, err := parsePath(p)
	if errors.Is(err, errInvalidName) {
		writeError(w, r, http.StatusBadRequest, ErrCodeNameInvalid, "invalid repository name", nil)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNameUnknown, "repository name not known to registry", nil)
		return
	}

	switch rt.kind {
	case kindManifest:
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			h.getManifest(w, r, rt)
		case http.MethodPut:
			h.putManifest(w, r, rt)
		case http.MethodDelete:
			h.deleteManifest(w, r, rt)
		default:
			methodNotAllowed(w, r)
		}
	case kindBlob:
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			h.getBlob(w, r, rt)
		case http.MethodDelete:
			writeError(w, r, http.StatusMethodNotAllowed, ErrCodeUnsupported, "blobs are immutable", nil)
		default:
			methodNotAllowed(w, r)
		}
	case kindUploadInit:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		h.initiateUpload(w, r, rt)
	case kindUpload:
		switch r.Method {
		case http.MethodGet:
			h.uploadStatus(w, r, rt)
		case http.MethodPatch:
			h.patchUpload(w, r, rt)
		case http.MethodPut:
			h.completeUpload(w, r, rt)
		case http.MethodDelete:
			h.cancelUpload(w, r, rt)
		default:
			methodNotAllowed(w, r)
		}
	case kindTagsList:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r)
			return
		}
		h.listTags(w, r, rt)
	}
}

// versionCheck answers GET /v2/. Anonymous callers get a challenge so clients learn
// to send credentials; reads elsewhere stay anonymous.
func (h *Handler) versionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r)
		return
	}
	if auth.FromContext(r.Context()) == nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="pkgstore"`)
		writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write([]byte("{}"))
	}
}

// authorizeWrite rejects the request unless the caller may push to owner.
func authorizeWrite(w http.ResponseWriter, r *http.Request, owner string) bool {
	caller := auth.FromContext(r.Context())
	if caller == nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="pkgstore"`)
		writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
		return false
	}
	if !caller.CanWrite(owner) {
		writeError(w, r, http.StatusForbidden, ErrCodeDenied, "requested access to the resource is denied", map[string]string{"owner": owner})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
}

// internalError logs err and writes a 500.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "path", r.URL.Path, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if r.Method != http.MethodHead {
		w.Write([]byte(`{"errors":[{"code":"UNKNOWN","message":"internal server error"}]}`))
	}
}
