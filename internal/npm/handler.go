// Package npm serves the npm registry protocol for one owner namespace:
// package documents, tarball downloads, publish and dist-tags.
package npm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
)

var (
	// ErrChecksumMismatch is returned when a tarball does not hash to the
	// shasum or integrity declared for it.
	ErrChecksumMismatch = errors.New("tarball checksum mismatch")

	// ErrInvalidVersion is returned for a version that is not strict semver.
	ErrInvalidVersion = errors.New("invalid semver version")

	// ErrInvalidName is returned for a malformed package name.
	ErrInvalidName = errors.New("invalid package name")

	// ErrMissingAttachment is returned when a published version has no tarball.
	ErrMissingAttachment = errors.New("missing tarball attachment")
)

// validName matches plain and scoped npm package names.
var validName = regexp.MustCompile(`^(?:@[A-Za-z0-9][A-Za-z0-9._~-]*/)?[A-Za-z0-9._~-][A-Za-z0-9._~-]*$`)

const maxNameLength = 214

// Config controls the npm adapter.
type Config struct {
	// PublicURL is the externally visible base URL used in dist.tarball.
	// When empty it is derived from each request.
	PublicURL string

	// MaxPublishSize bounds the publish request body.
	MaxPublishSize int64
}

// Handler is the npm protocol adapter.
type Handler struct {
	svc    *packages.Service
	cfg    Config
	logger *slog.Logger
}

// New returns an npm adapter backed by svc.
func New(svc *packages.Service, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPublishSize <= 0 {
		cfg.MaxPublishSize = 256 << 20
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Handler{svc: svc, cfg: cfg, logger: logger.With("adapter", "npm")}
}

// Type returns the package type this adapter serves.
func (h *Handler) Type() metastore.Type { return metastore.TypeNpm }

// Register mounts the adapter under /api/packages/{owner}/npm/.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/packages/{owner}/npm/{rest...}", h.route)
	mux.HandleFunc("PUT /api/packages/{owner}/npm/{rest...}", h.route)
	mux.HandleFunc("DELETE /api/packages/{owner}/npm/{rest...}", h.route)
}

// request is a parsed npm path.
type request struct {
	owner string
	name  string
	// kind is one of "package", "tarball", "unpublish", "dist-tags".
	kind string
	arg  string
}

// parsePath splits the path below /api/packages/{owner}/npm/. Scoped names
// arrive either as "@scope%2fname" or as two segments; both reach here as
// "@scope/name" because the mux unescapes wildcard values.
func parsePath(rest string) (*request, error) {
	req := &request{}
	distTags := false
	if after, ok := strings.CutPrefix(rest, "-/package/"); ok {
		rest = after
		distTags = true
	}

	segs := strings.Split(strings.Trim(rest, "/"), "/")
	n := 1
	if strings.HasPrefix(segs[0], "@") {
		n = 2
	}
	if len(segs) < n {
		return nil, ErrInvalidName
	}
	req.name = strings.Join(segs[:n], "/")
	if len(req.name) > maxNameLength || !validName.MatchString(req.name) {
		return nil, fmt.Errorf("%q: %w", req.name, ErrInvalidName)
	}
	tail := segs[n:]

	if distTags {
		switch {
		case len(tail) == 1 && tail[0] == "dist-tags":
			req.kind = "dist-tags"
		case len(tail) == 2 && tail[0] == "dist-tags":
			req.kind = "dist-tags"
			req.arg = tail[1]
		default:
			return nil, errNoRoute
		}
		return req, nil
	}

	switch {
	case len(tail) == 0:
		req.kind = "package"
	case len(tail) == 2 && tail[0] == "-":
		req.kind = "tarball"
		req.arg = tail[1]
	case len(tail) >= 2 && (tail[0] == "-rev" || tail[0] == "-"):
		req.kind = "unpublish"
	default:
		return nil, errNoRoute
	}
	return req, nil
}

var errNoRoute = errors.New("no such route")

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	req, err := parsePath(r.PathValue("rest"))
	if errors.Is(err, errNoRoute) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.owner = r.PathValue("owner")

	switch {
	case req.kind == "package" && r.Method == http.MethodGet:
		h.getPackage(w, r, req)
	case req.kind == "package" && r.Method == http.MethodPut:
		h.publish(w, r, req)
	case req.kind == "tarball" && r.Method == http.MethodGet:
		h.getTarball(w, r, req)
	case req.kind == "dist-tags" && r.Method == http.MethodGet && req.arg == "":
		h.listDistTags(w, r, req)
	case req.kind == "dist-tags" && r.Method == http.MethodPut && req.arg != "":
		h.setDistTag(w, r, req)
	case req.kind == "dist-tags" && r.Method == http.MethodDelete && req.arg != "":
		h.deleteDistTag(w, r, req)
	case r.Method == http.MethodDelete:
		writeError(w, http.StatusNotImplemented, "unpublish is not supported")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// authorizeWrite rejects the request unless the caller may write to owner.
func authorizeWrite(w http.ResponseWriter, r *http.Request, owner string) bool {
	caller := auth.FromContext(r.Context())
	if caller == nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="pkgstore"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !caller.CanWrite(owner) {
		writeError(w, http.StatusForbidden, "token cannot publish to "+owner)
		return false
	}
	return true
}

// writeStoreError maps store errors to npm responses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metastore.ErrNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, packages.ErrVersionExists), errors.Is(err, metastore.ErrDuplicateFile):
		writeError(w, http.StatusConflict, "cannot modify pre-existing version")
	case errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrInvalidName), errors.Is(err, ErrMissingAttachment):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("npm request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
