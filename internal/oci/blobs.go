package oci

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/upload"
)

// parseDigest accepts only well-formed sha256 digests.
func parseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", err
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %q", d.Algorithm())
	}
	return d, nil
}

func blobLocation(name string, d digest.Digest) string {
	return "/v2/" + name + "/blobs/" + d.String()
}

func uploadLocation(name, id string) string {
	return "/v2/" + name + "/blobs/uploads/" + id
}

// rangeHeader renders the inclusive byte range received so far.
func rangeHeader(offset int64) string {
	if offset <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", offset-1)
}

// parseContentRange returns the start offset of a "start-end" Content-Range.
// The "bytes " prefix and "/total" suffix are tolerated.
func parseContentRange(v string) (int64, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "bytes ")
	v, _, _ = strings.Cut(v, "/")
	startStr, endStr, ok := strings.Cut(v, "-")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	return start, nil
}

func (h *Handler) getBlob(w http.ResponseWriter, r *http.Request, rt *route) {
	d, err := parseDigest(rt.ref)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", rt.ref)
		return
	}

	content, blob, err := h.svc.Blobs().Open(r.Context(), d.String())
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeBlobUnknown, "blob unknown to registry", d.String())
		return
	}
	if err != nil {
		h.internalError(w, r, "open blob", err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	w.Header().Set("ETag", `"`+d.String()+`"`)
	w.Header().Set("Cache-Control", "max-age=31536000")
	http.ServeContent(w, r, "", time.Unix(blob.CreatedUnix, 0), content)
}

func (h *Handler) initiateUpload(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	q := r.URL.Query()

	// Cross-repository mount. The blob store is global, so any existing blob
	// can be mounted; otherwise fall back to a regular upload.
	if mount := q.Get("mount"); mount != "" {
		if d, err := parseDigest(mount); err == nil {
			ok, err := h.svc.Blobs().Exists(r.Context(), d.String())
			if err != nil {
				h.internalError(w, r, "check mounted blob", err)
				return
			}
			if ok {
				w.Header().Set("Location", blobLocation(rt.name, d))
				w.Header().Set("Docker-Content-Digest", d.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
	}

	if claimed := q.Get("digest"); claimed != "" {
		h.monolithicUpload(w, r, rt, claimed)
		return
	}

	s, err := h.uploads.Initiate(r.Context(), rt.owner, string(metastore.TypeContainer), rt.name)
	if err != nil {
		h.internalError(w, r, "initiate upload", err)
		return
	}
	h.logger.Debug("upload initiated", "name", rt.name, "session", s.ID)

	setUploadHeaders(w, rt, s)
	w.WriteHeader(http.StatusAccepted)
}

// monolithicUpload handles POST ?digest= with the whole blob as the body.
func (h *Handler) monolithicUpload(w http.ResponseWriter, r *http.Request, rt *route, claimed string) {
	d, err := parseDigest(claimed)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", claimed)
		return
	}

	s, err := h.uploads.Initiate(r.Context(), rt.owner, string(metastore.TypeContainer), rt.name)
	if err != nil {
		h.internalError(w, r, "initiate upload", err)
		return
	}
	if _, err := h.uploads.AppendChunk(r.Context(), s.ID, h.limitBody(w, r), 0); err != nil {
		h.uploads.Abandon(r.Context(), s.ID)
		h.writeUploadError(w, r, rt, s, err)
		return
	}
	blob, err := h.uploads.Finalize(r.Context(), s.ID, d)
	if err != nil {
		h.uploads.Abandon(r.Context(), s.ID)
		h.writeUploadError(w, r, rt, s, err)
		return
	}

	w.Header().Set("Location", blobLocation(rt.name, blob.Digest()))
	w.Header().Set("Docker-Content-Digest", blob.Digest().String())
	w.WriteHeader(http.StatusCreated)
}

// session loads an open upload session belonging to rt's repository.
func (h *Handler) session(w http.ResponseWriter, r *http.Request, rt *route) (*upload.Session, bool) {
	s, err := h.uploads.Get(r.Context(), rt.ref)
	if errors.Is(err, upload.ErrSessionNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeBlobUploadUnknown, "blob upload unknown to registry", rt.ref)
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, "load upload session", err)
		return nil, false
	}
	if s.Target != rt.name || s.Type != string(metastore.TypeContainer) || !s.State.Open() {
		writeError(w, r, http.StatusNotFound, ErrCodeBlobUploadUnknown, "blob upload unknown to registry", rt.ref)
		return nil, false
	}
	return s, true
}

func setUploadHeaders(w http.ResponseWriter, rt *route, s *upload.Session) {
	w.Header().Set("Location", uploadLocation(rt.name, s.ID))
	w.Header().Set("Docker-Upload-UUID", s.ID)
	w.Header().Set("Range", rangeHeader(s.Offset))
	w.Header().Set("Content-Length", "0")
}

func (h *Handler) limitBody(w http.ResponseWriter, r *http.Request) io.Reader {
	if h.cfg.MaxChunkSize > 0 {
		return http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkSize)
	}
	return r.Body
}

// chunkOffset is the start offset claimed by Content-Range, or the current
// offset when the header is absent.
func chunkOffset(r *http.Request, s *upload.Session) (int64, error) {
	cr := r.Header.Get("Content-Range")
	if cr == "" {
		return s.Offset, nil
	}
	return parseContentRange(cr)
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	s, ok := h.session(w, r, rt)
	if !ok {
		return
	}
	setUploadHeaders(w, rt, s)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	s, ok := h.session(w, r, rt)
	if !ok {
		return
	}

	offset, err := chunkOffset(r, s)
	if err != nil {
		setUploadHeaders(w, rt, s)
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, ErrCodeBlobUploadInvalid, err.Error(), nil)
		return
	}

	next, err := h.uploads.AppendChunk(r.Context(), s.ID, h.limitBody(w, r), offset)
	if err != nil {
		h.writeUploadError(w, r, rt, s, err)
		return
	}

	setUploadHeaders(w, rt, next)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	s, ok := h.session(w, r, rt)
	if !ok {
		return
	}

	claimed := r.URL.Query().Get("digest")
	d, err := parseDigest(claimed)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", claimed)
		return
	}

	if r.ContentLength != 0 {
		offset, err := chunkOffset(r, s)
		if err != nil {
			setUploadHeaders(w, rt, s)
			writeError(w, r, http.StatusRequestedRangeNotSatisfiable, ErrCodeBlobUploadInvalid, err.Error(), nil)
			return
		}
		if s, err = h.uploads.AppendChunk(r.Context(), s.ID, h.limitBody(w, r), offset); err != nil {
			h.writeUploadError(w, r, rt, s, err)
			return
		}
	}

	blob, err := h.uploads.Finalize(r.Context(), rt.ref, d)
	if err != nil {
		h.writeUploadError(w, r, rt, s, err)
		return
	}
	h.logger.Debug("upload committed", "name", rt.name, "digest", blob.Digest(), "size", blob.Size)

	w.Header().Set("Location", blobLocation(rt.name, blob.Digest()))
	w.Header().Set("Docker-Content-Digest", blob.Digest().String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) cancelUpload(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	if _, ok := h.session(w, r, rt); !ok {
		return
	}
	if err := h.uploads.Abandon(r.Context(), rt.ref); err != nil {
		h.internalError(w, r, "abandon upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeUploadError maps upload failures to OCI responses. s is the session
// as it was before the failed call and may be nil.
func (h *Handler) writeUploadError(w http.ResponseWriter, r *http.Request, rt *route, s *upload.Session, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, ErrCodeSizeInvalid, "chunk too large", nil)
	case errors.Is(err, upload.ErrOffsetMismatch):
		if cur, gerr := h.uploads.Get(r.Context(), rt.ref); gerr == nil {
			s = cur
		}
		if s != nil {
			setUploadHeaders(w, rt, s)
		}
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, ErrCodeBlobUploadInvalid, err.Error(), nil)
	case errors.Is(err, upload.ErrSessionNotFound), errors.Is(err, upload.ErrSessionClosed):
		writeError(w, r, http.StatusNotFound, ErrCodeBlobUploadUnknown, "blob upload unknown to registry", rt.ref)
	case errors.Is(err, upload.ErrDigestMismatch), errors.Is(err, blobstore.ErrHashMismatch):
		writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "provided digest did not match uploaded content", nil)
	default:
		h.internalError(w, r, "blob upload failed", err)
	}
}
