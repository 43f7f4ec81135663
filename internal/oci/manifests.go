package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
)

// Docker schema 2 media types. Schema 1 is not supported.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

const (
	leadFileName     = "manifest.json"
	propMediaType    = "container.mediatype"
	propSubject      = "container.subject"
	propArtifactType = "container.artifacttype"
)

// manifestInfo is what the registry needs from an image manifest or index.
type manifestInfo struct {
	mediaType    string
	artifactType string
	annotations  map[string]string
	subject      *v1.Descriptor
	config       *v1.Descriptor
	layers       []v1.Descriptor
	children     []v1.Descriptor
}

// manifestHeader decodes just enough to pick the concrete schema.
type manifestHeader struct {
	specs.Versioned
	MediaType string          `json:"mediaType"`
	Config    json.RawMessage `json:"config"`
	Manifests json.RawMessage `json:"manifests"`
}

func isManifestType(mt string) bool {
	return mt == v1.MediaTypeImageManifest || mt == mediaTypeDockerManifest
}

func isIndexType(mt string) bool {
	return mt == v1.MediaTypeImageIndex || mt == mediaTypeDockerManifestList
}

// parseManifest decodes an image manifest or index. contentType is the
// request's Content-Type and is used when the body does not name its own
// media type.
func parseManifest(contentType string, body []byte) (*manifestInfo, error) {
	var header manifestHeader
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if header.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrInvalidManifest, header.SchemaVersion)
	}

	ct, _, _ := mime.ParseMediaType(contentType)
	mt := header.MediaType
	switch {
	case mt != "" && (isManifestType(ct) || isIndexType(ct)) && ct != mt:
		return nil, fmt.Errorf("%w: content type %q does not match mediaType %q", ErrInvalidManifest, ct, mt)
	case mt == "" && (isManifestType(ct) || isIndexType(ct)):
		mt = ct
	case mt == "" && len(header.Manifests) > 0:
		mt = v1.MediaTypeImageIndex
	case mt == "" && len(header.Config) > 0:
		mt = v1.MediaTypeImageManifest
	}

	info := &manifestInfo{mediaType: mt}
	switch {
	case isManifestType(mt):
		var m v1.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
		if err := m.Config.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: config: %w", ErrInvalidManifest, err)
		}
		for _, l := range m.Layers {
			if err := l.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("%w: layer: %w", ErrInvalidManifest, err)
			}
		}
		info.artifactType = m.ArtifactType
		info.annotations = m.Annotations
		info.subject = m.Subject
		info.config = &m.Config
		info.layers = m.Layers
	case isIndexType(mt):
		var idx v1.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
		for _, c := range idx.Manifests {
			if err := c.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("%w: manifest: %w", ErrInvalidManifest, err)
			}
		}
		info.artifactType = idx.ArtifactType
		info.annotations = idx.Annotations
		info.subject = idx.Subject
		info.children = idx.Manifests
	default:
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalidManifest, mt)
	}
	if info.subject != nil {
		if err := info.subject.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: subject: %w", ErrInvalidManifest, err)
		}
	}
	return info, nil
}

// platformKey renders a child manifest's platform as os/arch[/variant].
func platformKey(p *v1.Platform) string {
	if p == nil {
		return ""
	}
	key := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		key += "/" + p.Variant
	}
	return key
}

// missingBlobError carries the first referenced digest that is not stored.
type missingBlobError struct {
	digest digest.Digest
}

func (e *missingBlobError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingLayer, e.digest)
}

func (e *missingBlobError) Unwrap() error { return ErrMissingLayer }

// referencedFiles resolves every blob the manifest points at into the file
// list of the version. Foreign layers with external URLs are not stored
// here and are skipped.
func (h *Handler) referencedFiles(ctx context.Context, info *manifestInfo) ([]packages.FileSpec, error) {
	type ref struct {
		desc v1.Descriptor
		key  string
	}
	var refs []ref
	if info.config != nil {
		refs = append(refs, ref{desc: *info.config})
	}
	for _, l := range info.layers {
		if len(l.URLs) > 0 {
			continue
		}
		refs = append(refs, ref{desc: l})
	}
	for _, c := range info.children {
		refs = append(refs, ref{desc: c, key: platformKey(c.Platform)})
	}

	seen := make(map[string]bool)
	var files []packages.FileSpec
	for _, rf := range refs {
		id := rf.desc.Digest.String() + "\x00" + rf.key
		if seen[id] {
			continue
		}
		seen[id] = true

		blob, err := h.svc.Blobs().Get(ctx, rf.desc.Digest.String())
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, &missingBlobError{digest: rf.desc.Digest}
		}
		if err != nil {
			return nil, err
		}
		files = append(files, packages.FileSpec{
			Name:         rf.desc.Digest.String(),
			CompositeKey: rf.key,
			Blob:         blob,
			Properties:   map[string]string{propMediaType: rf.desc.MediaType},
		})
	}
	return files, nil
}

// versionMetadata is stored as the version's metadata document.
type versionMetadata struct {
	MediaType    string            `json:"mediaType"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Size         int64             `json:"size"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Subject      *v1.Descriptor    `json:"subject,omitempty"`
}

func isDigestRef(ref string) bool {
	return strings.Contains(ref, ":")
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxManifestSize+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeManifestInvalid, "read manifest", err.Error())
		return
	}
	if int64(len(body)) > h.cfg.MaxManifestSize {
		writeError(w, r, http.StatusRequestEntityTooLarge, ErrCodeSizeInvalid, "manifest too large", nil)
		return
	}

	hashes, err := hashing.Compute(bytes.NewReader(body))
	if err != nil {
		h.internalError(w, r, "hash manifest", err)
		return
	}
	dgst := hashes.Digest()

	if isDigestRef(rt.ref) {
		claimed, err := parseDigest(rt.ref)
		if err != nil || claimed != dgst {
			writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "manifest digest did not match reference", rt.ref)
			return
		}
	} else if !tagPattern.MatchString(rt.ref) {
		writeError(w, r, http.StatusBadRequest, ErrCodeTagInvalid, "invalid tag", rt.ref)
		return
	}

	info, err := parseManifest(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeManifestInvalid, "manifest invalid", err.Error())
		return
	}

	files, err := h.referencedFiles(ctx, info)
	var missing *missingBlobError
	if errors.As(err, &missing) {
		writeError(w, r, http.StatusBadRequest, ErrCodeManifestBlobUnknown, "blob unknown to registry", missing.digest.String())
		return
	}
	if err != nil {
		h.internalError(w, r, "resolve manifest references", err)
		return
	}

	manifestBlob, _, err := h.svc.Blobs().StoreOrGet(ctx, hashes, bytes.NewReader(body))
	if err != nil {
		h.internalError(w, r, "store manifest", err)
		return
	}
	files = append([]packages.FileSpec{{
		Name:       leadFileName,
		Blob:       manifestBlob,
		IsLead:     true,
		Properties: map[string]string{propMediaType: info.mediaType},
	}}, files...)

	metadata, err := json.Marshal(versionMetadata{
		MediaType:    info.mediaType,
		ArtifactType: info.artifactType,
		Size:         int64(len(body)),
		Annotations:  info.annotations,
		Subject:      info.subject,
	})
	if err != nil {
		h.internalError(w, r, "encode manifest metadata", err)
		return
	}

	props := map[string]string{propMediaType: info.mediaType}
	if info.artifactType != "" {
		props[propArtifactType] = info.artifactType
	}
	if info.subject != nil {
		props[propSubject] = info.subject.Digest.String()
	}

	_, err = h.svc.PublishVersion(ctx, packages.PublishRequest{
		Owner:      rt.owner,
		Type:       metastore.TypeContainer,
		Name:       rt.name,
		Version:    dgst.String(),
		Metadata:   metadata,
		Properties: props,
		Files:      files,
	})
	if err != nil && !errors.Is(err, packages.ErrVersionExists) {
		h.internalError(w, r, "publish manifest", err)
		return
	}

	if !isDigestRef(rt.ref) {
		pkg, err := h.svc.Meta().GetPackage(ctx, rt.owner, metastore.TypeContainer, rt.name)
		if err == nil {
			_, err = h.svc.Meta().SetTag(ctx, pkg, rt.ref, dgst.String())
		}
		if err != nil {
			h.internalError(w, r, "tag manifest", err)
			return
		}
		h.logger.Info("tag updated", "name", rt.name, "tag", rt.ref, "digest", dgst)
	}

	if info.subject != nil {
		w.Header().Set("OCI-Subject", info.subject.Digest.String())
	}
	w.Header().Set("Location", "/v2/"+rt.name+"/manifests/"+dgst.String())
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

// resolveManifest maps a tag or digest reference to the stored version.
func (h *Handler) resolveManifest(ctx context.Context, rt *route) (*metastore.Version, error) {
	pkg, err := h.svc.Meta().GetPackage(ctx, rt.owner, metastore.TypeContainer, rt.name)
	if err != nil {
		return nil, err
	}
	ref := rt.ref
	if !isDigestRef(ref) {
		tag, err := h.svc.Meta().ResolveTag(ctx, pkg, ref)
		if err != nil {
			return nil, err
		}
		ref = tag.Target
	}
	return h.svc.Meta().GetVersion(ctx, pkg, ref)
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request, rt *route) {
	ctx := r.Context()
	if isDigestRef(rt.ref) {
		if _, err := parseDigest(rt.ref); err != nil {
			writeError(w, r, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", rt.ref)
			return
		}
	}

	v, err := h.resolveManifest(ctx, rt)
	if errors.Is(err, metastore.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeManifestUnknown, "manifest unknown", rt.ref)
		return
	}
	if err != nil {
		h.internalError(w, r, "resolve manifest", err)
		return
	}

	lead, err := h.svc.Meta().GetLeadFile(ctx, v)
	if err != nil {
		h.internalError(w, r, "load manifest file", err)
		return
	}
	props, err := h.svc.Meta().GetProperties(ctx, metastore.RefFile, lead.ID)
	if err != nil {
		h.internalError(w, r, "load manifest properties", err)
		return
	}
	blob, err := h.svc.Blobs().GetByID(ctx, lead.BlobID)
	if err != nil {
		h.internalError(w, r, "load manifest blob", err)
		return
	}
	content, _, err := h.svc.Blobs().Open(ctx, blob.HashSHA256)
	if err != nil {
		h.internalError(w, r, "open manifest blob", err)
		return
	}
	defer content.Close()

	if r.Method == http.MethodGet {
		if err := h.svc.Meta().IncrementDownload(ctx, v); err != nil {
			h.logger.Warn("download count not updated", "name", rt.name, "digest", v.Version, "error", err)
		}
	}

	mt := props[propMediaType]
	if mt == "" {
		mt = v1.MediaTypeImageManifest
	}
	w.Header().Set("Content-Type", mt)
	w.Header().Set("Docker-Content-Digest", v.Version)
	w.Header().Set("ETag", `"`+v.Version+`"`)
	http.ServeContent(w, r, "", time.Unix(v.CreatedUnix, 0), content)
}

// deleteManifest removes a tag pointer. Manifests themselves are immutable.
func (h *Handler) deleteManifest(w http.ResponseWriter, r *http.Request, rt *route) {
	if !authorizeWrite(w, r, rt.owner) {
		return
	}
	if isDigestRef(rt.ref) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrCodeUnsupported, "manifests are immutable; delete a tag instead", rt.ref)
		return
	}

	ctx := r.Context()
	pkg, err := h.svc.Meta().GetPackage(ctx, rt.owner, metastore.TypeContainer, rt.name)
	if err == nil {
		err = h.svc.Meta().DeleteTag(ctx, pkg, rt.ref)
	}
	if errors.Is(err, metastore.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeManifestUnknown, "manifest unknown", rt.ref)
		return
	}
	if err != nil {
		h.internalError(w, r, "delete tag", err)
		return
	}
	h.logger.Info("tag deleted", "name", rt.name, "tag", rt.ref)
	w.WriteHeader(http.StatusAccepted)
}
