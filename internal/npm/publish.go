package npm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/kilupskalvis/pkgstore/internal/hashing"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
)

// publishDocument is the body of an npm publish.
type publishDocument struct {
	ID          string                     `json:"_id"`
	Name        string                     `json:"name"`
	DistTags    map[string]string          `json:"dist-tags"`
	Versions    map[string]json.RawMessage `json:"versions"`
	Attachments map[string]attachment      `json:"_attachments"`
}

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// versionManifest is the part of a version document the registry checks.
type versionManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dist    struct {
		Shasum    string `json:"shasum"`
		Integrity string `json:"integrity"`
	} `json:"dist"`
}

// preparedVersion is a version whose tarball has been decoded and verified.
type preparedVersion struct {
	version  string
	semver   *semver.Version
	metadata json.RawMessage
	tarball  []byte
	hashes   hashing.Hashes
}

// findAttachment returns the tarball for version. npm keys attachments by
// "<name>-<version>.tgz", with or without the scope.
func findAttachment(doc *publishDocument, name, version string) (attachment, bool) {
	for _, key := range []string{name + "-" + version + ".tgz", tarballName(name, version)} {
		if a, ok := doc.Attachments[key]; ok {
			return a, true
		}
	}
	if len(doc.Attachments) == 1 && len(doc.Versions) == 1 {
		for _, a := range doc.Attachments {
			return a, true
		}
	}
	return attachment{}, false
}

// prepareVersion validates one version and verifies its tarball against
// the declared checksums.
func prepareVersion(doc *publishDocument, name, version string, raw json.RawMessage) (*preparedVersion, error) {
	sv, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", version, ErrInvalidVersion)
	}

	var m versionManifest
	if err = json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", version, err)
	}
	if m.Version != "" && m.Version != version {
		return nil, fmt.Errorf("version key %q does not match manifest version %q: %w", version, m.Version, ErrInvalidVersion)
	}

	att, ok := findAttachment(doc, name, version)
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", name, version, ErrMissingAttachment)
	}
	tarball, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("%s@%s: attachment is not base64: %w", name, version, ErrMissingAttachment)
	}

	hashes, err := hashing.Compute(bytes.NewReader(tarball))
	if err != nil {
		return nil, err
	}

	if m.Dist.Shasum == "" {
		return nil, fmt.Errorf("%s@%s: dist.shasum is required: %w", name, version, ErrChecksumMismatch)
	}
	if !strings.EqualFold(m.Dist.Shasum, hashes.SHA1) {
		return nil, fmt.Errorf("%s@%s: declared shasum %s, computed %s: %w", name, version, m.Dist.Shasum, hashes.SHA1, ErrChecksumMismatch)
	}
	if strings.HasPrefix(m.Dist.Integrity, "sha512-") && m.Dist.Integrity != hashes.Integrity() {
		return nil, fmt.Errorf("%s@%s: declared integrity does not match tarball: %w", name, version, ErrChecksumMismatch)
	}
	if att.Length > 0 && att.Length != hashes.Size {
		return nil, fmt.Errorf("%s@%s: declared length %d, got %d: %w", name, version, att.Length, hashes.Size, ErrChecksumMismatch)
	}

	return &preparedVersion{version: version, semver: sv, metadata: raw, tarball: tarball, hashes: hashes}, nil
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, req *request) {
	if !authorizeWrite(w, r, req.owner) {
		return
	}
	ctx := r.Context()

	var doc publishDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxPublishSize)).Decode(&doc); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "publish body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid publish document: "+err.Error())
		return
	}
	if doc.Name != "" && !strings.EqualFold(doc.Name, req.name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("document name %q does not match %q", doc.Name, req.name))
		return
	}
	if len(doc.Versions) == 0 {
		writeError(w, http.StatusBadRequest, "no versions to publish")
		return
	}

	// Verify every tarball before storing anything.
	prepared := make([]*preparedVersion, 0, len(doc.Versions))
	for _, v := range slices.Sorted(maps.Keys(doc.Versions)) {
		pv, err := prepareVersion(&doc, req.name, v, doc.Versions[v])
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		prepared = append(prepared, pv)
	}
	// Lowest precedence first so the highest version is the newest row.
	slices.SortFunc(prepared, func(a, b *preparedVersion) int {
		return a.semver.Compare(b.semver)
	})

	for _, pv := range prepared {
		blob, _, err := h.svc.Blobs().StoreOrGet(ctx, pv.hashes, bytes.NewReader(pv.tarball))
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		_, err = h.svc.PublishVersion(ctx, packages.PublishRequest{
			Owner:            req.owner,
			Type:             metastore.TypeNpm,
			Name:             req.name,
			SemverCompatible: true,
			Version:          pv.version,
			Metadata:         pv.metadata,
			Files: []packages.FileSpec{{
				Name:   tarballName(req.name, pv.version),
				Blob:   blob,
				IsLead: true,
			}},
		})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
	}

	if err := h.applyDistTags(r, req, doc.DistTags); err != nil {
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": req.name})
}

// applyDistTags stores every dist-tag except latest, which always follows
// the newest version.
func (h *Handler) applyDistTags(r *http.Request, req *request, tags map[string]string) error {
	ctx := r.Context()
	meta := h.svc.Meta()

	pkg, err := meta.GetPackage(ctx, req.owner, metastore.TypeNpm, req.name)
	if err != nil {
		return err
	}
	for tag, version := range tags {
		if tag == "latest" {
			continue
		}
		if _, err := meta.GetVersion(ctx, pkg, version); err != nil {
			h.logger.Warn("dist-tag points at unknown version", "package", req.name, "tag", tag, "version", version)
			continue
		}
		if _, err := meta.SetTag(ctx, pkg, tag, version); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) listDistTags(w http.ResponseWriter, r *http.Request, req *request) {
	ctx := r.Context()
	meta := h.svc.Meta()

	pkg, err := meta.GetPackage(ctx, req.owner, metastore.TypeNpm, req.name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	tags, err := meta.ListTags(ctx, pkg)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	versions, err := meta.ListVersions(ctx, pkg)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	out := make(map[string]string, len(tags)+1)
	for _, t := range tags {
		out[t.Name] = t.Target
	}
	if len(versions) > 0 {
		out["latest"] = versions[0].Version
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) setDistTag(w http.ResponseWriter, r *http.Request, req *request) {
	if !authorizeWrite(w, r, req.owner) {
		return
	}
	if req.arg == "latest" {
		writeError(w, http.StatusBadRequest, "latest always points at the newest version")
		return
	}
	if _, err := semver.NewVersion(req.arg); err == nil {
		writeError(w, http.StatusBadRequest, "tag name must not be a valid semver version")
		return
	}

	var version string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&version); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON string version")
		return
	}

	ctx := r.Context()
	meta := h.svc.Meta()
	pkg, err := meta.GetPackage(ctx, req.owner, metastore.TypeNpm, req.name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	v, err := meta.GetVersion(ctx, pkg, version)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if _, err := meta.SetTag(ctx, pkg, req.arg, v.Version); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) deleteDistTag(w http.ResponseWriter, r *http.Request, req *request) {
	if !authorizeWrite(w, r, req.owner) {
		return
	}
	if req.arg == "latest" {
		writeError(w, http.StatusBadRequest, "the latest tag cannot be removed")
		return
	}

	ctx := r.Context()
	meta := h.svc.Meta()
	pkg, err := meta.GetPackage(ctx, req.owner, metastore.TypeNpm, req.name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := meta.DeleteTag(ctx, pkg, req.arg); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
