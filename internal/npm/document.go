package npm

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/metastore"
)

// packageDocument is the registry's view of a package and all versions.
type packageDocument struct {
	ID       string                     `json:"_id"`
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]json.RawMessage `json:"versions"`
	Time     map[string]string          `json:"time"`
}

// dist is the download descriptor of one version.
type dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity"`
}

// unscoped returns the part of a package name after the scope.
func unscoped(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// tarballName is the file name npm derives for a version's tarball.
func tarballName(name, version string) string {
	return unscoped(name) + "-" + version + ".tgz"
}

// versionFromTarball recovers the version from "<unscoped>-<version>.tgz".
func versionFromTarball(name, file string) (string, bool) {
	version, ok := strings.CutPrefix(file, unscoped(name)+"-")
	if !ok {
		return "", false
	}
	version, ok = strings.CutSuffix(version, ".tgz")
	return version, ok && version != ""
}

// baseURL returns the configured public URL or one derived from r.
func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (h *Handler) tarballURL(r *http.Request, owner, name, version string) string {
	return h.baseURL(r) + "/api/packages/" + url.PathEscape(owner) + "/npm/" +
		strings.Replace(url.PathEscape(name), "%2F", "/", 1) + "/-/" + url.PathEscape(tarballName(name, version))
}

// withDist replaces the dist object of stored version metadata.
func withDist(metadata json.RawMessage, d dist) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	doc["dist"] = raw
	return json.Marshal(doc)
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func (h *Handler) getPackage(w http.ResponseWriter, r *http.Request, req *request) {
	ctx := r.Context()
	meta := h.svc.Meta()

	pkg, err := meta.GetPackage(ctx, req.owner, metastore.TypeNpm, req.name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	versions, err := meta.ListVersions(ctx, pkg)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	doc := packageDocument{
		ID:       pkg.Name,
		Name:     pkg.Name,
		DistTags: map[string]string{},
		Versions: make(map[string]json.RawMessage, len(versions)),
		Time: map[string]string{
			"created":  formatTime(pkg.CreatedUnix),
			"modified": formatTime(versions[0].CreatedUnix),
		},
	}

	tags, err := meta.ListTags(ctx, pkg)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	for _, t := range tags {
		doc.DistTags[t.Name] = t.Target
	}
	doc.DistTags["latest"] = versions[0].Version

	for _, v := range versions {
		lead, err := meta.GetLeadFile(ctx, v)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		blob, err := h.svc.Blobs().GetByID(ctx, lead.BlobID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		hashes := blob.Hashes()
		rendered, err := withDist(v.Metadata, dist{
			Tarball:   h.tarballURL(r, req.owner, pkg.Name, v.Version),
			Shasum:    hashes.SHA1,
			Integrity: hashes.Integrity(),
		})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		doc.Versions[v.Version] = rendered
		doc.Time[v.Version] = formatTime(v.CreatedUnix)
	}

	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) getTarball(w http.ResponseWriter, r *http.Request, req *request) {
	version, ok := versionFromTarball(req.name, req.arg)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	dl, err := h.svc.OpenLeadFile(r.Context(), req.owner, metastore.TypeNpm, req.name, version)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.File.Name+`"`)
	w.Header().Set("ETag", `"`+dl.Blob.HashSHA1+`"`)
	http.ServeContent(w, r, dl.File.Name, time.Unix(dl.File.CreatedUnix, 0), dl.Content)
}
