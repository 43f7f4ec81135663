package oci

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/kilupskalvis/pkgstore/internal/metastore"
)

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// listTags answers GET /v2/{name}/tags/list in lexical order. n bounds the
// page size and last resumes after a tag; a Link header points at the next
// page when one exists.
func (h *Handler) listTags(w http.ResponseWriter, r *http.Request, rt *route) {
	q := r.URL.Query()
	limit := -1
	if v := q.Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, ErrCodeUnsupported, "invalid page size", v)
			return
		}
		limit = n
	}
	last := q.Get("last")

	pkg, err := h.svc.Meta().GetPackage(r.Context(), rt.owner, metastore.TypeContainer, rt.name)
	if errors.Is(err, metastore.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNameUnknown, "repository name not known to registry", rt.name)
		return
	}
	if err != nil {
		h.internalError(w, r, "get package", err)
		return
	}
	tags, err := h.svc.Meta().ListTags(r.Context(), pkg)
	if err != nil {
		h.internalError(w, r, "list tags", err)
		return
	}

	names := make([]string, 0, len(tags))
	for _, t := range tags {
		if last == "" || t.Name > last {
			names = append(names, t.Name)
		}
	}
	slices.Sort(names)

	if limit >= 0 && len(names) > limit {
		names = names[:limit]
		if limit > 0 {
			next := url.Values{"n": {strconv.Itoa(limit)}, "last": {names[len(names)-1]}}
			w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?%s>; rel="next"`, rt.name, next.Encode()))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(tagList{Name: rt.name, Tags: names})
}
