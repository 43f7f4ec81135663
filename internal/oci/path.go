package oci

import (
	"errors"
	"regexp"
	"strings"
)

// nameComponent and tagPattern follow the distribution reference grammar.
var (
	nameComponent = regexp.MustCompile(`^[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*$`)
	tagPattern    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

const maxNameLength = 255

type pathKind int

const (
	kindUnknown pathKind = iota
	kindManifest
	kindBlob
	kindUploadInit
	kindUpload
	kindTagsList
)

// route is a parsed /v2/ request path.
type route struct {
	kind pathKind
	// name is the full repository name; owner is its first component.
	name  string
	owner string
	// ref is the manifest reference, blob digest or upload id.
	ref string
}

var errUnknownPath = errors.New("unknown registry path")
var errInvalidName = errors.New("invalid repository name")

// parsePath parses the part of the path after /v2/. Repository names may
// contain slashes, so the operation is recognised from the end of the path.
func parsePath(p string) (*route, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	n := len(parts)
	if n < 2 {
		return nil, errUnknownPath
	}

	rt := &route{}
	var nameParts []string
	switch {
	case n >= 3 && parts[n-2] == "tags" && parts[n-1] == "list":
		rt.kind = kindTagsList
		nameParts = parts[:n-2]
	case n >= 3 && parts[n-2] == "manifests":
		rt.kind = kindManifest
		rt.ref = parts[n-1]
		nameParts = parts[:n-2]
	case n >= 3 && parts[n-2] == "blobs" && parts[n-1] == "uploads":
		rt.kind = kindUploadInit
		nameParts = parts[:n-2]
	case n >= 4 && parts[n-3] == "blobs" && parts[n-2] == "uploads":
		rt.kind = kindUpload
		rt.ref = parts[n-1]
		nameParts = parts[:n-3]
	case n >= 3 && parts[n-2] == "blobs":
		rt.kind = kindBlob
		rt.ref = parts[n-1]
		nameParts = parts[:n-2]
	default:
		return nil, errUnknownPath
	}

	if len(nameParts) == 0 {
		return nil, errUnknownPath
	}
	for _, c := range nameParts {
		if !nameComponent.MatchString(c) {
			return nil, errInvalidName
		}
	}
	rt.name = strings.Join(nameParts, "/")
	if len(rt.name) > maxNameLength {
		return nil, errInvalidName
	}
	rt.owner = nameParts[0]
	return rt, nil
}
