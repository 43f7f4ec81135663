// Package metastore persists the Package -> Version -> File -> Blob
// hierarchy. Every write is an idempotent create-or-get, so the uniqueness
// constraints in the schema decide races instead of application locks.
package metastore

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a package, version, file or tag does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateFile is returned when a file with the same name and
	// composite key, or a second lead file, is attached to a version.
	ErrDuplicateFile = errors.New("file already exists")

	// ErrInvalidType is returned for a package type outside Types.
	ErrInvalidType = errors.New("invalid package type")
)

// Type is the protocol a package belongs to.
type Type string

const (
	TypeNpm       Type = "npm"
	TypeContainer Type = "container"
	TypeGeneric   Type = "generic"
)

// Types is the closed set of known package types.
var Types = []Type{TypeNpm, TypeContainer, TypeGeneric}

// Valid reports whether t is one of Types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// RefType names the entity a property is attached to.
type RefType string

const (
	RefPackage RefType = "package"
	RefVersion RefType = "version"
	RefFile    RefType = "file"
)

// Package is identified by owner, type and case-insensitive name.
type Package struct {
	ID               int64
	Owner            string
	Type             Type
	Name             string
	LowerName        string
	SemverCompatible bool
	CreatedUnix      int64
}

// Version is an immutable release of a package.
type Version struct {
	ID            int64
	PackageID     int64
	Version       string
	LowerVersion  string
	Metadata      json.RawMessage
	DownloadCount int64
	CreatedUnix   int64
}

// File is one named artifact of a version, backed by a blob.
type File struct {
	ID           int64
	VersionID    int64
	BlobID       int64
	Name         string
	LowerName    string
	CompositeKey string
	IsLead       bool
	CreatedUnix  int64
}

// Tag is a mutable pointer from a name to a version string.
type Tag struct {
	ID          int64
	PackageID   int64
	Name        string
	Key         string // unique per package, see tagKey
	Target      string
	UpdatedUnix int64
}

// TypeStats summarises one package type.
type TypeStats struct {
	Type      Type  `json:"type"`
	Packages  int64 `json:"packages"`
	Versions  int64 `json:"versions"`
	Files     int64 `json:"files"`
	Downloads int64 `json:"downloads"`
}
