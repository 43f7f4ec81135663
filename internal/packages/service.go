// Package packages is the publish and fetch capability shared by every
// protocol adapter. Adapters translate wire requests into PublishRequests
// and lead-file downloads; this package keeps the metadata writes atomic.
package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
)

// ErrVersionExists is returned when publishing a version that was already
// published. Nothing is written.
var ErrVersionExists = errors.New("version already exists")

// Adapter is one protocol front end over the shared stores.
type Adapter interface {
	Type() metastore.Type
	Register(mux *http.ServeMux)
}

// Event describes a successful publish.
type Event struct {
	Type        string         `json:"type"`
	Owner       string         `json:"owner"`
	PackageType metastore.Type `json:"package_type"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventPublished is the Event.Type of a publish.
const EventPublished = "package.published"

// Notifier receives publish events. Implementations must not block.
type Notifier interface {
	NotifyPublish(Event)
}

// FileSpec is one file to attach to a new version.
type FileSpec struct {
	Name         string
	CompositeKey string
	Blob         *blobstore.Blob
	IsLead       bool
	Properties   map[string]string
}

// PublishRequest describes a version and its files. Blobs must already be
// stored.
type PublishRequest struct {
	Owner            string
	Type             metastore.Type
	Name             string
	SemverCompatible bool
	Version          string
	Metadata         json.RawMessage
	Properties       map[string]string
	Files            []FileSpec
}

// Service publishes and serves package versions.
type Service struct {
	meta     *metastore.Store
	blobs    *blobstore.Store
	notifier Notifier
	logger   *slog.Logger
}

// NewService wires a Service. notifier may be nil.
func NewService(meta *metastore.Store, blobs *blobstore.Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meta: meta, blobs: blobs, notifier: notifier, logger: logger}
}

// Meta returns the metadata store for read paths.
func (s *Service) Meta() *metastore.Store { return s.meta }

// Blobs returns the blob store.
func (s *Service) Blobs() *blobstore.Store { return s.blobs }

// PublishVersion creates the package if needed, then the version and all of
// its files in one transaction. If the version already exists it returns the
// existing version with ErrVersionExists and changes nothing.
func (s *Service) PublishVersion(ctx context.Context, req PublishRequest) (*metastore.Version, error) {
	var (
		pkg     *metastore.Package
		version *metastore.Version
		exists  bool
	)

	err := s.meta.WithTx(ctx, func(tx *metastore.Tx) error {
		var err error
		pkg, err = tx.CreateOrGetPackage(ctx, req.Owner, req.Type, req.Name, req.SemverCompatible)
		if err != nil {
			return err
		}

		var created bool
		version, created, err = tx.CreateOrGetVersion(ctx, pkg, req.Version, req.Metadata)
		if err != nil {
			return err
		}
		if !created {
			exists = true
			return nil
		}

		for name, value := range req.Properties {
			if err := tx.SetProperty(ctx, metastore.RefVersion, version.ID, name, value); err != nil {
				return err
			}
		}

		for _, fs := range req.Files {
			f, err := tx.AddFile(ctx, version, fs.Name, fs.CompositeKey, fs.Blob, fs.IsLead)
			if err != nil {
				return err
			}
			for name, value := range fs.Properties {
				if err := tx.SetProperty(ctx, metastore.RefFile, f.ID, name, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish %s %s@%s: %w", req.Type, req.Name, req.Version, err)
	}
	if exists {
		return version, ErrVersionExists
	}

	s.logger.Info("package published",
		"owner", req.Owner,
		"type", req.Type,
		"name", pkg.Name,
		"version", version.Version,
		"files", len(req.Files),
	)

	if s.notifier != nil {
		s.notifier.NotifyPublish(Event{
			Type:        EventPublished,
			Owner:       req.Owner,
			PackageType: req.Type,
			Name:        pkg.Name,
			Version:     version.Version,
			Timestamp:   time.Now().UTC(),
		})
	}
	return version, nil
}

// Download is a resolved lead file ready to stream.
type Download struct {
	Package *metastore.Package
	Version *metastore.Version
	File    *metastore.File
	Blob    *blobstore.Blob
	Content io.ReadSeekCloser
}

// OpenLeadFile resolves a version's lead file and opens its bytes. The
// download counter is incremented best-effort.
func (s *Service) OpenLeadFile(ctx context.Context, owner string, pkgType metastore.Type, name, version string) (*Download, error) {
	pkg, err := s.meta.GetPackage(ctx, owner, pkgType, name)
	if err != nil {
		return nil, err
	}
	v, err := s.meta.GetVersion(ctx, pkg, version)
	if err != nil {
		return nil, err
	}
	f, err := s.meta.GetLeadFile(ctx, v)
	if err != nil {
		return nil, err
	}
	blob, err := s.blobs.GetByID(ctx, f.BlobID)
	if err != nil {
		return nil, err
	}
	content, _, err := s.blobs.Open(ctx, blob.HashSHA256)
	if err != nil {
		return nil, err
	}

	if err := s.meta.IncrementDownload(ctx, v); err != nil {
		s.logger.Warn("download count not updated", "package", pkg.Name, "version", v.Version, "error", err)
	}

	return &Download{Package: pkg, Version: v, File: f, Blob: blob, Content: content}, nil
}
