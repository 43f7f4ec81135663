package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/config"
	"github.com/kilupskalvis/pkgstore/internal/db"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
	"github.com/kilupskalvis/pkgstore/internal/upload"
)

// stack is every store the server runs against, opened from one data directory.
type stack struct {
	db      *sql.DB
	blobs   *blobstore.Store
	meta    *metastore.Store
	uploads *upload.Manager
	tokens  *auth.FileStore
	service *packages.Service
}

// openStorage opens the metadata database and blob store only. The session
// database stays closed so a running server keeps its lock on it.
func openStorage(cfg *config.Config) (*sql.DB, *blobstore.Store, error) {
	sqlDB, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	backend, err := blobstore.NewFSBackend(cfg.BlobsPath())
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return sqlDB, blobstore.NewStore(sqlDB, backend), nil
}

// openStack opens all stores under cfg.DataDir. notifier may be nil.
func openStack(cfg *config.Config, notifier packages.Notifier, logger *slog.Logger) (*stack, error) {
	sqlDB, blobs, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	s := &stack{db: sqlDB, blobs: blobs, meta: metastore.New(sqlDB)}

	s.uploads, err = upload.Open(cfg.SessionsPath(), cfg.UploadsPath(), blobs, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.tokens = auth.NewFileStore(cfg.TokensPath(), logger)
	if err := s.tokens.Load(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	s.service = packages.NewService(s.meta, s.blobs, notifier, logger)
	return s, nil
}

// Close releases the session and metadata databases.
func (s *stack) Close() error {
	var errs []error
	if s.uploads != nil {
		errs = append(errs, s.uploads.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
