package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version written by the newest migration.
const CurrentSchemaVersion = 2

// migrations[i] upgrades a database from version i to version i+1.
var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	migrateToV1,
	migrateToV2,
}

// RunMigrations applies any pending database migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if err := migrations[v](ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the applied schema version, 0 for an empty database.
func SchemaVersion(ctx context.Context, db Querier) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		// Content-addressed blobs, one row per distinct sha256
		`CREATE TABLE IF NOT EXISTS package_blob (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash_sha256 TEXT NOT NULL UNIQUE,
			hash_sha512 TEXT NOT NULL,
			hash_sha1 TEXT NOT NULL,
			hash_md5 TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_unix INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS package (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			lower_name TEXT NOT NULL,
			semver_compatible BOOLEAN NOT NULL DEFAULT FALSE,
			created_unix INTEGER NOT NULL,
			UNIQUE(owner, type, lower_name)
		)`,

		`CREATE TABLE IF NOT EXISTS package_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			package_id INTEGER NOT NULL REFERENCES package(id),
			version TEXT NOT NULL,
			lower_version TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			download_count INTEGER NOT NULL DEFAULT 0,
			created_unix INTEGER NOT NULL,
			UNIQUE(package_id, lower_version)
		)`,

		`CREATE TABLE IF NOT EXISTS package_file (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version_id INTEGER NOT NULL REFERENCES package_version(id),
			blob_id INTEGER NOT NULL REFERENCES package_blob(id),
			name TEXT NOT NULL,
			lower_name TEXT NOT NULL,
			composite_key TEXT NOT NULL DEFAULT '',
			is_lead BOOLEAN NOT NULL DEFAULT FALSE,
			created_unix INTEGER NOT NULL,
			UNIQUE(version_id, lower_name, composite_key)
		)`,

		// Open key/value attributes for packages, versions and files
		`CREATE TABLE IF NOT EXISTS package_property (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ref_type TEXT NOT NULL,
			ref_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			UNIQUE(ref_type, ref_id, name)
		)`,

		// Mutable name -> version pointers (OCI tags, npm dist-tags)
		`CREATE TABLE IF NOT EXISTS package_tag (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			package_id INTEGER NOT NULL REFERENCES package(id),
			name TEXT NOT NULL,
			lower_name TEXT NOT NULL,
			target TEXT NOT NULL,
			updated_unix INTEGER NOT NULL,
			UNIQUE(package_id, lower_name)
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_package_file_lead ON package_file(version_id) WHERE is_lead`,
		`CREATE INDEX IF NOT EXISTS idx_package_file_blob ON package_file(blob_id)`,
		`CREATE INDEX IF NOT EXISTS idx_package_blob_created ON package_blob(created_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_package_version_package ON package_version(package_id, created_unix)`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV2 replaces the case-folded tag name with a per-type lookup key.
// Container tags are case sensitive and keyed by their exact name.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`ALTER TABLE package_tag RENAME COLUMN lower_name TO tag_key`,
		`UPDATE package_tag SET tag_key = name
			WHERE package_id IN (SELECT id FROM package WHERE type = 'container')`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
