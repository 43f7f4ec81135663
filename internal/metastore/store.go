package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/db"
)

// Store runs metadata operations directly on the database. Tx runs the same
// operations inside one transaction.
type Store struct {
	ops
	db *sql.DB
}

// Tx is an open metadata transaction. See Store.WithTx.
type Tx struct {
	ops
}

type ops struct {
	q   db.Querier
	now func() time.Time
}

// New returns a Store on an open database.
func New(sqlDB *sql.DB) *Store {
	return &Store{ops: ops{q: sqlDB, now: time.Now}, db: sqlDB}
}

// WithTx runs fn in a transaction, committing if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{ops: ops{q: sqlTx, now: s.now}}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface{ Scan(...any) error }

const packageColumns = `id, owner, type, name, lower_name, semver_compatible, created_unix`

func scanPackage(row scanner) (*Package, error) {
	p := &Package{}
	if err := row.Scan(&p.ID, &p.Owner, &p.Type, &p.Name, &p.LowerName, &p.SemverCompatible, &p.CreatedUnix); err != nil {
		return nil, err
	}
	return p, nil
}

const versionColumns = `id, package_id, version, lower_version, metadata_json, download_count, created_unix`

func scanVersion(row scanner) (*Version, error) {
	v := &Version{}
	var metadata string
	if err := row.Scan(&v.ID, &v.PackageID, &v.Version, &v.LowerVersion, &metadata, &v.DownloadCount, &v.CreatedUnix); err != nil {
		return nil, err
	}
	v.Metadata = json.RawMessage(metadata)
	return v, nil
}

const fileColumns = `id, version_id, blob_id, name, lower_name, composite_key, is_lead, created_unix`

func scanFile(row scanner) (*File, error) {
	f := &File{}
	if err := row.Scan(&f.ID, &f.VersionID, &f.BlobID, &f.Name, &f.LowerName, &f.CompositeKey, &f.IsLead, &f.CreatedUnix); err != nil {
		return nil, err
	}
	return f, nil
}

const tagColumns = `id, package_id, name, tag_key, target, updated_unix`

func scanTag(row scanner) (*Tag, error) {
	t := &Tag{}
	if err := row.Scan(&t.ID, &t.PackageID, &t.Name, &t.Key, &t.Target, &t.UpdatedUnix); err != nil {
		return nil, err
	}
	return t, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateOrGetPackage returns the package (owner, type, name), creating it
// if needed. An existing package is returned unchanged.
func (o ops) CreateOrGetPackage(ctx context.Context, owner string, pkgType Type, name string, semverCompatible bool) (*Package, error) {
	if !pkgType.Valid() {
		return nil, fmt.Errorf("%q: %w", pkgType, ErrInvalidType)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO package (owner, type, name, lower_name, semver_compatible, created_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, type, lower_name) DO NOTHING`,
		owner, string(pkgType), name, strings.ToLower(name), semverCompatible, o.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert package: %w", err)
	}
	return o.GetPackage(ctx, owner, pkgType, name)
}

// GetPackage looks a package up by case-insensitive name.
func (o ops) GetPackage(ctx context.Context, owner string, pkgType Type, name string) (*Package, error) {
	p, err := scanPackage(o.q.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM package WHERE owner = ? AND type = ? AND lower_name = ?`,
		owner, string(pkgType), strings.ToLower(name)))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListPackages returns an owner's packages of one type, sorted by name.
func (o ops) ListPackages(ctx context.Context, owner string, pkgType Type) ([]*Package, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM package WHERE owner = ? AND type = ? ORDER BY lower_name`,
		owner, string(pkgType))
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// CreateOrGetVersion returns the version, creating it with metadata if it
// does not exist. created is true for exactly one caller per version; a
// caller that gets false must treat the version as already published.
func (o ops) CreateOrGetVersion(ctx context.Context, pkg *Package, version string, metadata json.RawMessage) (*Version, bool, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO package_version (package_id, version, lower_version, metadata_json, created_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(package_id, lower_version) DO NOTHING`,
		pkg.ID, version, strings.ToLower(version), string(metadata), o.now().Unix())
	if err != nil {
		return nil, false, fmt.Errorf("insert version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert version: %w", err)
	}

	v, err := o.GetVersion(ctx, pkg, version)
	if err != nil {
		return nil, false, err
	}
	return v, n == 1, nil
}

// GetVersion looks a version up by case-insensitive version string.
func (o ops) GetVersion(ctx context.Context, pkg *Package, version string) (*Version, error) {
	v, err := scanVersion(o.q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM package_version WHERE package_id = ? AND lower_version = ?`,
		pkg.ID, strings.ToLower(version)))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// ListVersions returns a package's versions, newest first.
func (o ops) ListVersions(ctx context.Context, pkg *Package) ([]*Version, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM package_version WHERE package_id = ? ORDER BY created_unix DESC, id DESC`,
		pkg.ID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// IncrementDownload bumps a version's download counter.
func (o ops) IncrementDownload(ctx context.Context, v *Version) error {
	_, err := o.q.ExecContext(ctx,
		`UPDATE package_version SET download_count = download_count + 1 WHERE id = ?`, v.ID)
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}

// AddFile attaches a blob to a version under name and compositeKey.
func (o ops) AddFile(ctx context.Context, v *Version, name, compositeKey string, blob *blobstore.Blob, isLead bool) (*File, error) {
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO package_file (version_id, blob_id, name, lower_name, composite_key, is_lead, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		v.ID, blob.ID, name, strings.ToLower(name), compositeKey, isLead, o.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s@%s %s: %w", v.Version, compositeKey, name, ErrDuplicateFile)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	f, err := scanFile(o.q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM package_file WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return f, nil
}

// ListFiles returns a version's files in insertion order.
func (o ops) ListFiles(ctx context.Context, v *Version) ([]*File, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM package_file WHERE version_id = ? ORDER BY id`, v.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetLeadFile returns the version's primary artifact.
func (o ops) GetLeadFile(ctx context.Context, v *Version) (*File, error) {
	f, err := scanFile(o.q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM package_file WHERE version_id = ? AND is_lead`, v.ID))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// SetProperty sets name=value on an entity, replacing any previous value.
func (o ops) SetProperty(ctx context.Context, refType RefType, refID int64, name, value string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO package_property (ref_type, ref_id, name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(ref_type, ref_id, name) DO UPDATE SET value = excluded.value`,
		string(refType), refID, name, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", name, err)
	}
	return nil
}

// GetProperties returns every property of an entity.
func (o ops) GetProperties(ctx context.Context, refType RefType, refID int64) (map[string]string, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT name, value FROM package_property WHERE ref_type = ? AND ref_id = ?`, string(refType), refID)
	if err != nil {
		return nil, fmt.Errorf("get properties: %w", err)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props[name] = value
	}
	return props, rows.Err()
}

// tagKey is the lookup key of a tag name. Container tags are case
// sensitive; other types (npm dist-tags) fold case.
func tagKey(pkg *Package, name string) string {
	if pkg.Type == TypeContainer {
		return name
	}
	return strings.ToLower(name)
}

// SetTag points a tag at target, creating or repointing it.
func (o ops) SetTag(ctx context.Context, pkg *Package, name, target string) (*Tag, error) {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO package_tag (package_id, name, tag_key, target, updated_unix) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(package_id, tag_key) DO UPDATE SET target = excluded.target, updated_unix = excluded.updated_unix`,
		pkg.ID, name, tagKey(pkg, name), target, o.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("set tag %s: %w", name, err)
	}
	return o.ResolveTag(ctx, pkg, name)
}

// ResolveTag returns the tag name of pkg.
func (o ops) ResolveTag(ctx context.Context, pkg *Package, name string) (*Tag, error) {
	t, err := scanTag(o.q.QueryRowContext(ctx,
		`SELECT `+tagColumns+` FROM package_tag WHERE package_id = ? AND tag_key = ?`,
		pkg.ID, tagKey(pkg, name)))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// ListTags returns a package's tags sorted by name.
func (o ops) ListTags(ctx context.Context, pkg *Package) ([]*Tag, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+tagColumns+` FROM package_tag WHERE package_id = ? ORDER BY name`, pkg.ID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// DeleteTag removes a tag. The version it pointed at is untouched.
func (o ops) DeleteTag(ctx context.Context, pkg *Package, name string) error {
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM package_tag WHERE package_id = ? AND tag_key = ?`, pkg.ID, tagKey(pkg, name))
	if err != nil {
		return fmt.Errorf("delete tag %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tag %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns per-type package, version, file and download totals.
func (o ops) Stats(ctx context.Context) ([]TypeStats, error) {
	stats := make([]TypeStats, 0, len(Types))
	for _, t := range Types {
		st := TypeStats{Type: t}
		err := o.q.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM package WHERE type = ?),
				(SELECT COUNT(*) FROM package_version v JOIN package p ON p.id = v.package_id WHERE p.type = ?),
				(SELECT COUNT(*) FROM package_file f JOIN package_version v ON v.id = f.version_id JOIN package p ON p.id = v.package_id WHERE p.type = ?),
				(SELECT COALESCE(SUM(v.download_count), 0) FROM package_version v JOIN package p ON p.id = v.package_id WHERE p.type = ?)`,
			string(t), string(t), string(t), string(t)).Scan(&st.Packages, &st.Versions, &st.Files, &st.Downloads)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", t, err)
		}
		stats = append(stats, st)
	}
	return stats, nil
}
