package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesAllMigrations(t *testing.T) {
	sqlDB, err := Open(filepath.Join(t.TempDir(), "pkgstore.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	version, err := SchemaVersion(context.Background(), sqlDB)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestMigrateToV2_KeysContainerTagsByExactName(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "v1.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	// Build a version 1 database by hand.
	_, err = sqlDB.ExecContext(ctx, `CREATE TABLE schema_version (version INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	tx, err := sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, migrateToV1(ctx, tx))
	_, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	seed := []string{
		`INSERT INTO package (id, owner, type, name, lower_name, created_unix) VALUES (1, 'acme', 'container', 'acme/app', 'acme/app', 0)`,
		`INSERT INTO package (id, owner, type, name, lower_name, created_unix) VALUES (2, 'acme', 'npm', 'left-pad', 'left-pad', 0)`,
		`INSERT INTO package_tag (package_id, name, lower_name, target, updated_unix) VALUES (1, 'Stable', 'stable', 'sha256:aaa', 0)`,
		`INSERT INTO package_tag (package_id, name, lower_name, target, updated_unix) VALUES (2, 'Next', 'next', '2.0.0', 0)`,
	}
	for _, stmt := range seed {
		_, err := sqlDB.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	require.NoError(t, RunMigrations(ctx, sqlDB))

	keys := map[int64]string{}
	rows, err := sqlDB.QueryContext(ctx, `SELECT package_id, tag_key FROM package_tag`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id int64
		var key string
		require.NoError(t, rows.Scan(&id, &key))
		keys[id] = key
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, "Stable", keys[1], "container tags keep their case")
	assert.Equal(t, "next", keys[2], "npm dist-tags stay folded")

	// A differently cased container tag is now a distinct row.
	_, err = sqlDB.ExecContext(ctx, `INSERT INTO package_tag (package_id, name, tag_key, target, updated_unix) VALUES (1, 'stable', 'stable', 'sha256:bbb', 0)`)
	assert.NoError(t, err)
}
