package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	t.Run("注释与字符串中的分号", func(t *testing.T) {
		sql := `-- 号码租约
CREATE TABLE leases (
    currency VARCHAR(3) DEFAULT 'U;D'
);

-- 索引
CREATE INDEX idx_leases_pick ON leases (state);
DROP TABLE x`

		stmts := splitStatements(sql)
		require.Len(t, stmts, 3)
		assert.Equal(t, "CREATE TABLE leases (\n    currency VARCHAR(3) DEFAULT 'U;D'\n);", stmts[0])
		assert.Equal(t, "CREATE INDEX idx_leases_pick ON leases (state);", stmts[1])
		assert.Equal(t, "DROP TABLE x", stmts[2])
	})

	t.Run("只有注释", func(t *testing.T) {
		assert.Empty(t, splitStatements("-- nothing here\n\n"))
	})
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"001_initial_schema.up.sql",
		"001_initial_schema.down.sql",
		"002_lease_notes.up.sql",
		"002_lease_notes.down.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}

	up, err := migrationFiles(dir, "up")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "001_initial_schema.up.sql"),
		filepath.Join(dir, "002_lease_notes.up.sql"),
	}, up)

	down, err := migrationFiles(dir, "down")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "002_lease_notes.down.sql"),
		filepath.Join(dir, "001_initial_schema.down.sql"),
	}, down)
}

func TestShippedMigrations(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql"} {
		t.Run(driver, func(t *testing.T) {
			files, err := migrationFiles(filepath.Join("..", "..", "migrations", driver), "up")
			require.NoError(t, err)
			require.NotEmpty(t, files)

			content, err := os.ReadFile(files[0])
			require.NoError(t, err)
			stmts := splitStatements(string(content))
			assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS leases")
		})
	}
}

func TestDriverName(t *testing.T) {
	name, err := driverName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "postgres", name)

	_, err = driverName("sqlite")
	assert.Error(t, err)
}
