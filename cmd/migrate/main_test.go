package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()

	v, err := nextVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, createMigration(dir, "init"))
	require.NoError(t, createMigration(dir, "add_tables"))

	for _, name := range []string{"000001_init.up.sql", "000001_init.down.sql", "000002_add_tables.up.sql", "000002_add_tables.down.sql"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	v, err = nextVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestNextVersion_RepoMigrations(t *testing.T) {
	v, err := nextVersion("../../migrations")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
