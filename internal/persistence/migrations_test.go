package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrationFilesAreSortedSQL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o700))

	files, err := migrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, files)

	_, err = migrationFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestShippedMigrationsAreFound(t *testing.T) {
	t.Parallel()

	files, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	assert.Contains(t, files, "001_create_users.sql")
}

func TestRunMigrationsWithoutPool(t *testing.T) {
	t.Parallel()

	assert.NoError(t, RunMigrations(context.Background(), nil, "does-not-matter", zap.NewNop()))
}

func TestPingWithoutConnections(t *testing.T) {
	t.Parallel()

	var pg *Postgres
	assert.Error(t, pg.Ping(context.Background()))
	assert.Error(t, (&Postgres{}).Ping(context.Background()))
	var r *Redis
	assert.Error(t, r.Ping(context.Background()))
}
