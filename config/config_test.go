package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymflow/migrator"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "migrations"), 0o755))
	path := filepath.Join(dir, "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Chdir(dir)
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
driver: postgres
dsn: postgres://localhost/gymflow
migrations_dir: migrations
orphan_policy: abort
lock_timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	require.NotNil(t, cfg.AuditMappings)
	assert.True(t, *cfg.AuditMappings)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, migrator.OrphanAbort, policy)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
driver: sqlite
dsn: gymflow.db
orphan_policy: nullify
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "migrations", cfg.MigrationsDir)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
}

func TestLoadRequiresOrphanPolicy(t *testing.T) {
	path := writeConfig(t, `
driver: sqlite
dsn: gymflow.db
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OrphanPolicy")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
driver: oracle
dsn: whatever
orphan_policy: abort
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Driver")
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
driver: sqlite
dsn: gymflow.db
orphan_policy: abort
`)

	t.Setenv("MIGRATOR_DSN", "postgres://ci/gymflow")
	t.Setenv("MIGRATOR_DRIVER", "postgres")
	t.Setenv("MIGRATOR_ORPHAN_POLICY", "nullify")
	t.Setenv("MIGRATOR_LOCK_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://ci/gymflow", cfg.DSN)
	assert.Equal(t, "nullify", cfg.OrphanPolicy)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
