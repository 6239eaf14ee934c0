package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
archive_root: /srv/apt
repositories:
  - name: main-archive
    incoming_dir: /srv/apt/incoming
    reject_dir: /srv/apt/reject
`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/apt", cfg.ArchiveRoot)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, 28, cfg.PublishValidityDays)
	assert.Equal(t, 5*time.Minute, cfg.Lintian.Timeout)
	assert.Equal(t, filepath.Join("/srv/apt", "archive.db"), cfg.DatabaseFile())
}

func TestLoadRequiresArchiveRoot(t *testing.T) {
	_, err := Load(writeConfig(t, `retention_days: 7`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive_root")
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
archive_root: /srv/apt
database_dsn: host=db user=apt dbname=archive
retention_days: 30
publish_validity_days: 7
workers: 4
lintian:
  command: /usr/bin/lintian
  fatal_tags: [bad-distribution-in-changes-file]
repositories:
  - name: main-archive
    incoming_dir: /srv/apt/incoming
    reject_dir: /srv/apt/reject
    keyrings: [/etc/apt-archive/uploaders.asc]
`))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 7, cfg.PublishValidityDays)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "/usr/bin/lintian", cfg.Lintian.Command)
	assert.Equal(t, 5*time.Minute, cfg.Lintian.Timeout)
	// DSN takes over; the SQLite default path must not be filled in.
	assert.Empty(t, cfg.DatabasePath)

	repo := cfg.Repository("main-archive")
	require.NotNil(t, repo)
	assert.Equal(t, []string{"/etc/apt-archive/uploaders.asc"}, repo.KeyringPaths)
	assert.Nil(t, cfg.Repository("nope"))
}

func TestRepoRoot(t *testing.T) {
	cfg := &Config{ArchiveRoot: "/srv/apt"}
	assert.Equal(t, "/srv/apt/main-archive", cfg.RepoRoot("main-archive"))
}
