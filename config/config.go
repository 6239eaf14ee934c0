// Package config loads the engine's process configuration. The Config struct
// is constructed once at startup and passed explicitly into every component;
// there is no ambient global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// RepositoryConfig describes one managed repository's on-disk entry points.
type RepositoryConfig struct {
	// Name must match an ArchiveRepository row.
	Name string `yaml:"name"`
	// IncomingDir receives .changes uploads and their files.
	IncomingDir string `yaml:"incoming_dir"`
	// RejectDir receives rejected uploads plus their .reason sidecars.
	RejectDir string `yaml:"reject_dir"`
	// KeyringPaths are the uploader keyrings trusted for this repository.
	KeyringPaths []string `yaml:"keyrings"`
}

// LintianConfig describes the sandboxed static-check runner.
type LintianConfig struct {
	// Command is the executable invoked with the staged .changes path.
	// Empty disables the static check.
	Command string `yaml:"command"`
	// FatalTags reject the upload when present in the findings.
	FatalTags []string `yaml:"fatal_tags"`
	// Timeout bounds one run; exceeding it fails the check step.
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the engine's full configuration.
type Config struct {
	// ArchiveRoot is the directory holding every repository tree.
	ArchiveRoot string `yaml:"archive_root"`

	// DatabasePath is a SQLite file path, resolved against ArchiveRoot when
	// relative. Ignored when DatabaseDSN is set.
	DatabasePath string `yaml:"database_path"`
	// DatabaseDSN selects a PostgreSQL backend.
	DatabaseDSN string `yaml:"database_dsn"`

	Repositories []RepositoryConfig `yaml:"repositories"`

	// SigningKeyPath holds the armored private key signing Release files.
	SigningKeyPath string `yaml:"signing_key"`

	Lintian LintianConfig `yaml:"lintian"`

	// RetentionDays is the grace period before soft-deleted packages are
	// physically removed.
	RetentionDays int `yaml:"retention_days"`
	// PublishValidityDays feeds the Release Valid-Until field.
	PublishValidityDays int `yaml:"publish_validity_days"`
	// Workers bounds the parallel publish/verification pools.
	// Zero means one worker per CPU.
	Workers int `yaml:"workers"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if cfg.ArchiveRoot == "" {
		return nil, fmt.Errorf("config %s: archive_root is required", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" && c.DatabaseDSN == "" {
		c.DatabasePath = "archive.db"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 14
	}
	if c.PublishValidityDays == 0 {
		c.PublishValidityDays = 28
	}
	if c.Lintian.Timeout == 0 {
		c.Lintian.Timeout = 5 * time.Minute
	}
}

// DatabaseFile resolves the SQLite path against the archive root.
func (c *Config) DatabaseFile() string {
	if c.DatabasePath == "" || filepath.IsAbs(c.DatabasePath) {
		return c.DatabasePath
	}
	return filepath.Join(c.ArchiveRoot, c.DatabasePath)
}

// RepoRoot returns the on-disk root of one repository.
func (c *Config) RepoRoot(repoName string) string {
	return filepath.Join(c.ArchiveRoot, repoName)
}

// Repository returns the configuration block for a repository name,
// or nil when the repository is not configured.
func (c *Config) Repository(name string) *RepositoryConfig {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i]
		}
	}
	return nil
}
