// Package store persists the archive data model: repositories, suites,
// packages, pool files, overrides, the NEW queue and the version memory.
// The database is the authority for all cross-entity invariants; every
// logical operation runs in a short-lived transaction.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects the database backend.
type Options struct {
	// SQLitePath is the path of a SQLite database file; ":memory:" is
	// accepted for tests. Used when PostgresDSN is empty.
	SQLitePath string
	// PostgresDSN selects a PostgreSQL backend when non-empty.
	PostgresDSN string
}

// Store wraps the database handle.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to the configured database and migrates the schema.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case opts.PostgresDSN != "":
		dialector = postgres.Open(opts.PostgresDSN)
	case opts.SQLitePath != "":
		dialector = sqlite.Open(opts.SQLitePath)
	default:
		return nil, errors.New("store: no database configured")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&ArchiveRepository{},
		&ArchiveSuite{},
		&ArchiveComponent{},
		&ArchiveArchitecture{},
		&RepoSuiteSettings{},
		&ArchiveFile{},
		&SourcePackage{},
		&BinaryPackage{},
		&PackageOverride{},
		&ArchiveVersionMemory{},
		&QueueNewEntry{},
		&Uploader{},
		&UploaderPermission{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{
		db:  db,
		log: logrus.WithField("component", "store"),
	}, nil
}

// DB exposes the raw handle for queries the helpers do not cover.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn in one database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// NotFoundError reports a failed lookup by name. It occurs before any
// mutation, so it never implies partial effects.
type NotFoundError struct {
	Entity string
	Name   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Name)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func notFound(entity, name string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Entity: entity, Name: name}
	}
	return err
}

// RepositoryByName looks up a repository.
func (s *Store) RepositoryByName(name string) (*ArchiveRepository, error) {
	var repo ArchiveRepository
	if err := s.db.Where("name = ?", name).First(&repo).Error; err != nil {
		return nil, notFound("repository", name, err)
	}
	return &repo, nil
}

// SuiteByName looks up a suite by name or alias.
func (s *Store) SuiteByName(name string) (*ArchiveSuite, error) {
	var suite ArchiveSuite
	err := s.db.Preload("Components").Preload("Architectures").
		Where("name = ? OR alias = ?", name, name).First(&suite).Error
	if err != nil {
		return nil, notFound("suite", name, err)
	}
	return &suite, nil
}

// ComponentByName looks up a component.
func (s *Store) ComponentByName(name string) (*ArchiveComponent, error) {
	var c ArchiveComponent
	if err := s.db.Where("name = ?", name).First(&c).Error; err != nil {
		return nil, notFound("component", name, err)
	}
	return &c, nil
}

// RepoSuiteSettingsFor resolves the effective configuration of one
// repository×suite pair.
func (s *Store) RepoSuiteSettingsFor(repoName, suiteName string) (*RepoSuiteSettings, error) {
	repo, err := s.RepositoryByName(repoName)
	if err != nil {
		return nil, err
	}
	suite, err := s.SuiteByName(suiteName)
	if err != nil {
		return nil, err
	}
	var rss RepoSuiteSettings
	err = s.db.Preload("Repo").Preload("Suite.Components").Preload("Suite.Architectures").
		Preload("Suite.DebugSuite").
		Where("repo_id = ? AND suite_id = ?", repo.ID, suite.ID).First(&rss).Error
	if err != nil {
		return nil, notFound("repo-suite", repoName+"/"+suiteName, err)
	}
	return &rss, nil
}

// AllRepoSuiteSettings lists every repository×suite pair, fully preloaded.
func (s *Store) AllRepoSuiteSettings() ([]RepoSuiteSettings, error) {
	var all []RepoSuiteSettings
	err := s.db.Preload("Repo").Preload("Suite.Components").Preload("Suite.Architectures").
		Preload("Suite.DebugSuite").Find(&all).Error
	return all, err
}

// DebugRepoSuiteFor resolves the debug companion pairing of rss: the debug
// suite of rss's suite within the debug companion repository (or the same
// repository when it has no dedicated debug companion).
func (s *Store) DebugRepoSuiteFor(rss *RepoSuiteSettings) (*RepoSuiteSettings, error) {
	if rss.Suite.DebugSuiteID == nil {
		return nil, nil
	}
	var debugRepo ArchiveRepository
	err := s.db.Where("debug_of_id = ?", rss.RepoID).First(&debugRepo).Error
	repoID := rss.RepoID
	if err == nil {
		repoID = debugRepo.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var debug RepoSuiteSettings
	err = s.db.Preload("Repo").Preload("Suite.Components").Preload("Suite.Architectures").
		Where("repo_id = ? AND suite_id = ?", repoID, *rss.Suite.DebugSuiteID).
		First(&debug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &debug, nil
}

// UploaderByFingerprint resolves an uploader from a signature fingerprint.
func (s *Store) UploaderByFingerprint(fpr string) (*Uploader, error) {
	var uploaders []Uploader
	if err := s.db.Preload("Permissions").Find(&uploaders).Error; err != nil {
		return nil, err
	}
	for i := range uploaders {
		for _, f := range uploaders[i].Fingerprints {
			if f == fpr {
				return &uploaders[i], nil
			}
		}
	}
	return nil, &NotFoundError{Entity: "uploader with fingerprint", Name: fpr}
}

// PermissionFor returns the uploader's permission row for a repository,
// or nil when none exists.
func (u *Uploader) PermissionFor(repoID uint) *UploaderPermission {
	for i := range u.Permissions {
		if u.Permissions[i].RepoID == repoID {
			return &u.Permissions[i]
		}
	}
	return nil
}

// MarkChangesPending flags rss so the next publisher run regenerates it.
func (s *Store) MarkChangesPending(tx *gorm.DB, rssID uint) error {
	return tx.Model(&RepoSuiteSettings{}).Where("id = ?", rssID).
		Update("changes_pending", true).Error
}

// SetPublished records a completed publish for rss.
func (s *Store) SetPublished(rssID uint, at time.Time) error {
	return s.db.Model(&RepoSuiteSettings{}).Where("id = ?", rssID).
		Updates(map[string]any{"changes_pending": false, "time_published": at}).Error
}
