package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/etnz/apt-archive-engine/deb"
)

// DbgSymPolicy controls how a suite treats debug-symbol packages.
type DbgSymPolicy string

const (
	// DbgSymNone means the suite takes no special action on dbgsym packages.
	DbgSymNone DbgSymPolicy = "none"
	// DbgSymOnlyDebug means the suite accepts only debug packages
	// (it is the debug companion of another suite).
	DbgSymOnlyDebug DbgSymPolicy = "only-debug"
)

// ArchiveRepository is a top-level archive namespace. It owns suites through
// RepoSuiteSettings associations, not containment.
type ArchiveRepository struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;not null"`
	OriginName string
	IsDebug    bool
	// DebugOfID links a debug companion repository to the repository whose
	// debug symbols it holds.
	DebugOfID *uint
	DebugOf   *ArchiveRepository `gorm:"foreignKey:DebugOfID"`
	// UploadSuiteMap remaps the Distribution field of incoming uploads to
	// actual suite names (e.g. "unstable" -> "sid").
	UploadSuiteMap map[string]string `gorm:"serializer:json"`
}

// ArchiveSuite is a named release channel.
type ArchiveSuite struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	Alias         string
	VersionLabel  string
	Summary       string
	AcceptUploads bool
	DevelTarget   bool
	Frozen        bool
	DbgSymPolicy  DbgSymPolicy `gorm:"default:none"`

	ParentSuiteID *uint
	ParentSuite   *ArchiveSuite `gorm:"foreignKey:ParentSuiteID"`
	// DebugSuiteID points at the paired suite holding this suite's
	// debug-symbol packages.
	DebugSuiteID *uint
	DebugSuite   *ArchiveSuite `gorm:"foreignKey:DebugSuiteID"`

	Components    []ArchiveComponent    `gorm:"many2many:suite_components"`
	Architectures []ArchiveArchitecture `gorm:"many2many:suite_architectures"`
}

// ArchiveComponent is an archive section grouping such as "main".
type ArchiveComponent struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex;not null"`
	Summary  string
	ParentID *uint
	Parent   *ArchiveComponent `gorm:"foreignKey:ParentID"`
}

// ArchiveArchitecture is a hardware architecture, including the virtual "all".
type ArchiveArchitecture struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"uniqueIndex;not null"`
	Summary string
}

// RepoSuiteSettings is the effective configuration of one repository×suite
// pair and the unit of locking for publish and expire operations.
type RepoSuiteSettings struct {
	ID      uint `gorm:"primaryKey"`
	RepoID  uint `gorm:"uniqueIndex:idx_repo_suite;not null"`
	Repo    ArchiveRepository
	SuiteID uint `gorm:"uniqueIndex:idx_repo_suite;not null"`
	Suite   ArchiveSuite

	AcceptUploads bool
	Frozen        bool
	// AutoOverrides lets binaries skip the NEW queue by synthesizing their
	// overrides at import time.
	AutoOverrides bool
	// ManualAccept forces every upload through the review queue.
	ManualAccept bool

	SigningKeys    []string `gorm:"serializer:json"`
	AnnounceEmails []string `gorm:"serializer:json"`

	ChangesPending bool
	TimePublished  *time.Time
}

// ExpectedBinary mirrors deb.ExpectedBinary for persistence.
type ExpectedBinary = deb.ExpectedBinary

// SourcePackage is one version of a source package within a repository.
type SourcePackage struct {
	// UUID is derived from (repository, name, version), making re-imports
	// idempotent.
	UUID string `gorm:"primaryKey"`
	// SourceUUID is derived from (repository, name) and identifies the
	// packaging lineage across versions.
	SourceUUID string `gorm:"index;not null"`

	RepoID  uint `gorm:"index;not null"`
	Repo    ArchiveRepository
	Name    string `gorm:"index;not null"`
	Version string `gorm:"not null"`

	ComponentID uint
	Component   ArchiveComponent

	Architectures    []string         `gorm:"serializer:json"`
	ExpectedBinaries []ExpectedBinary `gorm:"serializer:json"`

	Maintainer       string
	Uploaders        []string `gorm:"serializer:json"`
	Section          string
	StandardsVersion string
	Format           string
	Homepage         string
	VcsBrowser       string
	BuildDepends     []string `gorm:"serializer:json"`

	// Directory is the pool directory holding the package's files,
	// relative to the repository root.
	Directory string

	Files  []ArchiveFile  `gorm:"many2many:source_package_files"`
	Suites []ArchiveSuite `gorm:"many2many:source_package_suites"`

	TimeAdded     time.Time
	TimeDeleted   *time.Time
	TimePublished *time.Time
}

// IsDeleted reports whether the package is soft-deleted.
func (s *SourcePackage) IsDeleted() bool { return s.TimeDeleted != nil }

// BinaryPackage is one version of a binary package on one architecture.
type BinaryPackage struct {
	// UUID is derived from (repository, name, version, architecture).
	UUID string `gorm:"primaryKey"`

	RepoID  uint `gorm:"index;not null"`
	Repo    ArchiveRepository
	Name    string `gorm:"index;not null"`
	Version string `gorm:"not null"`
	// Architecture is the architecture name, including the virtual "all".
	Architecture string `gorm:"not null"`

	SourceID string        `gorm:"index;not null"`
	Source   SourcePackage `gorm:"foreignKey:SourceID"`

	ComponentID uint
	Component   ArchiveComponent

	// FileID references the single pool file backing this binary. A pool
	// file is owned by at most one binary package.
	FileID *uint `gorm:"uniqueIndex"`
	File   *ArchiveFile

	// DebType is "deb" or "udeb".
	DebType string `gorm:"default:deb"`

	Description   string
	InstalledSize int64
	Homepage      string

	Depends    []string `gorm:"serializer:json"`
	PreDepends []string `gorm:"serializer:json"`
	Recommends []string `gorm:"serializer:json"`
	Suggests   []string `gorm:"serializer:json"`
	Conflicts  []string `gorm:"serializer:json"`
	Breaks     []string `gorm:"serializer:json"`
	Replaces   []string `gorm:"serializer:json"`
	Provides   []string `gorm:"serializer:json"`

	Suites []ArchiveSuite `gorm:"many2many:binary_package_suites"`

	TimeAdded     time.Time
	TimeDeleted   *time.Time
	TimePublished *time.Time
}

// IsDeleted reports whether the package is soft-deleted.
func (b *BinaryPackage) IsDeleted() bool { return b.TimeDeleted != nil }

// ArchiveFile is one file in the pool (or NEW queue), with its checksums.
type ArchiveFile struct {
	ID     uint `gorm:"primaryKey"`
	RepoID uint `gorm:"uniqueIndex:idx_repo_path;not null"`
	// Path is relative to the repository root (pool/...).
	Path string `gorm:"uniqueIndex:idx_repo_path;not null"`
	Size int64

	MD5    string
	SHA1   string
	SHA256 string `gorm:"index"`
	SHA512 string
}

// Checksums returns the file's digest record.
func (f *ArchiveFile) Checksums() *deb.FileChecksums {
	return &deb.FileChecksums{
		Size: f.Size, MD5: f.MD5, SHA1: f.SHA1, SHA256: f.SHA256, SHA512: f.SHA512,
	}
}

// SetChecksums copies a digest record into the file row.
func (f *ArchiveFile) SetChecksums(c *deb.FileChecksums) {
	f.Size, f.MD5, f.SHA1, f.SHA256, f.SHA512 = c.Size, c.MD5, c.SHA1, c.SHA256, c.SHA512
}

// PackageOverride is the administrator-approved placement of a binary
// package name within one repository×suite.
type PackageOverride struct {
	ID          uint   `gorm:"primaryKey"`
	RepoID      uint   `gorm:"uniqueIndex:idx_override;not null"`
	SuiteID     uint   `gorm:"uniqueIndex:idx_override;not null"`
	PackageName string `gorm:"uniqueIndex:idx_override;not null"`

	ComponentID uint
	Component   ArchiveComponent
	Section     string
	Priority    string
	Essential   bool
}

// ArchiveVersionMemory is the append-only high-water mark of versions ever
// accepted for a package name, per repo-suite and architecture (or "source").
// Rows survive package deletion to block version replay.
type ArchiveVersionMemory struct {
	ID           uint   `gorm:"primaryKey"`
	RepoSuiteID  uint   `gorm:"uniqueIndex:idx_vmem;not null"`
	PackageName  string `gorm:"uniqueIndex:idx_vmem;not null"`
	Architecture string `gorm:"uniqueIndex:idx_vmem;not null"`

	HighestVersion string `gorm:"not null"`
}

// QueueNewEntry is a pending review-queue item: a source package waiting for
// overrides before entering a destination suite. The source package it
// points to may have no suite membership yet.
type QueueNewEntry struct {
	ID       uint          `gorm:"primaryKey"`
	SourceID string        `gorm:"uniqueIndex:idx_new_entry;not null"`
	Source   SourcePackage `gorm:"foreignKey:SourceID"`
	SuiteID  uint          `gorm:"uniqueIndex:idx_new_entry;not null"`
	Suite    ArchiveSuite
}

// Uploader is a person or role key permitted to upload.
type Uploader struct {
	ID    uint `gorm:"primaryKey"`
	Name  string
	Email string `gorm:"uniqueIndex"`
	// Fingerprints are the uploader's PGP key fingerprints, uppercase hex.
	Fingerprints []string `gorm:"serializer:json"`

	Permissions []UploaderPermission
}

// UploaderPermission is one uploader's rights within one repository.
type UploaderPermission struct {
	ID         uint `gorm:"primaryKey"`
	UploaderID uint `gorm:"uniqueIndex:idx_uploader_repo;not null"`
	RepoID     uint `gorm:"uniqueIndex:idx_uploader_repo;not null"`

	AllowSourceUploads bool
	AllowBinaryUploads bool
	// AlwaysReview forces this uploader's packages through the NEW queue.
	AlwaysReview bool
	// AllowedPackages restricts uploads to the named source packages when
	// non-empty.
	AllowedPackages []string `gorm:"serializer:json"`
}

// SourcePackageUUID derives the deterministic identity of a source package
// version within a repository.
func SourcePackageUUID(repo, name, version string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(repo+"|"+name+"|"+version)).String()
}

// SourceLineageUUID derives the identity of a source packaging lineage
// (all versions of one name within a repository).
func SourceLineageUUID(repo, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(repo+"|"+name)).String()
}

// BinaryPackageUUID derives the deterministic identity of a binary package
// version on one architecture within a repository.
func BinaryPackageUUID(repo, name, version, arch string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(repo+"|"+name+"|"+version+"|"+arch)).String()
}
