package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/etnz/apt-archive-engine/deb"
)

// SourcePackageByUUID loads a source package with its associations.
func (s *Store) SourcePackageByUUID(id string) (*SourcePackage, error) {
	var pkg SourcePackage
	err := s.db.Preload("Suites").Preload("Files").Preload("Component").Preload("Repo").
		Where("uuid = ?", id).First(&pkg).Error
	if err != nil {
		return nil, notFound("source package", id, err)
	}
	return &pkg, nil
}

// BinaryPackageByUUID loads a binary package with its associations.
func (s *Store) BinaryPackageByUUID(id string) (*BinaryPackage, error) {
	var pkg BinaryPackage
	err := s.db.Preload("Suites").Preload("File").Preload("Component").Preload("Repo").
		Preload("Source").
		Where("uuid = ?", id).First(&pkg).Error
	if err != nil {
		return nil, notFound("binary package", id, err)
	}
	return &pkg, nil
}

// SourcePackageInRepo finds one source package version by name within a
// repository, nil when absent.
func (s *Store) SourcePackageInRepo(repoID uint, name, version string) (*SourcePackage, error) {
	var pkg SourcePackage
	err := s.db.Preload("Suites").Preload("Files").Preload("Component").
		Where("repo_id = ? AND name = ? AND version = ?", repoID, name, version).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// SourcePackagesInSuite lists the non-deleted source packages of one
// repository×suite.
func (s *Store) SourcePackagesInSuite(repoID, suiteID uint) ([]SourcePackage, error) {
	var pkgs []SourcePackage
	err := s.db.Preload("Files").Preload("Component").
		Joins("JOIN source_package_suites sps ON sps.source_package_uuid = source_packages.uuid").
		Where("sps.archive_suite_id = ? AND source_packages.repo_id = ? AND source_packages.time_deleted IS NULL",
			suiteID, repoID).
		Find(&pkgs).Error
	return pkgs, err
}

// BinaryPackagesInSuite lists the non-deleted binary packages of one
// repository×suite, optionally restricted to one architecture
// (the virtual "all" is included for concrete architectures).
func (s *Store) BinaryPackagesInSuite(repoID, suiteID uint, arch string) ([]BinaryPackage, error) {
	q := s.db.Preload("File").Preload("Component").Preload("Source").
		Joins("JOIN binary_package_suites bps ON bps.binary_package_uuid = binary_packages.uuid").
		Where("bps.archive_suite_id = ? AND binary_packages.repo_id = ? AND binary_packages.time_deleted IS NULL",
			suiteID, repoID)
	if arch != "" && arch != deb.ArchAll {
		q = q.Where("binary_packages.architecture IN ?", []string{arch, deb.ArchAll})
	} else if arch == deb.ArchAll {
		q = q.Where("binary_packages.architecture = ?", deb.ArchAll)
	}
	var pkgs []BinaryPackage
	err := q.Find(&pkgs).Error
	return pkgs, err
}

// BinaryPackageInRepo finds one binary package by name+version+arch within a
// repository, nil when absent.
func (s *Store) BinaryPackageInRepo(repoID uint, name, version, arch string) (*BinaryPackage, error) {
	var pkg BinaryPackage
	err := s.db.Preload("Suites").Preload("File").
		Where("repo_id = ? AND name = ? AND version = ? AND architecture = ?",
			repoID, name, version, arch).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// BinariesOfSource lists every binary built from one source package row.
func (s *Store) BinariesOfSource(sourceUUID string) ([]BinaryPackage, error) {
	var bins []BinaryPackage
	err := s.db.Preload("Suites").Preload("File").
		Where("source_id = ?", sourceUUID).Find(&bins).Error
	return bins, err
}

// OverrideFor looks up the override row for a package name in one
// repository×suite, nil when absent.
func (s *Store) OverrideFor(repoID, suiteID uint, packageName string) (*PackageOverride, error) {
	var o PackageOverride
	err := s.db.Preload("Component").
		Where("repo_id = ? AND suite_id = ? AND package_name = ?", repoID, suiteID, packageName).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// AnyOverrideFor finds any override for a package name anywhere in the
// repository, used to synthesize overrides for new suites.
func (s *Store) AnyOverrideFor(repoID uint, packageName string) (*PackageOverride, error) {
	var o PackageOverride
	err := s.db.Preload("Component").
		Where("repo_id = ? AND package_name = ?", repoID, packageName).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// VersionMemoryFor returns the highest version ever accepted for
// (repo-suite, package, architecture), or "" when no record exists.
func (s *Store) VersionMemoryFor(rssID uint, packageName, arch string) (string, error) {
	var vm ArchiveVersionMemory
	err := s.db.Where("repo_suite_id = ? AND package_name = ? AND architecture = ?",
		rssID, packageName, arch).First(&vm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vm.HighestVersion, nil
}

// BumpVersionMemory raises the version high-water mark for a key. The mark
// is monotonic: a lower version never replaces a higher one.
func BumpVersionMemory(tx *gorm.DB, rssID uint, packageName, arch, version string) error {
	var vm ArchiveVersionMemory
	err := tx.Where("repo_suite_id = ? AND package_name = ? AND architecture = ?",
		rssID, packageName, arch).First(&vm).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&ArchiveVersionMemory{
			RepoSuiteID:    rssID,
			PackageName:    packageName,
			Architecture:   arch,
			HighestVersion: version,
		}).Error
	case err != nil:
		return err
	}
	if deb.CompareVersions(version, vm.HighestVersion) > 0 {
		return tx.Model(&vm).Update("highest_version", version).Error
	}
	return nil
}

// QueueNewEntryFor returns the pending NEW entry for (source, suite),
// nil when absent.
func (s *Store) QueueNewEntryFor(sourceUUID string, suiteID uint) (*QueueNewEntry, error) {
	var e QueueNewEntry
	err := s.db.Preload("Source.Files").Preload("Source.Suites").Preload("Suite").
		Where("source_id = ? AND suite_id = ?", sourceUUID, suiteID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// QueueNewEntriesForSource lists every open NEW entry pointing at a source row.
func (s *Store) QueueNewEntriesForSource(sourceUUID string) ([]QueueNewEntry, error) {
	var entries []QueueNewEntry
	err := s.db.Preload("Suite").Where("source_id = ?", sourceUUID).Find(&entries).Error
	return entries, err
}

// ArchiveFileByPath looks up a registered file by its repo-relative path,
// nil when absent.
func (s *Store) ArchiveFileByPath(repoID uint, relPath string) (*ArchiveFile, error) {
	var f ArchiveFile
	err := s.db.Where("repo_id = ? AND path = ?", repoID, relPath).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// AddSuiteMembership attaches a package row to a suite.
func AddSuiteMembership(tx *gorm.DB, pkg any, suite *ArchiveSuite) error {
	return tx.Model(pkg).Association("Suites").Append(suite)
}

// RemoveSuiteMembership detaches a package row from a suite.
func RemoveSuiteMembership(tx *gorm.DB, pkg any, suite *ArchiveSuite) error {
	return tx.Model(pkg).Association("Suites").Delete(suite)
}

// SuiteHasComponent reports whether the suite carries the component.
func SuiteHasComponent(suite *ArchiveSuite, componentID uint) bool {
	for _, c := range suite.Components {
		if c.ID == componentID {
			return true
		}
	}
	return false
}

// HighestSourceVersions reduces a package list to the highest non-deleted
// version per name, in Debian ordering.
func HighestSourceVersions(pkgs []SourcePackage) []SourcePackage {
	best := make(map[string]int)
	for i := range pkgs {
		j, ok := best[pkgs[i].Name]
		if !ok || deb.VersionLess(pkgs[j].Version, pkgs[i].Version) {
			best[pkgs[i].Name] = i
		}
	}
	out := make([]SourcePackage, 0, len(best))
	for _, i := range best {
		out = append(out, pkgs[i])
	}
	return out
}

// String renders a short identity for diagnostics.
func (p *SourcePackage) String() string {
	return fmt.Sprintf("%s/%s", p.Name, p.Version)
}

// String renders a short identity for diagnostics.
func (b *BinaryPackage) String() string {
	return fmt.Sprintf("%s/%s/%s", b.Name, b.Version, b.Architecture)
}
