package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/store"
)

// PackageRef names either a source or a binary package row. Exactly one of
// the two pointers is set, selected by Kind.
type PackageRef struct {
	Kind   PackageRefKind
	Source *store.SourcePackage
	Binary *store.BinaryPackage
}

// PackageRefKind discriminates a PackageRef.
type PackageRefKind int

const (
	// RefSource marks a source package reference.
	RefSource PackageRefKind = iota
	// RefBinary marks a binary package reference.
	RefBinary
)

// SourceRef wraps a source package row.
func SourceRef(p *store.SourcePackage) PackageRef {
	return PackageRef{Kind: RefSource, Source: p}
}

// BinaryRef wraps a binary package row.
func BinaryRef(p *store.BinaryPackage) PackageRef {
	return PackageRef{Kind: RefBinary, Binary: p}
}

func (r PackageRef) String() string {
	if r.Kind == RefSource {
		return "source " + r.Source.String()
	}
	return "binary " + r.Binary.String()
}

// Maintainer performs archive maintenance: suite copies, removals, and
// expiry of superseded package versions.
type Maintainer struct {
	st   *store.Store
	cfg  *config.Config
	emit events.Listener
	log  *logrus.Entry
}

// NewMaintainer builds a maintenance engine.
func NewMaintainer(st *store.Store, cfg *config.Config, emit events.Listener) *Maintainer {
	if emit == nil {
		emit = events.Discard
	}
	return &Maintainer{
		st: st, cfg: cfg, emit: emit,
		log: logrus.WithField("component", "maintenance"),
	}
}

// CopySourcePackage adds a source package (and optionally its binaries) to
// another suite of the same repository. Files are shared through the pool;
// only memberships change.
func (m *Maintainer) CopySourcePackage(sourceUUID string, to *store.RepoSuiteSettings, withBinaries bool) error {
	pkg, err := m.st.SourcePackageByUUID(sourceUUID)
	if err != nil {
		return err
	}
	if pkg.RepoID != to.RepoID {
		return Policyf("cannot copy %s across repositories", pkg)
	}
	if pkg.IsDeleted() {
		return Policyf("cannot copy deleted package %s", pkg)
	}
	if to.Frozen || to.Suite.Frozen {
		return Policyf("suite %s/%s is frozen", to.Repo.Name, to.Suite.Name)
	}
	if !store.SuiteHasComponent(&to.Suite, pkg.ComponentID) {
		return Policyf("suite %s does not carry component %s", to.Suite.Name, pkg.Component.Name)
	}

	var bins []store.BinaryPackage
	if withBinaries {
		bins, err = m.st.BinariesOfSource(pkg.UUID)
		if err != nil {
			return err
		}
	}

	err = m.st.Transaction(func(tx *gorm.DB) error {
		if err := store.AddSuiteMembership(tx, pkg, &to.Suite); err != nil {
			return err
		}
		if err := store.BumpVersionMemory(tx, to.ID, pkg.Name, deb.ArchSource, pkg.Version); err != nil {
			return err
		}
		for i := range bins {
			if bins[i].IsDeleted() {
				continue
			}
			if err := store.AddSuiteMembership(tx, &bins[i], &to.Suite); err != nil {
				return err
			}
			if err := store.BumpVersionMemory(tx, to.ID, bins[i].Name, bins[i].Architecture, bins[i].Version); err != nil {
				return err
			}
		}
		return m.st.MarkChangesPending(tx, to.ID)
	})
	if err != nil {
		return err
	}

	m.emit(events.PackageCopied{
		Repo: to.Repo.Name, Kind: "source",
		Name: pkg.Name, Version: pkg.Version, To: to.Suite.Name,
	})
	return nil
}

// CopyBinaryPackage adds one binary package to another suite. The owning
// source must already be present there, keeping suite contents closed over
// source references.
func (m *Maintainer) CopyBinaryPackage(binaryUUID string, to *store.RepoSuiteSettings) error {
	pkg, err := m.st.BinaryPackageByUUID(binaryUUID)
	if err != nil {
		return err
	}
	if pkg.RepoID != to.RepoID {
		return Policyf("cannot copy %s across repositories", pkg)
	}
	if pkg.IsDeleted() {
		return Policyf("cannot copy deleted package %s", pkg)
	}
	if to.Frozen || to.Suite.Frozen {
		return Policyf("suite %s/%s is frozen", to.Repo.Name, to.Suite.Name)
	}
	src, err := m.st.SourcePackageByUUID(pkg.SourceID)
	if err != nil {
		return err
	}
	inSuite := false
	for _, s := range src.Suites {
		if s.ID == to.SuiteID {
			inSuite = true
			break
		}
	}
	if !inSuite {
		return Integrityf("source %s is not in suite %s; copy it first", src, to.Suite.Name)
	}

	err = m.st.Transaction(func(tx *gorm.DB) error {
		if err := store.AddSuiteMembership(tx, pkg, &to.Suite); err != nil {
			return err
		}
		if err := store.BumpVersionMemory(tx, to.ID, pkg.Name, pkg.Architecture, pkg.Version); err != nil {
			return err
		}
		return m.st.MarkChangesPending(tx, to.ID)
	})
	if err != nil {
		return err
	}

	m.emit(events.PackageCopied{
		Repo: to.Repo.Name, Kind: "binary",
		Name: pkg.Name, Version: pkg.Version, To: to.Suite.Name,
	})
	return nil
}

// MarkDelete drops a package from one suite. When that was its last suite
// the package is soft-deleted: it stays on disk and in the database until
// the retention window elapses. Removing a source drags its binaries in the
// same suite along, keeping suite contents closed.
func (m *Maintainer) MarkDelete(ref PackageRef, rss *store.RepoSuiteSettings) error {
	if rss.Frozen || rss.Suite.Frozen {
		return Policyf("suite %s/%s is frozen", rss.Repo.Name, rss.Suite.Name)
	}
	switch ref.Kind {
	case RefSource:
		return m.markDeleteSource(ref.Source, rss)
	case RefBinary:
		return m.markDeleteBinary(ref.Binary, rss)
	}
	return fmt.Errorf("unhandled package ref kind %d", ref.Kind)
}

func (m *Maintainer) markDeleteSource(pkg *store.SourcePackage, rss *store.RepoSuiteSettings) error {
	bins, err := m.st.BinariesOfSource(pkg.UUID)
	if err != nil {
		return err
	}
	err = m.st.Transaction(func(tx *gorm.DB) error {
		for i := range bins {
			if !memberOf(bins[i].Suites, rss.SuiteID) {
				continue
			}
			if err := m.dropMembership(tx, BinaryRef(&bins[i]), rss); err != nil {
				return err
			}
		}
		return m.dropMembership(tx, SourceRef(pkg), rss)
	})
	return err
}

func memberOf(suites []store.ArchiveSuite, suiteID uint) bool {
	for _, s := range suites {
		if s.ID == suiteID {
			return true
		}
	}
	return false
}

func (m *Maintainer) markDeleteBinary(pkg *store.BinaryPackage, rss *store.RepoSuiteSettings) error {
	return m.st.Transaction(func(tx *gorm.DB) error {
		return m.dropMembership(tx, BinaryRef(pkg), rss)
	})
}

func (m *Maintainer) dropMembership(tx *gorm.DB, ref PackageRef, rss *store.RepoSuiteSettings) error {
	var name, version, kind string
	var target any
	var remaining int64

	switch ref.Kind {
	case RefSource:
		p := ref.Source
		name, version, kind, target = p.Name, p.Version, "source", p
		if err := store.RemoveSuiteMembership(tx, p, &rss.Suite); err != nil {
			return err
		}
		remaining = tx.Model(p).Association("Suites").Count()
	case RefBinary:
		p := ref.Binary
		name, version, kind, target = p.Name, p.Version, "binary", p
		if err := store.RemoveSuiteMembership(tx, p, &rss.Suite); err != nil {
			return err
		}
		remaining = tx.Model(p).Association("Suites").Count()
	}

	deleted := false
	if remaining == 0 {
		now := time.Now().UTC()
		if err := tx.Model(target).Update("time_deleted", now).Error; err != nil {
			return err
		}
		deleted = true
	}
	if err := m.st.MarkChangesPending(tx, rss.ID); err != nil {
		return err
	}
	m.emit(events.PackageMarkedRemoval{
		Repo: rss.Repo.Name, Suite: rss.Suite.Name,
		Kind: kind, Name: name, Version: version, Deleted: deleted,
	})
	return nil
}

// RemoveSourcePackage physically removes a soft-deleted source package, its
// binaries and its files. Version-memory rows survive so the removed
// versions can never be replayed.
func (m *Maintainer) RemoveSourcePackage(sourceUUID string) error {
	pkg, err := m.st.SourcePackageByUUID(sourceUUID)
	if err != nil {
		return err
	}
	if !pkg.IsDeleted() {
		return Policyf("refusing to remove %s: still published, mark it deleted first", pkg)
	}
	bins, err := m.st.BinariesOfSource(pkg.UUID)
	if err != nil {
		return err
	}
	for i := range bins {
		if !bins[i].IsDeleted() {
			return Policyf("refusing to remove %s: binary %s is still published", pkg, &bins[i])
		}
	}

	repoRoot := m.cfg.RepoRoot(pkg.Repo.Name)
	err = m.st.Transaction(func(tx *gorm.DB) error {
		for i := range bins {
			if err := m.removeBinaryRow(tx, repoRoot, &bins[i]); err != nil {
				return err
			}
		}
		for i := range pkg.Files {
			if err := m.removeFileRow(tx, repoRoot, &pkg.Files[i]); err != nil {
				return err
			}
		}
		if err := tx.Model(pkg).Association("Files").Clear(); err != nil {
			return err
		}
		if err := tx.Where("source_id = ?", pkg.UUID).Delete(&store.QueueNewEntry{}).Error; err != nil {
			return err
		}
		if err := m.collectOverrides(tx, pkg); err != nil {
			return err
		}
		return tx.Delete(pkg).Error
	})
	if err != nil {
		return err
	}
	// Empty pool directories are cosmetic debris.
	os.Remove(filepath.Join(repoRoot, pkg.Directory))

	m.emit(events.PackageRemoved{
		Repo: pkg.Repo.Name, Kind: "source", Name: pkg.Name, Version: pkg.Version,
	})
	return nil
}

// collectOverrides drops override rows for binary names of a source leaving
// the archive, unless another version of the same source name survives.
func (m *Maintainer) collectOverrides(tx *gorm.DB, pkg *store.SourcePackage) error {
	var siblings int64
	err := tx.Model(&store.SourcePackage{}).
		Where("repo_id = ? AND name = ? AND uuid <> ?", pkg.RepoID, pkg.Name, pkg.UUID).
		Count(&siblings).Error
	if err != nil {
		return err
	}
	if siblings > 0 {
		return nil
	}
	for _, eb := range pkg.ExpectedBinaries {
		err := tx.Where("repo_id = ? AND package_name = ?", pkg.RepoID, eb.Name).
			Delete(&store.PackageOverride{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveBinaryPackage physically removes one soft-deleted binary package
// and its pool file.
func (m *Maintainer) RemoveBinaryPackage(binaryUUID string) error {
	pkg, err := m.st.BinaryPackageByUUID(binaryUUID)
	if err != nil {
		return err
	}
	if !pkg.IsDeleted() {
		return Policyf("refusing to remove %s: still published, mark it deleted first", pkg)
	}
	repoRoot := m.cfg.RepoRoot(pkg.Repo.Name)
	err = m.st.Transaction(func(tx *gorm.DB) error {
		return m.removeBinaryRow(tx, repoRoot, pkg)
	})
	if err != nil {
		return err
	}
	m.emit(events.PackageRemoved{
		Repo: pkg.Repo.Name, Kind: "binary", Name: pkg.Name, Version: pkg.Version,
	})
	return nil
}

func (m *Maintainer) removeBinaryRow(tx *gorm.DB, repoRoot string, pkg *store.BinaryPackage) error {
	if pkg.FileID != nil {
		var f store.ArchiveFile
		if err := tx.First(&f, *pkg.FileID).Error; err == nil {
			if err := m.removeFileRow(tx, repoRoot, &f); err != nil {
				return err
			}
		}
	}
	if err := tx.Model(pkg).Association("Suites").Clear(); err != nil {
		return err
	}
	return tx.Delete(pkg).Error
}

// removeFileRow unlinks a pool file and its row unless another source
// package still references it (shared orig tarballs).
func (m *Maintainer) removeFileRow(tx *gorm.DB, repoRoot string, f *store.ArchiveFile) error {
	var refs int64
	if err := tx.Table("source_package_files").
		Where("archive_file_id = ?", f.ID).Count(&refs).Error; err != nil {
		return err
	}
	if refs > 1 {
		return nil
	}
	if err := os.Remove(filepath.Join(repoRoot, f.Path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return tx.Delete(f).Error
}

// ExpireSuperseded removes cruft from one repository×suite. When the highest
// version of a name is fully built, every older version below the newest
// alternate is dropped; otherwise only versions strictly dominated by a
// newer, fully-built candidate are. One alternate version always survives so
// migration between versions is never starved. Soft-deleted packages whose
// retention window has elapsed are then physically removed.
func (m *Maintainer) ExpireSuperseded(rss *store.RepoSuiteSettings) error {
	lock, err := LockRepoSuite(m.cfg.ArchiveRoot, rss.Repo.Name, rss.Suite.Name)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	log := m.log.WithFields(logrus.Fields{"repo": rss.Repo.Name, "suite": rss.Suite.Name})

	sources, err := m.st.SourcePackagesInSuite(rss.RepoID, rss.SuiteID)
	if err != nil {
		return err
	}
	binaries, err := m.st.BinaryPackagesInSuite(rss.RepoID, rss.SuiteID, "")
	if err != nil {
		return err
	}
	binsBySource := make(map[string][]*store.BinaryPackage)
	for i := range binaries {
		binsBySource[binaries[i].SourceID] = append(binsBySource[binaries[i].SourceID], &binaries[i])
	}

	byName := make(map[string][]*store.SourcePackage)
	for i := range sources {
		byName[sources[i].Name] = append(byName[sources[i].Name], &sources[i])
	}

	var cruft []*store.SourcePackage
	for name, versions := range byName {
		// A lone alternate version is always kept.
		if len(versions) < 3 {
			continue
		}
		sortByVersionDesc(versions)

		everBuilt := architecturesEverBuilt(versions, binsBySource)
		candidates := versions[1:]
		if coversBuiltArchitectures(binsBySource[versions[0].UUID], everBuilt) {
			// The highest version is fully built: everything below the
			// newest alternate is cruft.
			cruft = append(cruft, candidates[1:]...)
			continue
		}
		// Otherwise walk the candidates newest to oldest; the first one
		// covering every architecture ever built dominates the versions
		// strictly older than it, and nothing at or above it is touched.
		dominatorIdx := -1
		for i, v := range candidates {
			if coversBuiltArchitectures(binsBySource[v.UUID], everBuilt) {
				dominatorIdx = i
				break
			}
		}
		if dominatorIdx < 0 {
			log.WithField("package", name).Debug("no fully built candidate, keeping all")
			continue
		}
		cruft = append(cruft, candidates[dominatorIdx+1:]...)
	}

	for _, v := range cruft {
		log.WithFields(logrus.Fields{"package": v.Name, "version": v.Version}).
			Info("expiring superseded version")
		if err := m.markDeleteSource(v, rss); err != nil {
			return err
		}
	}

	return m.purgeExpired(rss.RepoID, log)
}

// architecturesEverBuilt collects the concrete architectures any version of
// a name has a suite binary for. An empty set means the package is purely
// architecture-independent.
func architecturesEverBuilt(versions []*store.SourcePackage, binsBySource map[string][]*store.BinaryPackage) map[string]bool {
	archs := make(map[string]bool)
	for _, v := range versions {
		for _, b := range binsBySource[v.UUID] {
			if b.Architecture != deb.ArchAll {
				archs[b.Architecture] = true
			}
		}
	}
	return archs
}

// coversBuiltArchitectures reports whether a version's binaries cover every
// architecture ever built for its name. A purely architecture-independent
// package is covered as soon as it has any binary at all.
func coversBuiltArchitectures(bins []*store.BinaryPackage, everBuilt map[string]bool) bool {
	if len(everBuilt) == 0 {
		return len(bins) > 0
	}
	have := make(map[string]bool, len(bins))
	for _, b := range bins {
		have[b.Architecture] = true
	}
	for a := range everBuilt {
		if !have[a] {
			return false
		}
	}
	return true
}

func sortByVersionDesc(pkgs []*store.SourcePackage) {
	for i := 1; i < len(pkgs); i++ {
		for j := i; j > 0 && deb.CompareVersions(pkgs[j].Version, pkgs[j-1].Version) > 0; j-- {
			pkgs[j], pkgs[j-1] = pkgs[j-1], pkgs[j]
		}
	}
}

// purgeExpired physically removes soft-deleted packages older than the
// retention window.
func (m *Maintainer) purgeExpired(repoID uint, log *logrus.Entry) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)

	var expired []store.SourcePackage
	err := m.st.DB().
		Where("repo_id = ? AND time_deleted IS NOT NULL AND time_deleted < ?", repoID, cutoff).
		Find(&expired).Error
	if err != nil {
		return err
	}
	for i := range expired {
		log.WithFields(logrus.Fields{
			"package": expired[i].Name, "version": expired[i].Version,
		}).Info("purging expired package")
		if err := m.RemoveSourcePackage(expired[i].UUID); err != nil {
			if IsPolicy(err) {
				// A binary of this source resurfaced in a suite; skip.
				log.WithError(err).Warn("skipping purge")
				continue
			}
			return err
		}
	}

	var expiredBins []store.BinaryPackage
	err = m.st.DB().
		Where("repo_id = ? AND time_deleted IS NOT NULL AND time_deleted < ?", repoID, cutoff).
		Find(&expiredBins).Error
	if err != nil {
		return err
	}
	for i := range expiredBins {
		if err := m.RemoveBinaryPackage(expiredBins[i].UUID); err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// SourceRemovalIssues reports what would break if a source package left a
// suite: other sources whose build-dependencies name one of its binaries, and
// binaries of other sources depending on them at runtime. The scan is
// textual, best-effort and version-unaware, and is skipped when a strictly
// higher version of the same source remains in the suite.
func (m *Maintainer) SourceRemovalIssues(sourceUUID string, rss *store.RepoSuiteSettings) ([]string, error) {
	pkg, err := m.st.SourcePackageByUUID(sourceUUID)
	if err != nil {
		return nil, err
	}
	sources, err := m.st.SourcePackagesInSuite(rss.RepoID, rss.SuiteID)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		if sources[i].Name == pkg.Name && sources[i].UUID != pkg.UUID &&
			deb.CompareVersions(sources[i].Version, pkg.Version) > 0 {
			return nil, nil
		}
	}

	bins, err := m.st.BinariesOfSource(pkg.UUID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(bins))
	for i := range bins {
		names[bins[i].Name] = true
	}

	var issues []string
	for i := range sources {
		if sources[i].UUID == pkg.UUID {
			continue
		}
		for _, bd := range sources[i].BuildDepends {
			for n := range names {
				if dependsOn(bd, n) {
					issues = append(issues, fmt.Sprintf("source %s build-depends on %s", &sources[i], n))
				}
			}
		}
	}
	all, err := m.st.BinaryPackagesInSuite(rss.RepoID, rss.SuiteID, "")
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].SourceID == pkg.UUID {
			continue
		}
		for _, dep := range all[i].Depends {
			for n := range names {
				if dependsOn(dep, n) {
					issues = append(issues, fmt.Sprintf("%s depends on %s", &all[i], n))
				}
			}
		}
	}
	return issues, nil
}

// BinaryRemovalIssues reports what would break if a binary left a suite:
// packages in the suite depending on its name. The scan is skipped when a
// strictly higher version of the same binary remains in the suite, since the
// removal is then a plain upgrade.
func (m *Maintainer) BinaryRemovalIssues(binaryUUID string, rss *store.RepoSuiteSettings) ([]string, error) {
	pkg, err := m.st.BinaryPackageByUUID(binaryUUID)
	if err != nil {
		return nil, err
	}
	all, err := m.st.BinaryPackagesInSuite(rss.RepoID, rss.SuiteID, "")
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == pkg.Name && all[i].UUID != pkg.UUID &&
			deb.CompareVersions(all[i].Version, pkg.Version) > 0 {
			return nil, nil
		}
	}
	var issues []string
	for i := range all {
		if all[i].UUID == pkg.UUID {
			continue
		}
		for _, dep := range all[i].Depends {
			if dependsOn(dep, pkg.Name) {
				issues = append(issues, fmt.Sprintf("%s depends on %s", &all[i], pkg.Name))
			}
		}
	}
	return issues, nil
}

// dependsOn reports whether one dependency clause names the package,
// considering alternatives ("a | b") and version restrictions.
func dependsOn(clause, name string) bool {
	for _, alt := range strings.Split(clause, "|") {
		if depName(alt) == name {
			return true
		}
	}
	return false
}

// depName strips version restrictions, architecture qualifiers and build
// profiles from one dependency alternative.
func depName(alt string) string {
	alt = strings.TrimSpace(alt)
	if i := strings.IndexAny(alt, " ([:"); i >= 0 {
		return alt[:i]
	}
	return alt
}
