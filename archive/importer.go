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

// NewPolicy decides whether an import may bypass or must enter the NEW queue.
type NewPolicy int

const (
	// NewPolicyDefault routes a package to NEW iff an expected binary lacks
	// an override.
	NewPolicyDefault NewPolicy = iota
	// NewPolicyNever admits the package directly, synthesizing overrides.
	NewPolicyNever
	// NewPolicyAlways forces the package through the review queue.
	NewPolicyAlways
)

// ImportOptions tune a single import run.
type ImportOptions struct {
	// IgnoreVersionCheck disables the version-memory regression guard.
	IgnoreVersionCheck bool
	// SkipExisting silently returns instead of failing when the package
	// version is already known.
	SkipExisting bool
	// TolerateMissingSection accepts a source with no resolvable section,
	// falling back to "misc".
	TolerateMissingSection bool
	// AutoCreateOverrides permits synthesizing a missing binary override
	// from a same-name override elsewhere, or from the control stanza.
	AutoCreateOverrides bool
	// MoveFiles moves files into the archive instead of copying.
	MoveFiles bool

	NewPolicy NewPolicy
}

// Importer performs transactional single-package ingestion against one
// repository×suite.
type Importer struct {
	st   *store.Store
	cfg  *config.Config
	rss  *store.RepoSuiteSettings
	opts ImportOptions
	emit events.Listener
	log  *logrus.Entry
}

// NewImporter builds an importer bound to one repo-suite.
func NewImporter(st *store.Store, cfg *config.Config, rss *store.RepoSuiteSettings, opts ImportOptions, emit events.Listener) *Importer {
	if emit == nil {
		emit = events.Discard
	}
	return &Importer{
		st: st, cfg: cfg, rss: rss, opts: opts, emit: emit,
		log: logrus.WithFields(logrus.Fields{
			"component": "importer",
			"repo":      rss.Repo.Name,
			"suite":     rss.Suite.Name,
		}),
	}
}

func (imp *Importer) repoRoot() string { return imp.cfg.RepoRoot(imp.rss.Repo.Name) }

// stagedFile is one file placement in flight: copied to a temporary name
// first, renamed into place only after the database transaction commits.
// A crash in between leaves a temp file the integrity checker reports.
type stagedFile struct {
	tmp   string // absolute temporary path
	final string // absolute destination path
}

func (imp *Importer) stageFile(src, relDst string) (stagedFile, error) {
	final := filepath.Join(imp.repoRoot(), relDst)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return stagedFile{}, err
	}
	tmp := filepath.Join(filepath.Dir(final), ".tmp-"+filepath.Base(final))
	if err := copyFile(src, tmp); err != nil {
		return stagedFile{}, err
	}
	return stagedFile{tmp: tmp, final: final}, nil
}

func commitStaged(staged []stagedFile) error {
	for _, sf := range staged {
		if err := os.Rename(sf.tmp, sf.final); err != nil {
			return err
		}
	}
	return nil
}

func discardStaged(staged []stagedFile) {
	for _, sf := range staged {
		os.Remove(sf.tmp)
	}
}

// ImportSource ingests one source package from its .dsc into the importer's
// repo-suite. It returns the package row and whether it entered (or stayed
// in) the NEW queue.
//
// Any error means this package was not admitted; a re-run after fixing the
// cause is safe because the package identity is a deterministic uuid.
func (imp *Importer) ImportSource(dscPath, componentName string) (*store.SourcePackage, bool, error) {
	rss := imp.rss
	if rss.Frozen {
		return nil, false, Policyf("suite %s/%s is frozen", rss.Repo.Name, rss.Suite.Name)
	}

	dsc, err := deb.ReadDsc(dscPath)
	if err != nil {
		return nil, false, err
	}
	name, version := dsc.Package(), dsc.Version()
	if name == "" || version == "" {
		return nil, false, Integrityf("%s: Source/Version fields missing", dscPath)
	}
	log := imp.log.WithFields(logrus.Fields{"package": name, "version": version})

	component, err := imp.st.ComponentByName(componentName)
	if err != nil {
		return nil, false, err
	}

	// An existing row still under review is updated in place; an existing
	// fully-published row is a duplicate.
	pkg, err := imp.st.SourcePackageInRepo(rss.RepoID, name, version)
	if err != nil {
		return nil, false, err
	}

	// Version-memory regression guard. Re-importing the recorded maximum is
	// tolerated only while its row still lives (mid-review reuse or the
	// duplicate handling below); once the rows are physically removed the
	// same version is a replay and stays blocked.
	if !imp.opts.IgnoreVersionCheck {
		seen, err := imp.st.VersionMemoryFor(rss.ID, name, deb.ArchSource)
		if err != nil {
			return nil, false, err
		}
		if seen != "" {
			cmp := deb.CompareVersions(seen, version)
			if cmp > 0 {
				if imp.opts.SkipExisting {
					log.Debug("skipping: an older version than the recorded maximum")
					return nil, false, nil
				}
				return nil, false, Policyf("version %s of %s regresses below already-seen %s", version, name, seen)
			}
			if cmp == 0 && pkg == nil {
				if imp.opts.SkipExisting {
					log.Debug("skipping: version already seen and removed")
					return nil, false, nil
				}
				return nil, false, Policyf("version %s of %s was already seen and later removed; replays are not accepted", version, name)
			}
		}
	}
	wasQueued := false
	if pkg != nil {
		entry, err := imp.st.QueueNewEntryFor(pkg.UUID, rss.SuiteID)
		if err != nil {
			return nil, false, err
		}
		if entry != nil {
			wasQueued = true
		} else if len(pkg.Suites) > 0 {
			if imp.opts.SkipExisting {
				return pkg, false, nil
			}
			return nil, false, Policyf("source package %s/%s already exists in %s", name, version, rss.Repo.Name)
		}
	} else {
		pkg = &store.SourcePackage{
			UUID:       store.SourcePackageUUID(rss.Repo.Name, name, version),
			SourceUUID: store.SourceLineageUUID(rss.Repo.Name, name),
			RepoID:     rss.RepoID,
			Name:       name,
			Version:    version,
			TimeAdded:  time.Now().UTC(),
		}
	}

	imp.populateSourceFields(pkg, dsc, component)
	if err := imp.resolveExpectedBinaries(pkg, dsc, log); err != nil {
		return nil, false, err
	}
	if err := imp.resolveSection(pkg, log); err != nil {
		return nil, false, err
	}

	isNew, err := imp.sourceIsNew(pkg)
	if err != nil {
		return nil, false, err
	}

	// Every referenced file must verify before anything moves.
	dscFiles, err := dsc.Files()
	if err != nil {
		return nil, false, err
	}
	srcDir := filepath.Dir(dscPath)
	for _, f := range dscFiles {
		if err := f.Checksums.Verify(filepath.Join(srcDir, f.Name)); err != nil {
			return nil, false, &IntegrityError{Reason: "source file verification failed", Err: err}
		}
	}

	destDir := store.PoolDir(component.Name, name)
	if isNew {
		destDir = store.NewQueueDir(component.Name, name)
	}

	// Moving a queued package out of NEW purges the queue-side copy first.
	// The repo-suite lock makes concurrent imports of the same NEW package
	// serialize instead of racing.
	lock, err := LockRepoSuite(imp.cfg.ArchiveRoot, rss.Repo.Name, rss.Suite.Name)
	if err != nil {
		return nil, false, err
	}
	defer lock.Unlock()

	if wasQueued && !isNew {
		oldDir := filepath.Join(imp.repoRoot(), store.NewQueueDir(component.Name, name))
		if err := os.RemoveAll(oldDir); err != nil {
			return nil, false, err
		}
	}

	var staged []stagedFile
	var fileRows []store.ArchiveFile
	placeOne := func(src string, sums *deb.FileChecksums) error {
		rel := filepath.Join(destDir, filepath.Base(src))
		sf, err := imp.stageFile(src, rel)
		if err != nil {
			return err
		}
		staged = append(staged, sf)
		row := store.ArchiveFile{RepoID: rss.RepoID, Path: rel}
		row.SetChecksums(sums)
		fileRows = append(fileRows, row)
		return nil
	}
	dscSums, err := deb.ChecksumsOfFile(dscPath)
	if err != nil {
		return nil, false, err
	}
	if err := placeOne(dscPath, dscSums); err != nil {
		discardStaged(staged)
		return nil, false, err
	}
	for _, f := range dscFiles {
		if err := placeOne(filepath.Join(srcDir, f.Name), &f.Checksums); err != nil {
			discardStaged(staged)
			return nil, false, err
		}
	}
	pkg.Directory = destDir

	err = imp.st.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(pkg).Error; err != nil {
			return err
		}
		if err := upsertFiles(tx, pkg, fileRows); err != nil {
			return err
		}
		if isNew {
			entry := store.QueueNewEntry{SourceID: pkg.UUID, SuiteID: rss.SuiteID}
			if err := tx.Where("source_id = ? AND suite_id = ?", pkg.UUID, rss.SuiteID).
				FirstOrCreate(&entry).Error; err != nil {
				return err
			}
		} else {
			if imp.rss.AutoOverrides || imp.opts.NewPolicy == NewPolicyNever {
				if err := imp.registerOverrides(tx, pkg); err != nil {
					return err
				}
			}
			if err := tx.Where("source_id = ? AND suite_id = ?", pkg.UUID, rss.SuiteID).
				Delete(&store.QueueNewEntry{}).Error; err != nil {
				return err
			}
			if err := store.AddSuiteMembership(tx, pkg, &rss.Suite); err != nil {
				return err
			}
			now := time.Now().UTC()
			if err := tx.Model(pkg).Updates(map[string]any{
				"time_published": now, "time_deleted": nil,
			}).Error; err != nil {
				return err
			}
		}
		if err := store.BumpVersionMemory(tx, rss.ID, name, deb.ArchSource, version); err != nil {
			return err
		}
		return imp.st.MarkChangesPending(tx, rss.ID)
	})
	if err != nil {
		discardStaged(staged)
		return nil, false, err
	}
	if err := commitStaged(staged); err != nil {
		return nil, false, fmt.Errorf("finalizing file placement for %s: %w", pkg, err)
	}

	log.WithField("new", isNew).Info("source package imported")
	imp.emit(events.SourcePackageImported{
		Repo: rss.Repo.Name, Suite: rss.Suite.Name,
		Name: name, Version: version, IsNew: isNew,
	})
	return pkg, isNew, nil
}

func (imp *Importer) populateSourceFields(pkg *store.SourcePackage, dsc *deb.Dsc, component *store.ArchiveComponent) {
	pkg.ComponentID = component.ID
	pkg.Component = *component
	pkg.Architectures = dsc.Architectures()
	pkg.Maintainer = dsc.Stanza.Get(deb.FieldMaintainer)
	pkg.Uploaders = dsc.Stanza.List("Uploaders")
	pkg.StandardsVersion = dsc.Stanza.Get(deb.FieldStandardsVersion)
	pkg.Format = dsc.Stanza.Get(deb.FieldFormat)
	pkg.Homepage = dsc.Stanza.Get(deb.FieldHomepage)
	pkg.VcsBrowser = dsc.Stanza.Get(deb.FieldVcsBrowser)
	pkg.BuildDepends = dsc.Stanza.List(deb.FieldBuildDepends)
	pkg.Section = dsc.Stanza.Get(deb.FieldSection)
}

// resolveExpectedBinaries fills the binaries the source declares it builds,
// preferring the structured Package-List and falling back to stub entries
// from the legacy Binary field.
func (imp *Importer) resolveExpectedBinaries(pkg *store.SourcePackage, dsc *deb.Dsc, log *logrus.Entry) error {
	if list := dsc.PackageList(); len(list) > 0 {
		pkg.ExpectedBinaries = list
		return nil
	}
	names := dsc.BinaryNames()
	if len(names) == 0 {
		return Integrityf("source %s declares no binaries (no Package-List or Binary field)", pkg.Name)
	}
	log.Warn("no Package-List field; synthesizing expected binaries from legacy Binary field")
	for _, n := range names {
		pkg.ExpectedBinaries = append(pkg.ExpectedBinaries, store.ExpectedBinary{
			Name:          n,
			Type:          "deb",
			Section:       pkg.Section,
			Priority:      "optional",
			Architectures: pkg.Architectures,
		})
	}
	return nil
}

func (imp *Importer) resolveSection(pkg *store.SourcePackage, log *logrus.Entry) error {
	if pkg.Section != "" {
		return nil
	}
	for _, eb := range pkg.ExpectedBinaries {
		if eb.Section != "" {
			pkg.Section = eb.Section
			return nil
		}
	}
	if !imp.opts.TolerateMissingSection {
		return Integrityf("source %s has no resolvable section", pkg.Name)
	}
	log.Warn("source has no resolvable section, falling back to misc")
	pkg.Section = "misc"
	return nil
}

// sourceIsNew computes NEW-queue eligibility: true when any expected binary
// lacks an override in this repo-suite (dbgsym names are checked against the
// debug pairing), subject to the import's NewPolicy and the suite's
// manual-accept flag.
func (imp *Importer) sourceIsNew(pkg *store.SourcePackage) (bool, error) {
	switch imp.opts.NewPolicy {
	case NewPolicyNever:
		return false, nil
	case NewPolicyAlways:
		return true, nil
	}
	if imp.rss.ManualAccept {
		return true, nil
	}

	debugRSS, err := imp.st.DebugRepoSuiteFor(imp.rss)
	if err != nil {
		return false, err
	}
	for _, eb := range pkg.ExpectedBinaries {
		target := imp.rss
		if isDebugName(eb.Name) && debugRSS != nil {
			target = debugRSS
		}
		o, err := imp.st.OverrideFor(target.RepoID, target.SuiteID, eb.Name)
		if err != nil {
			return false, err
		}
		if o == nil {
			return true, nil
		}
	}
	return false, nil
}

func isDebugName(name string) bool {
	return strings.HasSuffix(name, "-dbgsym") || strings.HasSuffix(name, "-dbg")
}

// registerOverrides creates overrides for every expected binary that lacks
// one, used when a package skips NEW.
func (imp *Importer) registerOverrides(tx *gorm.DB, pkg *store.SourcePackage) error {
	for _, eb := range pkg.ExpectedBinaries {
		var existing store.PackageOverride
		err := tx.Where("repo_id = ? AND suite_id = ? AND package_name = ?",
			imp.rss.RepoID, imp.rss.SuiteID, eb.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		section, priority := eb.Section, eb.Priority
		if section == "" {
			section = pkg.Section
		}
		if priority == "" {
			priority = "optional"
		}
		o := store.PackageOverride{
			RepoID:      imp.rss.RepoID,
			SuiteID:     imp.rss.SuiteID,
			PackageName: eb.Name,
			ComponentID: pkg.ComponentID,
			Section:     section,
			Priority:    priority,
		}
		if err := tx.Create(&o).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsertFiles(tx *gorm.DB, pkg *store.SourcePackage, rows []store.ArchiveFile) error {
	for i := range rows {
		var existing store.ArchiveFile
		err := tx.Where("repo_id = ? AND path = ?", rows[i].RepoID, rows[i].Path).
			First(&existing).Error
		switch {
		case err == nil:
			rows[i].ID = existing.ID
		case err != gorm.ErrRecordNotFound:
			return err
		default:
			if err := tx.Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(pkg).Association("Files").Append(&rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// ImportBinary ingests one .deb/.udeb. Debug-symbol packages are redirected
// to the repository-suite's debug pairing. The expected checksums, when
// non-nil, are verified against the file before anything moves.
func (imp *Importer) ImportBinary(debPath, componentName string, expected *deb.FileChecksums) (*store.BinaryPackage, error) {
	if imp.rss.Frozen {
		return nil, Policyf("suite %s/%s is frozen", imp.rss.Repo.Name, imp.rss.Suite.Name)
	}

	info, err := deb.ReadDeb(debPath)
	if err != nil {
		return nil, err
	}
	name, version, arch := info.Package(), info.Version(), info.Architecture()
	log := imp.log.WithFields(logrus.Fields{"package": name, "version": version, "arch": arch})

	// Debug-symbol packages belong in the debug pairing.
	target := imp.rss
	if info.IsDebugSymbols() && imp.rss.Suite.DbgSymPolicy != store.DbgSymOnlyDebug {
		debugRSS, err := imp.st.DebugRepoSuiteFor(imp.rss)
		if err != nil {
			return nil, err
		}
		if debugRSS == nil {
			return nil, Policyf("suite %s/%s has no debug pairing for %s",
				imp.rss.Repo.Name, imp.rss.Suite.Name, name)
		}
		target = debugRSS
	}

	if !imp.opts.IgnoreVersionCheck {
		seen, err := imp.st.VersionMemoryFor(target.ID, name, arch)
		if err != nil {
			return nil, err
		}
		if seen != "" {
			cmp := deb.CompareVersions(seen, version)
			if cmp > 0 {
				if imp.opts.SkipExisting {
					return nil, nil
				}
				return nil, Policyf("version %s of %s/%s regresses below already-seen %s",
					version, name, arch, seen)
			}
			if cmp == 0 {
				// The recorded maximum may be re-imported only while its
				// row still lives; after removal it is a replay.
				var live int64
				err := imp.st.DB().Model(&store.BinaryPackage{}).
					Where("uuid = ?", store.BinaryPackageUUID(target.Repo.Name, name, version, arch)).
					Count(&live).Error
				if err != nil {
					return nil, err
				}
				if live == 0 {
					if imp.opts.SkipExisting {
						return nil, nil
					}
					return nil, Policyf("version %s of %s/%s was already seen and later removed; replays are not accepted",
						version, name, arch)
				}
			}
		}
	}

	component, err := imp.st.ComponentByName(componentName)
	if err != nil {
		return nil, err
	}

	src, srcQueued, err := imp.resolveOwningSource(info, target)
	if err != nil {
		return nil, err
	}

	if expected != nil {
		if err := expected.Verify(debPath); err != nil {
			return nil, &IntegrityError{Reason: "binary file verification failed", Err: err}
		}
	}
	sums, err := deb.ChecksumsOfFile(debPath)
	if err != nil {
		return nil, err
	}

	// A binary whose source is mid-review parks next to it in the queue;
	// otherwise it needs an override to publish.
	var override *store.PackageOverride
	if !srcQueued {
		override, err = imp.st.OverrideFor(target.RepoID, target.SuiteID, name)
		if err != nil {
			return nil, err
		}
		if override == nil {
			if !imp.opts.AutoCreateOverrides && !target.AutoOverrides {
				return nil, Integrityf(
					"no override for %s in %s/%s; process the source through NEW first",
					name, target.Repo.Name, target.Suite.Name)
			}
			override, err = imp.synthesizeOverride(target, info, component)
			if err != nil {
				return nil, err
			}
		}
	}

	destDir := store.PoolDir(component.Name, src.Name)
	if srcQueued {
		destDir = store.NewQueueDir(component.Name, src.Name)
	}
	relPath := filepath.Join(destDir, filepath.Base(debPath))

	lock, err := LockRepoSuite(imp.cfg.ArchiveRoot, target.Repo.Name, target.Suite.Name)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	sf, err := imp.stageFile(debPath, relPath)
	if err != nil {
		return nil, err
	}

	pkg := &store.BinaryPackage{
		UUID:          store.BinaryPackageUUID(target.Repo.Name, name, version, arch),
		RepoID:        target.RepoID,
		Name:          name,
		Version:       version,
		Architecture:  arch,
		SourceID:      src.UUID,
		ComponentID:   component.ID,
		DebType:       debType(debPath),
		Description:   info.Control.Get(deb.FieldDescription),
		Homepage:      info.Control.Get(deb.FieldHomepage),
		Depends:       info.Control.List(deb.FieldDepends),
		PreDepends:    info.Control.List(deb.FieldPreDepends),
		Recommends:    info.Control.List(deb.FieldRecommends),
		Suggests:      info.Control.List(deb.FieldSuggests),
		Conflicts:     info.Control.List(deb.FieldConflicts),
		Breaks:        info.Control.List(deb.FieldBreaks),
		Replaces:      info.Control.List(deb.FieldReplaces),
		Provides:      info.Control.List(deb.FieldProvides),
		TimeAdded:     time.Now().UTC(),
	}
	fmt.Sscanf(info.Control.Get(deb.FieldInstalledSize), "%d", &pkg.InstalledSize)

	err = imp.st.Transaction(func(tx *gorm.DB) error {
		fileRow := store.ArchiveFile{RepoID: target.RepoID, Path: relPath}
		fileRow.SetChecksums(sums)
		var existing store.ArchiveFile
		err := tx.Where("repo_id = ? AND path = ?", target.RepoID, relPath).First(&existing).Error
		switch {
		case err == nil:
			fileRow.ID = existing.ID
			if err := tx.Save(&fileRow).Error; err != nil {
				return err
			}
		case err != gorm.ErrRecordNotFound:
			return err
		default:
			if err := tx.Create(&fileRow).Error; err != nil {
				return err
			}
		}
		pkg.FileID = &fileRow.ID

		if err := tx.Save(pkg).Error; err != nil {
			return err
		}
		if !srcQueued {
			if err := store.AddSuiteMembership(tx, pkg, &target.Suite); err != nil {
				return err
			}
			now := time.Now().UTC()
			if err := tx.Model(pkg).Updates(map[string]any{
				"time_published": now, "time_deleted": nil,
			}).Error; err != nil {
				return err
			}
		}
		if err := store.BumpVersionMemory(tx, target.ID, name, arch, version); err != nil {
			return err
		}
		return imp.st.MarkChangesPending(tx, target.ID)
	})
	if err != nil {
		discardStaged([]stagedFile{sf})
		return nil, err
	}
	if err := commitStaged([]stagedFile{sf}); err != nil {
		return nil, fmt.Errorf("finalizing file placement for %s: %w", pkg, err)
	}

	log.WithField("new", srcQueued).Info("binary package imported")
	imp.emit(events.BinaryPackageImported{
		Repo: target.Repo.Name, Suite: target.Suite.Name,
		Name: name, Version: version, Architecture: arch, IsNew: srcQueued,
	})
	return pkg, nil
}

// resolveOwningSource finds the source row a binary belongs to, searching
// the target repo-suite, its non-debug counterpart and both NEW queues.
// The second return reports whether the source is still mid-review for the
// target suite.
func (imp *Importer) resolveOwningSource(info *deb.DebInfo, target *store.RepoSuiteSettings) (*store.SourcePackage, bool, error) {
	srcName, srcVersion := info.SourceName(), info.SourceVersion()

	repoIDs := []uint{target.RepoID}
	if target.RepoID != imp.rss.RepoID {
		repoIDs = append(repoIDs, imp.rss.RepoID)
	}
	for _, repoID := range repoIDs {
		src, err := imp.st.SourcePackageInRepo(repoID, srcName, srcVersion)
		if err != nil {
			return nil, false, err
		}
		if src == nil {
			continue
		}
		for _, suiteID := range []uint{target.SuiteID, imp.rss.SuiteID} {
			entry, err := imp.st.QueueNewEntryFor(src.UUID, suiteID)
			if err != nil {
				return nil, false, err
			}
			if entry != nil {
				return src, true, nil
			}
		}
		return src, false, nil
	}
	return nil, false, Integrityf(
		"could not find corresponding source package %s/%s for binary %s",
		srcName, srcVersion, info.Package())
}

// synthesizeOverride builds an override from a same-name override elsewhere
// in the repository, falling back to the binary's own control fields.
func (imp *Importer) synthesizeOverride(target *store.RepoSuiteSettings, info *deb.DebInfo, component *store.ArchiveComponent) (*store.PackageOverride, error) {
	name := info.Package()
	template, err := imp.st.AnyOverrideFor(target.RepoID, name)
	if err != nil {
		return nil, err
	}
	o := &store.PackageOverride{
		RepoID:      target.RepoID,
		SuiteID:     target.SuiteID,
		PackageName: name,
		ComponentID: component.ID,
	}
	if template != nil {
		o.ComponentID = template.ComponentID
		o.Section = template.Section
		o.Priority = template.Priority
		o.Essential = template.Essential
	} else {
		o.Section = info.Control.Get(deb.FieldSection)
		o.Priority = info.Control.Get(deb.FieldPriority)
		if o.Section == "" {
			o.Section = "misc"
		}
		if o.Priority == "" {
			o.Priority = "optional"
		}
	}
	if err := imp.st.DB().Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

func debType(path string) string {
	if strings.HasSuffix(path, ".udeb") {
		return "udeb"
	}
	return "deb"
}

// copyFile copies src to dst, preserving nothing beyond content and mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
