package publish

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/store"
)

// releaseEntry is one file listed in the Release checksum blocks, with its
// path relative to the suite directory.
type releaseEntry struct {
	relPath string
	sums    *deb.FileChecksums
}

// suiteBuilder renders every index of one suite into the staging directory
// and records the Release entries as it goes.
type suiteBuilder struct {
	st         *store.Store
	cfg        *config.Config
	rss        *store.RepoSuiteSettings
	repoRoot   string
	stagingDir string
	liveDir    string
	log        *logrus.Entry

	entries []releaseEntry
}

func (b *suiteBuilder) build() error {
	sources, err := b.st.SourcePackagesInSuite(b.rss.RepoID, b.rss.SuiteID)
	if err != nil {
		return err
	}
	sources = store.HighestSourceVersions(sources)

	for _, comp := range b.rss.Suite.Components {
		if err := b.buildComponent(&comp, sources); err != nil {
			return err
		}
	}
	return nil
}

func (b *suiteBuilder) buildComponent(comp *store.ArchiveComponent, sources []store.SourcePackage) error {
	srcIndex, err := b.sourcesIndex(comp, sources)
	if err != nil {
		return err
	}
	if err := b.writeIndex(filepath.Join(comp.Name, "source", "Sources"), srcIndex); err != nil {
		return err
	}

	for _, arch := range b.rss.Suite.Architectures {
		pkgIndex, udebIndex, translation, err := b.packagesIndices(comp, arch.Name)
		if err != nil {
			return err
		}
		dir := filepath.Join(comp.Name, "binary-"+arch.Name)
		if err := b.writeIndex(filepath.Join(dir, "Packages"), pkgIndex); err != nil {
			return err
		}
		udebDir := filepath.Join(comp.Name, "debian-installer", "binary-"+arch.Name)
		if err := b.writeIndex(filepath.Join(udebDir, "Packages"), udebIndex); err != nil {
			return err
		}
		if arch.Name == deb.ArchAll {
			continue
		}
		i18n := filepath.Join(comp.Name, "i18n", "Translation-en")
		if err := b.writeIndex(i18n, translation); err != nil {
			return err
		}
	}

	return b.importAppStream(comp)
}

// sourcesIndex renders the Sources paragraphs of one component, ordered by
// package name for deterministic output.
func (b *suiteBuilder) sourcesIndex(comp *store.ArchiveComponent, sources []store.SourcePackage) ([]byte, error) {
	var selected []*store.SourcePackage
	for i := range sources {
		if sources[i].ComponentID == comp.ID {
			selected = append(selected, &sources[i])
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })

	var buf bytes.Buffer
	for _, src := range selected {
		st := deb.NewStanza()
		st.Set(deb.FieldPackage, src.Name)
		if src.Format != "" {
			st.Set(deb.FieldFormat, src.Format)
		}
		if names := expectedBinaryNames(src); len(names) > 0 {
			st.Set(deb.FieldBinary, strings.Join(names, ", "))
		}
		st.Set(deb.FieldArchitecture, strings.Join(src.Architectures, " "))
		st.Set(deb.FieldVersion, src.Version)
		if src.Maintainer != "" {
			st.Set(deb.FieldMaintainer, src.Maintainer)
		}
		if len(src.Uploaders) > 0 {
			st.Set("Uploaders", strings.Join(src.Uploaders, ", "))
		}
		if src.StandardsVersion != "" {
			st.Set(deb.FieldStandardsVersion, src.StandardsVersion)
		}
		if len(src.BuildDepends) > 0 {
			st.Set(deb.FieldBuildDepends, strings.Join(src.BuildDepends, ", "))
		}
		if src.Homepage != "" {
			st.Set(deb.FieldHomepage, src.Homepage)
		}
		if src.VcsBrowser != "" {
			st.Set(deb.FieldVcsBrowser, src.VcsBrowser)
		}
		if src.Section != "" {
			st.Set(deb.FieldSection, src.Section)
		}
		st.Set(deb.FieldPriority, "optional")
		st.Set(deb.FieldDirectory, src.Directory)

		setChecksumBlock(st, deb.FieldFiles, src.Files, deb.ChecksumMD5)
		setChecksumBlock(st, deb.FieldChecksumsSha1, src.Files, deb.ChecksumSHA1)
		setChecksumBlock(st, deb.FieldChecksumsSha256, src.Files, deb.ChecksumSHA256)
		setChecksumBlock(st, deb.FieldChecksumsSha512, src.Files, deb.ChecksumSHA512)

		if _, err := st.WriteTo(&buf); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func expectedBinaryNames(src *store.SourcePackage) []string {
	names := make([]string, 0, len(src.ExpectedBinaries))
	for _, eb := range src.ExpectedBinaries {
		names = append(names, eb.Name)
	}
	return names
}

// setChecksumBlock renders one multi-line checksum field over the package's
// files, skipping files lacking that digest.
func setChecksumBlock(st *deb.Stanza, field deb.ControlField, files []store.ArchiveFile, kind deb.ChecksumKind) {
	var lines []string
	for i := range files {
		sums := files[i].Checksums()
		digest := sums.Digest(kind)
		if digest == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %d %s", digest, sums.Size, filepath.Base(files[i].Path)))
	}
	if len(lines) == 0 {
		return
	}
	st.Set(field, "\n"+strings.Join(lines, "\n"))
}

// packagesIndices renders the Packages index, the debian-installer udeb
// index and the Translation-en index of one component×architecture.
// Binaries without an override are excluded with a warning, never published
// with guessed placement.
func (b *suiteBuilder) packagesIndices(comp *store.ArchiveComponent, arch string) (pkgs, udebs, translation []byte, err error) {
	bins, err := b.st.BinaryPackagesInSuite(b.rss.RepoID, b.rss.SuiteID, arch)
	if err != nil {
		return nil, nil, nil, err
	}
	var selected []*store.BinaryPackage
	for i := range bins {
		if bins[i].ComponentID == comp.ID {
			selected = append(selected, &bins[i])
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Name != selected[j].Name {
			return selected[i].Name < selected[j].Name
		}
		return deb.VersionLess(selected[i].Version, selected[j].Version)
	})

	var pkgBuf, udebBuf, i18nBuf bytes.Buffer
	for _, bin := range selected {
		override, err := b.st.OverrideFor(b.rss.RepoID, b.rss.SuiteID, bin.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		if override == nil {
			b.log.WithFields(logrus.Fields{"package": bin.Name, "version": bin.Version}).
				Warn("no override, excluding from index")
			continue
		}
		if bin.File == nil {
			b.log.WithField("package", bin.Name).Warn("no backing file, excluding from index")
			continue
		}

		st, err := b.binaryStanza(bin, override)
		if err != nil {
			return nil, nil, nil, err
		}
		out := &pkgBuf
		if bin.DebType == "udeb" {
			out = &udebBuf
		}
		if _, err := st.WriteTo(out); err != nil {
			return nil, nil, nil, err
		}
		out.WriteByte('\n')

		if bin.Description != "" && bin.DebType != "udeb" {
			fmt.Fprintf(&i18nBuf, "Package: %s\nDescription-en: %s\n\n", bin.Name, bin.Description)
		}
	}
	return pkgBuf.Bytes(), udebBuf.Bytes(), i18nBuf.Bytes(), nil
}

func (b *suiteBuilder) binaryStanza(bin *store.BinaryPackage, override *store.PackageOverride) (*deb.Stanza, error) {
	st := deb.NewStanza()
	st.Set(deb.FieldPackage, bin.Name)
	if bin.Source.Name != "" && bin.Source.Name != bin.Name {
		src := bin.Source.Name
		if bin.Source.Version != bin.Version {
			src = fmt.Sprintf("%s (%s)", bin.Source.Name, bin.Source.Version)
		}
		st.Set(deb.FieldSource, src)
	}
	st.Set(deb.FieldVersion, bin.Version)
	st.Set(deb.FieldArchitecture, bin.Architecture)
	if bin.Source.Maintainer != "" {
		st.Set(deb.FieldMaintainer, bin.Source.Maintainer)
	}
	if bin.InstalledSize > 0 {
		st.Set(deb.FieldInstalledSize, fmt.Sprintf("%d", bin.InstalledSize))
	}
	if override.Essential {
		st.Set(deb.FieldEssential, "yes")
	}
	setDeps := func(f deb.ControlField, deps []string) {
		if len(deps) > 0 {
			st.Set(f, strings.Join(deps, ", "))
		}
	}
	setDeps(deb.FieldPreDepends, bin.PreDepends)
	setDeps(deb.FieldDepends, bin.Depends)
	setDeps(deb.FieldRecommends, bin.Recommends)
	setDeps(deb.FieldSuggests, bin.Suggests)
	setDeps(deb.FieldConflicts, bin.Conflicts)
	setDeps(deb.FieldBreaks, bin.Breaks)
	setDeps(deb.FieldReplaces, bin.Replaces)
	setDeps(deb.FieldProvides, bin.Provides)
	if override.Section != "" {
		st.Set(deb.FieldSection, override.Section)
	}
	if override.Priority != "" {
		st.Set(deb.FieldPriority, override.Priority)
	}
	st.Set(deb.FieldFilename, bin.File.Path)
	sums := bin.File.Checksums()
	st.Set(deb.FieldSize, fmt.Sprintf("%d", sums.Size))
	if sums.MD5 != "" {
		st.Set(deb.FieldMD5sum, sums.MD5)
	}
	if sums.SHA1 != "" {
		st.Set(deb.FieldSHA1, sums.SHA1)
	}
	if sums.SHA256 != "" {
		st.Set(deb.FieldSHA256, sums.SHA256)
	}
	if sums.SHA512 != "" {
		st.Set(deb.FieldSHA512, sums.SHA512)
	}
	if bin.Description != "" {
		st.Set(deb.FieldDescription, bin.Description)
	}
	if bin.Homepage != "" {
		st.Set(deb.FieldHomepage, bin.Homepage)
	}
	return st, nil
}

// importAppStream copies pre-generated DEP-11 metadata (Components-*.yml.gz,
// icon tarballs) from the repository's dep11 drop directory into the staged
// component. Files failing the gzip sniff are skipped with a warning.
func (b *suiteBuilder) importAppStream(comp *store.ArchiveComponent) error {
	srcDir := filepath.Join(b.repoRoot, "dep11", b.rss.Suite.Name, comp.Name)
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(srcDir, e.Name()))
		if err != nil {
			return err
		}
		if !isGzip(content) {
			b.log.WithField("file", e.Name()).Warn("dep11 file is not gzip, skipping")
			continue
		}
		if err := b.writeRaw(filepath.Join(comp.Name, "dep11", e.Name()), content); err != nil {
			return err
		}
	}
	return nil
}

func isGzip(content []byte) bool {
	return len(content) > 2 && content[0] == 0x1f && content[1] == 0x8b
}

// writeIndex writes one index in plain, gzip and xz form, registering all
// three in the Release entry list and the by-hash store.
func (b *suiteBuilder) writeIndex(relPath string, content []byte) error {
	if err := b.writeRaw(relPath, content); err != nil {
		return err
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(content); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	if err := b.writeRaw(relPath+".gz", gzBuf.Bytes()); err != nil {
		return err
	}

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		return err
	}
	if _, err := xw.Write(content); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	return b.writeRaw(relPath+".xz", xzBuf.Bytes())
}

// writeRaw stores one file's content in the by-hash store and links its
// canonical path to it, then records the Release entry.
func (b *suiteBuilder) writeRaw(relPath string, content []byte) error {
	sums := deb.ChecksumsOfBytes(content)

	byHashDir := filepath.Join(b.stagingDir, filepath.Dir(relPath), "by-hash", "SHA256")
	if err := os.MkdirAll(byHashDir, 0o755); err != nil {
		return err
	}
	hashed := filepath.Join(byHashDir, sums.SHA256)
	if err := os.WriteFile(hashed, content, 0o644); err != nil {
		return err
	}

	md5Dir := filepath.Join(b.stagingDir, filepath.Dir(relPath), "by-hash", "MD5Sum")
	if err := os.MkdirAll(md5Dir, 0o755); err != nil {
		return err
	}
	md5Link := filepath.Join(md5Dir, sums.MD5)
	os.Remove(md5Link)
	if err := os.Symlink(filepath.Join("..", "SHA256", sums.SHA256), md5Link); err != nil {
		return err
	}

	canonical := filepath.Join(b.stagingDir, relPath)
	os.Remove(canonical)
	if err := os.Symlink(filepath.Join("by-hash", "SHA256", sums.SHA256), canonical); err != nil {
		return err
	}

	b.entries = append(b.entries, releaseEntry{relPath: relPath, sums: sums})
	return nil
}
