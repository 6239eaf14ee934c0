package publish

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/store"
)

const releaseDateFormat = "Mon, 02 Jan 2006 15:04:05 UTC"

// releaseContent renders the suite Release file from the collected index
// entries.
func (b *suiteBuilder) releaseContent(validityDays int) ([]byte, error) {
	suite := &b.rss.Suite
	repo := &b.rss.Repo

	origin := repo.OriginName
	if origin == "" {
		origin = repo.Name
	}
	var archs, comps []string
	for _, a := range suite.Architectures {
		archs = append(archs, a.Name)
	}
	for _, c := range suite.Components {
		comps = append(comps, c.Name)
	}
	now := time.Now().UTC()

	var buf bytes.Buffer
	field := func(f deb.ReleaseField, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\n", f, v)
		}
	}
	field(deb.RelOrigin, origin)
	field(deb.RelLabel, origin)
	field(deb.RelSuite, suite.Name)
	codename := suite.Alias
	if codename == "" {
		codename = suite.Name
	}
	field(deb.RelCodename, codename)
	field(deb.RelVersion, suite.VersionLabel)
	field(deb.RelDate, now.Format(releaseDateFormat))
	field(deb.RelValidUntil, now.AddDate(0, 0, validityDays).Format(releaseDateFormat))
	field(deb.RelArchitectures, strings.Join(archs, " "))
	field(deb.RelComponents, strings.Join(comps, " "))
	field(deb.RelDescription, suite.Summary)
	if suite.DevelTarget {
		field(deb.RelNotAutomatic, "yes")
		field(deb.RelButAutomaticUpgrades, "yes")
	}
	field(deb.RelAcquireByHash, "yes")

	for _, kind := range []deb.ChecksumKind{
		deb.ChecksumMD5, deb.ChecksumSHA1, deb.ChecksumSHA256, deb.ChecksumSHA512,
	} {
		fmt.Fprintf(&buf, "%s:\n", kind.ReleaseField())
		for _, e := range b.entries {
			fmt.Fprintf(&buf, " %s %16d %s\n", e.sums.Digest(kind), e.sums.Size, e.relPath)
		}
	}
	return buf.Bytes(), nil
}

// patchSources regenerates only the Sources indices of an already-published
// suite in place and rewrites the Release entries covering them. A suite
// never published before falls back to a full rebuild.
func (p *Publisher) patchSources(rss *store.RepoSuiteSettings, log *logrus.Entry) error {
	repoRoot := p.cfg.RepoRoot(rss.Repo.Name)
	liveDir := filepath.Join(repoRoot, "dists", rss.Suite.Name)
	releasePath := filepath.Join(liveDir, "Release")

	existing, err := os.ReadFile(releasePath)
	if os.IsNotExist(err) {
		log.Info("suite never published, sources-only patch upgraded to full rebuild")
		return p.rebuildSuite(rss, log)
	}
	if err != nil {
		return err
	}

	sources, err := p.st.SourcePackagesInSuite(rss.RepoID, rss.SuiteID)
	if err != nil {
		return err
	}
	sources = store.HighestSourceVersions(sources)

	// Writing straight into the live tree: by-hash entries gain new content
	// first, the canonical symlinks flip second, the Release flips last.
	b := &suiteBuilder{
		st: p.st, cfg: p.cfg, rss: rss,
		repoRoot: repoRoot, stagingDir: liveDir, liveDir: liveDir,
		log: log,
	}
	for _, comp := range rss.Suite.Components {
		index, err := b.sourcesIndex(&comp, sources)
		if err != nil {
			return err
		}
		if err := b.writeIndex(filepath.Join(comp.Name, "source", "Sources"), index); err != nil {
			return err
		}
	}

	patched, err := patchReleaseEntries(existing, b.entries, p.cfg.PublishValidityDays)
	if err != nil {
		return err
	}
	if err := os.WriteFile(releasePath, patched, 0o644); err != nil {
		return err
	}
	if p.signer == nil {
		return nil
	}
	inRelease, err := p.signer.Clearsign(patched)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(liveDir, "InRelease"), inRelease, 0o644); err != nil {
		return err
	}
	detached, err := p.signer.DetachSign(patched)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(liveDir, "Release.gpg"), detached, 0o644)
}

// patchReleaseEntries rewrites the checksum lines of regenerated files inside
// an existing Release document, refreshing Date and Valid-Until but leaving
// every other entry untouched.
func patchReleaseEntries(existing []byte, entries []releaseEntry, validityDays int) ([]byte, error) {
	stanza, err := deb.ParseStanza(string(existing))
	if err != nil {
		return nil, fmt.Errorf("parsing live Release: %w", err)
	}

	byPath := make(map[string]releaseEntry, len(entries))
	for _, e := range entries {
		byPath[e.relPath] = e
	}

	for _, kind := range []deb.ChecksumKind{
		deb.ChecksumMD5, deb.ChecksumSHA1, deb.ChecksumSHA256, deb.ChecksumSHA512,
	} {
		field := deb.ControlField(kind.ReleaseField())
		if !stanza.Has(field) {
			continue
		}
		lines := stanza.Lines(field)
		for i, line := range lines {
			parts := strings.Fields(line)
			if len(parts) != 3 {
				continue
			}
			e, ok := byPath[parts[2]]
			if !ok {
				continue
			}
			lines[i] = fmt.Sprintf("%s %16d %s", e.sums.Digest(kind), e.sums.Size, e.relPath)
		}
		stanza.Set(field, strings.Join(lines, "\n"))
	}

	now := time.Now().UTC()
	stanza.Set(deb.ControlField(deb.RelDate), now.Format(releaseDateFormat))
	stanza.Set(deb.ControlField(deb.RelValidUntil),
		now.AddDate(0, 0, validityDays).Format(releaseDateFormat))

	var buf bytes.Buffer
	if _, err := stanza.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
