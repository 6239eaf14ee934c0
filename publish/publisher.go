// Package publish renders the apt-visible metadata tree of each suite:
// Sources and Packages indices, the by-hash content store, the signed
// Release set. A publish builds the whole tree in a staging directory and
// swaps it live in one rename, so clients never observe a half-written
// suite.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/etnz/apt-archive-engine/archive"
	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/pgp"
	"github.com/etnz/apt-archive-engine/store"
)

// republishInterval bounds how stale a published suite may get even without
// content changes, keeping Valid-Until comfortably ahead of expiry.
const republishInterval = 6 * 24 * time.Hour

// Publisher regenerates suite metadata trees.
type Publisher struct {
	st     *store.Store
	cfg    *config.Config
	signer *pgp.Signer // nil disables Release signing
	emit   events.Listener
	log    *logrus.Entry

	// Force publishes every suite regardless of pending changes or age.
	Force bool
	// OnlySources patches the Sources indices of the live tree in place
	// instead of a full rebuild.
	OnlySources bool
}

// NewPublisher builds a publisher. The signer may be nil, producing an
// unsigned archive.
func NewPublisher(st *store.Store, cfg *config.Config, signer *pgp.Signer, emit events.Listener) *Publisher {
	if emit == nil {
		emit = events.Discard
	}
	return &Publisher{
		st: st, cfg: cfg, signer: signer, emit: emit,
		log: logrus.WithField("component", "publish"),
	}
}

// PublishAll regenerates every repository×suite that needs it, suites in
// parallel on a bounded pool. Each suite is guarded by its own lock, so
// concurrent imports serialize against the publish.
func (p *Publisher) PublishAll(ctx context.Context) error {
	all, err := p.st.AllRepoSuiteSettings()
	if err != nil {
		return err
	}

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range all {
		rss := &all[i]
		if !p.shouldPublish(rss) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return p.PublishSuite(rss)
		})
	}
	return g.Wait()
}

func (p *Publisher) shouldPublish(rss *store.RepoSuiteSettings) bool {
	if p.Force || rss.ChangesPending {
		return true
	}
	if rss.TimePublished == nil {
		return true
	}
	return time.Since(*rss.TimePublished) > republishInterval
}

// PublishSuite regenerates one repository×suite.
func (p *Publisher) PublishSuite(rss *store.RepoSuiteSettings) error {
	lock, err := archive.LockRepoSuite(p.cfg.ArchiveRoot, rss.Repo.Name, rss.Suite.Name)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	log := p.log.WithFields(logrus.Fields{"repo": rss.Repo.Name, "suite": rss.Suite.Name})
	start := time.Now()

	if p.OnlySources {
		if err := p.patchSources(rss, log); err != nil {
			return err
		}
	} else {
		if err := p.rebuildSuite(rss, log); err != nil {
			return err
		}
	}

	if err := p.st.SetPublished(rss.ID, time.Now().UTC()); err != nil {
		return err
	}
	log.WithField("took", time.Since(start).Round(time.Millisecond)).Info("suite published")
	p.emit(events.SuitePublished{
		Repo: rss.Repo.Name, Suite: rss.Suite.Name, SourcesOnly: p.OnlySources,
	})
	return nil
}

// rebuildSuite builds the full dists/<suite> tree in a staging directory and
// swaps it live.
func (p *Publisher) rebuildSuite(rss *store.RepoSuiteSettings, log *logrus.Entry) error {
	repoRoot := p.cfg.RepoRoot(rss.Repo.Name)
	liveDir := filepath.Join(repoRoot, "dists", rss.Suite.Name)
	stagingDir := filepath.Join(repoRoot, "dists", ".staging-"+rss.Suite.Name)

	if err := os.RemoveAll(stagingDir); err != nil {
		return err
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return err
	}

	b := &suiteBuilder{
		st: p.st, cfg: p.cfg, rss: rss,
		repoRoot: repoRoot, stagingDir: stagingDir, liveDir: liveDir,
		log: log,
	}
	if err := b.build(); err != nil {
		os.RemoveAll(stagingDir)
		return err
	}
	if err := p.writeReleaseSet(b, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return err
	}
	if err := carryByHash(liveDir, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return err
	}

	if err := swapDirs(liveDir, stagingDir); err != nil {
		return err
	}
	return p.exportPublicKey(repoRoot)
}

// writeReleaseSet renders Release, InRelease and Release.gpg into dir from
// the builder's collected index entries.
func (p *Publisher) writeReleaseSet(b *suiteBuilder, dir string) error {
	release, err := b.releaseContent(p.cfg.PublishValidityDays)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "Release"), release, 0o644); err != nil {
		return err
	}
	if p.signer == nil {
		return nil
	}
	inRelease, err := p.signer.Clearsign(release)
	if err != nil {
		return fmt.Errorf("signing InRelease: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "InRelease"), inRelease, 0o644); err != nil {
		return err
	}
	detached, err := p.signer.DetachSign(release)
	if err != nil {
		return fmt.Errorf("signing Release.gpg: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "Release.gpg"), detached, 0o644)
}

// exportPublicKey drops the armored signing key at the repository root so
// clients can bootstrap trust.
func (p *Publisher) exportPublicKey(repoRoot string) error {
	if p.signer == nil {
		return nil
	}
	key, err := p.signer.PublicKey(true)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(repoRoot, "archive-key.asc"), key, 0o644)
}

// swapDirs replaces live with staging. The old tree is moved aside first so
// the live path is never absent for longer than two renames.
func swapDirs(liveDir, stagingDir string) error {
	oldDir := liveDir + ".old"
	if err := os.RemoveAll(oldDir); err != nil {
		return err
	}
	if _, err := os.Stat(liveDir); err == nil {
		if err := os.Rename(liveDir, oldDir); err != nil {
			return err
		}
	}
	if err := os.Rename(stagingDir, liveDir); err != nil {
		// Put the old tree back rather than leaving no suite at all.
		os.Rename(oldDir, liveDir)
		return err
	}
	return os.RemoveAll(oldDir)
}
