package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/store"
)

// IssueKind classifies one consistency finding.
type IssueKind string

const (
	// IssueMissingFile is a registered file absent from disk.
	IssueMissingFile IssueKind = "missing-file"
	// IssueCorruptFile is a registered file whose content disagrees with its
	// recorded checksums.
	IssueCorruptFile IssueKind = "corrupt-file"
	// IssueOrphanFile is an on-disk file no database row claims, including
	// leftover staging temporaries.
	IssueOrphanFile IssueKind = "orphan-file"
	// IssueDanglingBinary is a published binary without a backing file row.
	IssueDanglingBinary IssueKind = "dangling-binary"
	// IssueSuiteMismatch is a binary present in a suite its source is not in.
	IssueSuiteMismatch IssueKind = "suite-mismatch"
	// IssueStaleNewEntry is a review-queue entry whose source package row
	// is gone or already published.
	IssueStaleNewEntry IssueKind = "stale-new-entry"
	// IssueSuitelessSource is a source package in no suite with no pending
	// review entry explaining the absence.
	IssueSuitelessSource IssueKind = "suiteless-source"
	// IssueMissingOverride is a published binary with no override row in one
	// of its suites.
	IssueMissingOverride IssueKind = "missing-override"
)

// Issue is one consistency finding.
type Issue struct {
	Kind   IssueKind
	Repo   string
	Path   string
	Detail string
	// fixer repairs the issue when the checker runs in fix mode.
	fixer func() error
}

func (i Issue) String() string {
	if i.Path != "" {
		return fmt.Sprintf("[%s] %s: %s", i.Kind, i.Path, i.Detail)
	}
	return fmt.Sprintf("[%s] %s", i.Kind, i.Detail)
}

// Fixable reports whether the checker knows how to repair this issue.
func (i Issue) Fixable() bool { return i.fixer != nil }

// Report is the outcome of one consistency run.
type Report struct {
	Issues       []Issue
	FilesChecked int
}

// Clean reports whether the run found nothing wrong.
func (r *Report) Clean() bool { return len(r.Issues) == 0 }

// Checker audits database and on-disk archive state against each other.
type Checker struct {
	st  *store.Store
	cfg *config.Config
	// VerifyContent re-hashes every registered file instead of checking
	// only size and presence.
	VerifyContent bool
	log           *logrus.Entry
}

// NewChecker builds a consistency checker.
func NewChecker(st *store.Store, cfg *config.Config) *Checker {
	return &Checker{
		st: st, cfg: cfg,
		log: logrus.WithField("component", "integrity"),
	}
}

// CheckRepository audits one repository. With fix set, fixable issues are
// repaired as they are found; the report still lists them.
func (c *Checker) CheckRepository(ctx context.Context, repoName string, fix bool) (*Report, error) {
	repo, err := c.st.RepositoryByName(repoName)
	if err != nil {
		return nil, err
	}
	report := &Report{}

	if err := c.checkFiles(ctx, repo, report); err != nil {
		return nil, err
	}
	if err := c.checkOrphans(repo, report); err != nil {
		return nil, err
	}
	if err := c.checkBinaryClosure(repo, report); err != nil {
		return nil, err
	}
	if err := c.checkSuitelessSources(repo, report); err != nil {
		return nil, err
	}
	if err := c.checkOverrides(repo, report); err != nil {
		return nil, err
	}
	if err := c.checkNewQueue(repo, report); err != nil {
		return nil, err
	}

	if fix {
		for _, issue := range report.Issues {
			if issue.fixer == nil {
				continue
			}
			c.log.WithField("issue", issue.String()).Info("repairing")
			if err := issue.fixer(); err != nil {
				return report, fmt.Errorf("repairing %s: %w", issue, err)
			}
		}
	}
	return report, nil
}

// checkFiles verifies every registered file against disk. Hashing runs on a
// bounded worker pool when content verification is on.
func (c *Checker) checkFiles(ctx context.Context, repo *store.ArchiveRepository, report *Report) error {
	var files []store.ArchiveFile
	if err := c.st.DB().Where("repo_id = ?", repo.ID).Find(&files).Error; err != nil {
		return err
	}
	repoRoot := c.cfg.RepoRoot(repo.Name)

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	for i := range files {
		f := files[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			issue := c.checkOneFile(repoRoot, repo.Name, &f)
			mu.Lock()
			report.FilesChecked++
			if issue != nil {
				report.Issues = append(report.Issues, *issue)
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (c *Checker) checkOneFile(repoRoot, repoName string, f *store.ArchiveFile) *Issue {
	abs := filepath.Join(repoRoot, f.Path)
	st, err := os.Stat(abs)
	if err != nil {
		return &Issue{Kind: IssueMissingFile, Repo: repoName, Path: f.Path,
			Detail: "registered file not on disk"}
	}
	if st.Size() != f.Size {
		return &Issue{Kind: IssueCorruptFile, Repo: repoName, Path: f.Path,
			Detail: fmt.Sprintf("size %d on disk, %d registered", st.Size(), f.Size)}
	}
	if !c.VerifyContent {
		return nil
	}
	if err := f.Checksums().Verify(abs); err != nil {
		return &Issue{Kind: IssueCorruptFile, Repo: repoName, Path: f.Path, Detail: err.Error()}
	}
	return nil
}

// checkOrphans walks the pool and NEW trees looking for files no row claims.
// Staging temporaries are always orphans; a crash between staging and rename
// leaves them behind.
func (c *Checker) checkOrphans(repo *store.ArchiveRepository, report *Report) error {
	var files []store.ArchiveFile
	if err := c.st.DB().Where("repo_id = ?", repo.ID).Find(&files).Error; err != nil {
		return err
	}
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.Path] = true
	}

	repoRoot := c.cfg.RepoRoot(repo.Name)
	for _, tree := range []string{"pool", filepath.Join("new", "pool")} {
		root := filepath.Join(repoRoot, tree)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(repoRoot, path)
			if err != nil {
				return err
			}
			if known[rel] {
				return nil
			}
			detail := "file on disk is not registered"
			if strings.HasPrefix(d.Name(), ".tmp-") {
				detail = "leftover staging temporary"
			}
			abs := path
			report.Issues = append(report.Issues, Issue{
				Kind: IssueOrphanFile, Repo: repo.Name, Path: rel, Detail: detail,
				fixer: func() error {
					return os.Remove(abs)
				},
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkBinaryClosure verifies every published binary has a backing file and
// no suite membership its source lacks.
func (c *Checker) checkBinaryClosure(repo *store.ArchiveRepository, report *Report) error {
	var bins []store.BinaryPackage
	err := c.st.DB().Preload("Suites").Preload("Source.Suites").
		Where("repo_id = ? AND time_deleted IS NULL", repo.ID).Find(&bins).Error
	if err != nil {
		return err
	}
	for i := range bins {
		b := &bins[i]
		if b.FileID == nil && len(b.Suites) > 0 {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueDanglingBinary, Repo: repo.Name,
				Detail: fmt.Sprintf("published binary %s has no backing file", b),
			})
			continue
		}
		srcSuites := make(map[uint]bool, len(b.Source.Suites))
		for _, s := range b.Source.Suites {
			srcSuites[s.ID] = true
		}
		for _, s := range b.Suites {
			if srcSuites[s.ID] {
				continue
			}
			// The repair direction preserves data: the source joins the
			// suite rather than the binary leaving it.
			bin, suite := b, s
			report.Issues = append(report.Issues, Issue{
				Kind: IssueSuiteMismatch, Repo: repo.Name,
				Detail: fmt.Sprintf("binary %s is in suite %s but its source %s is not",
					bin, suite.Name, &bin.Source),
				fixer: func() error {
					return store.AddSuiteMembership(c.st.DB(), &bin.Source, &suite)
				},
			})
		}
	}
	return nil
}

// checkSuitelessSources finds live source rows in no suite at all. A pending
// review entry explains the state; anything else is flagged, repaired by
// soft-deleting the row and its binaries so retention can reclaim them.
func (c *Checker) checkSuitelessSources(repo *store.ArchiveRepository, report *Report) error {
	var sources []store.SourcePackage
	err := c.st.DB().Preload("Suites").
		Where("repo_id = ? AND time_deleted IS NULL", repo.ID).Find(&sources).Error
	if err != nil {
		return err
	}
	for i := range sources {
		s := &sources[i]
		if len(s.Suites) > 0 {
			continue
		}
		entries, err := c.st.QueueNewEntriesForSource(s.UUID)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			continue
		}
		src := s
		report.Issues = append(report.Issues, Issue{
			Kind: IssueSuitelessSource, Repo: repo.Name,
			Detail: fmt.Sprintf("source %s is in no suite and not under review", src),
			fixer: func() error {
				bins, err := c.st.BinariesOfSource(src.UUID)
				if err != nil {
					return err
				}
				now := time.Now().UTC()
				return c.st.Transaction(func(tx *gorm.DB) error {
					for i := range bins {
						if bins[i].IsDeleted() {
							continue
						}
						if err := tx.Model(&bins[i]).Update("time_deleted", now).Error; err != nil {
							return err
						}
					}
					return tx.Model(src).Update("time_deleted", now).Error
				})
			},
		})
	}
	return nil
}

// checkOverrides verifies every published binary has an override row in each
// suite carrying it. The repair synthesizes one from a same-name override
// elsewhere in the repository, or from the binary's recorded placement.
func (c *Checker) checkOverrides(repo *store.ArchiveRepository, report *Report) error {
	var bins []store.BinaryPackage
	err := c.st.DB().Preload("Suites").Preload("Component").
		Where("repo_id = ? AND time_deleted IS NULL", repo.ID).Find(&bins).Error
	if err != nil {
		return err
	}
	for i := range bins {
		b := &bins[i]
		for _, s := range b.Suites {
			o, err := c.st.OverrideFor(repo.ID, s.ID, b.Name)
			if err != nil {
				return err
			}
			if o != nil {
				continue
			}
			bin, suite := b, s
			report.Issues = append(report.Issues, Issue{
				Kind: IssueMissingOverride, Repo: repo.Name,
				Detail: fmt.Sprintf("binary %s has no override in suite %s", bin, suite.Name),
				fixer: func() error {
					template, err := c.st.AnyOverrideFor(repo.ID, bin.Name)
					if err != nil {
						return err
					}
					o := store.PackageOverride{
						RepoID: repo.ID, SuiteID: suite.ID, PackageName: bin.Name,
						ComponentID: bin.ComponentID, Priority: "optional",
					}
					if template != nil {
						o.ComponentID = template.ComponentID
						o.Section = template.Section
						o.Priority = template.Priority
						o.Essential = template.Essential
					}
					return c.st.DB().Create(&o).Error
				},
			})
		}
	}
	return nil
}

// checkNewQueue verifies every review-queue entry still points at a source
// row that is actually waiting.
func (c *Checker) checkNewQueue(repo *store.ArchiveRepository, report *Report) error {
	var entries []store.QueueNewEntry
	err := c.st.DB().Preload("Source").Preload("Suite").
		Joins("JOIN source_packages sp ON sp.uuid = queue_new_entries.source_id").
		Where("sp.repo_id = ?", repo.ID).
		Find(&entries).Error
	if err != nil {
		return err
	}
	for i := range entries {
		e := entries[i]
		if e.Source.UUID == "" {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueStaleNewEntry, Repo: repo.Name,
				Detail: fmt.Sprintf("queue entry %d points at a missing source package", e.ID),
				fixer: func() error {
					return c.st.DB().Delete(&store.QueueNewEntry{}, e.ID).Error
				},
			})
			continue
		}
		if !strings.HasPrefix(e.Source.Directory, "new/") {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueStaleNewEntry, Repo: repo.Name,
				Detail: fmt.Sprintf("queue entry for %s but its files are in %s",
					&e.Source, e.Source.Directory),
				fixer: func() error {
					return c.st.DB().Delete(&store.QueueNewEntry{}, e.ID).Error
				},
			})
		}
	}
	return nil
}
