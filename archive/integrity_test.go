package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/store"
)

func issuesOfKind(r *Report, kind IssueKind) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

func TestCheckCleanArchive(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	importVersion(t, env, "1.0-1")

	c := NewChecker(env.st, env.cfg)
	c.VerifyContent = true
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "issues: %v", report.Issues)
	assert.Equal(t, 5, report.FilesChecked)
}

func TestCheckMissingFile(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	loaded, err := env.st.SourcePackageByUUID(src.UUID)
	require.NoError(t, err)
	require.NotEmpty(t, loaded.Files)
	require.NoError(t, os.Remove(filepath.Join(env.repoRoot(), loaded.Files[0].Path)))

	report, err := NewChecker(env.st, env.cfg).
		CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	missing := issuesOfKind(report, IssueMissingFile)
	require.Len(t, missing, 1)
	assert.Equal(t, loaded.Files[0].Path, missing[0].Path)
	assert.False(t, missing[0].Fixable())
}

func TestCheckCorruptFile(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	loaded, err := env.st.SourcePackageByUUID(src.UUID)
	require.NoError(t, err)
	abs := filepath.Join(env.repoRoot(), loaded.Files[0].Path)
	require.NoError(t, os.WriteFile(abs, []byte("truncated"), 0o644))

	report, err := NewChecker(env.st, env.cfg).
		CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	assert.Len(t, issuesOfKind(report, IssueCorruptFile), 1)
}

func TestCheckOrphansAndStagingLeftovers(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	importVersion(t, env, "1.0-1")

	poolDir := filepath.Join(env.repoRoot(), "pool/main/h/hello")
	orphan := filepath.Join(poolDir, "stray.deb")
	leftover := filepath.Join(poolDir, ".tmp-hello_1.0-1.dsc")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))

	c := NewChecker(env.st, env.cfg)
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	orphans := issuesOfKind(report, IssueOrphanFile)
	require.Len(t, orphans, 2)
	for _, i := range orphans {
		assert.True(t, i.Fixable())
	}

	// Fix mode removes both; a re-run is clean.
	_, err = c.CheckRepository(context.Background(), "testing", true)
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))

	report, err = c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestCheckSuiteMismatchRepair(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")
	other := addSuite(t, env, "stable")

	// Put one binary in a suite its source is not in.
	bins, err := env.st.BinariesOfSource(src.UUID)
	require.NoError(t, err)
	require.NotEmpty(t, bins)
	require.NoError(t, store.AddSuiteMembership(env.st.DB(), &bins[0], &other.Suite))

	c := NewChecker(env.st, env.cfg)
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	require.Len(t, issuesOfKind(report, IssueSuiteMismatch), 1)

	_, err = c.CheckRepository(context.Background(), "testing", true)
	require.NoError(t, err)

	loaded, err := env.st.SourcePackageByUUID(src.UUID)
	require.NoError(t, err)
	assert.Len(t, loaded.Suites, 2, "repair pulls the source into the suite")

	report, err = c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	assert.Empty(t, issuesOfKind(report, IssueSuiteMismatch))
}

func TestCheckSuitelessSource(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	// Strip the memberships without soft-deleting: an inconsistent state no
	// normal operation produces.
	require.NoError(t, store.RemoveSuiteMembership(env.st.DB(), src, &env.rss.Suite))
	bins, err := env.st.BinariesOfSource(src.UUID)
	require.NoError(t, err)
	for i := range bins {
		require.NoError(t, store.RemoveSuiteMembership(env.st.DB(), &bins[i], &env.rss.Suite))
	}

	c := NewChecker(env.st, env.cfg)
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	require.NotEmpty(t, issuesOfKind(report, IssueSuitelessSource))

	_, err = c.CheckRepository(context.Background(), "testing", true)
	require.NoError(t, err)

	loaded, err := env.st.SourcePackageByUUID(src.UUID)
	require.NoError(t, err)
	assert.True(t, loaded.IsDeleted(), "repair soft-deletes for retention to reclaim")

	// The soft-delete cascades over the source's binaries.
	bins, err = env.st.BinariesOfSource(src.UUID)
	require.NoError(t, err)
	require.NotEmpty(t, bins)
	for i := range bins {
		assert.True(t, bins[i].IsDeleted(), "binary %s follows its source", bins[i].Name)
	}
}

func TestCheckQueuedSourceIsNotSuiteless(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)
	_, wasNew, err := imp.ImportSource(writeSourceUpload(t, dir, "hello", "1.0-1"), "main")
	require.NoError(t, err)
	require.True(t, wasNew)

	report, err := NewChecker(env.st, env.cfg).
		CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	assert.Empty(t, issuesOfKind(report, IssueSuitelessSource))
	assert.Empty(t, issuesOfKind(report, IssueStaleNewEntry))
}

func TestCheckMissingOverrideRepair(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	importVersion(t, env, "1.0-1")

	// Drop the hello-doc override behind the archive's back.
	require.NoError(t, env.st.DB().
		Where("repo_id = ? AND package_name = ?", env.rss.RepoID, "hello-doc").
		Delete(&store.PackageOverride{}).Error)

	c := NewChecker(env.st, env.cfg)
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	require.Len(t, issuesOfKind(report, IssueMissingOverride), 1)

	_, err = c.CheckRepository(context.Background(), "testing", true)
	require.NoError(t, err)

	o, err := env.st.OverrideFor(env.rss.RepoID, env.rss.SuiteID, "hello-doc")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "optional", o.Priority)
}

func TestCheckStaleNewEntry(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	// Fabricate a queue entry for a package whose files live in the pool.
	entry := &store.QueueNewEntry{SourceID: src.UUID, SuiteID: env.rss.SuiteID}
	require.NoError(t, env.st.DB().Create(entry).Error)

	c := NewChecker(env.st, env.cfg)
	report, err := c.CheckRepository(context.Background(), "testing", false)
	require.NoError(t, err)
	require.Len(t, issuesOfKind(report, IssueStaleNewEntry), 1)

	_, err = c.CheckRepository(context.Background(), "testing", true)
	require.NoError(t, err)

	got, err := env.st.QueueNewEntryFor(src.UUID, env.rss.SuiteID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
