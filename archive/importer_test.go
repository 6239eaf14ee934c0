package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/store"
)

func TestImportSourceDirect(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")

	dsc := writeSourceUpload(t, t.TempDir(), "hello", "1.0-1")
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	pkg, wasNew, err := imp.ImportSource(dsc, "main")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.False(t, wasNew)
	assert.Equal(t, "pool/main/h/hello", pkg.Directory)

	// Files landed in the pool, none of them temporaries.
	entries, err := os.ReadDir(filepath.Join(env.repoRoot(), "pool/main/h/hello"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}

	// The package is live in the suite with its version memorized.
	loaded, err := env.st.SourcePackageByUUID(pkg.UUID)
	require.NoError(t, err)
	assert.Len(t, loaded.Suites, 1)
	assert.NotNil(t, loaded.TimePublished)
	assert.Len(t, loaded.Files, 3)
	assert.Len(t, loaded.ExpectedBinaries, 2)

	v, err := env.st.VersionMemoryFor(env.rss.ID, "hello", deb.ArchSource)
	require.NoError(t, err)
	assert.Equal(t, "1.0-1", v)

	entry, err := env.st.QueueNewEntryFor(pkg.UUID, env.rss.SuiteID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestImportSourceGoesToNew(t *testing.T) {
	env := newTestEnv(t)
	// No overrides registered: the package needs review.
	dsc := writeSourceUpload(t, t.TempDir(), "hello", "1.0-1")
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	pkg, wasNew, err := imp.ImportSource(dsc, "main")
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, "new/pool/main/h/hello", pkg.Directory)

	entry, err := env.st.QueueNewEntryFor(pkg.UUID, env.rss.SuiteID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	loaded, err := env.st.SourcePackageByUUID(pkg.UUID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Suites, "queued packages are not in any suite yet")
}

func TestImportSourceLeavesNewOnceCovered(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	dsc := writeSourceUpload(t, dir, "hello", "1.0-1")
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	pkg, wasNew, err := imp.ImportSource(dsc, "main")
	require.NoError(t, err)
	require.True(t, wasNew)

	// Overrides appear (the reviewer approved); re-import admits the
	// package and purges the queue-side copy.
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")

	pkg, wasNew, err = imp.ImportSource(dsc, "main")
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, "pool/main/h/hello", pkg.Directory)

	_, err = os.Stat(filepath.Join(env.repoRoot(), "new/pool/main/h/hello"))
	assert.True(t, os.IsNotExist(err))

	entry, err := env.st.QueueNewEntryFor(pkg.UUID, env.rss.SuiteID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestImportSourceVersionRegression(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	dir := t.TempDir()

	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)
	_, _, err := imp.ImportSource(writeSourceUpload(t, dir, "hello", "2.0-1"), "main")
	require.NoError(t, err)

	oldDsc := writeSourceUpload(t, dir, "hello", "1.0-1")
	_, _, err = imp.ImportSource(oldDsc, "main")
	require.Error(t, err)
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "regresses")

	// SkipExisting turns the rejection into a silent no-op.
	skipping := NewImporter(env.st, env.cfg, env.rss, ImportOptions{SkipExisting: true}, events.Discard)
	pkg, wasNew, err := skipping.ImportSource(oldDsc, "main")
	require.NoError(t, err)
	assert.Nil(t, pkg)
	assert.False(t, wasNew)

	// IgnoreVersionCheck admits the old version anyway.
	forced := NewImporter(env.st, env.cfg, env.rss, ImportOptions{IgnoreVersionCheck: true}, events.Discard)
	pkg, _, err = forced.ImportSource(oldDsc, "main")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "1.0-1", pkg.Version)
}

func TestImportSourceFrozenSuite(t *testing.T) {
	env := newTestEnv(t)
	env.rss.Frozen = true
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)
	_, _, err := imp.ImportSource(writeSourceUpload(t, t.TempDir(), "hello", "1.0-1"), "main")
	require.Error(t, err)
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "frozen")
}

func TestImportSourceDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	dir := t.TempDir()
	dsc := writeSourceUpload(t, dir, "hello", "1.0-1")
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	_, _, err := imp.ImportSource(dsc, "main")
	require.NoError(t, err)

	_, _, err = imp.ImportSource(dsc, "main")
	require.Error(t, err)
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "already exists")

	skipping := NewImporter(env.st, env.cfg, env.rss, ImportOptions{SkipExisting: true}, events.Discard)
	pkg, wasNew, err := skipping.ImportSource(dsc, "main")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.False(t, wasNew)
}

func TestImportBinary(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	dir := t.TempDir()
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	_, _, err := imp.ImportSource(writeSourceUpload(t, dir, "hello", "1.0-1"), "main")
	require.NoError(t, err)

	debPath := buildDeb(t, dir, "hello_1.0-1_amd64.deb",
		"Package: hello\nVersion: 1.0-1\nArchitecture: amd64\nDescription: test\n")
	pkg, err := imp.ImportBinary(debPath, "main", nil)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "amd64", pkg.Architecture)
	require.NotNil(t, pkg.FileID)

	loaded, err := env.st.BinaryPackageByUUID(pkg.UUID)
	require.NoError(t, err)
	assert.Len(t, loaded.Suites, 1)
	require.NotNil(t, loaded.File)
	assert.Equal(t, "pool/main/h/hello/hello_1.0-1_amd64.deb", loaded.File.Path)
	assert.NoError(t, loaded.File.Checksums().Verify(
		filepath.Join(env.repoRoot(), loaded.File.Path)))

	v, err := env.st.VersionMemoryFor(env.rss.ID, "hello", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "1.0-1", v)
}

func TestImportBinaryMissingSource(t *testing.T) {
	env := newTestEnv(t)
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	debPath := buildDeb(t, t.TempDir(), "orphan_1.0-1_amd64.deb",
		"Package: orphan\nVersion: 1.0-1\nArchitecture: amd64\n")
	_, err := imp.ImportBinary(debPath, "main", nil)
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	assert.Contains(t, err.Error(), "source package")
}

func TestImportBinaryParksWithQueuedSource(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	// Source with no overrides waits in NEW; its binary parks next to it.
	_, wasNew, err := imp.ImportSource(writeSourceUpload(t, dir, "hello", "1.0-1"), "main")
	require.NoError(t, err)
	require.True(t, wasNew)

	debPath := buildDeb(t, dir, "hello_1.0-1_amd64.deb",
		"Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n")
	pkg, err := imp.ImportBinary(debPath, "main", nil)
	require.NoError(t, err)

	loaded, err := env.st.BinaryPackageByUUID(pkg.UUID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Suites)
	require.NotNil(t, loaded.File)
	assert.True(t, store.InNewQueue(loaded.File.Path))
}

func TestImportBinaryChecksumMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	dir := t.TempDir()
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)

	_, _, err := imp.ImportSource(writeSourceUpload(t, dir, "hello", "1.0-1"), "main")
	require.NoError(t, err)

	debPath := buildDeb(t, dir, "hello_1.0-1_amd64.deb",
		"Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n")
	expected := &deb.FileChecksums{Size: 1} // wrong on purpose
	_, err = imp.ImportBinary(debPath, "main", expected)
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
}

func TestImportSourceReplayAfterRemoval(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	m := NewMaintainer(env.st, env.cfg, events.Discard)
	require.NoError(t, m.MarkDelete(SourceRef(src), env.rss))
	require.NoError(t, m.RemoveSourcePackage(src.UUID))

	// The rows and files are gone, but version memory still blocks the
	// exact removed version from coming back.
	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)
	_, _, err := imp.ImportSource(writeSourceUpload(t, t.TempDir(), "hello", "1.0-1"), "main")
	require.Error(t, err)
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "already seen")

	// A newer version is still welcome.
	_, _, err = imp.ImportSource(writeSourceUpload(t, t.TempDir(), "hello", "1.0-2"), "main")
	require.NoError(t, err)
}

func TestImportBinaryReplayAfterRemoval(t *testing.T) {
	env := newTestEnv(t)
	env.addOverride(t, "hello")
	env.addOverride(t, "hello-doc")
	src := importVersion(t, env, "1.0-1")

	m := NewMaintainer(env.st, env.cfg, events.Discard)
	require.NoError(t, m.MarkDelete(SourceRef(src), env.rss))
	require.NoError(t, m.RemoveSourcePackage(src.UUID))

	imp := NewImporter(env.st, env.cfg, env.rss, ImportOptions{}, events.Discard)
	debPath := buildDeb(t, t.TempDir(), "hello_1.0-1_amd64.deb",
		"Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n")
	_, err := imp.ImportBinary(debPath, "main", nil)
	require.Error(t, err)
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "already seen")
}
