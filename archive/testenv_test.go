package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/require"

	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/store"
)

// testEnv is one self-contained archive: a temp root, a SQLite store and a
// seeded repository×suite.
type testEnv struct {
	cfg *config.Config
	st  *store.Store
	rss *store.RepoSuiteSettings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		ArchiveRoot:         root,
		RetentionDays:       14,
		PublishValidityDays: 28,
		Repositories: []config.RepositoryConfig{{
			Name:        "testing",
			IncomingDir: filepath.Join(root, "incoming"),
			RejectDir:   filepath.Join(root, "reject"),
		}},
	}
	require.NoError(t, os.MkdirAll(cfg.Repositories[0].IncomingDir, 0o755))

	st, err := store.Open(store.Options{SQLitePath: filepath.Join(root, "archive.db")})
	require.NoError(t, err)

	repo := &store.ArchiveRepository{Name: "testing", OriginName: "Test"}
	require.NoError(t, st.DB().Create(repo).Error)
	comp := &store.ArchiveComponent{Name: "main"}
	require.NoError(t, st.DB().Create(comp).Error)
	amd64 := &store.ArchiveArchitecture{Name: "amd64"}
	all := &store.ArchiveArchitecture{Name: deb.ArchAll}
	require.NoError(t, st.DB().Create(amd64).Error)
	require.NoError(t, st.DB().Create(all).Error)
	suite := &store.ArchiveSuite{
		Name: "unstable", Alias: "sid", AcceptUploads: true,
		Components:    []store.ArchiveComponent{*comp},
		Architectures: []store.ArchiveArchitecture{*amd64, *all},
	}
	require.NoError(t, st.DB().Create(suite).Error)
	rss := &store.RepoSuiteSettings{RepoID: repo.ID, SuiteID: suite.ID, AcceptUploads: true}
	require.NoError(t, st.DB().Create(rss).Error)

	loaded, err := st.RepoSuiteSettingsFor("testing", "unstable")
	require.NoError(t, err)
	return &testEnv{cfg: cfg, st: st, rss: loaded}
}

func (e *testEnv) repoRoot() string { return e.cfg.RepoRoot("testing") }

// addOverride registers an override so a package can skip the review queue.
func (e *testEnv) addOverride(t *testing.T, name string) {
	t.Helper()
	o := &store.PackageOverride{
		RepoID: e.rss.RepoID, SuiteID: e.rss.SuiteID, PackageName: name,
		ComponentID: e.rss.Suite.Components[0].ID,
		Section:     "devel", Priority: "optional",
	}
	require.NoError(t, e.st.DB().Create(o).Error)
}

// writeSourceUpload drops a .dsc plus its referenced files into dir with a
// consistent checksum table, returning the .dsc path.
func writeSourceUpload(t *testing.T, dir, name, version string) string {
	t.Helper()
	upstream := version
	if i := bytes.IndexByte([]byte(version), '-'); i >= 0 {
		upstream = version[:i]
	}
	orig := fmt.Sprintf("%s_%s.orig.tar.gz", name, upstream)
	debianTar := fmt.Sprintf("%s_%s.debian.tar.xz", name, version)

	origPath := filepath.Join(dir, orig)
	require.NoError(t, os.WriteFile(origPath, []byte("upstream tarball of "+name+" "+upstream), 0o644))
	debianPath := filepath.Join(dir, debianTar)
	require.NoError(t, os.WriteFile(debianPath, []byte("debian packaging of "+name+" "+version), 0o644))

	origSums, err := deb.ChecksumsOfFile(origPath)
	require.NoError(t, err)
	debianSums, err := deb.ChecksumsOfFile(debianPath)
	require.NoError(t, err)

	dsc := fmt.Sprintf(`Format: 3.0 (quilt)
Source: %s
Binary: %s, %s-doc
Architecture: any all
Version: %s
Maintainer: Test <test@example.org>
Standards-Version: 4.6.2
Package-List:
 %s deb devel optional arch=any
 %s-doc deb doc optional arch=all
Files:
 %s %d %s
 %s %d %s
Checksums-Sha256:
 %s %d %s
 %s %d %s
`, name, name, name, version, name, name,
		origSums.MD5, origSums.Size, orig,
		debianSums.MD5, debianSums.Size, debianTar,
		origSums.SHA256, origSums.Size, orig,
		debianSums.SHA256, debianSums.Size, debianTar)

	dscPath := filepath.Join(dir, fmt.Sprintf("%s_%s.dsc", name, version))
	require.NoError(t, os.WriteFile(dscPath, []byte(dsc), 0o644))
	return dscPath
}

// buildDeb assembles a minimal .deb on disk.
func buildDeb(t *testing.T, dir, fileName, control string) string {
	t.Helper()
	var ctrlTar bytes.Buffer
	gw := gzip.NewWriter(&ctrlTar)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "./control", Mode: 0o644, Size: int64(len(control)),
		ModTime: time.Now(), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(control))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	var dataTar bytes.Buffer
	gw = gzip.NewWriter(&dataTar)
	tw = tar.NewWriter(gw)
	payload := "#!/bin/sh\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "./usr/bin/prog", Mode: 0o755, Size: int64(len(payload)),
		ModTime: time.Now(), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	path := filepath.Join(dir, fileName)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := ar.NewWriter(f)
	require.NoError(t, w.WriteGlobalHeader())
	add := func(member string, content []byte) {
		require.NoError(t, w.WriteHeader(&ar.Header{
			Name: member, Mode: 0o644, Size: int64(len(content)), ModTime: time.Now(),
		}))
		_, err := w.Write(content)
		require.NoError(t, err)
	}
	add("debian-binary", []byte("2.0\n"))
	add("control.tar.gz", ctrlTar.Bytes())
	add("data.tar.gz", dataTar.Bytes())
	return path
}
