package deb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// tarGz builds a gzip-compressed tar archive from name/content pairs.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)),
			ModTime: time.Now(), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// tarXz builds an xz-compressed tar archive.
func tarXz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)),
			ModTime: time.Now(), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

// buildDeb assembles a .deb on disk from a control stanza and data files.
func buildDeb(t *testing.T, dir, name, control string, data map[string]string, xzData bool) string {
	t.Helper()
	path := filepath.Join(dir, name)
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
	add("control.tar.gz", tarGz(t, map[string]string{"./control": control}))
	if xzData {
		add("data.tar.xz", tarXz(t, data))
	} else {
		add("data.tar.gz", tarGz(t, data))
	}
	return path
}

func TestReadDeb(t *testing.T) {
	control := "Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n" +
		"Installed-Size: 42\nDescription: test package\n"
	path := buildDeb(t, t.TempDir(), "hello_1.0-1_amd64.deb", control,
		map[string]string{"./usr/bin/hello": "#!/bin/sh\n"}, false)

	info, err := ReadDeb(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", info.Package())
	assert.Equal(t, "1.0-1", info.Version())
	assert.Equal(t, "amd64", info.Architecture())
	assert.Equal(t, []string{"/usr/bin/hello"}, info.DataFiles)
	assert.False(t, info.IsDebugSymbols())
}

func TestReadDebXzData(t *testing.T) {
	control := "Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n"
	path := buildDeb(t, t.TempDir(), "hello.deb", control,
		map[string]string{"./usr/share/doc/hello/copyright": "x"}, true)

	info, err := ReadDeb(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/share/doc/hello/copyright"}, info.DataFiles)
}

func TestReadDebMissingControl(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.deb")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := ar.NewWriter(f)
	require.NoError(t, w.WriteGlobalHeader())
	require.NoError(t, w.WriteHeader(&ar.Header{
		Name: "debian-binary", Mode: 0o644, Size: 4, ModTime: time.Now(),
	}))
	_, err = w.Write([]byte("2.0\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ReadDeb(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control member not found")
}

func TestSourceResolution(t *testing.T) {
	control := "Package: libhello1\nVersion: 1.0-1+b2\nArchitecture: amd64\n" +
		"Source: hello (1.0-1)\n"
	path := buildDeb(t, t.TempDir(), "libhello1.deb", control, nil, false)

	info, err := ReadDeb(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", info.SourceName())
	assert.Equal(t, "1.0-1", info.SourceVersion())
}

func TestSourceDefaultsToPackage(t *testing.T) {
	control := "Package: hello\nVersion: 1.0-1\nArchitecture: amd64\n"
	path := buildDeb(t, t.TempDir(), "hello.deb", control, nil, false)

	info, err := ReadDeb(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", info.SourceName())
	assert.Equal(t, "1.0-1", info.SourceVersion())
}

func TestIsDebugSymbols(t *testing.T) {
	control := "Package: hello-dbgsym\nVersion: 1.0-1\nArchitecture: amd64\n"
	path := buildDeb(t, t.TempDir(), "hello-dbgsym.deb", control, nil, false)

	info, err := ReadDeb(path)
	require.NoError(t, err)
	assert.True(t, info.IsDebugSymbols())
}
