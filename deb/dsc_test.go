package deb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDsc = `Format: 3.0 (quilt)
Source: hello
Binary: hello, hello-doc
Architecture: any all
Version: 1.0-1
Maintainer: Test <test@example.org>
Standards-Version: 4.6.2
Package-List:
 hello deb devel optional arch=any
 hello-doc deb doc optional arch=all
Files:
 11111111111111111111111111111111 2000 hello_1.0.orig.tar.gz
 22222222222222222222222222222222 900 hello_1.0-1.debian.tar.xz
Checksums-Sha256:
 1111111111111111111111111111111111111111111111111111111111111111 2000 hello_1.0.orig.tar.gz
 2222222222222222222222222222222222222222222222222222222222222222 900 hello_1.0-1.debian.tar.xz
`

func writeDsc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello_1.0-1.dsc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadDsc(t *testing.T) {
	dsc, err := ReadDsc(writeDsc(t, helloDsc))
	require.NoError(t, err)

	assert.Equal(t, "hello", dsc.Package())
	assert.Equal(t, "1.0-1", dsc.Version())
	assert.Equal(t, []string{"any", "all"}, dsc.Architectures())

	list := dsc.PackageList()
	require.Len(t, list, 2)
	assert.Equal(t, ExpectedBinary{
		Name: "hello", Type: "deb", Section: "devel", Priority: "optional",
		Architectures: []string{"any"},
	}, list[0])
	assert.Equal(t, "hello-doc", list[1].Name)
	assert.Equal(t, []string{"all"}, list[1].Architectures)
}

func TestDscFiles(t *testing.T) {
	dsc, err := ReadDsc(writeDsc(t, helloDsc))
	require.NoError(t, err)

	files, err := dsc.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "hello_1.0.orig.tar.gz", files[0].Name)
	assert.Equal(t, int64(2000), files[0].Checksums.Size)
	assert.Equal(t, "11111111111111111111111111111111", files[0].Checksums.MD5)
	assert.Equal(t,
		"1111111111111111111111111111111111111111111111111111111111111111",
		files[0].Checksums.SHA256)
}

func TestDscBinaryFallback(t *testing.T) {
	content := "Format: 1.0\nSource: legacy\nBinary: legacy, legacy-utils\nVersion: 1\n" +
		"Maintainer: m\nFiles:\n 00000000000000000000000000000000 1 legacy_1.tar.gz\n"
	dsc, err := ReadDsc(writeDsc(t, content))
	require.NoError(t, err)

	assert.Nil(t, dsc.PackageList())
	assert.Equal(t, []string{"legacy", "legacy-utils"}, dsc.BinaryNames())
}

func TestOrigTarballDetection(t *testing.T) {
	dsc, err := ReadDsc(writeDsc(t, helloDsc))
	require.NoError(t, err)
	assert.True(t, dsc.HasOrigTarball())
	assert.Equal(t, []string{"hello_1.0.orig.tar.gz"}, dsc.OrigTarballNames())
}
