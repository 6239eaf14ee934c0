package deb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etnz/apt-archive-engine/pgp"
)

// writeChanges drops an unsigned .changes with a consistent checksum table
// covering the named files.
func writeChanges(t *testing.T, dir string, files []string) string {
	t.Helper()
	var filesLines, sha1Lines, sha256Lines []string
	for i, name := range files {
		size := 100 + i
		filesLines = append(filesLines,
			fmt.Sprintf(" %032d %d main optional %s", i, size, name))
		sha1Lines = append(sha1Lines,
			fmt.Sprintf(" %040d %d %s", i, size, name))
		sha256Lines = append(sha256Lines,
			fmt.Sprintf(" %064d %d %s", i, size, name))
	}
	content := "Format: 1.8\n" +
		"Date: Mon, 01 Sep 2025 10:00:00 +0000\n" +
		"Source: hello\n" +
		"Binary: hello\n" +
		"Architecture: source amd64\n" +
		"Version: 1.0-1\n" +
		"Distribution: unstable\n" +
		"Maintainer: Test <test@example.org>\n" +
		"Changes:\n hello (1.0-1) unstable; urgency=medium\n" +
		"Files:\n" + strings.Join(filesLines, "\n") + "\n" +
		"Checksums-Sha1:\n" + strings.Join(sha1Lines, "\n") + "\n" +
		"Checksums-Sha256:\n" + strings.Join(sha256Lines, "\n") + "\n"

	path := filepath.Join(dir, "hello_1.0-1_amd64.changes")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func unsignedVerifier() *pgp.Verifier {
	return pgp.NewVerifierFromKeyring(nil)
}

func TestParseChanges(t *testing.T) {
	path := writeChanges(t, t.TempDir(), []string{
		"hello_1.0-1.dsc",
		"hello_1.0.orig.tar.gz",
		"hello_1.0-1.debian.tar.xz",
		"hello_1.0-1_amd64.deb",
		"hello_1.0-1_amd64.buildinfo",
	})

	c, err := ParseChanges(path, unsignedVerifier(), false)
	require.NoError(t, err)
	assert.Equal(t, "hello", c.Source())
	assert.Equal(t, "1.0-1", c.Version())
	assert.Equal(t, "unstable", c.Distribution())
	assert.Equal(t, []string{"source", "amd64"}, c.Architectures())
	assert.True(t, c.Sourceful())

	files, err := c.Files()
	require.NoError(t, err)
	require.Len(t, files, 5)
	assert.Equal(t, UploadDsc, files[0].Kind)
	assert.Equal(t, UploadSource, files[1].Kind)
	assert.Equal(t, UploadSource, files[2].Kind)
	assert.Equal(t, UploadBinary, files[3].Kind)
	assert.Equal(t, UploadBuildinfo, files[4].Kind)

	require.NotNil(t, c.Dsc())
	assert.Equal(t, "hello_1.0-1.dsc", c.Dsc().Name)
	assert.Len(t, c.Binaries(), 1)
}

func TestParseChangesRequiresSignature(t *testing.T) {
	path := writeChanges(t, t.TempDir(), []string{"hello_1.0-1.dsc"})
	_, err := ParseChanges(path, unsignedVerifier(), true)
	require.Error(t, err)
	var sigErr *pgp.SignatureError
	assert.ErrorAs(t, err, &sigErr)
}

func TestParseChangesMissingMandatory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.changes")
	require.NoError(t, os.WriteFile(path, []byte("Source: hello\nVersion: 1\n"), 0o644))
	_, err := ParseChanges(path, unsignedVerifier(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing mandatory field")
}

func TestFilesChecksumDisagreement(t *testing.T) {
	dir := t.TempDir()
	content := "Format: 1.8\nDate: now\nSource: x\nArchitecture: amd64\nVersion: 1\n" +
		"Distribution: unstable\nMaintainer: m\nChanges:\n x\n" +
		"Files:\n " + strings.Repeat("0", 32) + " 100 main optional x_1_amd64.deb\n" +
		"Checksums-Sha1:\n " + strings.Repeat("0", 40) + " 100 x_1_amd64.deb\n" +
		"Checksums-Sha256:\n " + strings.Repeat("0", 64) + " 999 x_1_amd64.deb\n"
	path := filepath.Join(dir, "x.changes")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := ParseChanges(path, unsignedVerifier(), false)
	require.NoError(t, err)
	_, err = c.Files()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disagrees")
}

func TestFilesUnsafeName(t *testing.T) {
	dir := t.TempDir()
	content := "Format: 1.8\nDate: now\nSource: x\nArchitecture: amd64\nVersion: 1\n" +
		"Distribution: unstable\nMaintainer: m\nChanges:\n x\n" +
		"Files:\n " + strings.Repeat("0", 32) + " 100 main optional ../../etc/passwd\n" +
		"Checksums-Sha1:\n" +
		"Checksums-Sha256:\n"
	path := filepath.Join(dir, "x.changes")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := ParseChanges(path, unsignedVerifier(), false)
	require.NoError(t, err)
	_, err = c.Files()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe filename")
}

func TestFilesUnclassifiable(t *testing.T) {
	path := writeChanges(t, t.TempDir(), []string{"mystery.bin"})
	c, err := ParseChanges(path, unsignedVerifier(), false)
	require.NoError(t, err)
	_, err = c.Files()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot classify")
}

func TestSortChanges(t *testing.T) {
	dir := t.TempDir()
	mk := func(name, source, version string, sourceful bool) *Changes {
		files := []string{source + "_" + version + "_amd64.deb"}
		if sourceful {
			files = append(files, source+"_"+version+".dsc")
		}
		var filesLines, sha1Lines, sha256Lines []string
		for i, f := range files {
			filesLines = append(filesLines, fmt.Sprintf(" %032d 10 main optional %s", i, f))
			sha1Lines = append(sha1Lines, fmt.Sprintf(" %040d 10 %s", i, f))
			sha256Lines = append(sha256Lines, fmt.Sprintf(" %064d 10 %s", i, f))
		}
		content := "Format: 1.8\nDate: now\nSource: " + source + "\nArchitecture: amd64\n" +
			"Version: " + version + "\nDistribution: unstable\nMaintainer: m\nChanges:\n x\n" +
			"Files:\n" + strings.Join(filesLines, "\n") + "\n" +
			"Checksums-Sha1:\n" + strings.Join(sha1Lines, "\n") + "\n" +
			"Checksums-Sha256:\n" + strings.Join(sha256Lines, "\n") + "\n"
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		c, err := ParseChanges(path, unsignedVerifier(), false)
		require.NoError(t, err)
		return c
	}

	binOnly := mk("b.changes", "pkg", "1.0-1", false)
	sourceful := mk("a.changes", "pkg", "1.0-1", true)
	other := mk("c.changes", "aaa", "2.0-1", true)

	all := []*Changes{binOnly, sourceful, other}
	SortChanges(all)

	assert.Equal(t, "aaa", all[0].Source())
	assert.True(t, all[1].Sourceful(), "sourceful upload sorts before binary-only")
	assert.False(t, all[2].Sourceful())
}
