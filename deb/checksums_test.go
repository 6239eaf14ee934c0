package deb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumsOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("hello world\n"), 0o644))

	sums, err := ChecksumsOfFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(12), sums.Size)

	fromBytes := ChecksumsOfBytes([]byte("hello world\n"))
	assert.Equal(t, fromBytes, sums)
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	sums, err := ChecksumsOfFile(path)
	require.NoError(t, err)
	assert.NoError(t, sums.Verify(path))

	// A partial record still verifies on its populated slots.
	partial := &FileChecksums{Size: sums.Size, SHA256: sums.SHA256}
	assert.NoError(t, partial.Verify(path))
}

func TestVerifyMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	sums, err := ChecksumsOfFile(path)
	require.NoError(t, err)

	bad := *sums
	bad.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	err = bad.Verify(path)
	require.Error(t, err)
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "sha256", mismatch.Kind)

	short := *sums
	short.Size = 1
	err = short.Verify(path)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "size", mismatch.Kind)
}

func TestDigestAccess(t *testing.T) {
	c := &FileChecksums{}
	c.SetDigest(ChecksumSHA512, "aa")
	assert.Equal(t, "aa", c.Digest(ChecksumSHA512))
	assert.Empty(t, c.Digest(ChecksumMD5))
}

func TestKindReleaseField(t *testing.T) {
	assert.Equal(t, RelMD5Sum, ChecksumMD5.ReleaseField())
	assert.Equal(t, RelSHA256, ChecksumSHA256.ReleaseField())
}
