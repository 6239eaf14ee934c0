package deb

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// ChecksumKind names one of the digest algorithms carried by archive files.
type ChecksumKind string

const (
	ChecksumMD5    ChecksumKind = "md5"
	ChecksumSHA1   ChecksumKind = "sha1"
	ChecksumSHA256 ChecksumKind = "sha256"
	ChecksumSHA512 ChecksumKind = "sha512"
)

// FileChecksums records the size and digests of one archive file. SHA512 is
// optional; the other three slots are always populated for files that went
// through upload validation.
type FileChecksums struct {
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
	SHA512 string
}

// ChecksumMismatchError reports a digest or size disagreement for a file.
type ChecksumMismatchError struct {
	Path     string
	Kind     string // algorithm name, or "size"
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch on %s (%s): expected %s, got %s",
		e.Path, e.Kind, e.Expected, e.Actual)
}

// ChecksumsOfFile computes all four digests of the file at path in one read.
func ChecksumsOfFile(path string) (*FileChecksums, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hMD5 := md5.New()
	hSHA1 := sha1.New()
	hSHA256 := sha256.New()
	hSHA512 := sha512.New()

	n, err := io.Copy(io.MultiWriter(hMD5, hSHA1, hSHA256, hSHA512), f)
	if err != nil {
		return nil, err
	}

	return &FileChecksums{
		Size:   n,
		MD5:    hex.EncodeToString(hMD5.Sum(nil)),
		SHA1:   hex.EncodeToString(hSHA1.Sum(nil)),
		SHA256: hex.EncodeToString(hSHA256.Sum(nil)),
		SHA512: hex.EncodeToString(hSHA512.Sum(nil)),
	}, nil
}

// Verify checks the file at path against every populated digest slot and the
// recorded size. The size acts as a cheap pseudo-hash checked first; any
// disagreement is returned as a *ChecksumMismatchError.
func (c *FileChecksums) Verify(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.Size() != c.Size {
		return &ChecksumMismatchError{
			Path: path, Kind: "size",
			Expected: fmt.Sprintf("%d", c.Size),
			Actual:   fmt.Sprintf("%d", st.Size()),
		}
	}

	actual, err := ChecksumsOfFile(path)
	if err != nil {
		return err
	}
	checks := []struct {
		kind             ChecksumKind
		expected, actual string
	}{
		{ChecksumMD5, c.MD5, actual.MD5},
		{ChecksumSHA1, c.SHA1, actual.SHA1},
		{ChecksumSHA256, c.SHA256, actual.SHA256},
		{ChecksumSHA512, c.SHA512, actual.SHA512},
	}
	for _, ch := range checks {
		if ch.expected == "" {
			continue
		}
		if ch.expected != ch.actual {
			return &ChecksumMismatchError{
				Path: path, Kind: string(ch.kind),
				Expected: ch.expected, Actual: ch.actual,
			}
		}
	}
	return nil
}

// Digest returns the digest recorded for the given algorithm, or "".
func (c *FileChecksums) Digest(kind ChecksumKind) string {
	switch kind {
	case ChecksumMD5:
		return c.MD5
	case ChecksumSHA1:
		return c.SHA1
	case ChecksumSHA256:
		return c.SHA256
	case ChecksumSHA512:
		return c.SHA512
	}
	return ""
}

// SetDigest stores the digest for the given algorithm.
func (c *FileChecksums) SetDigest(kind ChecksumKind, digest string) {
	switch kind {
	case ChecksumMD5:
		c.MD5 = digest
	case ChecksumSHA1:
		c.SHA1 = digest
	case ChecksumSHA256:
		c.SHA256 = digest
	case ChecksumSHA512:
		c.SHA512 = digest
	}
}

// NewHash returns a fresh hash.Hash for the algorithm.
func (k ChecksumKind) NewHash() hash.Hash {
	switch k {
	case ChecksumMD5:
		return md5.New()
	case ChecksumSHA1:
		return sha1.New()
	case ChecksumSHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// ReleaseField returns the checksum-block header used in Release files.
func (k ChecksumKind) ReleaseField() ReleaseField {
	switch k {
	case ChecksumMD5:
		return RelMD5Sum
	case ChecksumSHA1:
		return RelSHA1
	case ChecksumSHA512:
		return RelSHA512
	default:
		return RelSHA256
	}
}

// ChecksumsOfBytes computes all four digests of an in-memory buffer.
func ChecksumsOfBytes(data []byte) *FileChecksums {
	md5Sum := md5.Sum(data)
	sha1Sum := sha1.Sum(data)
	sha256Sum := sha256.Sum256(data)
	sha512Sum := sha512.Sum512(data)
	return &FileChecksums{
		Size:   int64(len(data)),
		MD5:    hex.EncodeToString(md5Sum[:]),
		SHA1:   hex.EncodeToString(sha1Sum[:]),
		SHA256: hex.EncodeToString(sha256Sum[:]),
		SHA512: hex.EncodeToString(sha512Sum[:]),
	}
}
