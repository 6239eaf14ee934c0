package deb

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/etnz/apt-archive-engine/pgp"
)

// UploadFileKind classifies a file referenced by a .changes manifest.
type UploadFileKind int

const (
	// UploadDsc is the source control file of a sourceful upload.
	UploadDsc UploadFileKind = iota
	// UploadSource is a source artifact (tarball, diff).
	UploadSource
	// UploadBinary is a .deb or .udeb binary package.
	UploadBinary
	// UploadBuildinfo is a build environment attestation.
	UploadBuildinfo
	// UploadByhand is a special-cased file installed by hand by an
	// archive administrator.
	UploadByhand
)

func (k UploadFileKind) String() string {
	switch k {
	case UploadDsc:
		return "dsc"
	case UploadSource:
		return "source"
	case UploadBinary:
		return "binary"
	case UploadBuildinfo:
		return "buildinfo"
	case UploadByhand:
		return "byhand"
	}
	return "unknown"
}

// UploadFile is one file referenced by a .changes manifest, with the merged
// view of every checksum field that mentioned it.
type UploadFile struct {
	Name      string
	Kind      UploadFileKind
	Section   string
	Priority  string
	Checksums FileChecksums
}

// Changes is a parsed .changes upload manifest.
type Changes struct {
	// Path is the location of the manifest on disk.
	Path string
	// Stanza is the parsed control paragraph of the manifest.
	Stanza *Stanza
	// Signature is the verification outcome for the manifest's signature.
	Signature *pgp.VerifyResult

	files    []*UploadFile
	filesErr error
}

// changesMandatory lists the fields a .changes file must carry.
var changesMandatory = []ControlField{
	FieldFormat, FieldDate, FieldSource, FieldArchitecture, FieldVersion,
	FieldDistribution, FieldMaintainer, FieldChanges, FieldFiles,
}

// ParseChanges reads and validates a .changes file. The raw bytes are run
// through the verifier first; a missing or invalid signature fails when
// requireSignature is set. The cleartext is then parsed as a control stanza
// and checked for the mandatory field set.
func ParseChanges(path string, verifier *pgp.Verifier, requireSignature bool) (*Changes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sig, err := verifier.Verify(raw, requireSignature)
	if err != nil {
		return nil, err
	}

	stanza, err := ParseStanza(string(sig.Cleartext))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if missing := stanza.MissingFields(changesMandatory...); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return nil, fmt.Errorf("%s: missing mandatory field(s): %s", path, strings.Join(names, ", "))
	}

	return &Changes{Path: path, Stanza: stanza, Signature: sig}, nil
}

// Source returns the source package name of the upload.
func (c *Changes) Source() string { return c.Stanza.Get(FieldSource) }

// Version returns the upload's version string.
func (c *Changes) Version() string { return c.Stanza.Get(FieldVersion) }

// Distribution returns the raw Distribution field.
func (c *Changes) Distribution() string { return c.Stanza.Get(FieldDistribution) }

// Architectures returns the space-separated Architecture field.
func (c *Changes) Architectures() []string {
	return strings.Fields(c.Stanza.Get(FieldArchitecture))
}

// Files merges the Files, Checksums-Sha1, Checksums-Sha256 and optional
// Checksums-Sha512 fields by filename. A filename listed in one field but
// not another, a size disagreement, or an unsafe filename is an error.
// The result is memoized.
func (c *Changes) Files() ([]*UploadFile, error) {
	if c.files != nil || c.filesErr != nil {
		return c.files, c.filesErr
	}
	c.files, c.filesErr = c.mergeFiles()
	return c.files, c.filesErr
}

func (c *Changes) mergeFiles() ([]*UploadFile, error) {
	byName := make(map[string]*UploadFile)
	var order []string

	// The Files field carries "md5 size section priority name" per line and
	// defines the authoritative file set.
	for _, line := range c.Stanza.Lines(FieldFiles) {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed Files line: %q", line)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in Files line: %q", line)
		}
		name := parts[4]
		if !IsSafeFilename(name) {
			return nil, fmt.Errorf("unsafe filename in upload: %q", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("file listed twice: %q", name)
		}
		f := &UploadFile{
			Name:     name,
			Section:  parts[2],
			Priority: parts[3],
			Checksums: FileChecksums{
				Size: size,
				MD5:  parts[0],
			},
		}
		byName[name] = f
		order = append(order, name)
	}

	checksumFields := []struct {
		field ControlField
		kind  ChecksumKind
	}{
		{FieldChecksumsSha1, ChecksumSHA1},
		{FieldChecksumsSha256, ChecksumSHA256},
		{FieldChecksumsSha512, ChecksumSHA512},
	}
	for _, cf := range checksumFields {
		if !c.Stanza.Has(cf.field) {
			if cf.field == FieldChecksumsSha512 {
				continue
			}
			return nil, fmt.Errorf("missing %s field", cf.field)
		}
		seen := make(map[string]bool)
		for _, line := range c.Stanza.Lines(cf.field) {
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if len(parts) != 3 {
				return nil, fmt.Errorf("malformed %s line: %q", cf.field, line)
			}
			size, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed size in %s line: %q", cf.field, line)
			}
			name := parts[2]
			f, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%s lists %q which is absent from Files", cf.field, name)
			}
			if f.Checksums.Size != size {
				return nil, fmt.Errorf("size of %q disagrees between Files (%d) and %s (%d)",
					name, f.Checksums.Size, cf.field, size)
			}
			f.Checksums.SetDigest(cf.kind, parts[0])
			seen[name] = true
		}
		for _, name := range order {
			if !seen[name] {
				return nil, fmt.Errorf("%q is listed in Files but not in %s", name, cf.field)
			}
		}
	}

	files := make([]*UploadFile, 0, len(order))
	for _, name := range order {
		f := byName[name]
		if err := classifyUploadFile(f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// classifyUploadFile assigns the file kind from the filename pattern.
// Anything unrecognized that is not under a byhand-like section is rejected.
func classifyUploadFile(f *UploadFile) error {
	name := f.Name
	switch {
	case strings.HasSuffix(name, ".dsc"):
		f.Kind = UploadDsc
	case strings.HasSuffix(name, ".deb") || strings.HasSuffix(name, ".udeb"):
		f.Kind = UploadBinary
	case strings.HasSuffix(name, ".buildinfo"):
		f.Kind = UploadBuildinfo
	case isSourceArtifact(name):
		f.Kind = UploadSource
	case f.Section == "byhand" || strings.HasPrefix(f.Section, "raw-"):
		f.Kind = UploadByhand
	default:
		return fmt.Errorf("cannot classify upload file %q (section %q)", name, f.Section)
	}
	return nil
}

func isSourceArtifact(name string) bool {
	sourceSuffixes := []string{
		".tar.gz", ".tar.xz", ".tar.bz2", ".tar.lzma",
		".diff.gz", ".diff.xz",
	}
	for _, suf := range sourceSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
		// Signed upstream tarballs ship a detached .asc next to the tarball
		// name, e.g. pkg_1.0.orig.tar.gz.asc.
		if strings.HasSuffix(name, suf+".asc") {
			return true
		}
	}
	return false
}

// Sourceful reports whether the upload carries a source package.
func (c *Changes) Sourceful() bool {
	files, err := c.Files()
	if err != nil {
		return false
	}
	for _, f := range files {
		if f.Kind == UploadDsc {
			return true
		}
	}
	return false
}

// Dsc returns the upload's .dsc entry, or nil for a binary-only upload.
func (c *Changes) Dsc() *UploadFile {
	files, err := c.Files()
	if err != nil {
		return nil
	}
	for _, f := range files {
		if f.Kind == UploadDsc {
			return f
		}
	}
	return nil
}

// Binaries returns the upload's .deb/.udeb entries.
func (c *Changes) Binaries() []*UploadFile {
	files, err := c.Files()
	if err != nil {
		return nil
	}
	var bins []*UploadFile
	for _, f := range files {
		if f.Kind == UploadBinary {
			bins = append(bins, f)
		}
	}
	return bins
}

// Compare orders two uploads for processing: by source name, then Debian
// version, then sourceful uploads before binary-only ones, then by manifest
// filename. Processing sourceful uploads first guarantees the source row
// exists before binary-only uploads referencing it are imported.
func (c *Changes) Compare(other *Changes) int {
	if r := strings.Compare(c.Source(), other.Source()); r != 0 {
		return r
	}
	if r := CompareVersions(c.Version(), other.Version()); r != 0 {
		return r
	}
	if c.Sourceful() != other.Sourceful() {
		if c.Sourceful() {
			return -1
		}
		return 1
	}
	return strings.Compare(c.Path, other.Path)
}

// SortChanges sorts uploads into processing order (see Compare).
func SortChanges(changes []*Changes) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Compare(changes[j]) < 0
	})
}
