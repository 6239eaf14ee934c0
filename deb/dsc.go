package deb

import (
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// ExpectedBinary is one binary a source package declares it will build,
// taken from the Package-List field of its .dsc.
type ExpectedBinary struct {
	Name          string
	Type          string // deb or udeb
	Section       string
	Priority      string
	Architectures []string
}

// Dsc is a parsed Debian source control (.dsc) file. The signature, if any,
// is stripped but not verified here: trust is established on the .changes
// manifest whose checksums cover the .dsc bytes.
type Dsc struct {
	Stanza *Stanza
}

// ReadDsc reads a .dsc file, stripping a clearsign wrapper when present.
func ReadDsc(path string) (*Dsc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := raw
	if block, _ := clearsign.Decode(raw); block != nil {
		text = block.Plaintext
	}
	stanza, err := ParseStanza(string(text))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &Dsc{Stanza: stanza}, nil
}

// Package returns the source package name (the Source field).
func (d *Dsc) Package() string { return d.Stanza.Get(FieldSource) }

// Version returns the source version.
func (d *Dsc) Version() string { return d.Stanza.Get(FieldVersion) }

// Architectures returns the declared build architectures.
func (d *Dsc) Architectures() []string {
	return strings.Fields(d.Stanza.Get(FieldArchitecture))
}

// PackageList parses the structured Package-List field into the binaries the
// source expects to build. It returns nil when the field is absent; callers
// fall back to BinaryNames.
//
// Line format: "name type section priority [key=value ...]".
func (d *Dsc) PackageList() []ExpectedBinary {
	lines := d.Stanza.Lines(FieldPackageList)
	var out []ExpectedBinary
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) < 4 {
			continue
		}
		eb := ExpectedBinary{
			Name:     parts[0],
			Type:     parts[1],
			Section:  parts[2],
			Priority: parts[3],
		}
		for _, extra := range parts[4:] {
			if v, ok := strings.CutPrefix(extra, "arch="); ok {
				eb.Architectures = strings.Split(v, ",")
			}
		}
		out = append(out, eb)
	}
	return out
}

// BinaryNames returns the legacy comma-separated Binary field, used as a
// fallback when Package-List is missing.
func (d *Dsc) BinaryNames() []string {
	return d.Stanza.List(FieldBinary)
}

// Files returns the source file entries declared by the .dsc, merged across
// its checksum fields the same way .changes files are. The Files field of a
// .dsc has no section/priority columns.
func (d *Dsc) Files() ([]*UploadFile, error) {
	byName := make(map[string]*UploadFile)
	var order []string

	for _, line := range d.Stanza.Lines(FieldFiles) {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed .dsc Files line: %q", line)
		}
		var size int64
		if _, err := fmt.Sscanf(parts[1], "%d", &size); err != nil {
			return nil, fmt.Errorf("malformed size in .dsc Files line: %q", line)
		}
		name := parts[2]
		if !IsSafeFilename(name) {
			return nil, fmt.Errorf("unsafe filename in .dsc: %q", name)
		}
		f := &UploadFile{
			Name:      name,
			Kind:      UploadSource,
			Checksums: FileChecksums{Size: size, MD5: parts[0]},
		}
		byName[name] = f
		order = append(order, name)
	}

	for _, cf := range []struct {
		field ControlField
		kind  ChecksumKind
	}{
		{FieldChecksumsSha1, ChecksumSHA1},
		{FieldChecksumsSha256, ChecksumSHA256},
		{FieldChecksumsSha512, ChecksumSHA512},
	} {
		for _, line := range d.Stanza.Lines(cf.field) {
			parts := strings.Fields(line)
			if len(parts) != 3 {
				continue
			}
			if f, ok := byName[parts[2]]; ok {
				f.Checksums.SetDigest(cf.kind, parts[0])
			}
		}
	}

	files := make([]*UploadFile, 0, len(order))
	for _, name := range order {
		files = append(files, byName[name])
	}
	return files, nil
}

// HasOrigTarball reports whether the .dsc references an upstream tarball
// (pkg_version.orig.tar.*). Uploads of new Debian revisions commonly omit
// it, expecting the archive to already hold a copy.
func (d *Dsc) HasOrigTarball() bool {
	files, err := d.Files()
	if err != nil {
		return false
	}
	for _, f := range files {
		if strings.Contains(f.Name, ".orig.tar") && !strings.HasSuffix(f.Name, ".asc") {
			return true
		}
	}
	return false
}

// OrigTarballNames returns the upstream tarball names the .dsc references.
func (d *Dsc) OrigTarballNames() []string {
	files, err := d.Files()
	if err != nil {
		return nil
	}
	var names []string
	for _, f := range files {
		if strings.Contains(f.Name, ".orig.tar") && !strings.HasSuffix(f.Name, ".asc") {
			names = append(names, f.Name)
		}
	}
	return names
}
