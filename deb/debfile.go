package deb

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/ulikunitz/xz"
)

// DebInfo is the archive-relevant view of a binary package: its control
// stanza plus the list of file paths shipped in the data member.
type DebInfo struct {
	Control   *Stanza
	DataFiles []string
}

// Package returns the binary package name from the control stanza.
func (d *DebInfo) Package() string { return d.Control.Get(FieldPackage) }

// Version returns the package version from the control stanza.
func (d *DebInfo) Version() string { return d.Control.Get(FieldVersion) }

// Architecture returns the package architecture from the control stanza.
func (d *DebInfo) Architecture() string { return d.Control.Get(FieldArchitecture) }

// SourceName returns the owning source package name. When the control stanza
// carries no Source field the source is named after the binary. A version
// annotation like "src (1.2-1)" is stripped.
func (d *DebInfo) SourceName() string {
	src := d.Control.Get(FieldSource)
	if src == "" {
		return d.Package()
	}
	if i := strings.Index(src, " ("); i > 0 {
		return src[:i]
	}
	return src
}

// SourceVersion returns the owning source version: the annotation from the
// Source field if present ("src (1.2-1)"), otherwise the binary version.
func (d *DebInfo) SourceVersion() string {
	src := d.Control.Get(FieldSource)
	if i := strings.Index(src, " ("); i > 0 {
		return strings.TrimSuffix(src[i+2:], ")")
	}
	return d.Version()
}

// IsDebugSymbols reports whether this is a dbgsym companion package.
func (d *DebInfo) IsDebugSymbols() bool {
	return strings.HasSuffix(d.Package(), "-dbgsym") || strings.HasSuffix(d.Package(), "-dbg")
}

// ReadDeb opens a .deb (or .udeb) and extracts its control stanza and data
// file listing. Compression of the tar members may be gzip, xz or none.
func ReadDeb(path string) (*DebInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := &DebInfo{}
	arR := ar.NewReader(f)
	for {
		header, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ar header of %s: %w", path, err)
		}
		name := strings.TrimSuffix(header.Name, "/")

		switch {
		case strings.HasPrefix(name, "control.tar"):
			tr, err := tarReaderFor(name, arR)
			if err != nil {
				return nil, fmt.Errorf("opening %s of %s: %w", name, path, err)
			}
			stanza, err := controlStanzaFromTar(tr)
			if err != nil {
				return nil, fmt.Errorf("reading control of %s: %w", path, err)
			}
			info.Control = stanza
		case strings.HasPrefix(name, "data.tar"):
			tr, err := tarReaderFor(name, arR)
			if err != nil {
				return nil, fmt.Errorf("opening %s of %s: %w", name, path, err)
			}
			files, err := listDataFiles(tr)
			if err != nil {
				return nil, fmt.Errorf("listing data of %s: %w", path, err)
			}
			info.DataFiles = files
		}
	}

	if info.Control == nil {
		return nil, fmt.Errorf("%s: control member not found", path)
	}
	if info.Package() == "" || info.Version() == "" {
		return nil, fmt.Errorf("%s: control stanza lacks Package/Version", path)
	}
	return info, nil
}

// tarReaderFor wraps the ar member stream in the decompressor matching its
// file extension.
func tarReaderFor(name string, r io.Reader) (*tar.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return tar.NewReader(gzr), nil
	case strings.HasSuffix(name, ".xz"):
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return tar.NewReader(xzr), nil
	case strings.HasSuffix(name, ".tar"):
		return tar.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", name)
	}
}

func controlStanzaFromTar(tr *tar.Reader) (*Stanza, error) {
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if filepath.Base(th.Name) != string(FileControl) {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		return ParseStanza(string(content))
	}
	return nil, fmt.Errorf("control file not found")
}

func listDataFiles(tr *tar.Reader) ([]string, error) {
	var files []string
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if th.Typeflag != tar.TypeReg {
			continue
		}
		p := "/" + strings.TrimPrefix(th.Name, "./")
		files = append(files, strings.ReplaceAll(p, "//", "/"))
	}
	return files, nil
}
