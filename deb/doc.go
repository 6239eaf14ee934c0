// Package deb implements the archive-side view of Debian package metadata:
// RFC822-like control stanzas, .changes upload manifests, .dsc source control
// files, binary package control extraction, checksum records and Debian
// version ordering.
//
// The package reads control data; it does not build packages. A .deb is
// treated as an opaque ar archive whose control member is extracted for its
// fields and whose data member is listed for its file names.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html
package deb
