package deb

import (
	"fmt"

	"pault.ag/go/debian/version"
)

// CompareVersions compares two Debian version strings per policy 5.6.12,
// returning a negative number if a sorts before b, zero if equal, and a
// positive number otherwise. Unparseable versions fall back to byte
// comparison so that ordering stays total.
func CompareVersions(a, b string) int {
	va, erra := version.Parse(a)
	vb, errb := version.Parse(b)
	if erra != nil || errb != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return version.Compare(va, vb)
}

// VersionLess reports whether a sorts strictly before b in Debian ordering.
func VersionLess(a, b string) bool { return CompareVersions(a, b) < 0 }

// ValidateVersion returns an error if v is not a well-formed Debian version.
func ValidateVersion(v string) error {
	if _, err := version.Parse(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}

// UpstreamVersion returns the upstream part of a version string
// (epoch and debian revision stripped).
func UpstreamVersion(v string) string {
	parsed, err := version.Parse(v)
	if err != nil {
		return v
	}
	return parsed.Version
}
