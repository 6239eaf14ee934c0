package store

import (
	"path"
	"strings"
)

// PoolPrefix returns the pool sharding directory for a source package name:
// its first letter, or "lib" plus the following letter for library packages.
func PoolPrefix(sourceName string) string {
	if strings.HasPrefix(sourceName, "lib") && len(sourceName) > 3 {
		return sourceName[:4]
	}
	return sourceName[:1]
}

// PoolDir returns the pool directory for a source package, relative to the
// repository root: pool/<component>/<prefix>/<source>.
func PoolDir(component, sourceName string) string {
	return path.Join("pool", component, PoolPrefix(sourceName), sourceName)
}

// NewQueueDir returns the NEW-queue staging directory for a source package,
// a mirror of the pool layout rooted under "new".
func NewQueueDir(component, sourceName string) string {
	return path.Join("new", "pool", component, PoolPrefix(sourceName), sourceName)
}

// InNewQueue reports whether an archive-relative path lies under the
// NEW-queue staging tree.
func InNewQueue(relPath string) bool {
	return strings.HasPrefix(relPath, "new/")
}

// PoolToNewQueue rewrites a pool-relative path to its NEW-queue twin.
func PoolToNewQueue(relPath string) string {
	if InNewQueue(relPath) {
		return relPath
	}
	return path.Join("new", relPath)
}

// NewQueueToPool rewrites a NEW-queue path to its published pool twin.
func NewQueueToPool(relPath string) string {
	return strings.TrimPrefix(relPath, "new/")
}
