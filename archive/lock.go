package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RepoSuiteLock serializes publish, expire and NEW-queue mutations for one
// repository×suite across processes. It is a named, wait-for file lock: a
// second holder blocks until the first releases.
type RepoSuiteLock struct {
	fl *flock.Flock
}

// LockRepoSuite takes the exclusive lock keyed on (repo, suite), creating
// the lock directory under the archive root as needed. The call blocks
// until the lock is held.
func LockRepoSuite(archiveRoot, repo, suite string) (*RepoSuiteLock, error) {
	dir := filepath.Join(archiveRoot, ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(dir, fmt.Sprintf("%s_%s.lock", repo, suite)))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("locking %s/%s: %w", repo, suite, err)
	}
	return &RepoSuiteLock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *RepoSuiteLock) Unlock() error {
	return l.fl.Unlock()
}
