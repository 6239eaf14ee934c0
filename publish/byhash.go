package publish

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// byHashRetentionDays is how long superseded by-hash entries stay resolvable
// after a republish. It is independent of the package retention setting.
const byHashRetentionDays = 14

// carryByHash copies still-fresh by-hash entries from the live tree into the
// staged tree so clients mid-download keep resolving old digests. Entries
// older than the retention window are left behind and vanish with the old
// tree on swap, which is the whole of by-hash garbage collection.
func carryByHash(liveDir, stagingDir string) error {
	cutoff := time.Now().Add(-byHashRetentionDays * 24 * time.Hour)

	return filepath.WalkDir(liveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(liveDir, path)
		if err != nil {
			return err
		}
		if !strings.Contains(rel, "by-hash"+string(filepath.Separator)) {
			return nil
		}

		dst := filepath.Join(stagingDir, rel)
		if _, err := os.Lstat(dst); err == nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			return os.Symlink(target, dst)
		}
		if info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, content, 0o644)
	})
}
