package render

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupArtifacts removes png artifacts in dir older than maxAge and
// returns how many were removed.
func CleanupArtifacts(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cut := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cut) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	cleaned.Add(float64(removed))
	return removed, nil
}
