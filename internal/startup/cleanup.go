// Package startup provides tasks run before a recording starts.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCleanupAge is the age past which a pending output is considered orphaned.
const DefaultCleanupAge = time.Hour

// CleanupPendingOutputs removes pending files a crashed recording of output
// left behind. Pending files live next to the output and are named after it
// with a leading dot and a numeric suffix. Files younger than maxAge may
// belong to a live session and are kept.
//
// Returns the number of files removed and any error encountered.
func CleanupPendingOutputs(logger *slog.Logger, output string, maxAge time.Duration) (int, error) {
	dir := filepath.Dir(output)
	prefix := "." + filepath.Base(output)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Debug("output directory does not exist, skipping cleanup", slog.String("path", dir))
		return 0, nil
	}
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isPendingName(entry.Name(), prefix) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent pending file",
				slog.String("path", path),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
			)
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove pending file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		logger.Info("removed orphaned pending file",
			slog.String("path", path),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

func isPendingName(name, prefix string) bool {
	suffix, ok := strings.CutPrefix(name, prefix)
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
