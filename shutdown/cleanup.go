package shutdown

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sdlora_server/core"
)

// partSuffix marks an interrupted checkpoint download (see core.DownloadWithProgress).
const partSuffix = ".part"

// CleanupStaleDownloads returns a shutdown function that removes partial
// checkpoint downloads older than maxAge from modelDir. Younger files are
// kept so the next start can resume them. A maxAge of zero removes every
// partial file.
//
// Priority recommendation: PriorityCleanup (after services stopped)
//
// Errors are logged, never returned, so cleanup cannot block shutdown.
//
// Usage:
//
//	manager.Register("cleanup-downloads", shutdown.PriorityCleanup,
//	    shutdown.CleanupStaleDownloads(logger, cfg.ModelDir, 7*24*time.Hour))
func CleanupStaleDownloads(logger *zap.Logger, modelDir string, maxAge time.Duration) core.ShutdownFunc {
	return func(ctx context.Context) error {
		removeStaleParts(ctx, logger, modelDir, maxAge, time.Now())
		return nil
	}
}

// removeStaleParts returns the number of files removed.
func removeStaleParts(ctx context.Context, logger *zap.Logger, modelDir string, maxAge time.Duration, now time.Time) int {
	pattern := filepath.Join(modelDir, "*"+partSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		logger.Error("Failed to list partial downloads",
			zap.String("pattern", pattern),
			zap.Error(err),
		)
		return 0
	}
	if len(matches) == 0 {
		logger.Debug("No partial downloads to clean up", zap.String("directory", modelDir))
		return 0
	}

	removed := 0
	for _, path := range matches {
		select {
		case <-ctx.Done():
			logger.Warn("Shutdown context cancelled, stopping download cleanup",
				zap.Int("removed", removed),
			)
			return removed
		default:
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < maxAge {
			logger.Debug("Keeping resumable download",
				zap.String("file", filepath.Base(path)),
				zap.Duration("age", age),
			)
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("Failed to remove partial download",
				zap.String("file", path),
				zap.Error(err),
			)
			continue
		}
		removed++
		logger.Info("Removed stale partial download",
			zap.String("file", filepath.Base(path)),
			zap.Int64("bytes", info.Size()),
		)
	}
	return removed
}

// CloserFunc adapts an io.Closer to a shutdown function.
func CloserFunc(c io.Closer) core.ShutdownFunc {
	return func(context.Context) error {
		return c.Close()
	}
}

// LoggerSync flushes buffered log entries. Register it last.
func LoggerSync(logger *zap.Logger) core.ShutdownFunc {
	return func(context.Context) error {
		// Sync on stdout/stderr returns EINVAL/ENOTTY on most platforms.
		_ = logger.Sync()
		return nil
	}
}
