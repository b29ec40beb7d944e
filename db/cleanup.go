package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Deleted  int64
	Duration time.Duration
}

// Cleanup deletes generations older than retention and vacuums the file.
// A VACUUM failure is reported but the deletion stands.
func (d *Database) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	start := time.Now()
	var result CleanupResult

	if retention <= 0 {
		return result, fmt.Errorf("retention must be positive, got %s", retention)
	}
	conn, err := d.conn()
	if err != nil {
		return result, err
	}

	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := conn.ExecContext(ctx, `DELETE FROM generations WHERE created_at < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete old generations: %w", err)
	}
	result.Deleted, _ = res.RowsAffected()

	if result.Deleted > 0 {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// StartCleanupScheduler runs Cleanup now and then every interval until ctx
// is done. onCleanup may be nil.
func (d *Database) StartCleanupScheduler(ctx context.Context, retention, interval time.Duration, onCleanup func(CleanupResult, error)) {
	run := func() {
		result, err := d.Cleanup(ctx, retention)
		if onCleanup != nil {
			onCleanup(result, err)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
