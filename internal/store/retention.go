package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionSweepInterval = 10 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically deletes
// revisions older than maxAge. A non-positive maxAge disables the sweep.
func StartRetentionWorker(ctx context.Context, repo Repository, maxAge time.Duration) {
	if maxAge <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(retentionSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionSweepInterval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				sweepOldRevisions(ctx, repo, maxAge)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOldRevisions(ctx context.Context, repo Repository, maxAge time.Duration) {
	deleted, err := cleanupWithRetry(ctx, repo, maxAge)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention sweep removed old revisions", "count", deleted, "max_age", maxAge)
	}
}

// cleanupWithRetry attempts the age-based cleanup with exponential backoff
// to handle SQLITE_BUSY errors.
func cleanupWithRetry(ctx context.Context, repo Repository, maxAge time.Duration) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		deleted, err := repo.CleanupRevisions(ctx, maxAge)
		if err == nil {
			return deleted, nil
		}

		if isSQLiteBusy(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("Retention sweep hit a locked database, retrying",
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		// Context canceled means shutdown, not a storage fault.
		if ctx.Err() != nil {
			slog.Debug("Retention sweep canceled during cleanup", "error", err)
			return 0, nil
		}

		return 0, err
	}

	return 0, nil
}
