package metadata

import (
	"context"
	"log/slog"
	"time"
)

// StartRefreshWorker reloads the cache every interval until ctx is cancelled so
// that requests rarely pay for a reload themselves.
func StartRefreshWorker(ctx context.Context, cache *Cache, interval time.Duration) {
	if interval <= 0 {
		interval = cache.cfg.TTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		refreshOnce(ctx, cache)
		for {
			select {
			case <-ctx.Done():
				slog.Info("Metadata refresh worker stopping")
				return
			case <-ticker.C:
				refreshOnce(ctx, cache)
			}
		}
	}()
}

func refreshOnce(ctx context.Context, cache *Cache) {
	start := time.Now()
	snap, err := cache.Refresh(ctx)
	if err != nil {
		if cache.Stale() {
			cache.logger.Error("Metadata refresh failed and cache exceeds staleness ceiling", "error", err)
		} else {
			cache.logger.Warn("Metadata refresh failed", "error", err)
		}
		return
	}
	cache.logger.Info("Metadata refreshed",
		"tables", len(snap.TableList),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
