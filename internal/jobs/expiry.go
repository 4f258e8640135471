// Package jobs hosts the background expiry sweep.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"formapilot/collecte/internal/config"
	"formapilot/collecte/internal/repository"
)

// StartExpirySweep periodically persists the expired status on overdue,
// not yet complete resources. Request handling never depends on it:
// expiry decisions there are purely time-based, the sweep only archives.
func StartExpirySweep(ctx context.Context, cfg config.Config, repo repository.ResourceRepository, logger *zap.Logger) {
	if !cfg.ExpirySweepEnabled {
		return
	}
	interval := cfg.ExpirySweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.ExpirySweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				count, err := repo.MarkExpired(tickCtx, time.Now().UTC())
				cancel()
				if err != nil {
					logger.Error("expiry sweep failed", zap.Error(err))
					continue
				}
				if count > 0 {
					logger.Info("expiry sweep archived resources", zap.Int64("count", count))
				}
			}
		}
	}()
}
