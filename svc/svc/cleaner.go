package svc

import (
	"context"
	"sync/atomic"
	"time"

	"psst/metrics"
	"psst/svc/db"
	"psst/svc/util"

	"github.com/pkg/errors"
)

var cleanerRunning atomic.Bool

// StartCleaner sweeps expired records from stores that lack native expiry.
// Only one cleaner runs per process.
func StartCleaner(ctx context.Context, sweeper db.Sweeper, interval time.Duration) error {
	if !cleanerRunning.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go runCleaner(ctx, sweeper, interval)
	return nil
}

func runCleaner(ctx context.Context, sweeper db.Sweeper, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case now := <-ticker.C:
			deleted, err := sweeper.CleanupExpired(ctx, now)
			if deleted > 0 {
				metrics.SweepDeleted.WithLabelValues("meta").Add(float64(deleted))
			}
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Int("deleted", deleted).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
