package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"psst/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	// truncateAfterPages escalates a passive checkpoint that left this many pages behind.
	truncateAfterPages = 1000
)

// RunWALMaintenance checkpoints the WAL every checkpointInterval until ctx
// ends, then runs a final checkpoint.
func (s *SQLite) RunWALMaintenance(ctx context.Context) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpointWAL(s.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := checkpointWAL(s.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func checkpointWAL(db *sql.DB) error {
	start := time.Now()
	var busy, logPages, done int
	if err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done); err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("PASSIVE checkpoint result")
	if logPages > truncateAfterPages || busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		if err := db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
		util.Info().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("TRUNCATE checkpoint result")
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
