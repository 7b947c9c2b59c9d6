package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// GetCompletedWorkItems returns the keys of work items that reached the
// checkpointed event in any run, for fast lookups.
func GetCompletedWorkItems(ctx context.Context, dbConnPool *sql.DB, logger *slog.Logger) (map[string]bool, error) {
	logger.Debug("Querying database for checkpointed work items...")
	completed := make(map[string]bool)

	query := `
		SELECT DISTINCT work_item
		FROM harvest_event_log
		WHERE event = ?;
	`
	rows, err := dbConnPool.QueryContext(ctx, query, EventCheckpointed)
	if err != nil {
		logger.Error("Failed to query for checkpointed work items", "error", err, "event", EventCheckpointed)
		return nil, fmt.Errorf("query checkpointed work items: %w", err)
	}
	defer rows.Close()

	var scanErrors error
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			logger.Error("Failed to scan work item key", "error", err)
			scanErrors = errors.Join(scanErrors, fmt.Errorf("scan work item key: %w", err))
			continue
		}
		if key != "" {
			completed[key] = true
		}
	}

	if err := rows.Err(); err != nil {
		logger.Error("Error iterating over checkpointed work items", "error", err)
		scanErrors = errors.Join(scanErrors, fmt.Errorf("iterate checkpointed work items: %w", err))
		return completed, scanErrors
	}

	logger.Info("Found checkpointed work items in DB.", slog.Int("count", len(completed)))
	return completed, scanErrors
}
