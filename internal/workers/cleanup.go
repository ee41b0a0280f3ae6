package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/storage"
)

// RetentionCleanup hard-deletes soft-deleted authorizations once their
// retention window plus the grace period has elapsed. The audit trail
// goes with the row; after this point the evidence pack is the only
// record.
type RetentionCleanup struct {
	store storage.Store
	clock clock.Clock
	grace time.Duration
}

// NewRetentionCleanup wires the cleanup task.
func NewRetentionCleanup(store storage.Store, clk clock.Clock, grace time.Duration) *RetentionCleanup {
	return &RetentionCleanup{store: store, clock: clk, grace: grace}
}

// Task adapts the cleanup to the runner.
func (c *RetentionCleanup) Task(interval time.Duration) Task {
	return Task{Name: "retention_cleanup", Interval: interval, Run: c.Purge}
}

// Purge runs one pass and returns the number of rows removed.
func (c *RetentionCleanup) Purge(ctx context.Context) (int, error) {
	rows, err := c.store.ListRetentionExpired(ctx, c.clock.Now(), c.grace, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list retention-expired: %w", err)
	}

	purged := 0
	for _, row := range rows {
		if err := c.store.HardDeleteAuthorization(ctx, row.ID); err != nil {
			return purged, fmt.Errorf("hard delete %s: %w", row.ID, err)
		}
		purged++
	}
	return purged, nil
}
