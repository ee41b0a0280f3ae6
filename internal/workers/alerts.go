package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/storage"
)

// AlertGenerator raises a NEAR_EXPIRY alert for authorizations entering
// the configured window. The (authorization_id, alert_type) uniqueness
// in the store makes re-runs idempotent.
type AlertGenerator struct {
	store  storage.Store
	clock  clock.Clock
	window time.Duration
}

// NewAlertGenerator wires the generator.
func NewAlertGenerator(store storage.Store, clk clock.Clock, window time.Duration) *AlertGenerator {
	return &AlertGenerator{store: store, clock: clk, window: window}
}

// Task adapts the generator to the runner.
func (g *AlertGenerator) Task(interval time.Duration) Task {
	return Task{Name: "alert_generator", Interval: interval, Run: g.Generate}
}

// Generate runs one pass and returns the number of new alerts created.
func (g *AlertGenerator) Generate(ctx context.Context) (int, error) {
	now := g.clock.Now()
	rows, err := g.store.ListExpiringWithin(ctx, now, now.Add(g.window), batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list expiring: %w", err)
	}

	created := 0
	for _, row := range rows {
		fresh, err := g.store.CreateAlert(ctx, &authorization.Alert{
			ID:              uuid.New(),
			AuthorizationID: row.ID,
			TenantID:        row.TenantID,
			Type:            authorization.AlertNearExpiry,
			Message: fmt.Sprintf("authorization %s (%s) expires at %s",
				row.ID, row.Protocol, row.ExpiresAt.UTC().Format(time.RFC3339)),
			CreatedAt: now,
		})
		if err != nil {
			return created, fmt.Errorf("create alert for %s: %w", row.ID, err)
		}
		if fresh {
			created++
		}
	}
	return created, nil
}
