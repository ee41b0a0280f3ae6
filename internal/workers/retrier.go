package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/webhooks"
)

// defaultInFlightTimeout bounds how long an attempt may sit IN_FLIGHT
// before the scanner treats its worker as gone.
const defaultInFlightTimeout = 5 * time.Minute

// DeliveryRetrier re-feeds due PENDING delivery attempts to the engine
// and reclaims attempts stranded IN_FLIGHT by a crashed or stalled
// worker. It is the recovery path for queue overflow and process
// restarts; the delivery_attempts table is the queue of record.
type DeliveryRetrier struct {
	store           storage.Store
	engine          *webhooks.Engine
	clock           clock.Clock
	inFlightTimeout time.Duration
}

// NewDeliveryRetrier wires the retrier. A non-positive inFlightTimeout
// gets the default.
func NewDeliveryRetrier(store storage.Store, engine *webhooks.Engine, clk clock.Clock, inFlightTimeout time.Duration) *DeliveryRetrier {
	if inFlightTimeout <= 0 {
		inFlightTimeout = defaultInFlightTimeout
	}
	return &DeliveryRetrier{store: store, engine: engine, clock: clk, inFlightTimeout: inFlightTimeout}
}

// Task adapts the retrier to the runner.
func (r *DeliveryRetrier) Task(interval time.Duration) Task {
	return Task{Name: "delivery_retrier", Interval: interval, Run: r.Scan}
}

// Scan runs one pass and returns the number of attempts re-enqueued.
func (r *DeliveryRetrier) Scan(ctx context.Context) (int, error) {
	now := r.clock.Now()

	// Due PENDING rows first, then the stale IN_FLIGHT reclaim. The
	// reclaim flips rows to PENDING due now; scanning in this order
	// keeps the two sets disjoint within one pass.
	due, err := r.store.ListDueDeliveryAttempts(ctx, now, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list due attempts: %w", err)
	}
	for _, at := range due {
		r.engine.Kick(at.ID)
	}

	stale, err := r.store.RequeueStaleInFlight(ctx, now.Add(-r.inFlightTimeout), batchLimit)
	if err != nil {
		return len(due), fmt.Errorf("requeue stale in-flight attempts: %w", err)
	}
	for _, at := range stale {
		r.engine.Kick(at.ID)
	}
	return len(due) + len(stale), nil
}
