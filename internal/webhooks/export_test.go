package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Test hooks: the delivery tests run outside the package so they can
// back the engine with the real store.

func (e *Engine) SetJitter(f func() float64) { e.jitter = f }

func (e *Engine) DeliverOne(ctx context.Context, id uuid.UUID) { e.deliver(ctx, id) }

func (e *Engine) TripBreaker(url string) { e.breakers.RecordFailure(url) }

func (e *Engine) ComputeBackoff(sub *Subscription, failedAttempt int) time.Duration {
	return e.backoff(sub, failedAttempt)
}
