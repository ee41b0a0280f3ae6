package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the engine needs. The
// full store satisfies it; callers running inside a transaction pass
// their transaction-bound view to PublishTx.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*Subscription, error)
	ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)

	CreateDeliveryAttempt(ctx context.Context, at *DeliveryAttempt) error
	ClaimDeliveryAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (bool, error)
	FinishDeliveryAttempt(ctx context.Context, at *DeliveryAttempt) error
	GetDeliveryAttempt(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error)
	RequeueDeadAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (*DeliveryAttempt, error)
}
