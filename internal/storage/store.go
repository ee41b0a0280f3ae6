// Package storage is the transactional store behind the vault. One
// interface covers the five logical tables so that a state transition,
// its audit event, its idempotency key, and its outbound enqueue can be
// committed in a single transaction.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/webhooks"
)

var (
	// ErrNotFound means the entity does not exist in the caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update lost: the row exists but is
	// not in the expected state.
	ErrConflict = errors.New("conditional update conflict")
	// ErrDuplicate means a uniqueness constraint rejected the insert.
	ErrDuplicate = errors.New("duplicate")
)

// Store is the persistence contract. Implementations: Postgres
// (production) and Memory (tests, dev fallback).
type Store interface {
	// WithinTx runs fn against a transaction-bound view of the store.
	// An error from fn rolls the transaction back.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// Authorizations (C5)
	CreateAuthorization(ctx context.Context, a *authorization.Authorization) error
	GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (*authorization.Authorization, error)
	FindByACPTokenID(ctx context.Context, tenantID, tokenID string) (*authorization.Authorization, error)
	SearchAuthorizations(ctx context.Context, f authorization.Filter, p authorization.Page) ([]*authorization.Authorization, int, error)
	// TransitionStatus conditionally moves the row from one of the
	// expected statuses to the target. ErrConflict when the row is in
	// none of them; ErrNotFound when it does not exist in scope.
	TransitionStatus(ctx context.Context, tenantID string, id uuid.UUID, expected []authorization.Status, to authorization.Status) (*authorization.Authorization, error)
	SetVerification(ctx context.Context, tenantID string, id uuid.UUID, status, reason string) error
	SoftDeleteAuthorization(ctx context.Context, tenantID string, id uuid.UUID) error
	RestoreAuthorization(ctx context.Context, tenantID string, id uuid.UUID) error
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*authorization.Authorization, error)
	ListExpiringWithin(ctx context.Context, from, until time.Time, limit int) ([]*authorization.Authorization, error)
	ListRetentionExpired(ctx context.Context, asOf time.Time, grace time.Duration, limit int) ([]*authorization.Authorization, error)
	// HardDeleteAuthorization removes the row and its audit trail.
	HardDeleteAuthorization(ctx context.Context, id uuid.UUID) error

	// Audit log (C6)
	AppendAuditEvent(ctx context.Context, ev *audit.Event) error
	ListAuditEvents(ctx context.Context, authorizationID uuid.UUID) ([]*audit.Event, error)

	// Subscriptions (C8)
	CreateSubscription(ctx context.Context, s *webhooks.Subscription) error
	GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*webhooks.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*webhooks.Subscription, error)
	ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error)
	SetSubscriptionEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error

	// Delivery attempts (C8)
	CreateDeliveryAttempt(ctx context.Context, at *webhooks.DeliveryAttempt) error
	// ClaimDeliveryAttempt moves a due PENDING attempt to IN_FLIGHT.
	// Returns false when another worker won the claim.
	ClaimDeliveryAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (bool, error)
	FinishDeliveryAttempt(ctx context.Context, at *webhooks.DeliveryAttempt) error
	GetDeliveryAttempt(ctx context.Context, id uuid.UUID) (*webhooks.DeliveryAttempt, error)
	ListDueDeliveryAttempts(ctx context.Context, asOf time.Time, limit int) ([]*webhooks.DeliveryAttempt, error)
	ListDeliveryAttemptsByEvent(ctx context.Context, eventID uuid.UUID) ([]*webhooks.DeliveryAttempt, error)
	ListDeadDeliveryAttempts(ctx context.Context, limit int) ([]*webhooks.DeliveryAttempt, error)
	// RequeueDeadAttempt is the admin force-retry: DEAD → PENDING, due now.
	RequeueDeadAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (*webhooks.DeliveryAttempt, error)
	// RequeueStaleInFlight recovers attempts stranded IN_FLIGHT by a
	// crash or a mid-delivery store failure: rows untouched since
	// before the cutoff go back to PENDING, due immediately.
	RequeueStaleInFlight(ctx context.Context, before time.Time, limit int) ([]*webhooks.DeliveryAttempt, error)

	// Inbound idempotency (C7). Returns false on (tenant_id, event_id)
	// conflict; the insert itself is a no-op then.
	InsertIdempotencyKey(ctx context.Context, tenantID, eventID string, receivedAt time.Time) (bool, error)

	// Alerts (C9). CreateAlert returns false when the
	// (authorization_id, alert_type) pair already exists.
	CreateAlert(ctx context.Context, a *authorization.Alert) (bool, error)
	ListAlerts(ctx context.Context, tenantID string) ([]*authorization.Alert, error)
}
