package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/webhooks"
)

// ExpiryScanner moves ACTIVE and VALID authorizations past their
// expires_at to EXPIRED, one transaction per row so a poison row cannot
// block the batch.
type ExpiryScanner struct {
	store  storage.Store
	audit  *audit.Logger
	engine *webhooks.Engine
	clock  clock.Clock
}

// NewExpiryScanner wires the scanner.
func NewExpiryScanner(store storage.Store, auditLog *audit.Logger, engine *webhooks.Engine, clk clock.Clock) *ExpiryScanner {
	return &ExpiryScanner{store: store, audit: auditLog, engine: engine, clock: clk}
}

// Task adapts the scanner to the runner.
func (s *ExpiryScanner) Task(interval time.Duration) Task {
	return Task{Name: "expiry_scan", Interval: interval, Run: s.Scan}
}

// Scan runs one pass and returns the number of rows expired.
func (s *ExpiryScanner) Scan(ctx context.Context) (int, error) {
	now := s.clock.Now()
	rows, err := s.store.ListExpired(ctx, now, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	expired := 0
	for _, row := range rows {
		if err := s.expire(ctx, row); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				// Lost the race to a concurrent transition. Fine.
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *ExpiryScanner) expire(ctx context.Context, row *authorization.Authorization) error {
	var attempts []uuid.UUID
	err := s.store.WithinTx(ctx, func(tx storage.Store) error {
		updated, err := tx.TransitionStatus(ctx, row.TenantID, row.ID,
			[]authorization.Status{authorization.StatusActive, authorization.StatusValid},
			authorization.StatusExpired)
		if err != nil {
			return err
		}
		ev := audit.New(row.ID, audit.EventExpired, map[string]interface{}{
			"protocol":   string(row.Protocol),
			"expires_at": row.ExpiresAt.UTC().Format(time.RFC3339),
			"old_status": string(row.Status),
			"new_status": string(updated.Status),
		})
		if err := s.audit.Emit(ctx, tx, ev); err != nil {
			return err
		}
		_, ids, err := s.engine.PublishTx(ctx, tx, row.TenantID, webhooks.EventMandateExpired, map[string]interface{}{
			"authorization_id": row.ID.String(),
			"tenant_id":        row.TenantID,
			"protocol":         string(row.Protocol),
			"expires_at":       row.ExpiresAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		attempts = ids
		return nil
	})
	if err != nil {
		return err
	}
	s.engine.Kick(attempts...)
	return nil
}
