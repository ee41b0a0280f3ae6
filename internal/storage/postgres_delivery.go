package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/webhooks"
)

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

const subColumns = `id, tenant_id, url, secret, events, enabled, max_retries,
	backoff_seed_seconds, backoff_cap_seconds, created_at`

func (p *Postgres) CreateSubscription(ctx context.Context, s *webhooks.Subscription) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	s.CreatedAt = p.clock.Now()
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.TenantID, s.URL, s.Secret, pq.Array(s.Events), s.Enabled,
		s.MaxRetries, int64(s.BackoffSeed.Seconds()), int64(s.BackoffCap.Seconds()), s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) scanSubscription(row interface{ Scan(...interface{}) error }) (*webhooks.Subscription, error) {
	var (
		s           webhooks.Subscription
		events      pq.StringArray
		seedSeconds int64
		capSeconds  int64
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &events, &s.Enabled,
		&s.MaxRetries, &seedSeconds, &capSeconds, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Events = []string(events)
	s.BackoffSeed = time.Duration(seedSeconds) * time.Second
	s.BackoffCap = time.Duration(capSeconds) * time.Second
	return &s, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*webhooks.Subscription, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	return p.scanSubscription(p.q.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]*webhooks.Subscription, error) {
	return p.listSubscriptions(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE tenant_id = $1 ORDER BY created_at ASC`,
		tenantID)
}

func (p *Postgres) ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	return p.listSubscriptions(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE tenant_id = $1 AND enabled AND $2 = ANY(events)
		ORDER BY created_at ASC`, tenantID, eventType)
}

func (p *Postgres) listSubscriptions(ctx context.Context, query string, args ...interface{}) ([]*webhooks.Subscription, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhooks.Subscription
	for rows.Next() {
		s, err := p.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetSubscriptionEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := p.q.ExecContext(ctx,
		`UPDATE subscriptions SET enabled = $1 WHERE tenant_id = $2 AND id = $3`,
		enabled, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ----------------------------------------------------------------------------
// Delivery attempts
// ----------------------------------------------------------------------------

const attemptColumns = `id, subscription_id, event_id, event_type, payload,
	attempt_number, status, next_attempt_at, response_code, response_body_snippet,
	created_at, updated_at`

func (p *Postgres) CreateDeliveryAttempt(ctx context.Context, at *webhooks.DeliveryAttempt) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := p.clock.Now()
	at.CreatedAt = now
	at.UpdatedAt = now

	var code sql.NullInt32
	if at.ResponseCode != nil {
		code = sql.NullInt32{Int32: int32(*at.ResponseCode), Valid: true}
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		at.ID, at.SubscriptionID, at.EventID, at.EventType, []byte(at.Payload),
		at.AttemptNumber, string(at.Status), at.NextAttemptAt, code, at.ResponseSnippet,
		at.CreatedAt, at.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) scanAttempt(row interface{ Scan(...interface{}) error }) (*webhooks.DeliveryAttempt, error) {
	var (
		at      webhooks.DeliveryAttempt
		status  string
		payload []byte
		code    sql.NullInt32
	)
	err := row.Scan(&at.ID, &at.SubscriptionID, &at.EventID, &at.EventType, &payload,
		&at.AttemptNumber, &status, &at.NextAttemptAt, &code, &at.ResponseSnippet,
		&at.CreatedAt, &at.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	at.Status = webhooks.AttemptStatus(status)
	at.Payload = payload
	if code.Valid {
		c := int(code.Int32)
		at.ResponseCode = &c
	}
	return &at, nil
}

func (p *Postgres) ClaimDeliveryAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := p.q.ExecContext(ctx, `
		UPDATE delivery_attempts SET status = 'IN_FLIGHT', updated_at = $1
		WHERE id = $2 AND status = 'PENDING' AND next_attempt_at <= $3`,
		p.clock.Now(), id, asOf)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) FinishDeliveryAttempt(ctx context.Context, at *webhooks.DeliveryAttempt) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var code sql.NullInt32
	if at.ResponseCode != nil {
		code = sql.NullInt32{Int32: int32(*at.ResponseCode), Valid: true}
	}
	at.UpdatedAt = p.clock.Now()
	res, err := p.q.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = $1, next_attempt_at = $2, response_code = $3,
		    response_body_snippet = $4, updated_at = $5
		WHERE id = $6`,
		string(at.Status), at.NextAttemptAt, code, at.ResponseSnippet, at.UpdatedAt, at.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetDeliveryAttempt(ctx context.Context, id uuid.UUID) (*webhooks.DeliveryAttempt, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	return p.scanAttempt(p.q.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id))
}

func (p *Postgres) ListDueDeliveryAttempts(ctx context.Context, asOf time.Time, limit int) ([]*webhooks.DeliveryAttempt, error) {
	return p.listAttempts(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2`, asOf, limit)
}

func (p *Postgres) ListDeliveryAttemptsByEvent(ctx context.Context, eventID uuid.UUID) ([]*webhooks.DeliveryAttempt, error) {
	return p.listAttempts(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE event_id = $1 ORDER BY attempt_number ASC`, eventID)
}

func (p *Postgres) ListDeadDeliveryAttempts(ctx context.Context, limit int) ([]*webhooks.DeliveryAttempt, error) {
	return p.listAttempts(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE status = 'DEAD' ORDER BY updated_at DESC LIMIT $1`, limit)
}

func (p *Postgres) listAttempts(ctx context.Context, query string, args ...interface{}) ([]*webhooks.DeliveryAttempt, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhooks.DeliveryAttempt
	for rows.Next() {
		at, err := p.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (p *Postgres) RequeueDeadAttempt(ctx context.Context, id uuid.UUID, asOf time.Time) (*webhooks.DeliveryAttempt, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := p.q.QueryRowContext(ctx, `
		UPDATE delivery_attempts SET status = 'PENDING', next_attempt_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'DEAD'
		RETURNING `+attemptColumns,
		asOf, p.clock.Now(), id)
	at, err := p.scanAttempt(row)
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if checkErr := p.q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM delivery_attempts WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return at, err
}

func (p *Postgres) RequeueStaleInFlight(ctx context.Context, before time.Time, limit int) ([]*webhooks.DeliveryAttempt, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := p.clock.Now()
	rows, err := p.q.QueryContext(ctx, `
		UPDATE delivery_attempts SET status = 'PENDING', next_attempt_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE status = 'IN_FLIGHT' AND updated_at <= $2
			ORDER BY updated_at ASC LIMIT $3)
		RETURNING `+attemptColumns,
		now, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhooks.DeliveryAttempt
	for rows.Next() {
		at, err := p.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Inbound idempotency
// ----------------------------------------------------------------------------

func (p *Postgres) InsertIdempotencyKey(ctx context.Context, tenantID, eventID string, receivedAt time.Time) (bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := p.q.ExecContext(ctx, `
		INSERT INTO inbound_idempotency (tenant_id, event_id, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, receivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ----------------------------------------------------------------------------
// Alerts
// ----------------------------------------------------------------------------

func (p *Postgres) CreateAlert(ctx context.Context, a *authorization.Alert) (bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	a.CreatedAt = p.clock.Now()
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO alerts (id, authorization_id, tenant_id, alert_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (authorization_id, alert_type) DO NOTHING`,
		a.ID, a.AuthorizationID, a.TenantID, string(a.Type), a.Message, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) ListAlerts(ctx context.Context, tenantID string) ([]*authorization.Alert, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := p.q.QueryContext(ctx, `
		SELECT id, authorization_id, tenant_id, alert_type, message, created_at
		FROM alerts WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*authorization.Alert
	for rows.Next() {
		var (
			a   authorization.Alert
			typ string
		)
		if err := rows.Scan(&a.ID, &a.AuthorizationID, &a.TenantID, &typ, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = authorization.AlertType(typ)
		out = append(out, &a)
	}
	return out, rows.Err()
}
