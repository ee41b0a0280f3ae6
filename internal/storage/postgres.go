package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/verification"
)

// opTimeout bounds every store operation. Callers see a context
// deadline error, which the service layer maps to STORE_TIMEOUT.
const opTimeout = 5 * time.Second

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres is the production Store.
type Postgres struct {
	db    *sql.DB // nil inside a transaction view
	q     querier
	clock clock.Clock
}

// NewPostgres opens a connection pool against databaseURL. Pool sizing
// follows the worker count so the dispatcher back-pressures instead of
// overflowing the pool.
func NewPostgres(databaseURL string, workerCount int, clk clock.Clock) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	poolSize := workerCount + workerCount/2
	if poolSize < 4 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db, q: db, clock: clk}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if p.db == nil {
		// Already inside a transaction; run against the same view.
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	view := &Postgres{q: tx, clock: p.clock}
	if err := fn(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// isUniqueViolation recognizes the pq 23505 class.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ----------------------------------------------------------------------------
// Authorizations
// ----------------------------------------------------------------------------

const authColumns = `id, protocol, tenant_id, issuer, subject, scope, amount_limit,
	currency, expires_at, status, verification_status, verification_reason,
	raw_payload, retention_days, created_at, updated_at, deleted_at`

func (p *Postgres) CreateAuthorization(ctx context.Context, a *authorization.Authorization) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := p.clock.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	scope, err := json.Marshal(a.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	var amount sql.NullString
	if a.AmountLimit != nil {
		amount = sql.NullString{String: a.AmountLimit.StringFixed(2), Valid: true}
	}
	var currency sql.NullString
	if a.Currency != "" {
		currency = sql.NullString{String: a.Currency, Valid: true}
	}

	_, err = p.q.ExecContext(ctx, `
		INSERT INTO authorizations (`+authColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL)`,
		a.ID, string(a.Protocol), a.TenantID, a.Issuer, a.Subject, scope, amount,
		currency, a.ExpiresAt, string(a.Status), string(a.VerificationStatus),
		a.VerificationReason, []byte(a.RawPayload), a.RetentionDays, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) scanAuthorization(row interface{ Scan(...interface{}) error }) (*authorization.Authorization, error) {
	var (
		a          authorization.Authorization
		protocol   string
		status     string
		vstatus    string
		scopeRaw   []byte
		amount     sql.NullString
		currency   sql.NullString
		rawPayload []byte
		deletedAt  sql.NullTime
	)
	err := row.Scan(&a.ID, &protocol, &a.TenantID, &a.Issuer, &a.Subject, &scopeRaw,
		&amount, &currency, &a.ExpiresAt, &status, &vstatus, &a.VerificationReason,
		&rawPayload, &a.RetentionDays, &a.CreatedAt, &a.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Protocol = verification.Protocol(protocol)
	a.Status = authorization.Status(status)
	a.VerificationStatus = verification.Status(vstatus)
	a.RawPayload = json.RawMessage(rawPayload)
	if len(scopeRaw) > 0 {
		_ = json.Unmarshal(scopeRaw, &a.Scope)
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount_limit: %w", err)
		}
		a.AmountLimit = &d
	}
	if currency.Valid {
		a.Currency = currency.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}

func (p *Postgres) GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (*authorization.Authorization, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	query := `SELECT ` + authColumns + ` FROM authorizations WHERE tenant_id = $1 AND id = $2`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	return p.scanAuthorization(p.q.QueryRowContext(ctx, query, tenantID, id))
}

func (p *Postgres) FindByACPTokenID(ctx context.Context, tenantID, tokenID string) (*authorization.Authorization, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	return p.scanAuthorization(p.q.QueryRowContext(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE tenant_id = $1 AND protocol = 'ACP'
		  AND raw_payload->>'token_id' = $2 AND deleted_at IS NULL`,
		tenantID, tokenID))
}

func (p *Postgres) SearchAuthorizations(ctx context.Context, f authorization.Filter, page authorization.Page) ([]*authorization.Authorization, int, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	where := []string{"tenant_id = $1"}
	args := []interface{}{f.TenantID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Protocol != nil {
		where = append(where, "protocol = "+arg(string(*f.Protocol)))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	}
	if f.Issuer != "" {
		where = append(where, "issuer = "+arg(f.Issuer))
	}
	if f.Subject != "" {
		where = append(where, "subject = "+arg(f.Subject))
	}
	if f.Currency != "" {
		where = append(where, "currency = "+arg(f.Currency))
	}
	if f.MinAmount != nil {
		where = append(where, "amount_limit >= "+arg(f.MinAmount.StringFixed(2)))
	}
	if f.MaxAmount != nil {
		where = append(where, "amount_limit <= "+arg(f.MaxAmount.StringFixed(2)))
	}
	if f.ExpiresBefore != nil {
		where = append(where, "expires_at < "+arg(*f.ExpiresBefore))
	}
	if f.ExpiresAfter != nil {
		where = append(where, "expires_at > "+arg(*f.ExpiresAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*f.CreatedBefore))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*f.CreatedAfter))
	}

	page = page.Normalize()
	direction := "ASC"
	if page.SortDesc {
		direction = "DESC"
	}
	// page.SortBy is restricted to a known column set by Normalize.
	orderBy := fmt.Sprintf("ORDER BY %s %s, id ASC", page.SortBy, direction)

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := p.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM authorizations WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM authorizations WHERE %s %s LIMIT %s OFFSET %s",
		authColumns, whereClause, orderBy, arg(page.Limit), arg(page.Offset))
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*authorization.Authorization
	for rows.Next() {
		a, err := p.scanAuthorization(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (p *Postgres) TransitionStatus(ctx context.Context, tenantID string, id uuid.UUID, expected []authorization.Status, to authorization.Status) (*authorization.Authorization, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	states := make([]string, len(expected))
	for i, s := range expected {
		states[i] = string(s)
	}

	row := p.q.QueryRowContext(ctx, `
		UPDATE authorizations
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND deleted_at IS NULL AND status = ANY($5)
		RETURNING `+authColumns,
		string(to), p.clock.Now(), tenantID, id, pq.Array(states))

	a, err := p.scanAuthorization(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing row from a lost conditional update.
		var exists bool
		checkErr := p.q.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM authorizations
			WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL)`,
			tenantID, id).Scan(&exists)
		if checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) SetVerification(ctx context.Context, tenantID string, id uuid.UUID, status, reason string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := p.q.ExecContext(ctx, `
		UPDATE authorizations SET verification_status = $1, verification_reason = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5`,
		status, reason, p.clock.Now(), tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) SoftDeleteAuthorization(ctx context.Context, tenantID string, id uuid.UUID) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := p.clock.Now()
	res, err := p.q.ExecContext(ctx, `
		UPDATE authorizations SET deleted_at = COALESCE(deleted_at, $1), updated_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		now, now, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) RestoreAuthorization(ctx context.Context, tenantID string, id uuid.UUID) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := p.q.ExecContext(ctx, `
		UPDATE authorizations SET deleted_at = NULL, updated_at = $1
		WHERE tenant_id = $2 AND id = $3`,
		p.clock.Now(), tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*authorization.Authorization, error) {
	// Rows without a recovered expiry carry the zero time; they never
	// expire by clock.
	return p.listAuthorizations(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE deleted_at IS NULL AND status IN ('ACTIVE', 'VALID')
		  AND expires_at > '0001-01-01' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`, asOf, limit)
}

func (p *Postgres) ListExpiringWithin(ctx context.Context, from, until time.Time, limit int) ([]*authorization.Authorization, error) {
	return p.listAuthorizations(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE deleted_at IS NULL AND status IN ('ACTIVE', 'VALID')
		  AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at ASC LIMIT $3`, from, until, limit)
}

func (p *Postgres) ListRetentionExpired(ctx context.Context, asOf time.Time, grace time.Duration, limit int) ([]*authorization.Authorization, error) {
	return p.listAuthorizations(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE deleted_at IS NOT NULL
		  AND deleted_at + retention_days * INTERVAL '1 day' + $1 * INTERVAL '1 second' <= $2
		ORDER BY deleted_at ASC LIMIT $3`, int64(grace.Seconds()), asOf, limit)
}

func (p *Postgres) listAuthorizations(ctx context.Context, query string, args ...interface{}) ([]*authorization.Authorization, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*authorization.Authorization
	for rows.Next() {
		a, err := p.scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) HardDeleteAuthorization(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if _, err := p.q.ExecContext(ctx, `DELETE FROM audit_events WHERE authorization_id = $1`, id); err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `DELETE FROM authorizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Audit log
// ----------------------------------------------------------------------------

func (p *Postgres) AppendAuditEvent(ctx context.Context, ev *audit.Event) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.clock.Now()
	}
	return p.q.QueryRowContext(ctx, `
		INSERT INTO audit_events (authorization_id, event_type, details, timestamp)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.AuthorizationID, string(ev.Type), details, ev.Timestamp).Scan(&ev.ID)
}

func (p *Postgres) ListAuditEvents(ctx context.Context, authorizationID uuid.UUID) ([]*audit.Event, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := p.q.QueryContext(ctx, `
		SELECT id, authorization_id, event_type, details, timestamp
		FROM audit_events WHERE authorization_id = $1 ORDER BY id ASC`, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			typ     string
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AuthorizationID, &typ, &details, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = audit.EventType(typ)
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("corrupt audit details for event %d: %w", ev.ID, err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
