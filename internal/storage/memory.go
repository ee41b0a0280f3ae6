package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

// Memory is the in-memory Store used by tests and as the dev fallback
// when no DATABASE_URL is configured. WithinTx serializes whole
// transactions behind one mutex; it does not roll back partial writes,
// which is acceptable for its two audiences.
type Memory struct {
	clock clock.Clock

	txMu sync.Mutex
	mu   sync.RWMutex

	auths    map[uuid.UUID]*authorization.Authorization
	auditSeq int64
	audits   map[uuid.UUID][]*audit.Event
	subs     map[uuid.UUID]*webhooks.Subscription
	attempts map[uuid.UUID]*webhooks.DeliveryAttempt
	idem     map[string]time.Time
	alerts   map[string]*authorization.Alert
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:    clk,
		auths:    make(map[uuid.UUID]*authorization.Authorization),
		audits:   make(map[uuid.UUID][]*audit.Event),
		subs:     make(map[uuid.UUID]*webhooks.Subscription),
		attempts: make(map[uuid.UUID]*webhooks.DeliveryAttempt),
		idem:     make(map[string]time.Time),
		alerts:   make(map[string]*authorization.Alert),
	}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

// ----------------------------------------------------------------------------
// Authorizations
// ----------------------------------------------------------------------------

func (m *Memory) CreateAuthorization(_ context.Context, a *authorization.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.auths[a.ID]; exists {
		return ErrDuplicate
	}
	now := m.clock.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.auths[a.ID] = a.Clone()
	return nil
}

func (m *Memory) GetAuthorization(_ context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (*authorization.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.auths[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if a.Deleted() && !includeDeleted {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) FindByACPTokenID(_ context.Context, tenantID, tokenID string) (*authorization.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.auths {
		if a.TenantID != tenantID || a.Protocol != "ACP" || a.Deleted() {
			continue
		}
		var payload struct {
			TokenID string `json:"token_id"`
		}
		if err := json.Unmarshal(a.RawPayload, &payload); err != nil {
			continue
		}
		if payload.TokenID == tokenID {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SearchAuthorizations(_ context.Context, f authorization.Filter, p authorization.Page) ([]*authorization.Authorization, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*authorization.Authorization
	for _, a := range m.auths {
		if !matchesFilter(a, f) {
			continue
		}
		matched = append(matched, a.Clone())
	}

	p = p.Normalize()
	sort.Slice(matched, func(i, j int) bool {
		less := lessBy(matched[i], matched[j], p.SortBy)
		if p.SortDesc {
			return !less
		}
		return less
	})

	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total, nil
}

func matchesFilter(a *authorization.Authorization, f authorization.Filter) bool {
	if a.TenantID != f.TenantID {
		return false
	}
	if a.Deleted() && !f.IncludeDeleted {
		return false
	}
	if f.Protocol != nil && a.Protocol != *f.Protocol {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Issuer != "" && a.Issuer != f.Issuer {
		return false
	}
	if f.Subject != "" && a.Subject != f.Subject {
		return false
	}
	if f.Currency != "" && a.Currency != f.Currency {
		return false
	}
	if f.MinAmount != nil && (a.AmountLimit == nil || a.AmountLimit.LessThan(*f.MinAmount)) {
		return false
	}
	if f.MaxAmount != nil && (a.AmountLimit == nil || a.AmountLimit.GreaterThan(*f.MaxAmount)) {
		return false
	}
	if f.ExpiresBefore != nil && !a.ExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	if f.ExpiresAfter != nil && !a.ExpiresAt.After(*f.ExpiresAfter) {
		return false
	}
	if f.CreatedBefore != nil && !a.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CreatedAfter != nil && !a.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	return true
}

func lessBy(a, b *authorization.Authorization, sortBy string) bool {
	switch sortBy {
	case authorization.SortExpiresAt:
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
	case authorization.SortAmountLimit:
		switch {
		case a.AmountLimit == nil && b.AmountLimit != nil:
			return true
		case a.AmountLimit != nil && b.AmountLimit == nil:
			return false
		case a.AmountLimit != nil && b.AmountLimit != nil && !a.AmountLimit.Equal(*b.AmountLimit):
			return a.AmountLimit.LessThan(*b.AmountLimit)
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

func (m *Memory) TransitionStatus(_ context.Context, tenantID string, id uuid.UUID, expected []authorization.Status, to authorization.Status) (*authorization.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auths[id]
	if !ok || a.TenantID != tenantID || a.Deleted() {
		return nil, ErrNotFound
	}
	for _, from := range expected {
		if a.Status == from {
			a.Status = to
			a.UpdatedAt = m.clock.Now()
			return a.Clone(), nil
		}
	}
	return nil, ErrConflict
}

func (m *Memory) SetVerification(_ context.Context, tenantID string, id uuid.UUID, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auths[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	a.VerificationStatus = verification.Status(status)
	a.VerificationReason = reason
	a.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Memory) SoftDeleteAuthorization(_ context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auths[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	if a.Deleted() {
		return nil
	}
	now := m.clock.Now()
	a.DeletedAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *Memory) RestoreAuthorization(_ context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auths[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	a.DeletedAt = nil
	a.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Memory) ListExpired(_ context.Context, asOf time.Time, limit int) ([]*authorization.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*authorization.Authorization
	for _, a := range m.auths {
		// Zero expiry means the verifier could not recover one; those
		// rows never expire by clock.
		if a.Deleted() || a.Status.IsTerminal() || a.ExpiresAt.IsZero() {
			continue
		}
		if !a.ExpiresAt.After(asOf) {
			out = append(out, a.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListExpiringWithin(_ context.Context, from, until time.Time, limit int) ([]*authorization.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*authorization.Authorization
	for _, a := range m.auths {
		if a.Deleted() || a.Status.IsTerminal() {
			continue
		}
		if a.ExpiresAt.After(from) && !a.ExpiresAt.After(until) {
			out = append(out, a.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListRetentionExpired(_ context.Context, asOf time.Time, grace time.Duration, limit int) ([]*authorization.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*authorization.Authorization
	for _, a := range m.auths {
		if !a.Deleted() {
			continue
		}
		purgeAt := a.DeletedAt.Add(time.Duration(a.RetentionDays)*24*time.Hour + grace)
		if !purgeAt.After(asOf) {
			out = append(out, a.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) HardDeleteAuthorization(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auths[id]; !ok {
		return ErrNotFound
	}
	delete(m.auths, id)
	delete(m.audits, id)
	return nil
}

// ----------------------------------------------------------------------------
// Audit log
// ----------------------------------------------------------------------------

func (m *Memory) AppendAuditEvent(_ context.Context, ev *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditSeq++
	ev.ID = m.auditSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	cp := *ev
	m.audits[ev.AuthorizationID] = append(m.audits[ev.AuthorizationID], &cp)
	return nil
}

func (m *Memory) ListAuditEvents(_ context.Context, authorizationID uuid.UUID) ([]*audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.audits[authorizationID]
	out := make([]*audit.Event, len(events))
	for i, ev := range events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

func (m *Memory) CreateSubscription(_ context.Context, s *webhooks.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[s.ID]; exists {
		return ErrDuplicate
	}
	s.CreatedAt = m.clock.Now()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, tenantID string, id uuid.UUID) (*webhooks.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, tenantID string) ([]*webhooks.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*webhooks.Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSubscriptionsForEvent(_ context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*webhooks.Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID && s.Enabled && s.Wants(eventType) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SetSubscriptionEnabled(_ context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	s.Enabled = enabled
	return nil
}

// ----------------------------------------------------------------------------
// Delivery attempts
// ----------------------------------------------------------------------------

func (m *Memory) CreateDeliveryAttempt(_ context.Context, at *webhooks.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attempts[at.ID]; exists {
		return ErrDuplicate
	}
	now := m.clock.Now()
	at.CreatedAt = now
	at.UpdatedAt = now
	cp := *at
	m.attempts[at.ID] = &cp
	return nil
}

func (m *Memory) ClaimDeliveryAttempt(_ context.Context, id uuid.UUID, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.attempts[id]
	if !ok {
		return false, ErrNotFound
	}
	if at.Status != webhooks.AttemptPending || at.NextAttemptAt.After(asOf) {
		return false, nil
	}
	at.Status = webhooks.AttemptInFlight
	at.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *Memory) FinishDeliveryAttempt(_ context.Context, at *webhooks.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.attempts[at.ID]
	if !ok {
		return ErrNotFound
	}
	at.UpdatedAt = m.clock.Now()
	*stored = *at
	return nil
}

func (m *Memory) GetDeliveryAttempt(_ context.Context, id uuid.UUID) (*webhooks.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *at
	return &cp, nil
}

func (m *Memory) ListDueDeliveryAttempts(_ context.Context, asOf time.Time, limit int) ([]*webhooks.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*webhooks.DeliveryAttempt
	for _, at := range m.attempts {
		if at.Status == webhooks.AttemptPending && !at.NextAttemptAt.After(asOf) {
			cp := *at
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListDeliveryAttemptsByEvent(_ context.Context, eventID uuid.UUID) ([]*webhooks.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*webhooks.DeliveryAttempt
	for _, at := range m.attempts {
		if at.EventID == eventID {
			cp := *at
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *Memory) ListDeadDeliveryAttempts(_ context.Context, limit int) ([]*webhooks.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*webhooks.DeliveryAttempt
	for _, at := range m.attempts {
		if at.Status == webhooks.AttemptDead {
			cp := *at
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) RequeueDeadAttempt(_ context.Context, id uuid.UUID, asOf time.Time) (*webhooks.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if at.Status != webhooks.AttemptDead {
		return nil, ErrConflict
	}
	at.Status = webhooks.AttemptPending
	at.NextAttemptAt = asOf
	at.UpdatedAt = m.clock.Now()
	cp := *at
	return &cp, nil
}

func (m *Memory) RequeueStaleInFlight(_ context.Context, before time.Time, limit int) ([]*webhooks.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var out []*webhooks.DeliveryAttempt
	for _, at := range m.attempts {
		if at.Status != webhooks.AttemptInFlight || at.UpdatedAt.After(before) {
			continue
		}
		at.Status = webhooks.AttemptPending
		at.NextAttemptAt = now
		at.UpdatedAt = now
		cp := *at
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Inbound idempotency
// ----------------------------------------------------------------------------

func (m *Memory) InsertIdempotencyKey(_ context.Context, tenantID, eventID string, receivedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + "\x00" + eventID
	if _, exists := m.idem[key]; exists {
		return false, nil
	}
	m.idem[key] = receivedAt
	return true, nil
}

// ----------------------------------------------------------------------------
// Alerts
// ----------------------------------------------------------------------------

func (m *Memory) CreateAlert(_ context.Context, a *authorization.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.AuthorizationID.String() + "\x00" + string(a.Type)
	if _, exists := m.alerts[key]; exists {
		return false, nil
	}
	a.CreatedAt = m.clock.Now()
	cp := *a
	m.alerts[key] = &cp
	return true, nil
}

func (m *Memory) ListAlerts(_ context.Context, tenantID string) ([]*authorization.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*authorization.Alert
	for _, a := range m.alerts {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
