package workers

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

var (
	testNow     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testMetrics = monitoring.NewMetrics()
)

type workerFixture struct {
	store  *storage.Memory
	engine *webhooks.Engine
	clock  *clock.Fake
}

func newWorkerFixture() *workerFixture {
	clk := clock.NewFake(testNow)
	store := storage.NewMemory(clk)
	return &workerFixture{
		store:  store,
		engine: webhooks.NewEngine(store, clk, testMetrics, webhooks.Config{}),
		clock:  clk,
	}
}

func (f *workerFixture) seed(t *testing.T, status authorization.Status, expiresAt time.Time) *authorization.Authorization {
	t.Helper()
	a := &authorization.Authorization{
		ID:                 uuid.New(),
		Protocol:           verification.ProtocolAP2,
		TenantID:           "tenant-a",
		Issuer:             "did:web:bank.example",
		Subject:            "did:example:alice",
		ExpiresAt:          expiresAt,
		Status:             status,
		VerificationStatus: verification.StatusValid,
		RawPayload:         json.RawMessage(`{"vc_jwt":"a.b.c"}`),
		RetentionDays:      90,
	}
	require.NoError(t, f.store.CreateAuthorization(context.Background(), a))
	return a
}

func (f *workerFixture) subscribe(t *testing.T, eventType string) {
	t.Helper()
	require.NoError(t, f.engine.Register(context.Background(), &webhooks.Subscription{
		TenantID: "tenant-a",
		URL:      "https://hooks.example/sink",
		Secret:   "s",
		Events:   []string{eventType},
	}))
}

func TestExpiryScanner(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateExpired)

	stale := f.seed(t, authorization.StatusValid, testNow.Add(-time.Hour))
	fresh := f.seed(t, authorization.StatusValid, testNow.Add(time.Hour))
	terminal := f.seed(t, authorization.StatusRevoked, testNow.Add(-time.Hour))

	scanner := NewExpiryScanner(f.store, audit.NewLogger(), f.engine, f.clock)
	n, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetAuthorization(ctx, "tenant-a", stale.ID, false)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusExpired, got.Status)

	got, err = f.store.GetAuthorization(ctx, "tenant-a", fresh.ID, false)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusValid, got.Status)

	got, err = f.store.GetAuthorization(ctx, "tenant-a", terminal.ID, false)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusRevoked, got.Status)

	// One EXPIRED audit entry and one queued mandate.expired delivery.
	events, err := f.store.ListAuditEvents(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventExpired, events[0].Type)
	assert.Equal(t, "VALID", events[0].Details["old_status"])
	assert.Equal(t, "EXPIRED", events[0].Details["new_status"])

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, webhooks.EventMandateExpired, due[0].EventType)

	// A second pass finds nothing left to do.
	n, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAlertGenerator(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()

	soon := f.seed(t, authorization.StatusValid, testNow.Add(12*time.Hour))
	f.seed(t, authorization.StatusValid, testNow.Add(10*24*time.Hour))

	gen := NewAlertGenerator(f.store, f.clock, 24*time.Hour)
	n, err := gen.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts, err := f.store.ListAlerts(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, soon.ID, alerts[0].AuthorizationID)
	assert.Equal(t, authorization.AlertNearExpiry, alerts[0].Type)

	// Idempotent: the next pass creates nothing new.
	n, err = gen.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	alerts, err = f.store.ListAlerts(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestRetentionCleanup(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()

	purgeable := &authorization.Authorization{
		ID:            uuid.New(),
		Protocol:      verification.ProtocolACP,
		TenantID:      "tenant-a",
		ExpiresAt:     testNow.Add(-time.Hour),
		Status:        authorization.StatusRevoked,
		RawPayload:    json.RawMessage(`{"token_id":"acp-old"}`),
		RetentionDays: 1,
	}
	require.NoError(t, f.store.CreateAuthorization(ctx, purgeable))
	require.NoError(t, f.store.SoftDeleteAuthorization(ctx, "tenant-a", purgeable.ID))

	kept := f.seed(t, authorization.StatusRevoked, testNow.Add(-time.Hour))
	require.NoError(t, f.store.SoftDeleteAuthorization(ctx, "tenant-a", kept.ID))

	f.clock.Advance(2*24*time.Hour + time.Hour)

	cleanup := NewRetentionCleanup(f.store, f.clock, time.Hour)
	n, err := cleanup.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetAuthorization(ctx, "tenant-a", purgeable.ID, true)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The 90-day row survives.
	_, err = f.store.GetAuthorization(ctx, "tenant-a", kept.ID, true)
	assert.NoError(t, err)
}

func TestDeliveryRetrier(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateUsed)

	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, map[string]interface{}{
		"tenant_id": "tenant-a",
	})
	require.NoError(t, err)

	retrier := NewDeliveryRetrier(f.store, f.engine, f.clock, 0)
	n, err := retrier.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Nothing due in the future yet.
	attempts, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestDeliveryRetrier_ReclaimsStaleInFlight(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateUsed)

	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, map[string]interface{}{
		"tenant_id": "tenant-a",
	})
	require.NoError(t, err)

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Simulate a worker that claimed the attempt and then died.
	claimed, err := f.store.ClaimDeliveryAttempt(ctx, due[0].ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	retrier := NewDeliveryRetrier(f.store, f.engine, f.clock, 5*time.Minute)

	// Inside the window the attempt stays claimed.
	f.clock.Advance(time.Minute)
	n, err := retrier.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the window it goes back to PENDING and is re-enqueued.
	f.clock.Advance(10 * time.Minute)
	n, err = retrier.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetDeliveryAttempt(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptPending, got.Status)
	assert.False(t, got.NextAttemptAt.After(f.clock.Now()))
}

func TestRunner_TickAndCancel(t *testing.T) {
	r := NewRunner(testMetrics)

	var runs atomic.Int32
	r.Add(Task{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 1, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	r.Wait()
}

func TestRunner_ErrorDoesNotKillLoop(t *testing.T) {
	r := NewRunner(testMetrics)

	var runs atomic.Int32
	r.Add(Task{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			if runs.Add(1) == 1 {
				return 0, assert.AnError
			}
			return 0, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	r.Wait()
}
