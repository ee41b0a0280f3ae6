package webhooks_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/webhooks"
)

var (
	testNow     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testMetrics = monitoring.NewMetrics()
)

type engineFixture struct {
	store  *storage.Memory
	engine *webhooks.Engine
	clock  *clock.Fake
}

func newEngineFixture(cfg webhooks.Config) *engineFixture {
	clk := clock.NewFake(testNow)
	store := storage.NewMemory(clk)
	e := webhooks.NewEngine(store, clk, testMetrics, cfg)
	e.SetJitter(func() float64 { return 0 })
	return &engineFixture{store: store, engine: e, clock: clk}
}

func (f *engineFixture) register(t *testing.T, url string, maxRetries int, seed time.Duration) *webhooks.Subscription {
	t.Helper()
	sub := &webhooks.Subscription{
		TenantID:    "tenant-a",
		URL:         url,
		Secret:      "hook-secret",
		Events:      []string{webhooks.EventMandateCreated, webhooks.EventMandateUsed},
		MaxRetries:  maxRetries,
		BackoffSeed: seed,
		BackoffCap:  time.Hour,
	}
	require.NoError(t, f.engine.Register(context.Background(), sub))
	return sub
}

func eventData() map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":        "tenant-a",
		"authorization_id": uuid.New().String(),
		"new_status":       "VALID",
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})
	ctx := context.Background()

	err := f.engine.Register(ctx, &webhooks.Subscription{Events: []string{webhooks.EventMandateUsed}})
	assert.Error(t, err)

	err = f.engine.Register(ctx, &webhooks.Subscription{URL: "https://x.example"})
	assert.Error(t, err)

	err = f.engine.Register(ctx, &webhooks.Subscription{URL: "https://x.example", Events: []string{"mandate.exploded"}})
	assert.Error(t, err)

	// Engine defaults fill in the retry knobs.
	sub := &webhooks.Subscription{TenantID: "tenant-a", URL: "https://x.example", Events: []string{webhooks.EventMandateUsed}}
	require.NoError(t, f.engine.Register(ctx, sub))
	assert.Equal(t, 5, sub.MaxRetries)
	assert.Equal(t, 60*time.Second, sub.BackoffSeed)
	assert.Equal(t, time.Hour, sub.BackoffCap)
	assert.True(t, sub.Enabled)
}

func TestDeliver_SignedAndReceived(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})

	var gotBody []byte
	var gotSig, gotEventType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotEventType = r.Header.Get("X-Event-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.register(t, srv.URL, 3, time.Second)

	ctx := context.Background()
	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateCreated, eventData())
	require.NoError(t, err)

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	f.engine.DeliverOne(ctx, due[0].ID)

	at, err := f.store.GetDeliveryAttempt(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptSuccess, at.Status)
	require.NotNil(t, at.ResponseCode)
	assert.Equal(t, http.StatusOK, *at.ResponseCode)

	// The signature covers the exact envelope bytes.
	assert.Equal(t, webhooks.EventMandateCreated, gotEventType)
	assert.True(t, webhooks.VerifySignature(gotBody, "hook-secret", gotSig))
}

func TestDeliver_FailureSchedulesRetry(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f.register(t, srv.URL, 3, time.Second)

	ctx := context.Background()
	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, eventData())
	require.NoError(t, err)

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	first := due[0]

	f.engine.DeliverOne(ctx, first.ID)

	at, err := f.store.GetDeliveryAttempt(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptFailed, at.Status)
	require.NotNil(t, at.ResponseCode)
	assert.Equal(t, http.StatusInternalServerError, *at.ResponseCode)
	assert.Contains(t, at.ResponseSnippet, "boom")

	// A fresh row carries the retry, due one backoff step later.
	rows, err := f.store.ListDeliveryAttemptsByEvent(ctx, first.EventID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	next := rows[1]
	assert.Equal(t, 2, next.AttemptNumber)
	assert.Equal(t, webhooks.AttemptPending, next.Status)
	assert.Equal(t, testNow.Add(time.Second), next.NextAttemptAt)

	// Not due yet, so a claim attempt is a no-op.
	f.engine.DeliverOne(ctx, next.ID)
	at, err = f.store.GetDeliveryAttempt(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptPending, at.Status)
}

func TestDeliver_ExhaustionDeadLetters(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f.register(t, srv.URL, 2, time.Second)

	ctx := context.Background()
	eventID, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, eventData())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Hour)
		due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		f.engine.DeliverOne(ctx, due[0].ID)
	}

	rows, err := f.store.ListDeliveryAttemptsByEvent(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, webhooks.AttemptFailed, rows[0].Status)
	assert.Equal(t, webhooks.AttemptDead, rows[1].Status)
	assert.Equal(t, 2, rows[1].AttemptNumber)

	dead, err := f.store.ListDeadDeliveryAttempts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRetryDead(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.register(t, srv.URL, 1, time.Second)

	ctx := context.Background()
	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, eventData())
	require.NoError(t, err)

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	f.engine.DeliverOne(ctx, due[0].ID)

	at, err := f.store.GetDeliveryAttempt(ctx, due[0].ID)
	require.NoError(t, err)
	require.Equal(t, webhooks.AttemptDead, at.Status)

	// Admin force-retry requeues the same row, then delivery succeeds.
	requeued, err := f.engine.RetryDead(ctx, at.ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptPending, requeued.Status)

	f.engine.DeliverOne(ctx, at.ID)
	at, err = f.store.GetDeliveryAttempt(ctx, at.ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptSuccess, at.Status)
}

func TestDeliver_CircuitOpenSkipsPost(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := f.register(t, srv.URL, 5, time.Second)
	for i := 0; i < 5; i++ {
		f.engine.TripBreaker(sub.URL)
	}

	ctx := context.Background()
	_, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, eventData())
	require.NoError(t, err)

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	f.engine.DeliverOne(ctx, due[0].ID)

	// The endpoint never sees the request; the attempt is rescheduled.
	assert.Equal(t, int32(0), calls.Load())
	at, err := f.store.GetDeliveryAttempt(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.AttemptFailed, at.Status)
	assert.Equal(t, "circuit open", at.ResponseSnippet)
}

func TestPublish_NoSubscribersIsCheap(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})
	ctx := context.Background()

	eventID, err := f.engine.Publish(ctx, "tenant-a", webhooks.EventMandateUsed, eventData())
	require.NoError(t, err)

	rows, err := f.store.ListDeliveryAttemptsByEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBackoff(t *testing.T) {
	f := newEngineFixture(webhooks.Config{})
	sub := &webhooks.Subscription{BackoffSeed: time.Minute, BackoffCap: time.Hour}

	// jitter pinned to zero: pure seed·2^(n-1), capped.
	assert.Equal(t, time.Minute, f.engine.ComputeBackoff(sub, 1))
	assert.Equal(t, 2*time.Minute, f.engine.ComputeBackoff(sub, 2))
	assert.Equal(t, 16*time.Minute, f.engine.ComputeBackoff(sub, 5))
	assert.Equal(t, time.Hour, f.engine.ComputeBackoff(sub, 7))
	assert.Equal(t, time.Hour, f.engine.ComputeBackoff(sub, 40))

	// Full jitter adds at most a quarter of the base.
	f.engine.SetJitter(func() float64 { return 0.999999 })
	got := f.engine.ComputeBackoff(sub, 1)
	assert.GreaterOrEqual(t, got, time.Minute)
	assert.Less(t, got, time.Minute+15*time.Second+time.Millisecond)
}
