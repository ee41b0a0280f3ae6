package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/circuitbreaker"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/monitoring"
)

// snippetLimit caps how much of a subscriber's response body is kept on
// the attempt row.
const snippetLimit = 256

// Config tunes the engine. Zero values get defaults.
type Config struct {
	Workers           int
	Timeout           time.Duration
	DefaultMaxRetries int
	DefaultSeed       time.Duration
	DefaultCap        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 5
	}
	if c.DefaultSeed <= 0 {
		c.DefaultSeed = 60 * time.Second
	}
	if c.DefaultCap <= 0 {
		c.DefaultCap = time.Hour
	}
	return c
}

// Engine is the outbound delivery engine: a worker pool consuming
// attempt IDs from an in-process queue. The delivery_attempts table is
// the queue of record; the channel is only the fast path, and the
// retry worker re-feeds anything the channel dropped.
type Engine struct {
	store      Store
	clock      clock.Clock
	cfg        Config
	httpClient *http.Client
	queue      chan uuid.UUID
	logger     *log.Logger
	metrics    *monitoring.Metrics
	breakers   *circuitbreaker.Set
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	// jitter returns a uniform value in [0, 1); replaced in tests.
	jitter func() float64
}

// NewEngine wires the engine. Call Start before publishing.
func NewEngine(store Store, clk clock.Clock, metrics *monitoring.Metrics, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:      store,
		clock:      clk,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan uuid.UUID, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		metrics:    metrics,
		breakers:   circuitbreaker.NewSet(circuitbreaker.Config{OpenTimeout: cfg.DefaultSeed}, clk),
		jitter:     rand.Float64,
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
		e.logger.Printf("Started %d delivery worker(s)", e.cfg.Workers)
	})
}

// Shutdown drains the queue and stops the workers.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		close(e.queue)
		e.wg.Wait()
	})
}

// Register persists a new subscription, applying engine defaults for
// unset retry knobs.
func (e *Engine) Register(ctx context.Context, sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("subscription URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, ev := range sub.Events {
		if !knownEvent(ev) {
			return fmt.Errorf("unknown event type %q", ev)
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.MaxRetries <= 0 {
		sub.MaxRetries = e.cfg.DefaultMaxRetries
	}
	if sub.BackoffSeed <= 0 {
		sub.BackoffSeed = e.cfg.DefaultSeed
	}
	if sub.BackoffCap <= 0 {
		sub.BackoffCap = e.cfg.DefaultCap
	}
	sub.Enabled = true
	return e.store.CreateSubscription(ctx, sub)
}

func knownEvent(eventType string) bool {
	for _, e := range KnownEventTypes {
		if e == eventType {
			return true
		}
	}
	return false
}

// Publish fans an event out to every matching subscription and hands
// the attempts to the worker pool. Callers that need the fan-out
// committed atomically with their own writes use PublishTx inside
// their transaction instead.
func (e *Engine) Publish(ctx context.Context, tenantID, eventType string, data map[string]interface{}) (uuid.UUID, error) {
	eventID, attempts, err := e.PublishTx(ctx, e.store, tenantID, eventType, data)
	if err != nil {
		return uuid.Nil, err
	}
	e.Kick(attempts...)
	return eventID, nil
}

// PublishTx creates the delivery attempts inside an existing
// transaction. The caller must Kick the returned attempt IDs after the
// transaction commits.
func (e *Engine) PublishTx(ctx context.Context, tx Store, tenantID, eventType string, data map[string]interface{}) (uuid.UUID, []uuid.UUID, error) {
	subs, err := tx.ListSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("list subscriptions: %w", err)
	}
	eventID := uuid.New()
	if len(subs) == 0 {
		return eventID, nil, nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := e.clock.Now()
	ids := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		attempt := &DeliveryAttempt{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventID:        eventID,
			EventType:      eventType,
			Payload:        payload,
			AttemptNumber:  1,
			Status:         AttemptPending,
			NextAttemptAt:  now,
		}
		if err := tx.CreateDeliveryAttempt(ctx, attempt); err != nil {
			return uuid.Nil, nil, fmt.Errorf("create delivery attempt: %w", err)
		}
		ids = append(ids, attempt.ID)
	}
	return eventID, ids, nil
}

// Kick pushes attempt IDs onto the in-process queue. A full queue is
// not an error: the retry worker will pick the rows up from the table.
func (e *Engine) Kick(attemptIDs ...uuid.UUID) {
	for _, id := range attemptIDs {
		select {
		case e.queue <- id:
			e.metrics.QueueDepth.Inc()
		default:
			e.logger.Printf("Queue full, attempt %s left for the retry scanner", id)
		}
	}
}

// RetryDead is the admin force-retry for a dead-lettered attempt.
func (e *Engine) RetryDead(ctx context.Context, attemptID uuid.UUID) (*DeliveryAttempt, error) {
	at, err := e.store.RequeueDeadAttempt(ctx, attemptID, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.Kick(at.ID)
	return at, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for id := range e.queue {
		e.metrics.QueueDepth.Dec()
		e.deliver(context.Background(), id)
	}
}

func (e *Engine) deliver(ctx context.Context, attemptID uuid.UUID) {
	now := e.clock.Now()
	claimed, err := e.store.ClaimDeliveryAttempt(ctx, attemptID, now)
	if err != nil {
		e.logger.Printf("Claim failed for %s: %v", attemptID, err)
		return
	}
	if !claimed {
		// Another worker won, or the attempt is not due yet.
		return
	}

	attempt, err := e.store.GetDeliveryAttempt(ctx, attemptID)
	if err != nil {
		e.logger.Printf("Load failed for %s: %v", attemptID, err)
		return
	}
	sub, err := e.subscriptionFor(ctx, attempt)
	if err != nil {
		e.logger.Printf("Subscription lookup failed for %s: %v", attemptID, err)
		return
	}

	if !e.breakers.Allow(sub.URL) {
		// Endpoint is hard-down; skip the HTTP call and go straight to
		// the retry schedule.
		e.recordFailure(ctx, sub, attempt, 0, "circuit open", nil)
		return
	}

	code, snippet, postErr := e.post(ctx, sub, attempt)

	if postErr == nil && code >= 200 && code < 300 {
		e.breakers.RecordSuccess(sub.URL)
		attempt.Status = AttemptSuccess
		attempt.ResponseCode = &code
		attempt.ResponseSnippet = snippet
		if err := e.store.FinishDeliveryAttempt(ctx, attempt); err != nil {
			e.logger.Printf("Record success failed for %s: %v", attemptID, err)
		}
		e.metrics.DeliveriesTotal.WithLabelValues(attempt.EventType, "success").Inc()
		return
	}

	e.breakers.RecordFailure(sub.URL)
	e.recordFailure(ctx, sub, attempt, code, snippet, postErr)
}

// subscriptionFor loads the attempt's subscription without knowing its
// tenant: the attempt row only carries the subscription ID, so the
// lookup goes through the event payload's tenant when present, falling
// back to a direct scan. Postgres resolves this with a single query.
func (e *Engine) subscriptionFor(ctx context.Context, attempt *DeliveryAttempt) (*Subscription, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(attempt.Payload, &data); err == nil {
		if tenantID, ok := data["tenant_id"].(string); ok {
			if sub, err := e.store.GetSubscription(ctx, tenantID, attempt.SubscriptionID); err == nil {
				return sub, nil
			}
		}
	}
	return nil, fmt.Errorf("subscription %s not found", attempt.SubscriptionID)
}

func (e *Engine) post(ctx context.Context, sub *Subscription, attempt *DeliveryAttempt) (int, string, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(attempt.Payload, &data); err != nil {
		return 0, "", fmt.Errorf("corrupt payload: %w", err)
	}
	envelope := Envelope{
		EventID:   attempt.EventID.String(),
		EventType: attempt.EventType,
		Timestamp: e.clock.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", envelope.EventID)
	req.Header.Set("X-Event-Type", envelope.EventType)
	req.Header.Set("X-Signature", SignPayload(body, sub.Secret))

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	e.metrics.DeliveryDuration.WithLabelValues(attempt.EventType).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	return resp.StatusCode, string(raw), nil
}

func (e *Engine) recordFailure(ctx context.Context, sub *Subscription, attempt *DeliveryAttempt, code int, snippet string, postErr error) {
	if code != 0 {
		attempt.ResponseCode = &code
		attempt.ResponseSnippet = snippet
	} else if postErr != nil {
		attempt.ResponseSnippet = truncate(postErr.Error(), snippetLimit)
	} else {
		attempt.ResponseSnippet = snippet
	}

	if attempt.AttemptNumber >= sub.MaxRetries {
		attempt.Status = AttemptDead
		if err := e.store.FinishDeliveryAttempt(ctx, attempt); err != nil {
			e.logger.Printf("Record dead-letter failed for %s: %v", attempt.ID, err)
			return
		}
		e.metrics.DeliveriesTotal.WithLabelValues(attempt.EventType, "dead").Inc()
		e.logger.Printf("Attempt %s dead after %d tries to %s", attempt.ID, attempt.AttemptNumber, sub.URL)
		return
	}

	attempt.Status = AttemptFailed
	if err := e.store.FinishDeliveryAttempt(ctx, attempt); err != nil {
		e.logger.Printf("Record failure failed for %s: %v", attempt.ID, err)
		return
	}

	next := &DeliveryAttempt{
		ID:             uuid.New(),
		SubscriptionID: attempt.SubscriptionID,
		EventID:        attempt.EventID,
		EventType:      attempt.EventType,
		Payload:        attempt.Payload,
		AttemptNumber:  attempt.AttemptNumber + 1,
		Status:         AttemptPending,
		NextAttemptAt:  e.clock.Now().Add(e.backoff(sub, attempt.AttemptNumber)),
	}
	if err := e.store.CreateDeliveryAttempt(ctx, next); err != nil {
		e.logger.Printf("Schedule retry failed for %s: %v", attempt.ID, err)
		return
	}
	e.metrics.DeliveriesTotal.WithLabelValues(attempt.EventType, "retry").Inc()
}

// backoff computes the delay after failedAttempt failures:
// min(cap, seed·2^(failedAttempt-1) + jitter), jitter ∈ [0, 0.25·base).
func (e *Engine) backoff(sub *Subscription, failedAttempt int) time.Duration {
	base := sub.BackoffSeed << uint(failedAttempt-1)
	if base <= 0 || base > sub.BackoffCap {
		return sub.BackoffCap
	}
	delay := base + time.Duration(e.jitter()*0.25*float64(base))
	if delay > sub.BackoffCap {
		return sub.BackoffCap
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
