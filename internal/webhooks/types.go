// Package webhooks implements the outbound notification engine:
// subscription registry, HMAC-signed delivery with exponential backoff,
// and the dead-letter surface.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by the vault.
const (
	EventMandateCreated = "mandate.created"
	EventMandateUsed    = "mandate.used"
	EventMandateRevoked = "mandate.revoked"
	EventMandateExpired = "mandate.expired"
)

// KnownEventTypes lists every event a subscription may ask for.
var KnownEventTypes = []string{
	EventMandateCreated,
	EventMandateUsed,
	EventMandateRevoked,
	EventMandateExpired,
}

// Subscription is a tenant-owned delivery target.
type Subscription struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    string        `json:"tenant_id"`
	URL         string        `json:"url"`
	Secret      string        `json:"-"`
	Events      []string      `json:"events"`
	Enabled     bool          `json:"enabled"`
	MaxRetries  int           `json:"max_retries"`
	BackoffSeed time.Duration `json:"backoff_seed"`
	BackoffCap  time.Duration `json:"backoff_cap"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Wants reports whether the subscription's allowlist contains eventType.
func (s *Subscription) Wants(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// AttemptStatus is the delivery attempt lifecycle.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "PENDING"
	AttemptInFlight AttemptStatus = "IN_FLIGHT"
	AttemptSuccess  AttemptStatus = "SUCCESS"
	AttemptFailed   AttemptStatus = "FAILED"
	AttemptDead     AttemptStatus = "DEAD"
)

// DeliveryAttempt is one row in the delivery ledger. Retries create new
// rows with an incremented AttemptNumber; the table is the queue of
// record, the in-process channel only a fast path.
type DeliveryAttempt struct {
	ID              uuid.UUID       `json:"id"`
	SubscriptionID  uuid.UUID       `json:"subscription_id"`
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	AttemptNumber   int             `json:"attempt_number"`
	Status          AttemptStatus   `json:"status"`
	NextAttemptAt   time.Time       `json:"next_attempt_at"`
	ResponseCode    *int            `json:"response_code,omitempty"`
	ResponseSnippet string          `json:"response_body_snippet,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Envelope is the wire shape POSTed to subscribers.
type Envelope struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// SignPayload computes the lowercase hex HMAC-SHA256 of the exact body
// bytes with the subscription secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}
