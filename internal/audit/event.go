// Package audit defines the append-only event log contract. Every
// state-changing core call emits exactly one event, committed in the
// same transaction as the state change itself.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the canonical past-tense event vocabulary.
type EventType string

const (
	EventCreated  EventType = "CREATED"
	EventVerified EventType = "VERIFIED"
	EventUsed     EventType = "USED"
	EventRevoked  EventType = "REVOKED"
	EventExpired  EventType = "EXPIRED"
	EventExported EventType = "EXPORTED"
)

// Event is one audit log entry. ID is store-assigned and monotonic per
// authorization, which gives the total order the evidence pack relies on.
type Event struct {
	ID              int64                  `json:"id"`
	AuthorizationID uuid.UUID              `json:"authorization_id"`
	Type            EventType              `json:"event_type"`
	Details         map[string]interface{} `json:"details"`
	Timestamp       time.Time              `json:"timestamp"`
}

// New builds an unsaved event. The store assigns ID and may overwrite
// Timestamp with its own clock on insert.
func New(authorizationID uuid.UUID, typ EventType, details map[string]interface{}) *Event {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Event{AuthorizationID: authorizationID, Type: typ, Details: details}
}
