// Package authorization defines the canonical protocol-agnostic entity
// stored by the vault, and its lifecycle state machine.
package authorization

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/verification"
)

// Status is the lifecycle state of an authorization.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusValid   Status = "VALID"
	StatusUsed    Status = "USED"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// legalTransitions encodes the state machine. Absent entries are
// illegal; EXPIRED and REVOKED have no successors.
var legalTransitions = map[Status]map[Status]bool{
	StatusActive: {StatusValid: true, StatusUsed: true, StatusExpired: true, StatusRevoked: true},
	StatusValid:  {StatusUsed: true, StatusExpired: true, StatusRevoked: true},
	StatusUsed:   {StatusRevoked: true},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	return legalTransitions[from][to]
}

// IsTerminal reports whether no outgoing transition other than
// USED → REVOKED exists for s.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusUsed
}

// Authorization is the canonical stored entity for both protocols.
// Instances are value objects; the store maps rows to and from them.
type Authorization struct {
	ID                 uuid.UUID              `json:"id"`
	Protocol           verification.Protocol  `json:"protocol"`
	TenantID           string                 `json:"tenant_id"`
	Issuer             string                 `json:"issuer"`
	Subject            string                 `json:"subject"`
	Scope              map[string]interface{} `json:"scope,omitempty"`
	AmountLimit        *decimal.Decimal       `json:"amount_limit,omitempty"`
	Currency           string                 `json:"currency,omitempty"`
	ExpiresAt          time.Time              `json:"expires_at"`
	Status             Status                 `json:"status"`
	VerificationStatus verification.Status    `json:"verification_status"`
	VerificationReason string                 `json:"verification_reason"`
	RawPayload         json.RawMessage        `json:"raw_payload"`
	RetentionDays      int                    `json:"retention_days"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	DeletedAt          *time.Time             `json:"deleted_at,omitempty"`
}

// Deleted reports whether the row is soft-deleted.
func (a *Authorization) Deleted() bool { return a.DeletedAt != nil }

// Clone returns a deep-enough copy for the in-memory store: the maps
// and raw payload are shared read-only, scalar state is independent.
func (a *Authorization) Clone() *Authorization {
	cp := *a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	if a.AmountLimit != nil {
		d := *a.AmountLimit
		cp.AmountLimit = &d
	}
	return &cp
}

// Filter is the search predicate. TenantID is mandatory; everything
// else narrows.
type Filter struct {
	TenantID       string
	Protocol       *verification.Protocol
	Status         *Status
	Issuer         string
	Subject        string
	MinAmount      *decimal.Decimal
	MaxAmount      *decimal.Decimal
	Currency       string
	ExpiresBefore  *time.Time
	ExpiresAfter   *time.Time
	CreatedBefore  *time.Time
	CreatedAfter   *time.Time
	IncludeDeleted bool
}

// Sortable columns for search.
const (
	SortCreatedAt   = "created_at"
	SortExpiresAt   = "expires_at"
	SortAmountLimit = "amount_limit"
)

// Page controls search pagination. Zero values get the defaults
// (offset 0, limit 50); limit is capped at 200.
type Page struct {
	Offset   int
	Limit    int
	SortBy   string
	SortDesc bool
}

// Normalize applies the pagination defaults and caps.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	switch p.SortBy {
	case SortCreatedAt, SortExpiresAt, SortAmountLimit:
	default:
		p.SortBy = SortCreatedAt
	}
	return p
}

// AlertType classifies a lifecycle alert.
type AlertType string

// AlertNearExpiry is raised when an authorization enters the
// configured near-expiry window.
const AlertNearExpiry AlertType = "NEAR_EXPIRY"

// Alert is a deduplicated lifecycle warning produced by the alert
// generator worker.
type Alert struct {
	ID              uuid.UUID `json:"id"`
	AuthorizationID uuid.UUID `json:"authorization_id"`
	TenantID        string    `json:"tenant_id"`
	Type            AlertType `json:"type"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
}
