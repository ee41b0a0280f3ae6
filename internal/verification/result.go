// Package verification implements the protocol verifiers and the
// dispatcher that routes payloads to them. Verification outcomes are
// values, never errors: a failed check is a Result with a non-VALID
// status, and the caller decides what to do with it.
package verification

import (
	"time"

	"github.com/shopspring/decimal"
)

// Protocol tags the wire protocol of a payload.
type Protocol string

const (
	ProtocolAP2 Protocol = "AP2"
	ProtocolACP Protocol = "ACP"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool { return p == ProtocolAP2 || p == ProtocolACP }

// Status is the outcome of a verification pipeline.
type Status string

const (
	StatusValid                Status = "VALID"
	StatusExpired              Status = "EXPIRED"
	StatusSigInvalid           Status = "SIG_INVALID"
	StatusIssuerUnknown        Status = "ISSUER_UNKNOWN"
	StatusInvalidFormat        Status = "INVALID_FORMAT"
	StatusMissingRequiredField Status = "MISSING_REQUIRED_FIELD"
	StatusScopeInvalid         Status = "SCOPE_INVALID"
	StatusRevoked              Status = "REVOKED"
)

// Result is the uniform outcome shape shared by both verifiers.
type Result struct {
	Status      Status                 `json:"status"`
	Reason      string                 `json:"reason"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Issuer      string                 `json:"issuer,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	AmountLimit *decimal.Decimal       `json:"amount_limit,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	ExpiresAt   time.Time              `json:"expires_at,omitempty"`
	Scope       map[string]interface{} `json:"scope,omitempty"`
}

// IsValid reports whether every check passed.
func (r Result) IsValid() bool { return r.Status == StatusValid }

func failure(status Status, reason string) Result {
	return Result{Status: status, Reason: reason}
}
