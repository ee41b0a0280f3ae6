package verification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/clock"
)

// ACPToken is the delegated-token object a PSP issues. Decoding is
// strict: unknown top-level fields reject the whole payload.
type ACPToken struct {
	TokenID     string                 `json:"token_id"`
	PSPID       string                 `json:"psp_id"`
	MerchantID  string                 `json:"merchant_id"`
	MaxAmount   string                 `json:"max_amount"`
	Currency    string                 `json:"currency"`
	ExpiresAt   string                 `json:"expires_at"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// Constraint keys the service understands. Anything else is rejected.
var knownConstraintKeys = map[string]bool{
	"merchant": true,
}

// maxAmountCeiling is the largest accepted authorization amount.
var maxAmountCeiling = decimal.RequireFromString("999999.99")

// iso4217Allowlist is the fixed set of accepted currency codes.
var iso4217Allowlist = map[string]bool{
	"AED": true, "AUD": true, "BRL": true, "CAD": true, "CHF": true,
	"CLP": true, "CNY": true, "COP": true, "CZK": true, "DKK": true,
	"EUR": true, "GBP": true, "HKD": true, "HUF": true, "IDR": true,
	"ILS": true, "INR": true, "JPY": true, "KRW": true, "MXN": true,
	"MYR": true, "NOK": true, "NZD": true, "PEN": true, "PHP": true,
	"PLN": true, "RON": true, "SAR": true, "SEK": true, "SGD": true,
	"THB": true, "TRY": true, "TWD": true, "USD": true, "VND": true,
	"ZAR": true, "ARS": true, "NGN": true, "EGP": true, "KES": true,
}

// ACPVerifier validates delegated tokens by business rule. No signature
// is checked here; the ACP trust path is the HMAC-signed lifecycle
// webhooks that follow.
type ACPVerifier struct {
	clock        clock.Clock
	pspAllowlist map[string]bool // empty means every PSP is accepted
}

// NewACPVerifier builds a verifier. allowlist may be nil.
func NewACPVerifier(clk clock.Clock, allowlist []string) *ACPVerifier {
	v := &ACPVerifier{clock: clk}
	if len(allowlist) > 0 {
		v.pspAllowlist = make(map[string]bool, len(allowlist))
		for _, psp := range allowlist {
			v.pspAllowlist[psp] = true
		}
	}
	return v
}

// Verify runs the full ACP pipeline over a raw token payload.
func (v *ACPVerifier) Verify(rawPayload []byte) Result {
	token, res, ok := v.parse(rawPayload)
	if !ok {
		return res
	}
	return v.evaluate(token)
}

// parse performs the strict schema validation. Any failure here is
// INVALID_FORMAT.
func (v *ACPVerifier) parse(rawPayload []byte) (ACPToken, Result, bool) {
	dec := json.NewDecoder(bytes.NewReader(rawPayload))
	dec.DisallowUnknownFields()

	var token ACPToken
	if err := dec.Decode(&token); err != nil {
		return token, failure(StatusInvalidFormat, fmt.Sprintf("token does not match schema: %v", err)), false
	}

	for name, value := range map[string]string{
		"token_id":    token.TokenID,
		"psp_id":      token.PSPID,
		"merchant_id": token.MerchantID,
	} {
		if value == "" {
			return token, failure(StatusInvalidFormat, fmt.Sprintf("%s is required", name)), false
		}
		if !printableASCII(value) {
			return token, failure(StatusInvalidFormat, fmt.Sprintf("%s contains forbidden characters", name)), false
		}
	}

	if token.MaxAmount == "" {
		return token, failure(StatusInvalidFormat, "max_amount is required"), false
	}
	amount, err := decimal.NewFromString(token.MaxAmount)
	if err != nil {
		return token, failure(StatusInvalidFormat, fmt.Sprintf("max_amount is not a decimal: %v", err)), false
	}
	if amount.Exponent() < -2 {
		return token, failure(StatusInvalidFormat, "max_amount has more than 2 decimal places"), false
	}
	if amount.GreaterThan(maxAmountCeiling) {
		return token, failure(StatusInvalidFormat, fmt.Sprintf("max_amount exceeds ceiling %s", maxAmountCeiling)), false
	}

	if !iso4217Allowlist[token.Currency] {
		return token, failure(StatusInvalidFormat, fmt.Sprintf("currency %q is not an accepted ISO-4217 code", token.Currency)), false
	}

	if token.ExpiresAt == "" {
		return token, failure(StatusInvalidFormat, "expires_at is required"), false
	}
	if _, err := time.Parse(time.RFC3339, token.ExpiresAt); err != nil {
		return token, failure(StatusInvalidFormat, fmt.Sprintf("expires_at is not RFC 3339: %v", err)), false
	}

	for key := range token.Constraints {
		if !knownConstraintKeys[key] {
			return token, failure(StatusInvalidFormat, fmt.Sprintf("unknown constraint key %q", key)), false
		}
	}

	return token, Result{}, true
}

// evaluate applies the business rules in pipeline order.
func (v *ACPVerifier) evaluate(token ACPToken) Result {
	expiresAt, _ := time.Parse(time.RFC3339, token.ExpiresAt)
	expiresAt = expiresAt.UTC()
	amount := decimal.RequireFromString(token.MaxAmount)

	base := Result{
		Issuer:      token.PSPID,
		Subject:     token.MerchantID,
		AmountLimit: &amount,
		Currency:    token.Currency,
		ExpiresAt:   expiresAt,
		Scope:       token.Constraints,
		Details:     map[string]interface{}{"token_id": token.TokenID},
	}

	now := v.clock.Now()
	if !now.Before(expiresAt) {
		base.Status = StatusExpired
		base.Reason = fmt.Sprintf("token expired at %s", expiresAt.Format(time.RFC3339))
		return base
	}

	// Zero or negative authorization is treated as revoked, not as a
	// format error.
	if !amount.IsPositive() {
		base.Status = StatusRevoked
		base.Reason = fmt.Sprintf("max_amount %s authorizes nothing", amount)
		return base
	}

	if merchant, ok := token.Constraints["merchant"].(string); ok {
		if merchant != token.MerchantID {
			base.Status = StatusScopeInvalid
			base.Reason = fmt.Sprintf("constraints.merchant %q does not match merchant_id %q", merchant, token.MerchantID)
			return base
		}
	}

	if v.pspAllowlist != nil && !v.pspAllowlist[token.PSPID] {
		base.Status = StatusIssuerUnknown
		base.Reason = fmt.Sprintf("psp_id %q is not on the configured allowlist", token.PSPID)
		return base
	}

	base.Status = StatusValid
	base.Reason = "All verification checks passed"
	return base
}

// printableASCII enforces the token identifier character rules: printable
// ASCII with the HTML/quote-injection characters excluded.
func printableASCII(s string) bool {
	if strings.ContainsAny(s, `<>"'\`) {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
