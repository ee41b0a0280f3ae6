package verification

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authvault/backend/internal/clock"
)

func acpToken(overrides map[string]interface{}) []byte {
	token := map[string]interface{}{
		"token_id":    "acp-1",
		"psp_id":      "psp-stripe",
		"merchant_id": "m-acme",
		"max_amount":  "100.00",
		"currency":    "USD",
		"expires_at":  testNow.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"constraints": map[string]interface{}{"merchant": "m-acme"},
	}
	for k, v := range overrides {
		if v == nil {
			delete(token, k)
			continue
		}
		token[k] = v
	}
	raw, _ := json.Marshal(token)
	return raw
}

func TestACP_HappyPath(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)

	res := v.Verify(acpToken(nil))
	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "psp-stripe", res.Issuer)
	assert.Equal(t, "m-acme", res.Subject)
	assert.Equal(t, "100.00", res.AmountLimit.StringFixed(2))
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, "acp-1", res.Details["token_id"])
}

func TestACP_SchemaFailures(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)

	cases := []struct {
		name      string
		overrides map[string]interface{}
		reason    string
	}{
		{"missing token_id", map[string]interface{}{"token_id": nil}, "token_id is required"},
		{"missing psp_id", map[string]interface{}{"psp_id": nil}, "psp_id is required"},
		{"missing merchant_id", map[string]interface{}{"merchant_id": nil}, "merchant_id is required"},
		{"forbidden characters", map[string]interface{}{"token_id": `acp-<script>`}, "forbidden characters"},
		{"quote injection", map[string]interface{}{"psp_id": `psp"quote`}, "forbidden characters"},
		{"non-ascii", map[string]interface{}{"merchant_id": "m-é"}, "forbidden characters"},
		{"missing max_amount", map[string]interface{}{"max_amount": nil}, "max_amount is required"},
		{"non-decimal amount", map[string]interface{}{"max_amount": "lots"}, "not a decimal"},
		{"three decimal places", map[string]interface{}{"max_amount": "10.005"}, "2 decimal places"},
		{"amount over ceiling", map[string]interface{}{"max_amount": "1000000.00"}, "exceeds ceiling"},
		{"unknown currency", map[string]interface{}{"currency": "XXX"}, "not an accepted ISO-4217"},
		{"missing expires_at", map[string]interface{}{"expires_at": nil}, "expires_at is required"},
		{"bad timestamp", map[string]interface{}{"expires_at": "tomorrow"}, "not RFC 3339"},
		{"unknown constraint key", map[string]interface{}{"constraints": map[string]interface{}{"channel": "web"}}, "unknown constraint key"},
		{"extra top-level field", map[string]interface{}{"surprise": true}, "does not match schema"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Verify(acpToken(tc.overrides))
			assert.Equal(t, StatusInvalidFormat, res.Status)
			assert.Contains(t, res.Reason, tc.reason)
		})
	}
}

func TestACP_Expired(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)
	res := v.Verify(acpToken(map[string]interface{}{
		"expires_at": testNow.Add(-time.Second).Format(time.RFC3339),
	}))
	assert.Equal(t, StatusExpired, res.Status)
}

func TestACP_ExpiryBoundary(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)

	// expires_at == now is already expired; one second later is not.
	res := v.Verify(acpToken(map[string]interface{}{"expires_at": testNow.Format(time.RFC3339)}))
	assert.Equal(t, StatusExpired, res.Status)

	res = v.Verify(acpToken(map[string]interface{}{"expires_at": testNow.Add(time.Second).Format(time.RFC3339)}))
	assert.Equal(t, StatusValid, res.Status)
}

func TestACP_ZeroAmountIsRevoked(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)
	res := v.Verify(acpToken(map[string]interface{}{"max_amount": "0.00"}))
	assert.Equal(t, StatusRevoked, res.Status)
}

func TestACP_AmountBoundaries(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)

	res := v.Verify(acpToken(map[string]interface{}{"max_amount": "0.01"}))
	assert.Equal(t, StatusValid, res.Status)

	res = v.Verify(acpToken(map[string]interface{}{"max_amount": "999999.99"}))
	assert.Equal(t, StatusValid, res.Status)
}

func TestACP_MerchantConstraintMismatch(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)
	res := v.Verify(acpToken(map[string]interface{}{
		"constraints": map[string]interface{}{"merchant": "m-other"},
	}))
	assert.Equal(t, StatusScopeInvalid, res.Status)
}

func TestACP_PSPAllowlist(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), []string{"psp-adyen"})

	res := v.Verify(acpToken(nil))
	assert.Equal(t, StatusIssuerUnknown, res.Status)

	res = v.Verify(acpToken(map[string]interface{}{"psp_id": "psp-adyen"}))
	assert.Equal(t, StatusValid, res.Status)
}

func TestACP_NoConstraintsIsFine(t *testing.T) {
	v := NewACPVerifier(clock.NewFake(testNow), nil)
	res := v.Verify(acpToken(map[string]interface{}{"constraints": nil}))
	assert.Equal(t, StatusValid, res.Status)
}
