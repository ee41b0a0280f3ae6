package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/truststore"
)

// AP2Envelope is the create-time wrapper around the compact JWS.
type AP2Envelope struct {
	VCJWT string `json:"vc_jwt"`
}

// AP2Verifier runs the JWS pipeline: structure, signature, required
// claims, expiry, scope. It short-circuits on the first failure.
type AP2Verifier struct {
	trust *truststore.Truststore
	clock clock.Clock
}

// NewAP2Verifier wires the verifier to its truststore and clock.
func NewAP2Verifier(trust *truststore.Truststore, clk clock.Clock) *AP2Verifier {
	return &AP2Verifier{trust: trust, clock: clk}
}

var (
	errAlgMismatch = errors.New("token alg does not match key algorithm")
	errNoIssuer    = errors.New("token has no iss claim")
)

// Verify checks a raw AP2 envelope. expectedScope is optional; when set,
// the token's scope claim must match it exactly.
func (v *AP2Verifier) Verify(rawPayload []byte, expectedScope string) Result {
	var env AP2Envelope
	if err := json.Unmarshal(rawPayload, &env); err != nil {
		return failure(StatusInvalidFormat, fmt.Sprintf("payload is not a vc_jwt envelope: %v", err))
	}
	if env.VCJWT == "" {
		return failure(StatusInvalidFormat, "vc_jwt field is missing or empty")
	}
	return v.VerifyJWS(env.VCJWT, expectedScope)
}

// VerifyJWS checks a compact JWS string directly.
func (v *AP2Verifier) VerifyJWS(vcJWT, expectedScope string) Result {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		// Expiry is checked against the injected clock below, not the
		// library's wall clock.
		jwt.WithoutClaimsValidation(),
	)

	if _, err := parser.ParseWithClaims(vcJWT, claims, v.keyFor); err != nil {
		return v.classifyParseError(err)
	}

	// Required claims.
	var missing []string
	for _, name := range []string{"iss", "sub", "iat", "exp"} {
		if _, ok := claims[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return failure(StatusMissingRequiredField,
			fmt.Sprintf("missing required claim(s): %s", strings.Join(missing, ", ")))
	}

	issuer, _ := claims["iss"].(string)
	subject, _ := claims["sub"].(string)
	expiresAt, err := numericClaimTime(claims["exp"])
	if err != nil {
		return failure(StatusInvalidFormat, fmt.Sprintf("exp claim is not a timestamp: %v", err))
	}

	// Expiry against the injected clock.
	now := v.clock.Now()
	if !expiresAt.After(now) {
		return Result{
			Status:    StatusExpired,
			Reason:    fmt.Sprintf("credential expired at %s", expiresAt.UTC().Format(time.RFC3339)),
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: expiresAt,
		}
	}

	// Scope.
	scopeClaim, _ := claims["scope"].(string)
	if expectedScope != "" && scopeClaim != expectedScope {
		return Result{
			Status:    StatusScopeInvalid,
			Reason:    fmt.Sprintf("scope %q does not match expected %q", scopeClaim, expectedScope),
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: expiresAt,
		}
	}

	result := Result{
		Status:    StatusValid,
		Reason:    "All verification checks passed",
		Issuer:    issuer,
		Subject:   subject,
		ExpiresAt: expiresAt,
		Details:   map[string]interface{}{"alg": v.headerString(vcJWT, "alg"), "kid": v.headerString(vcJWT, "kid")},
	}
	if scopeClaim != "" {
		result.Scope = map[string]interface{}{"scope": scopeClaim}
	}

	// Optional money claims.
	if raw, ok := claims["amount_limit"]; ok {
		if amt, err := decimalFromClaim(raw); err == nil {
			result.AmountLimit = &amt
		}
	}
	if cur, ok := claims["currency"].(string); ok {
		result.Currency = cur
	}
	return result
}

// keyFor is the jwt keyfunc: it reads alg/kid from the header and
// resolves the verification key from the truststore.
func (v *AP2Verifier) keyFor(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("header has no kid: %w", truststore.ErrKeyUnknown)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	issuer, _ := claims["iss"].(string)
	if issuer == "" {
		return nil, errNoIssuer
	}

	key, err := v.trust.Lookup(issuer, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != token.Method.Alg() {
		return nil, fmt.Errorf("%w: header alg %s, key alg %s", errAlgMismatch, token.Method.Alg(), key.Algorithm)
	}
	return key.Public, nil
}

func (v *AP2Verifier) classifyParseError(err error) Result {
	switch {
	case errors.Is(err, errNoIssuer):
		// Signature cannot be attributed without an issuer; report the
		// missing claim rather than an unknown issuer.
		return failure(StatusMissingRequiredField, "missing required claim(s): iss")
	case errors.Is(err, truststore.ErrIssuerUnknown):
		return failure(StatusIssuerUnknown, fmt.Sprintf("issuer not in truststore: %v", err))
	case errors.Is(err, truststore.ErrKeyUnknown):
		// The status taxonomy folds unknown-kid into ISSUER_UNKNOWN; the
		// reason keeps the distinction.
		return failure(StatusIssuerUnknown, fmt.Sprintf("key not in truststore: %v", err))
	case errors.Is(err, errAlgMismatch):
		return failure(StatusSigInvalid, err.Error())
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return failure(StatusSigInvalid, "signature verification failed")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return failure(StatusInvalidFormat, fmt.Sprintf("malformed JWS: %v", err))
	default:
		return failure(StatusInvalidFormat, fmt.Sprintf("cannot verify JWS: %v", err))
	}
}

// headerString re-decodes one header field for the result details. The
// header already survived parsing, so failures here just yield "".
func (v *AP2Verifier) headerString(vcJWT, field string) string {
	parts := strings.SplitN(vcJWT, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	raw, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return ""
	}
	var hdr map[string]interface{}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return ""
	}
	s, _ := hdr[field].(string)
	return s
}

func numericClaimTime(raw interface{}) (time.Time, error) {
	switch n := raw.(type) {
	case float64:
		return time.Unix(int64(n), 0).UTC(), nil
	case json.Number:
		sec, err := n.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", raw)
	}
}

func decimalFromClaim(raw interface{}) (decimal.Decimal, error) {
	switch n := raw.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", raw)
	}
}
