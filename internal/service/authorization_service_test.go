package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authvault/backend/internal/apperrors"
	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/evidence"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/multitenancy"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/truststore"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

var (
	testNow     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testMetrics = monitoring.NewMetrics()

	callerA = multitenancy.Identity{TenantID: "tenant-a", UserID: "user-1", Role: multitenancy.RoleUser, IPAddress: "10.0.0.1"}
	callerB = multitenancy.Identity{TenantID: "tenant-b", UserID: "user-2", Role: multitenancy.RoleUser}
)

type serviceFixture struct {
	store   *storage.Memory
	engine  *webhooks.Engine
	service *AuthorizationService
	clock   *clock.Fake
}

func newServiceFixture() *serviceFixture {
	clk := clock.NewFake(testNow)
	store := storage.NewMemory(clk)
	engine := webhooks.NewEngine(store, clk, testMetrics, webhooks.Config{})
	dispatcher := verification.NewDispatcher(
		verification.NewAP2Verifier(truststore.NewStatic(nil), clk),
		verification.NewACPVerifier(clk, nil),
		true,
	)
	svc := NewAuthorizationService(store, dispatcher, audit.NewLogger(), engine,
		evidence.NewExporter(), clk, testMetrics, 64*1024)
	return &serviceFixture{store: store, engine: engine, service: svc, clock: clk}
}

func (f *serviceFixture) subscribe(t *testing.T, events ...string) {
	t.Helper()
	require.NoError(t, f.engine.Register(context.Background(), &webhooks.Subscription{
		TenantID: "tenant-a",
		URL:      "https://hooks.example/sink",
		Secret:   "s",
		Events:   events,
	}))
}

func acpPayload(overrides map[string]interface{}) []byte {
	token := map[string]interface{}{
		"token_id":    "acp-1",
		"psp_id":      "psp-stripe",
		"merchant_id": "m-acme",
		"max_amount":  "100.00",
		"currency":    "USD",
		"expires_at":  testNow.Add(30 * 24 * time.Hour).Format(time.RFC3339),
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

func (f *serviceFixture) create(t *testing.T, caller multitenancy.Identity, payload []byte) *authorization.Authorization {
	t.Helper()
	auth, err := f.service.Create(context.Background(), caller, CreateRequest{
		Protocol: verification.ProtocolACP,
		Payload:  payload,
	})
	require.NoError(t, err)
	return auth
}

func TestCreate_ValidACP(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateCreated)

	auth := f.create(t, callerA, acpPayload(nil))

	assert.Equal(t, authorization.StatusValid, auth.Status)
	assert.Equal(t, verification.StatusValid, auth.VerificationStatus)
	assert.Equal(t, "psp-stripe", auth.Issuer)
	assert.Equal(t, "tenant-a", auth.TenantID)
	assert.Equal(t, "100.00", auth.AmountLimit.StringFixed(2))

	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventCreated, events[0].Type)
	assert.Equal(t, audit.EventVerified, events[1].Type)
	assert.Equal(t, "VALID", events[0].Details["verification_status"])
	assert.Equal(t, "user-1", events[0].Details["user_id"])
	assert.Equal(t, "10.0.0.1", events[0].Details["ip_address"])

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, webhooks.EventMandateCreated, due[0].EventType)
}

func TestCreate_VerificationFailureStillPersists(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateCreated)

	// The merchant constraint fails, but the token itself is storable.
	auth := f.create(t, callerA, acpPayload(map[string]interface{}{
		"constraints": map[string]interface{}{"merchant": "m-other"},
	}))

	assert.Equal(t, authorization.StatusActive, auth.Status)
	assert.Equal(t, verification.StatusScopeInvalid, auth.VerificationStatus)
	assert.NotEmpty(t, auth.VerificationReason)

	// CREATED only: no VERIFIED audit and no mandate.created for a
	// credential that did not pass.
	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventCreated, events[0].Type)
	assert.Equal(t, "SCOPE_INVALID", events[0].Details["verification_status"])

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCreate_ExpiredTokenPersistsVerdict(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateCreated)

	auth := f.create(t, callerA, acpPayload(map[string]interface{}{
		"expires_at": testNow.Add(-time.Hour).Format(time.RFC3339),
	}))

	assert.Equal(t, authorization.StatusActive, auth.Status)
	assert.Equal(t, verification.StatusExpired, auth.VerificationStatus)

	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventCreated, events[0].Type)
	assert.Equal(t, "EXPIRED", events[0].Details["verification_status"])

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCreate_TamperedSignaturePersistsSigInvalid(t *testing.T) {
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clk := clock.NewFake(testNow)
	store := storage.NewMemory(clk)
	engine := webhooks.NewEngine(store, clk, testMetrics, webhooks.Config{})
	trust := truststore.NewStatic(map[string][]truststore.Key{
		"did:web:bank.example": {{KeyID: "k1", Algorithm: "RS256", Public: &key.PublicKey}},
	})
	dispatcher := verification.NewDispatcher(
		verification.NewAP2Verifier(trust, clk),
		verification.NewACPVerifier(clk, nil),
		true,
	)
	svc := NewAuthorizationService(store, dispatcher, audit.NewLogger(), engine,
		evidence.NewExporter(), clk, testMetrics, 64*1024)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "did:web:bank.example",
		"sub": "did:example:alice",
		"iat": testNow.Add(-time.Hour).Unix(),
		"exp": testNow.Add(24 * time.Hour).Unix(),
	})
	token.Header["kid"] = "k1"
	jws, err := token.SignedString(key)
	require.NoError(t, err)

	// Corrupt the signature segment; header and claims still parse.
	parts := strings.Split(jws, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	payload, err := json.Marshal(map[string]string{
		"vc_jwt": parts[0] + "." + parts[1] + "." + string(sig),
	})
	require.NoError(t, err)

	auth, err := svc.Create(ctx, callerA, CreateRequest{
		Protocol: verification.ProtocolAP2,
		Payload:  payload,
	})
	require.NoError(t, err)

	assert.Equal(t, authorization.StatusActive, auth.Status)
	assert.Equal(t, verification.StatusSigInvalid, auth.VerificationStatus)
	assert.True(t, auth.ExpiresAt.IsZero())

	events, err := store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventCreated, events[0].Type)
	assert.Equal(t, "SIG_INVALID", events[0].Details["verification_status"])
}

func TestCreate_ZeroAmountPersistsAsRevokedVerdict(t *testing.T) {
	f := newServiceFixture()

	auth := f.create(t, callerA, acpPayload(map[string]interface{}{"max_amount": "0.00"}))
	assert.Equal(t, authorization.StatusActive, auth.Status)
	assert.Equal(t, verification.StatusRevoked, auth.VerificationStatus)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty payload", nil},
		{"malformed token", []byte(`{"token_id":}`)},
		{"missing required field", acpPayload(map[string]interface{}{"psp_id": nil})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, callerA, CreateRequest{
				Protocol: verification.ProtocolACP,
				Payload:  tc.payload,
			})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))
		})
	}

	// Nothing was persisted.
	_, total, err := f.store.SearchAuthorizations(ctx,
		authorization.Filter{TenantID: "tenant-a"}, authorization.Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestCreate_PayloadSizeBoundary(t *testing.T) {
	clk := clock.NewFake(testNow)
	store := storage.NewMemory(clk)
	engine := webhooks.NewEngine(store, clk, testMetrics, webhooks.Config{})
	dispatcher := verification.NewDispatcher(
		verification.NewAP2Verifier(truststore.NewStatic(nil), clk),
		verification.NewACPVerifier(clk, nil),
		true,
	)

	payload := acpPayload(nil)

	// Limit exactly at the payload size passes, one byte under fails.
	svc := NewAuthorizationService(store, dispatcher, audit.NewLogger(), engine,
		evidence.NewExporter(), clk, testMetrics, len(payload))
	_, err := svc.Create(context.Background(), callerA, CreateRequest{
		Protocol: verification.ProtocolACP, Payload: payload,
	})
	require.NoError(t, err)

	tight := NewAuthorizationService(store, dispatcher, audit.NewLogger(), engine,
		evidence.NewExporter(), clk, testMetrics, len(payload)-1)
	_, err = tight.Create(context.Background(), callerA, CreateRequest{
		Protocol: verification.ProtocolACP, Payload: payload,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))
}

func TestCreate_RetentionBounds(t *testing.T) {
	f := newServiceFixture()
	_, err := f.service.Create(context.Background(), callerA, CreateRequest{
		Protocol:      verification.ProtocolACP,
		Payload:       acpPayload(nil),
		RetentionDays: 366,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))
}

func TestRevoke(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	f.subscribe(t, webhooks.EventMandateRevoked)

	auth := f.create(t, callerA, acpPayload(nil))

	revoked, err := f.service.Revoke(ctx, callerA, auth.ID, "user request", false)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusRevoked, revoked.Status)

	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventRevoked, last.Type)
	assert.Equal(t, "user request", last.Details["reason"])
	assert.Equal(t, "VALID", last.Details["old_status"])
	assert.Equal(t, "REVOKED", last.Details["new_status"])

	due, err := f.store.ListDueDeliveryAttempts(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, webhooks.EventMandateRevoked, due[0].EventType)
}

func TestRevoke_TwiceReturnsCurrentState(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(nil))
	_, err := f.service.Revoke(ctx, callerA, auth.ID, "first", false)
	require.NoError(t, err)

	before, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)

	current, err := f.service.Revoke(ctx, callerA, auth.ID, "second", false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindIllegalTransition))
	require.NotNil(t, current)
	assert.Equal(t, authorization.StatusRevoked, current.Status)

	// No new audit event for the rejected second revoke.
	after, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestRevoke_SoftDelete(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(nil))
	_, err := f.service.Revoke(ctx, callerA, auth.ID, "gdpr", true)
	require.NoError(t, err)

	_, err = f.service.Get(ctx, callerA, auth.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	// The evidence pack still reaches the soft-deleted row.
	pack, err := f.service.ExportEvidence(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, pack.Bytes)
}

func TestGet_TenantIsolation(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(nil))

	_, err := f.service.Get(ctx, callerB, auth.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = f.service.AuditTrail(ctx, callerB, auth.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = f.service.ExportEvidence(ctx, callerB, auth.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestSearch_ForcesCallerTenant(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.create(t, callerA, acpPayload(nil))
	f.create(t, callerB, acpPayload(map[string]interface{}{"token_id": "acp-2"}))

	// A filter claiming another tenant is overridden by the identity.
	rows, total, err := f.service.Search(ctx, callerA,
		authorization.Filter{TenantID: "tenant-b"}, authorization.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "tenant-a", rows[0].TenantID)
}

func TestExportEvidence_AuditsExported(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(nil))

	pack, err := f.service.ExportEvidence(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, pack.Bytes)
	assert.Contains(t, pack.Filename, "evidence_pack_ACP_")

	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventExported, last.Type)
	assert.Equal(t, pack.Filename, last.Details["filename"])
}

func TestReverify_ExpiresStaleAuthorization(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(map[string]interface{}{
		"expires_at": testNow.Add(time.Hour).Format(time.RFC3339),
	}))
	require.Equal(t, authorization.StatusValid, auth.Status)

	f.clock.Advance(2 * time.Hour)

	result, err := f.service.Reverify(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusExpired, result.Status)

	got, err := f.service.Get(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusExpired, got.Status)
	assert.Equal(t, verification.StatusExpired, got.VerificationStatus)

	events, err := f.store.ListAuditEvents(ctx, auth.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventVerified, last.Type)
	assert.Equal(t, "EXPIRED", last.Details["new_status"])
}

func TestReverify_TerminalKeepsStatus(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	auth := f.create(t, callerA, acpPayload(nil))
	_, err := f.service.Revoke(ctx, callerA, auth.ID, "done", false)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)

	// The verdict reports EXPIRED, the lifecycle status stays REVOKED.
	result, err := f.service.Reverify(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusExpired, result.Status)

	got, err := f.service.Get(ctx, callerA, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusRevoked, got.Status)
}

func TestCreate_UUIDsAreUnique(t *testing.T) {
	f := newServiceFixture()

	a := f.create(t, callerA, acpPayload(nil))
	b := f.create(t, callerA, acpPayload(map[string]interface{}{"token_id": "acp-2"}))
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
