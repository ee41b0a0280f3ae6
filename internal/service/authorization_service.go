// Package service is the façade in front of the core: it orchestrates
// verification, persistence, auditing, and outbound notification for
// the authorization operations, and is the only package the transport
// layer calls.
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/apperrors"
	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/evidence"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/multitenancy"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

// maxAmount is the upper bound on any money field, matching the
// decimal(18,2) column contract.
var maxAmount = decimal.RequireFromString("999999.99")

// CreateRequest is the input to Create.
type CreateRequest struct {
	Protocol      verification.Protocol
	Payload       []byte
	ExpectedScope string
	RetentionDays int
}

// AuthorizationService orchestrates the core for transport handlers.
type AuthorizationService struct {
	store      storage.Store
	dispatcher *verification.Dispatcher
	audit      *audit.Logger
	engine     *webhooks.Engine
	exporter   *evidence.Exporter
	clock      clock.Clock
	metrics    *monitoring.Metrics
	logger     *log.Logger
	maxPayload int
}

// NewAuthorizationService wires the façade.
func NewAuthorizationService(
	store storage.Store,
	dispatcher *verification.Dispatcher,
	auditLog *audit.Logger,
	engine *webhooks.Engine,
	exporter *evidence.Exporter,
	clk clock.Clock,
	metrics *monitoring.Metrics,
	maxPayloadBytes int,
) *AuthorizationService {
	return &AuthorizationService{
		store:      store,
		dispatcher: dispatcher,
		audit:      auditLog,
		engine:     engine,
		exporter:   exporter,
		clock:      clk,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[SERVICE] ", log.LstdFlags),
		maxPayload: maxPayloadBytes,
	}
}

// Create verifies the payload, persists the authorization, audits
// CREATED, and publishes mandate.created when verification passed.
// Verification failures that still yield a storable entity are not
// errors: the row is persisted ACTIVE with the failing status recorded.
func (s *AuthorizationService) Create(ctx context.Context, caller multitenancy.Identity, req CreateRequest) (*authorization.Authorization, error) {
	if len(req.Payload) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "payload is required")
	}
	if len(req.Payload) > s.maxPayload {
		return nil, apperrors.New(apperrors.KindInvalidInput, "payload exceeds %d bytes", s.maxPayload)
	}
	if req.RetentionDays < 0 || req.RetentionDays > 365 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "retention_days must be within 0..365")
	}

	result, err := s.dispatcher.Verify(req.Protocol, req.Payload, req.ExpectedScope)
	if err != nil {
		return nil, err
	}
	s.metrics.VerificationsTotal.WithLabelValues(string(req.Protocol), string(result.Status)).Inc()

	// Only unparseable payloads are rejected outright; an attributable
	// failing verdict (bad signature, unknown issuer, expired token)
	// still persists so the failure leaves durable evidence.
	switch result.Status {
	case verification.StatusInvalidFormat, verification.StatusMissingRequiredField:
		return nil, apperrors.New(apperrors.KindInvalidInput, "verification rejected payload: %s", result.Reason)
	}
	if result.IsValid() {
		if !result.ExpiresAt.After(s.clock.Now()) {
			return nil, apperrors.New(apperrors.KindInvalidInput, "expires_at must be strictly in the future")
		}
		if err := validateAmount(result.AmountLimit); err != nil {
			return nil, err
		}
	}

	status := authorization.StatusActive
	if result.IsValid() {
		status = authorization.StatusValid
	}
	auth := &authorization.Authorization{
		ID:                 uuid.New(),
		Protocol:           req.Protocol,
		TenantID:           caller.TenantID,
		Issuer:             result.Issuer,
		Subject:            result.Subject,
		Scope:              result.Scope,
		AmountLimit:        result.AmountLimit,
		Currency:           result.Currency,
		ExpiresAt:          result.ExpiresAt,
		Status:             status,
		VerificationStatus: result.Status,
		VerificationReason: result.Reason,
		RawPayload:         req.Payload,
		RetentionDays:      req.RetentionDays,
	}

	var attempts []uuid.UUID
	err = s.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateAuthorization(ctx, auth); err != nil {
			return mapStoreError(err)
		}
		ev := audit.New(auth.ID, audit.EventCreated, map[string]interface{}{
			"protocol":            string(auth.Protocol),
			"issuer":              auth.Issuer,
			"subject":             auth.Subject,
			"verification_status": string(result.Status),
			"user_id":             caller.UserID,
			"ip_address":          caller.IPAddress,
		})
		if err := s.audit.Emit(ctx, tx, ev); err != nil {
			return err
		}
		if result.IsValid() {
			verified := audit.New(auth.ID, audit.EventVerified, map[string]interface{}{
				"protocol":            string(auth.Protocol),
				"verification_status": string(result.Status),
				"reason":              result.Reason,
				"old_status":          string(authorization.StatusActive),
				"new_status":          string(status),
			})
			if err := s.audit.Emit(ctx, tx, verified); err != nil {
				return err
			}
			_, ids, err := s.engine.PublishTx(ctx, tx, caller.TenantID, webhooks.EventMandateCreated, s.eventData(auth))
			if err != nil {
				return err
			}
			attempts = ids
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.Kick(attempts...)
	s.logger.Printf("Created authorization %s protocol=%s tenant=%s verification=%s",
		auth.ID, auth.Protocol, auth.TenantID, auth.VerificationStatus)
	return auth, nil
}

// Reverify re-runs the verification pipeline against the stored raw
// payload. The only status transition it may cause is VALID or ACTIVE
// moving to EXPIRED when the clock crossed expires_at; terminal rows
// keep their status and the result conveys the underlying verdict.
func (s *AuthorizationService) Reverify(ctx context.Context, caller multitenancy.Identity, id uuid.UUID) (verification.Result, error) {
	auth, err := s.Get(ctx, caller, id)
	if err != nil {
		return verification.Result{}, err
	}

	result, err := s.dispatcher.Verify(auth.Protocol, auth.RawPayload, "")
	if err != nil {
		return verification.Result{}, err
	}
	s.metrics.VerificationsTotal.WithLabelValues(string(auth.Protocol), string(result.Status)).Inc()

	newStatus := auth.Status
	err = s.store.WithinTx(ctx, func(tx storage.Store) error {
		if result.Status == verification.StatusExpired && !auth.Status.IsTerminal() {
			updated, err := tx.TransitionStatus(ctx, caller.TenantID, id,
				[]authorization.Status{authorization.StatusActive, authorization.StatusValid},
				authorization.StatusExpired)
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				return mapStoreError(err)
			}
			if err == nil {
				newStatus = updated.Status
			}
		}
		if err := tx.SetVerification(ctx, caller.TenantID, id, string(result.Status), result.Reason); err != nil {
			return mapStoreError(err)
		}
		ev := audit.New(id, audit.EventVerified, map[string]interface{}{
			"protocol":            string(auth.Protocol),
			"verification_status": string(result.Status),
			"reason":              result.Reason,
			"old_status":          string(auth.Status),
			"new_status":          string(newStatus),
		})
		return s.audit.Emit(ctx, tx, ev)
	})
	if err != nil {
		return verification.Result{}, err
	}
	return result, nil
}

// Revoke conditionally moves the authorization to REVOKED, audits, and
// publishes mandate.revoked. Revoking an already-REVOKED row returns
// the current state alongside an ILLEGAL_TRANSITION error; no state
// change and no new audit event happen.
func (s *AuthorizationService) Revoke(ctx context.Context, caller multitenancy.Identity, id uuid.UUID, reason string, softDelete bool) (*authorization.Authorization, error) {
	var (
		updated  *authorization.Authorization
		attempts []uuid.UUID
	)
	err := s.store.WithinTx(ctx, func(tx storage.Store) error {
		current, err := tx.GetAuthorization(ctx, caller.TenantID, id, false)
		if err != nil {
			return mapStoreError(err)
		}
		updated, err = tx.TransitionStatus(ctx, caller.TenantID, id,
			[]authorization.Status{authorization.StatusActive, authorization.StatusValid, authorization.StatusUsed},
			authorization.StatusRevoked)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				updated = current
				return apperrors.New(apperrors.KindIllegalTransition,
					"authorization %s is already %s", id, current.Status)
			}
			return mapStoreError(err)
		}
		ev := audit.New(id, audit.EventRevoked, map[string]interface{}{
			"protocol":   string(current.Protocol),
			"reason":     reason,
			"revoked_by": caller.UserID,
			"old_status": string(current.Status),
			"new_status": string(updated.Status),
		})
		if err := s.audit.Emit(ctx, tx, ev); err != nil {
			return err
		}
		if softDelete {
			if err := tx.SoftDeleteAuthorization(ctx, caller.TenantID, id); err != nil {
				return mapStoreError(err)
			}
		}
		_, ids, err := s.engine.PublishTx(ctx, tx, caller.TenantID, webhooks.EventMandateRevoked, s.eventData(updated))
		if err != nil {
			return err
		}
		attempts = ids
		return nil
	})
	if err != nil {
		// Second revoke: hand back the row we saw so the caller can
		// render current state.
		if apperrors.Is(err, apperrors.KindIllegalTransition) {
			return updated, err
		}
		return nil, err
	}
	s.engine.Kick(attempts...)
	s.logger.Printf("Revoked authorization %s tenant=%s by=%s", id, caller.TenantID, caller.UserID)
	return updated, nil
}

// Get loads one authorization in the caller's tenant scope. A row in
// another tenant reads as NOT_FOUND, never FORBIDDEN.
func (s *AuthorizationService) Get(ctx context.Context, caller multitenancy.Identity, id uuid.UUID) (*authorization.Authorization, error) {
	auth, err := s.store.GetAuthorization(ctx, caller.TenantID, id, false)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return auth, nil
}

// Search lists authorizations in the caller's tenant. The tenant filter
// is forced from the identity regardless of what the caller passed.
func (s *AuthorizationService) Search(ctx context.Context, caller multitenancy.Identity, f authorization.Filter, p authorization.Page) ([]*authorization.Authorization, int, error) {
	f.TenantID = caller.TenantID
	rows, total, err := s.store.SearchAuthorizations(ctx, f, p)
	if err != nil {
		return nil, 0, mapStoreError(err)
	}
	return rows, total, nil
}

// ExportEvidence builds the compliance archive for one authorization,
// soft-deleted rows included, and audits EXPORTED.
func (s *AuthorizationService) ExportEvidence(ctx context.Context, caller multitenancy.Identity, id uuid.UUID) (*evidence.Pack, error) {
	auth, err := s.store.GetAuthorization(ctx, caller.TenantID, id, true)
	if err != nil {
		return nil, mapStoreError(err)
	}
	trail, err := s.store.ListAuditEvents(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}

	pack, err := s.exporter.Export(auth, trail, s.clock.Now())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "build evidence pack")
	}

	ev := audit.New(id, audit.EventExported, map[string]interface{}{
		"protocol": string(auth.Protocol),
		"filename": pack.Filename,
		"user_id":  caller.UserID,
	})
	if err := s.audit.Emit(ctx, s.store, ev); err != nil {
		return nil, err
	}
	s.logger.Printf("Exported %s for tenant=%s by=%s", pack.Filename, caller.TenantID, caller.UserID)
	return pack, nil
}

// AuditTrail returns the ordered audit events for an authorization the
// caller can see.
func (s *AuthorizationService) AuditTrail(ctx context.Context, caller multitenancy.Identity, id uuid.UUID) ([]*audit.Event, error) {
	if _, err := s.store.GetAuthorization(ctx, caller.TenantID, id, true); err != nil {
		return nil, mapStoreError(err)
	}
	events, err := s.store.ListAuditEvents(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return events, nil
}

func (s *AuthorizationService) eventData(auth *authorization.Authorization) map[string]interface{} {
	data := map[string]interface{}{
		"authorization_id": auth.ID.String(),
		"tenant_id":        auth.TenantID,
		"protocol":         string(auth.Protocol),
		"issuer":           auth.Issuer,
		"subject":          auth.Subject,
		"status":           string(auth.Status),
		"expires_at":       auth.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if auth.AmountLimit != nil {
		data["amount_limit"] = auth.AmountLimit.StringFixed(2)
		data["currency"] = auth.Currency
	}
	return data
}

func validateAmount(amount *decimal.Decimal) error {
	if amount == nil {
		return nil
	}
	if !amount.IsPositive() {
		return apperrors.New(apperrors.KindInvalidInput, "amount_limit must be strictly positive")
	}
	if amount.GreaterThan(maxAmount) {
		return apperrors.New(apperrors.KindInvalidInput, "amount_limit exceeds 999999.99")
	}
	if amount.Exponent() < -2 {
		return apperrors.New(apperrors.KindInvalidInput, "amount_limit allows at most 2 decimal places")
	}
	return nil
}

// mapStoreError translates store sentinels and context errors into the
// caller-facing taxonomy.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.KindNotFound, err, "not found")
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.KindStoreConflict, err, "conditional update lost")
	case errors.Is(err, storage.ErrDuplicate):
		return apperrors.Wrap(apperrors.KindStoreConflict, err, "duplicate")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindStoreTimeout, err, "store operation timed out")
	default:
		return apperrors.Wrap(apperrors.KindInternal, err, "store failure")
	}
}
