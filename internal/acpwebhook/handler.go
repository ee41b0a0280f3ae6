// Package acpwebhook handles PSP-sent lifecycle events for ACP
// authorizations: HMAC verification, event_id idempotency, and the
// resulting state transitions, all committed in one transaction.
package acpwebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/authvault/backend/internal/apperrors"
	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/config"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/multitenancy"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

// Inbound event types accepted from the PSP.
const (
	EventTokenUsed    = "token.used"
	EventTokenRevoked = "token.revoked"
)

// SignatureHeader carries the PSP's HMAC over the exact body bytes.
const SignatureHeader = "X-ACP-Signature"

// Event is the inbound envelope. Data keeps the token reference plus
// whatever transaction context the PSP attaches.
type Event struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp string    `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData is the event-specific payload.
type EventData struct {
	TokenID       string `json:"token_id"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	MerchantID    string `json:"merchant_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (e *Event) validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType != EventTokenUsed && e.EventType != EventTokenRevoked {
		return fmt.Errorf("unsupported event_type %q", e.EventType)
	}
	if e.Data.TokenID == "" {
		return fmt.Errorf("data.token_id is required")
	}
	return nil
}

// Outcome is the processing result for a well-formed, authenticated event.
type Outcome string

const (
	OutcomeApplied          Outcome = "ok"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Processor applies inbound ACP events to the store.
type Processor struct {
	store   storage.Store
	audit   *audit.Logger
	engine  *webhooks.Engine
	clock   clock.Clock
	cache   *IdempotencyCache
	metrics *monitoring.Metrics
	logger  *log.Logger
}

// NewProcessor wires the inbound pipeline.
func NewProcessor(store storage.Store, auditLog *audit.Logger, engine *webhooks.Engine, clk clock.Clock, cache *IdempotencyCache, metrics *monitoring.Metrics) *Processor {
	return &Processor{
		store:   store,
		audit:   auditLog,
		engine:  engine,
		clock:   clk,
		cache:   cache,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[ACP-IN] ", log.LstdFlags),
	}
}

// Process applies one authenticated event. Idempotency insert, token
// lookup, status transition, audit append, and outbound enqueue commit
// together; any failure past the idempotency check rolls all of it back
// so a PSP replay can retry cleanly.
func (p *Processor) Process(ctx context.Context, tenantID string, ev Event) (Outcome, error) {
	if err := ev.validate(); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvalidInput, err, "invalid ACP event")
	}

	if p.cache.Seen(ctx, tenantID, ev.EventID) {
		p.metrics.InboundEventsTotal.WithLabelValues(ev.EventType, "duplicate").Inc()
		return OutcomeAlreadyProcessed, nil
	}

	var (
		duplicate bool
		attempts  []uuid.UUID
	)
	err := p.store.WithinTx(ctx, func(tx storage.Store) error {
		fresh, err := tx.InsertIdempotencyKey(ctx, tenantID, ev.EventID, p.clock.Now())
		if err != nil {
			return fmt.Errorf("idempotency insert: %w", err)
		}
		if !fresh {
			duplicate = true
			return nil
		}

		auth, err := tx.FindByACPTokenID(ctx, tenantID, ev.Data.TokenID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.New(apperrors.KindNotFound, "no ACP authorization for token %s", ev.Data.TokenID)
			}
			return fmt.Errorf("resolve token: %w", err)
		}

		expected, target, auditType := transitionFor(ev.EventType)
		updated, err := tx.TransitionStatus(ctx, tenantID, auth.ID, expected, target)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return apperrors.New(apperrors.KindIllegalTransition,
					"cannot apply %s to authorization %s in status %s", ev.EventType, auth.ID, auth.Status)
			}
			return fmt.Errorf("transition: %w", err)
		}

		details := map[string]interface{}{
			"protocol":   string(verification.ProtocolACP),
			"token_id":   ev.Data.TokenID,
			"old_status": string(auth.Status),
			"new_status": string(updated.Status),
			"event_id":   ev.EventID,
		}
		if ev.EventType == EventTokenUsed {
			details["amount"] = ev.Data.Amount
			details["currency"] = ev.Data.Currency
			details["transaction_id"] = ev.Data.TransactionID
			details["merchant_id"] = ev.Data.MerchantID
		}
		if ev.EventType == EventTokenRevoked {
			reason := ev.Data.Reason
			if reason == "" {
				reason = "revoked by PSP"
			}
			details["reason"] = reason
			details["revoked_by"] = auth.Issuer
		}
		if err := p.audit.Emit(ctx, tx, audit.New(auth.ID, auditType, details)); err != nil {
			return err
		}

		outbound := map[string]interface{}{
			"authorization_id": auth.ID.String(),
			"tenant_id":        tenantID,
			"protocol":         string(verification.ProtocolACP),
			"token_id":         ev.Data.TokenID,
			"new_status":       string(updated.Status),
		}
		_, ids, err := p.engine.PublishTx(ctx, tx, tenantID, outboundEvent(ev.EventType), outbound)
		if err != nil {
			return err
		}
		attempts = ids
		return nil
	})
	if err != nil {
		p.metrics.InboundEventsTotal.WithLabelValues(ev.EventType, "error").Inc()
		return "", err
	}

	if duplicate {
		p.metrics.InboundEventsTotal.WithLabelValues(ev.EventType, "duplicate").Inc()
		return OutcomeAlreadyProcessed, nil
	}

	p.cache.Mark(ctx, tenantID, ev.EventID)
	p.engine.Kick(attempts...)
	p.metrics.InboundEventsTotal.WithLabelValues(ev.EventType, "applied").Inc()
	p.logger.Printf("Applied %s event=%s token=%s tenant=%s", ev.EventType, ev.EventID, ev.Data.TokenID, tenantID)
	return OutcomeApplied, nil
}

func transitionFor(eventType string) ([]authorization.Status, authorization.Status, audit.EventType) {
	if eventType == EventTokenRevoked {
		return []authorization.Status{authorization.StatusActive, authorization.StatusValid, authorization.StatusUsed},
			authorization.StatusRevoked, audit.EventRevoked
	}
	return []authorization.Status{authorization.StatusActive, authorization.StatusValid},
		authorization.StatusUsed, audit.EventUsed
}

func outboundEvent(eventType string) string {
	if eventType == EventTokenRevoked {
		return webhooks.EventMandateRevoked
	}
	return webhooks.EventMandateUsed
}

// Handler is the HTTP surface for POST /webhooks/acp. The tenant comes
// from the identity middleware; the signature gates everything else.
type Handler struct {
	processor *Processor
	tenants   *config.TenantManager
	maxBytes  int64
}

// NewHandler builds the transport handler.
func NewHandler(processor *Processor, tenants *config.TenantManager, maxBytes int64) *Handler {
	return &Handler{processor: processor, tenants: tenants, maxBytes: maxBytes}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := multitenancy.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "tenant identity missing")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unreadable body")
		return
	}
	if int64(len(body)) > h.maxBytes {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "payload exceeds size limit")
		return
	}

	secret := h.tenants.ACPSecret(identity.TenantID)
	if secret == "" || !webhooks.VerifySignature(body, secret, r.Header.Get(SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "signature mismatch")
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed event body")
		return
	}

	outcome, err := h.processor.Process(r.Context(), identity.TenantID, ev)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindInvalidInput:
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		case apperrors.KindNotFound:
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		case apperrors.KindIllegalTransition:
			writeError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", "processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   string(outcome),
		"event_id": ev.EventID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": message})
}
