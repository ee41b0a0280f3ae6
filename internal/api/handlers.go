package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/authvault/backend/internal/apperrors"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/multitenancy"
	"github.com/authvault/backend/internal/service"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
)

type createPayload struct {
	Protocol      string          `json:"protocol"`
	Payload       json.RawMessage `json:"payload"`
	ExpectedScope string          `json:"expected_scope,omitempty"`
	RetentionDays int             `json:"retention_days,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())

	var body createPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}

	auth, err := s.service.Create(r.Context(), caller, service.CreateRequest{
		Protocol:      verification.Protocol(body.Protocol),
		Payload:       body.Payload,
		ExpectedScope: body.ExpectedScope,
		RetentionDays: body.RetentionDays,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auth)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	auth, err := s.service.Get(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())

	f, p, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	rows, total, err := s.service.Search(r.Context(), caller, f, p)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": rows,
		"total": total,
	})
}

func (s *Server) handleReverify(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.Reverify(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason     string `json:"reason"`
		SoftDelete bool   `json:"soft_delete,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	auth, err := s.service.Revoke(r.Context(), caller, id, body.Reason, body.SoftDelete)
	if err != nil {
		if apperrors.Is(err, apperrors.KindIllegalTransition) && auth != nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":         "ILLEGAL_TRANSITION",
				"message":       err.Error(),
				"authorization": auth,
			})
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := s.service.AuditTrail(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleExportEvidence(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pack, err := s.service.ExportEvidence(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pack.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack.Bytes)
}

type subscriptionPayload struct {
	URL               string   `json:"url"`
	Secret            string   `json:"secret"`
	Events            []string `json:"events"`
	MaxRetries        int      `json:"max_retries,omitempty"`
	BackoffSeedSecond int      `json:"backoff_seed_seconds,omitempty"`
	BackoffCapSecond  int      `json:"backoff_cap_seconds,omitempty"`
}

func (s *Server) handleRegisterSubscription(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())

	var body subscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	sub := &webhooks.Subscription{
		TenantID:    caller.TenantID,
		URL:         body.URL,
		Secret:      body.Secret,
		Events:      body.Events,
		MaxRetries:  body.MaxRetries,
		BackoffSeed: time.Duration(body.BackoffSeedSecond) * time.Second,
		BackoffCap:  time.Duration(body.BackoffCapSecond) * time.Second,
	}
	if err := s.engine.Register(r.Context(), sub); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	subs, err := s.store.ListSubscriptions(r.Context(), caller.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

func (s *Server) handleSetSubscriptionEnabled(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if err := s.store.SetSubscriptionEnabled(r.Context(), caller.TenantID, id, body.Enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": body.Enabled})
}

func (s *Server) handleListDeliveriesByEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(mux.Vars(r)["event_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "event_id must be a UUID")
		return
	}
	attempts, err := s.store.ListDeliveryAttemptsByEvent(r.Context(), eventID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	alerts, err := s.store.ListAlerts(r.Context(), caller.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleListDeadDeliveries(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	if !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	dead, err := s.store.ListDeadDeliveryAttempts(r.Context(), 200)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": dead})
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	caller, _ := multitenancy.FromContext(r.Context())
	if !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attempt, err := s.engine.RetryDead(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseSearchQuery(r *http.Request) (authorization.Filter, authorization.Page, error) {
	q := r.URL.Query()
	var f authorization.Filter
	var p authorization.Page

	if v := q.Get("protocol"); v != "" {
		proto := verification.Protocol(v)
		if !proto.Valid() {
			return f, p, fmt.Errorf("unknown protocol %q", v)
		}
		f.Protocol = &proto
	}
	if v := q.Get("status"); v != "" {
		status := authorization.Status(v)
		f.Status = &status
	}
	f.Issuer = q.Get("issuer")
	f.Subject = q.Get("subject")
	f.Currency = q.Get("currency")
	f.IncludeDeleted = q.Get("include_deleted") == "true"

	for name, dst := range map[string]**decimal.Decimal{
		"min_amount": &f.MinAmount,
		"max_amount": &f.MaxAmount,
	} {
		if v := q.Get(name); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return f, p, fmt.Errorf("%s is not a decimal", name)
			}
			*dst = &d
		}
	}
	for name, dst := range map[string]**time.Time{
		"expires_before": &f.ExpiresBefore,
		"expires_after":  &f.ExpiresAfter,
		"created_before": &f.CreatedBefore,
		"created_after":  &f.CreatedAfter,
	} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, p, fmt.Errorf("%s is not RFC 3339", name)
			}
			*dst = &t
		}
	}

	if v := q.Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &p.Offset)
	}
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &p.Limit)
	}
	p.SortBy = q.Get("sort_by")
	p.SortDesc = q.Get("sort_desc") == "true"
	return f, p, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": message})
}

// writeStoreError maps raw store sentinels for the handlers that reach
// the store without going through the service layer.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "STORE_CONFLICT", err.Error())
	default:
		writeAppError(w, err)
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperrors.KindInvalidInput, apperrors.KindProtocolDisabled:
		status = http.StatusBadRequest
	case apperrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.KindForbidden:
		status = http.StatusForbidden
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindIllegalTransition, apperrors.KindStoreConflict:
		status = http.StatusConflict
	case apperrors.KindStoreTimeout:
		status = http.StatusServiceUnavailable
	}
	message := err.Error()
	if kind == apperrors.KindInternal {
		message = "internal error"
	}
	writeError(w, status, string(kind), message)
}
