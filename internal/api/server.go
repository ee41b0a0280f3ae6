// Package api exposes the vault over REST/JSON. Handlers only decode
// and encode; every rule lives in the core packages.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authvault/backend/internal/acpwebhook"
	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/service"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/webhooks"
)

// Server is the HTTP surface of the vault.
type Server struct {
	service    *service.AuthorizationService
	engine     *webhooks.Engine
	store      storage.Store
	acpHandler *acpwebhook.Handler
	limiter    *middleware.RateLimiter
	logger     *log.Logger
	httpServer *http.Server
}

// NewServer wires the transport.
func NewServer(svc *service.AuthorizationService, engine *webhooks.Engine, store storage.Store, acpHandler *acpwebhook.Handler, limiter *middleware.RateLimiter) *Server {
	return &Server{
		service:    svc,
		engine:     engine,
		store:      store,
		acpHandler: acpHandler,
		limiter:    limiter,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	// Unauthenticated surface.
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Inbound PSP webhooks: tenant identity required, HMAC does the
	// authentication inside the handler.
	r.Handle("/webhooks/acp",
		middleware.IdentityMiddleware(s.acpHandler)).Methods("POST")

	// Tenant API.
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.limiter.Middleware)
	apiRouter.Use(middleware.IdentityMiddleware)

	apiRouter.HandleFunc("/authorizations", s.handleCreate).Methods("POST")
	apiRouter.HandleFunc("/authorizations", s.handleSearch).Methods("GET")
	apiRouter.HandleFunc("/authorizations/{id}", s.handleGet).Methods("GET")
	apiRouter.HandleFunc("/authorizations/{id}/reverify", s.handleReverify).Methods("POST")
	apiRouter.HandleFunc("/authorizations/{id}/revoke", s.handleRevoke).Methods("POST")
	apiRouter.HandleFunc("/authorizations/{id}/audit", s.handleAuditTrail).Methods("GET")
	apiRouter.HandleFunc("/authorizations/{id}/evidence", s.handleExportEvidence).Methods("GET")

	apiRouter.HandleFunc("/subscriptions", s.handleRegisterSubscription).Methods("POST")
	apiRouter.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods("GET")
	apiRouter.HandleFunc("/subscriptions/{id}/enabled", s.handleSetSubscriptionEnabled).Methods("PUT")
	apiRouter.HandleFunc("/deliveries/events/{event_id}", s.handleListDeliveriesByEvent).Methods("GET")

	apiRouter.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")

	// Admin surface.
	apiRouter.HandleFunc("/admin/deliveries/dead", s.handleListDeadDeliveries).Methods("GET")
	apiRouter.HandleFunc("/admin/deliveries/{id}/retry", s.handleForceRetry).Methods("POST")

	return r
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("Listening on :%d", port)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
