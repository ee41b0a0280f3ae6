// Package middleware carries the HTTP cross-cutting concerns: caller
// identity resolution and per-tenant rate limiting. Authentication of
// human users happens upstream; these handlers consume the resolved
// headers the gateway forwards.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/authvault/backend/internal/multitenancy"
)

// Identity headers forwarded by the gateway.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderRole     = "X-Role"
)

// IdentityMiddleware resolves the caller identity from the forwarded
// headers and injects it into the request context. Requests without a
// tenant are rejected before they reach any handler.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(HeaderTenantID)
		if tenantID == "" {
			http.Error(w, "missing tenant context", http.StatusUnauthorized)
			return
		}

		role := multitenancy.RoleUser
		if r.Header.Get(HeaderRole) == string(multitenancy.RoleAdmin) {
			role = multitenancy.RoleAdmin
		}

		id := multitenancy.Identity{
			UserID:    r.Header.Get(HeaderUserID),
			TenantID:  tenantID,
			Role:      role,
			IPAddress: clientIP(r),
		}
		next.ServeHTTP(w, r.WithContext(multitenancy.WithIdentity(r.Context(), id)))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
