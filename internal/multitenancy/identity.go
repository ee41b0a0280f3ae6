// Package multitenancy carries the caller identity through request contexts.
// Authentication itself happens upstream; the core only consumes the
// resolved (user_id, tenant_id, role) triple.
package multitenancy

import "context"

// Role is the caller's coarse role as resolved by the identity provider.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the resolved caller identity attached to every core call.
type Identity struct {
	UserID    string
	TenantID  string
	Role      Role
	IPAddress string
}

// IsAdmin reports whether the caller may cross tenant boundaries.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

type contextKey struct{}

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the caller identity, if present.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
