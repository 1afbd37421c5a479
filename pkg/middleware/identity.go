// Package middleware provides the request-scoped context accessors
// shared by internal/identity, internal/api, and internal/triage. It
// has no HTTP or storage dependencies of its own — just context keys —
// so every layer can read the authenticated identity without importing
// the HTTP middleware that set it.
package middleware

import "context"

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// Identity is the request-scoped, gateway-asserted caller identity.
// Identity Context (spec §4.1) builds this once per request from the
// X-Consumer-Username / X-Consumer-Role headers; it is never re-derived
// mid-request and carries no cryptographic material — the gateway is
// the trust boundary.
type Identity struct {
	StudentIdentity string
	Role            string
	Permissions     []string
}

// SetIdentity stores the authenticated Identity in the context.
func SetIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil if no identity is set.
func GetIdentity(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}

// SetRequestID stores the per-request correlation id in the context.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the per-request correlation id, or "" if unset.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
