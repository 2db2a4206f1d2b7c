package tenant

import "context"

type ctxKey struct{}

// WithID returns a derived context carrying the tenant identifier. Middleware
// attaches it once the tenant has been resolved from credentials/claims.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant identifier and a boolean indicating presence.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}
