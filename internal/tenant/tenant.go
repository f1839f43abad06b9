// Package tenant resolves the calling tenant from the X-Tenant-ID header and
// carries it through the request context.
package tenant

import (
	"context"
	"net/http"
)

// Header is the HTTP header carrying the tenant identity.
const Header = "X-Tenant-ID"

// Default is assumed when the header is absent.
const Default = "default"

type ctxKey struct{}

// FromContext returns the tenant stored in the context, or Default.
func FromContext(ctx context.Context) string {
	if t, ok := ctx.Value(ctxKey{}).(string); ok && t != "" {
		return t
	}
	return Default
}

// WithTenant returns a context carrying the given tenant.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Middleware extracts the tenant header into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = Default
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), id)))
	})
}
