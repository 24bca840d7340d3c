package mid

import (
	"context"
	"net/http"
	"strings"
)

// Caller is the already-authenticated identity the gateway forwards on each
// request. The pipeline itself does not issue or verify credentials.
type Caller struct {
	UserID  string
	Role    string
	Tenants []string
}

// IsAdmin reports whether the caller may use the admin surface.
func (c Caller) IsAdmin() bool { return c.Role == "admin" }

// CanAccess reports whether the caller may act on a tenant. Admins may act
// on any tenant.
func (c Caller) CanAccess(tenantSlug string) bool {
	if c.IsAdmin() {
		return true
	}
	for _, t := range c.Tenants {
		if t == tenantSlug {
			return true
		}
	}
	return false
}

type callerKey struct{}

// Identity returns middleware that extracts the forwarded caller identity
// from request headers into the context. Requests without an identity are
// rejected.
func Identity() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			caller := Caller{
				UserID: userID,
				Role:   r.Header.Get("X-User-Role"),
			}
			if raw := r.Header.Get("X-Tenants"); raw != "" {
				for _, t := range strings.Split(raw, ",") {
					if t = strings.TrimSpace(t); t != "" {
						caller.Tenants = append(caller.Tenants, t)
					}
				}
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFrom returns the caller stored in the context, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
