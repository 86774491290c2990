package auth

import (
	"net/http"
	"strings"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Middleware wires authentication context into HTTP handlers.
type Middleware struct {
	Verifier Verifier
}

// Authenticate attaches identity context when a valid token is present but
// lets anonymous requests through untouched.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.Verifier.Verify(token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, contextWithClaims(r, claims))
	})
}

// RequireAuth enforces that a valid token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		claims, err := m.Verifier.Verify(token)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, contextWithClaims(r, claims))
	})
}

// RequireAdmin enforces an authenticated token carrying the admin role.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := common.Role(r.Context())
		if !strings.EqualFold(role, "admin") {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
