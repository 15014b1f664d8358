package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/phrazzld/farmsync/internal/api/shared"
)

// TokenAuth guards routes with a shared bearer token. Local processes that
// enqueue farm tasks present it in the Authorization header.
type TokenAuth struct {
	token []byte
}

// NewTokenAuth creates a TokenAuth. An empty token disables the check.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token)}
}

// Enabled reports whether requests are checked.
func (m *TokenAuth) Enabled() bool {
	return len(m.token) > 0
}

// Authenticate rejects requests without the expected bearer token.
func (m *TokenAuth) Authenticate(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
