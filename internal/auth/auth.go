// Package auth implements the client-facing bearer-token middleware.
// This core has one static token, not a multi-user directory, so only
// the constant-time comparison leg survives.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const KeyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	BoundIdentityID string
}

// Middleware validates the bearer token against the configured static token.
type Middleware struct {
	staticToken string
}

func NewMiddleware(staticToken string) *Middleware {
	return &Middleware{staticToken: staticToken}
}

// Authenticate is the HTTP middleware that validates the API token.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || !m.validToken(token) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), KeyInfoKey, &KeyInfo{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) validToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.staticToken)) == 1
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimPrefix(a, "Bearer ")
	}
	return ""
}

func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(KeyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
