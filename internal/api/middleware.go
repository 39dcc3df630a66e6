package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	reasonBadAuthHeader = "Missing or invalid Authorization header"
	reasonBadToken      = "Invalid authentication token"
	reasonRateLimited   = "Rate limit exceeded"
)

// AuthMiddleware validates the Bearer token against the configured API
// token. Tokens are compared as SHA-256 digests in constant time, so the
// comparison cost does not depend on how much of the token matches.
func AuthMiddleware(apiToken string, next http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(apiToken))
	expectedHex := hex.EncodeToString(expected[:])

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, reasonBadAuthHeader)
			return
		}

		got := sha256.Sum256([]byte(auth[len(prefix):]))
		gotHex := hex.EncodeToString(got[:])
		if subtle.ConstantTimeCompare([]byte(gotHex), []byte(expectedHex)) != 1 {
			WriteError(w, http.StatusUnauthorized, reasonBadToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware echoes an inbound X-Request-ID or generates a fresh
// UUID, exposing it on the response for correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware rejects clients over the fixed-window budget with 429.
func RateLimitMiddleware(limiter *IPRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(clientIP(r)) {
			WriteError(w, http.StatusTooManyRequests, reasonRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote host; the port varies per connection and must
// not split one client into many windows.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
