package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the shared analytics key and the testing-bypass key.
const APIKeyHeader = "X-API-KEY"

type requestIDKey struct{}

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-provided X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CORSMiddleware handles cross-origin requests. An empty allowlist permits
// any origin (development mode).
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	return false
}

// KeyChecker validates the analytics API key. Exactly one of the plaintext
// key or the bcrypt hash is consulted; the hash wins when both are set.
type KeyChecker struct {
	key  string
	hash string
}

// NewKeyChecker builds a checker from the configured key material.
func NewKeyChecker(key, bcryptHash string) *KeyChecker {
	return &KeyChecker{key: key, hash: bcryptHash}
}

// Check reports whether the presented key matches.
func (c *KeyChecker) Check(presented string) bool {
	if presented == "" {
		return false
	}
	if c.hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.hash), []byte(presented)) == nil
	}
	if c.key == "" {
		// Fail closed when no key material is configured.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.key), []byte(presented)) == 1
}

// APIKeyMiddleware gates the analytics routes behind the shared key.
func APIKeyMiddleware(checker *KeyChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checker.Check(r.Header.Get(APIKeyHeader)) {
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
