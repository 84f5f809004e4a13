package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const OperatorKeyHeader = "X-Operator-Key"

// OperatorKey protects operator endpoints with a pre-shared key whose
// bcrypt hash is injected at startup. An empty hash disables the
// endpoints entirely rather than leaving them open.
func OperatorKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				http.Error(w, "operator access disabled", http.StatusForbidden)
				return
			}
			key := r.Header.Get(OperatorKeyHeader)
			if key == "" {
				http.Error(w, "missing operator key", http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				http.Error(w, "invalid operator key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
