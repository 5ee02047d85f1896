package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const APIKeyKey contextKey = "api_key"

// RequireBearer rejects requests without an "Authorization: Bearer" header.
// When apiKey is empty any token is accepted.
func RequireBearer(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || (apiKey != "" && token != apiKey) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":7225,"message":"Invalid API Key."}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), APIKeyKey, token)))
		})
	}
}
