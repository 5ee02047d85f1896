package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireBearer(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{"missing header", "k", "", http.StatusUnauthorized},
		{"wrong scheme", "k", "Basic k", http.StatusUnauthorized},
		{"wrong key", "k", "Bearer nope", http.StatusUnauthorized},
		{"matching key", "k", "Bearer k", http.StatusOK},
		{"any key accepted", "", "Bearer whatever", http.StatusOK},
		{"empty token", "", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen any
			h := RequireBearer(tt.apiKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.Context().Value(APIKeyKey)
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/product_entitlement_mapping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.NotEmpty(t, seen)
			}
		})
	}
}
