package middleware

import (
	"context"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
)

type contextKey string

const tenantKey contextKey = "tenant"

// TenantFromContext returns the tenant resolved by APIKeyAuth.
func TenantFromContext(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*models.Tenant)
	return t, ok
}

// APIKeyAuth resolves the calling tenant from its API key. Accepts a
// Bearer token or the x-api-key header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				key = strings.TrimPrefix(authHeader, "Bearer ")
			}
			if key == "" {
				key = r.Header.Get("x-api-key")
			}
			if key == "" {
				unauthorized(w)
				return
			}

			var tenant models.Tenant
			if err := database.WithContext(r.Context()).
				First(&tenant, "api_key = ? AND active = ?", key, true).Error; err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, &tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": {"code": "authentication_error", "message": "invalid API key"}}`))
}

// AdminAuth protects the admin surface with basic auth when a
// password is configured; with no password set, requests pass through
// (first-run scenario).
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
