package security

import (
	"net/http"

	"github.com/go-chi/cors"
)

// PermissiveCORS allows any origin to call provider-facing endpoints such as
// webhooks, which carry no cookies and are authenticated by signature.
func PermissiveCORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature", "X-Request-Id", "X-Client-Info", "Apikey"},
		MaxAge:         300,
	})
}

// OperatorCORS restricts browser access to the configured operator origins.
func OperatorCORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
