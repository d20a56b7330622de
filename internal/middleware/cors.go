// Package middleware provides HTTP middleware for the ledger API.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns a configured CORS middleware handler. The registry API
// is service-to-service, so the surface stays narrow: internal origins
// plus the signed request headers.
func CORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "https://*.flume.internal"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "X-Request-ID",
			HeaderTimestamp, HeaderNonce, HeaderSignature, HeaderKeyID, HeaderInstanceID,
		},
		ExposedHeaders:   []string{"X-Request-ID", "X-Registry-Version", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
