// Package api provides HTTP middleware components for the Agent Spend
// Gateway: request logging with ID propagation, body size limiting, CORS,
// and health/readiness probes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"agent-spend-gateway/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	MaxRequestSize = 1 * 1024 * 1024 // Maximum allowed request size: 1MB
)

// Pinger is the readiness surface of the store.
type Pinger interface {
	Ping() error
}

// RequestLogging middleware logs HTTP request start and completion with timing.
// Automatically generates request IDs and tracks response status codes.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create request ID if not present
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Add to context for later use
		r.Header.Set("X-Request-ID", requestID)

		// Create response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Request started")

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Msg("Request completed")
	})
}

// SizeLimit middleware restricts request body size to prevent resource
// exhaustion. Payment envelopes and delegation specs are small; anything
// above MaxRequestSize is hostile or broken.
func SizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// CORS middleware adds Cross-Origin Resource Sharing headers.
// Allows cross-origin requests from web-based operator dashboards.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Payment-Challenge, X-Payment")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteError sends a standardized JSON error response to the client.
// Includes structured error details with request ID for tracing.
func WriteError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
// Used by request logging middleware to track response status.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HealthCheck provides a simple health status endpoint.
// Returns 200 OK with status message for load balancer health checks.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ReadinessCheck provides a readiness probe that verifies store connectivity.
// Returns 503 Service Unavailable if the store is unreachable.
func ReadinessCheck(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		statusCode := http.StatusOK

		if err := store.Ping(); err != nil {
			status = "database connection failed"
			statusCode = http.StatusServiceUnavailable
			log.Error().Err(err).Msg("Store readiness check failed")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
