package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agent-spend-gateway/pkg/models"
)

func TestRequestLogging(t *testing.T) {
	t.Run("GeneratesRequestID", func(t *testing.T) {
		var seenID string
		handler := RequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenID = r.Header.Get("X-Request-ID")
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if seenID == "" {
			t.Error("Expected a request ID to be generated")
		}
	})

	t.Run("PreservesExistingRequestID", func(t *testing.T) {
		var seenID string
		handler := RequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenID = r.Header.Get("X-Request-ID")
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "caller-supplied-id")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if seenID != "caller-supplied-id" {
			t.Errorf("Expected caller-supplied ID to survive, got %q", seenID)
		}
	})
}

func TestSizeLimit(t *testing.T) {
	handler := SizeLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, MaxRequestSize+1)
		if _, err := r.Body.Read(buf); err != nil && !strings.Contains(err.Error(), "EOF") {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("SmallBodyPasses", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/test", strings.NewReader(`{"ok":true}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200 for a small body, got %d", rec.Code)
		}
	})

	t.Run("OversizedBodyRejected", func(t *testing.T) {
		big := strings.NewReader(strings.Repeat("x", MaxRequestSize+1))
		req := httptest.NewRequest("POST", "/test", big)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("Expected 413 for an oversized body, got %d", rec.Code)
		}
	})
}

func TestCORS(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("AddsHeaders", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("Expected CORS origin header")
		}
		allowed := rec.Header().Get("Access-Control-Allow-Headers")
		if !strings.Contains(allowed, "X-Payment-Challenge") || !strings.Contains(allowed, "X-Payment") {
			t.Errorf("Expected payment headers to be allowed, got %q", allowed)
		}
	})

	t.Run("PreflightShortCircuits", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200 on preflight, got %d", rec.Code)
		}
	})
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", "req-123")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}

	var resp models.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if resp.Error.Code != "INVALID_JSON" {
		t.Errorf("Expected code INVALID_JSON, got %s", resp.Error.Code)
	}
	if resp.Error.RequestID != "req-123" {
		t.Errorf("Expected request ID req-123, got %s", resp.Error.RequestID)
	}
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping() error { return f.err }

func TestReadinessCheck(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessCheck(fakePinger{})(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("NotReady", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessCheck(fakePinger{err: fmt.Errorf("connection refused")})(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}
	})
}
