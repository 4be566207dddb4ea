package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-orchestrator/internal/security"
)

func TestNewSecurityMiddleware(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		CORS:           CORSConfig{AllowedOrigins: []string{"*"}},
		MaxRequestSize: 1024,
	}

	m := NewSecurityMiddleware(config, testLogger())
	defer m.Stop()

	assert.NotNil(t, m.rateLimiter)
	assert.Equal(t, int64(1024), m.maxRequestSize)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, m.cors.AllowedMethods)
}

func TestNewSecurityMiddleware_RateLimitDisabled(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{Enabled: false},
	}, testLogger())

	assert.Nil(t, m.rateLimiter)
	assert.Equal(t, false, m.Stats()["rate_limiter_enabled"])
	assert.NotPanics(t, m.Stop)
}

func TestSecurityMiddleware_Handler(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{MaxRequestSize: 16}, testLogger())
	handler := m.Handler()(okHandler())

	t.Run("sets security headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "model-orchestrator", rec.Header().Get("Server"))
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/route", strings.NewReader(strings.Repeat("x", 64)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("accepts small body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/route", strings.NewReader(`{"a":1}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSecurityMiddleware_RateLimitingOnly(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2},
	}, testLogger())
	defer m.Stop()

	handler := m.RateLimitingOnly()(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/route", nil)
		req.Header.Set(security.ClientIDHeader, "caller-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSecurityMiddleware_RateLimitingOnly_Disabled(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{}, testLogger())
	handler := m.RateLimitingOnly()(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/route", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestSecurityMiddleware_CORSMiddleware(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		CORS: CORSConfig{AllowedOrigins: []string{"https://console.example.com"}},
	}, testLogger())
	handler := m.CORSMiddleware()(okHandler())

	tests := []struct {
		name        string
		method      string
		origin      string
		wantStatus  int
		wantAllowed string
	}{
		{name: "allowed origin", method: http.MethodGet, origin: "https://console.example.com", wantStatus: http.StatusOK, wantAllowed: "https://console.example.com"},
		{name: "unknown origin", method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusOK, wantAllowed: ""},
		{name: "preflight", method: http.MethodOptions, origin: "https://console.example.com", wantStatus: http.StatusNoContent, wantAllowed: "https://console.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/route", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllowed, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSecurityMiddleware_Stats(t *testing.T) {
	m := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		RateLimit:      &security.RateLimitConfig{Enabled: true},
		CORS:           CORSConfig{AllowedOrigins: []string{"*", "https://a.example.com"}},
		MaxRequestSize: 2048,
	}, testLogger())
	defer m.Stop()

	stats := m.Stats()
	assert.Equal(t, true, stats["rate_limiter_enabled"])
	assert.Equal(t, int64(2048), stats["max_request_size"])
	assert.Equal(t, 2, stats["cors_origins"])
}

// Helper functions

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
