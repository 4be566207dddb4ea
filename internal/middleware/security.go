package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	RateLimit      *security.RateLimitConfig `yaml:"rate_limit"`
	CORS           CORSConfig                `yaml:"cors"`
	MaxRequestSize int64                     `yaml:"max_request_size"`
}

// CORSConfig lists what cross-origin callers may do
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SecurityMiddleware combines the header, body size, CORS and rate limit layers
type SecurityMiddleware struct {
	rateLimiter    *security.InMemoryRateLimiter
	cors           CORSConfig
	maxRequestSize int64
	logger         *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) *SecurityMiddleware {
	var rateLimiter *security.InMemoryRateLimiter
	if config.RateLimit != nil && config.RateLimit.Enabled {
		rateLimiter = security.NewInMemoryRateLimiter(*config.RateLimit, logger)
	}

	cors := config.CORS
	if len(cors.AllowedMethods) == 0 {
		cors.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cors.AllowedHeaders) == 0 {
		cors.AllowedHeaders = []string{"Content-Type", "X-Request-ID", security.ClientIDHeader}
	}

	return &SecurityMiddleware{
		rateLimiter:    rateLimiter,
		cors:           cors,
		maxRequestSize: config.MaxRequestSize,
		logger:         logger,
	}
}

// Handler applies security headers and the request size limit to every request
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		if s.maxRequestSize > 0 {
			handler = s.bodyLimitMiddleware(handler)
		}
		return s.securityHeadersMiddleware(handler)
	}
}

// RateLimitingOnly returns only the rate limiting middleware.
// It is a pass-through when rate limiting is disabled.
func (s *SecurityMiddleware) RateLimitingOnly() func(http.Handler) http.Handler {
	if s.rateLimiter != nil {
		return security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)
	}
	return func(next http.Handler) http.Handler { return next }
}

func (s *SecurityMiddleware) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Server", "model-orchestrator")
		next.ServeHTTP(w, r)
	})
}

func (s *SecurityMiddleware) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.maxRequestSize {
			s.logger.WithFields(logrus.Fields{
				"path":           r.URL.Path,
				"content_length": r.ContentLength,
				"limit":          s.maxRequestSize,
			}).Warn("Request body too large")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware answers preflight requests and sets CORS headers for allowed origins
func (s *SecurityMiddleware) CORSMiddleware() func(http.Handler) http.Handler {
	methods := strings.Join(s.cors.AllowedMethods, ", ")
	headers := strings.Join(s.cors.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && s.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *SecurityMiddleware) originAllowed(origin string) bool {
	for _, allowed := range s.cors.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Stop releases the rate limiter's cleanup goroutine
func (s *SecurityMiddleware) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Stats reports which layers are active
func (s *SecurityMiddleware) Stats() map[string]interface{} {
	return map[string]interface{}{
		"rate_limiter_enabled": s.rateLimiter != nil,
		"max_request_size":     s.maxRequestSize,
		"cors_origins":         len(s.cors.AllowedOrigins),
	}
}
