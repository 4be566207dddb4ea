// Package security holds the per-caller admission controls in front of the routing API.
package security

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// ClientIDHeader lets callers identify themselves for rate limiting
const ClientIDHeader = "X-Client-ID"

// RateLimiter decides whether a caller may submit another request
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`

	// IdleTTL is how long an untouched bucket is kept before cleanup drops it
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// InMemoryRateLimiter is a token bucket per caller key
type InMemoryRateLimiter struct {
	config RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time

	buckets map[string]*tokenBucket
	mutex   sync.Mutex

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewInMemoryRateLimiter creates a limiter and starts its cleanup goroutine
func NewInMemoryRateLimiter(config RateLimitConfig, logger *logrus.Logger) *InMemoryRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl := &InMemoryRateLimiter{
		config:      config,
		logger:      logger,
		now:         time.Now,
		buckets:     make(map[string]*tokenBucket),
		stopCleanup: make(chan struct{}),
	}
	rl.startCleanup()
	return rl
}

func (rl *InMemoryRateLimiter) ratePerSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// Allow takes one token from key's bucket if one is available
func (rl *InMemoryRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := rl.now()
	if !rl.config.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Limit:     rl.config.BurstSize,
			Remaining: rl.config.BurstSize,
			ResetTime: now,
		}, nil
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastSeen: now}
		rl.buckets[key] = bucket
	}

	if elapsed := now.Sub(bucket.lastSeen); elapsed > 0 {
		bucket.tokens = math.Min(bucket.tokens+elapsed.Seconds()*rl.ratePerSecond(), float64(rl.config.BurstSize))
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return &RateLimitResult{
			Allowed:   true,
			Limit:     rl.config.BurstSize,
			Remaining: int(bucket.tokens),
			ResetTime: now.Add(rl.untilFull(bucket.tokens)),
		}, nil
	}

	retryAfter := time.Duration((1 - bucket.tokens) / rl.ratePerSecond() * float64(time.Second))
	rl.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": retryAfter.String(),
	}).Warn("Rate limit exceeded")

	return &RateLimitResult{
		Allowed:    false,
		Limit:      rl.config.BurstSize,
		Remaining:  0,
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func (rl *InMemoryRateLimiter) untilFull(tokens float64) time.Duration {
	missing := float64(rl.config.BurstSize) - tokens
	return time.Duration(missing / rl.ratePerSecond() * float64(time.Second))
}

// Reset forgets key's bucket
func (rl *InMemoryRateLimiter) Reset(ctx context.Context, key string) error {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, key)
	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rl.config.CleanupInterval)
	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

func (rl *InMemoryRateLimiter) cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTTL)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stopCleanup)
	})
}

// RateLimitMiddleware rejects callers over their limit with 429
func RateLimitMiddleware(rateLimiter RateLimiter, keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rateLimiter.Allow(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "rate limiting error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, types.ErrKindRateLimited, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys callers by X-Client-ID, falling back to the client IP
func DefaultKeyExtractor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return "client:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the caller address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: kind, Message: message})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
