// Package httpexec executes tasks against self-hosted model backends that speak
// a small JSON contract over HTTP. Each model gets its own circuit breaker.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// HTTPConfig configures the generic HTTP executor
type HTTPConfig struct {
	ExecutePath string            `yaml:"execute_path"`
	HealthPath  string            `yaml:"health_path"`
	Headers     map[string]string `yaml:"headers"`

	// Breaker trips once at least MinRequests were seen and the failure ratio reaches FailureRatio
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

// executeRequest is the body posted to {endpoint}{execute_path}
type executeRequest struct {
	Model    string          `json:"model"`
	TaskType string          `json:"taskType"`
	Payload  json.RawMessage `json:"payload"`
}

// executeResponse is the expected reply
type executeResponse struct {
	Content      string                 `json:"content"`
	Confidence   *float64               `json:"confidence,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	OutputTokens int                    `json:"outputTokens,omitempty"`
}

// HTTPExecutor posts tasks to model.Endpoint
type HTTPExecutor struct {
	httpClient *http.Client
	config     HTTPConfig
	logger     *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPExecutor creates an executor. A nil client selects http.DefaultClient.
func NewHTTPExecutor(httpClient *http.Client, config HTTPConfig, logger *logrus.Logger) *HTTPExecutor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.ExecutePath == "" {
		config.ExecutePath = "/execute"
	}
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}
	if config.MinRequests == 0 {
		config.MinRequests = 5
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = 0.6
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 10 * time.Second
	}

	return &HTTPExecutor{
		httpClient: httpClient,
		config:     config,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (e *HTTPExecutor) Name() types.Provider {
	return types.ProviderHTTP
}

// Execute posts the task through the model's circuit breaker
func (e *HTTPExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	if model.Endpoint == "" {
		return nil, fmt.Errorf("model %s has no endpoint configured", model.ID)
	}

	body, err := json.Marshal(executeRequest{Model: model.ProviderModel, TaskType: taskType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	result, err := e.breaker(model.ID).Execute(func() (interface{}, error) {
		return e.post(ctx, model, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.logger.WithFields(logrus.Fields{
				"model":    model.ID,
				"endpoint": model.Endpoint,
			}).Warn("Circuit breaker rejected request")
		}
		return nil, fmt.Errorf("http backend %s: %w", model.ID, err)
	}

	return result.(*providers.Output), nil
}

func (e *HTTPExecutor) post(ctx context.Context, model *registry.Model, body []byte) (*providers.Output, error) {
	url := joinURL(model.Endpoint, e.config.ExecutePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	confidence := 0.75
	if decoded.Confidence != nil {
		confidence = *decoded.Confidence
	}
	return &providers.Output{
		Content:      decoded.Content,
		Confidence:   confidence,
		Metadata:     decoded.Metadata,
		OutputTokens: decoded.OutputTokens,
	}, nil
}

// HealthCheck issues GET {endpoint}{health_path}; any 2xx is healthy.
// The breaker is bypassed so an open circuit can still observe recovery.
func (e *HTTPExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	if model.Endpoint == "" {
		return fmt.Errorf("model %s has no endpoint configured", model.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(model.Endpoint, e.config.HealthPath), nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	for k, v := range e.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health call failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState reports the circuit state for a model
func (e *HTTPExecutor) BreakerState(modelID string) gobreaker.State {
	return e.breaker(modelID).State()
}

func (e *HTTPExecutor) breaker(modelID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[modelID]; ok {
		return cb
	}

	minRequests := e.config.MinRequests
	ratio := e.config.FailureRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "http-" + modelID,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     e.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("Circuit breaker state changed")
		},
	})
	e.breakers[modelID] = cb
	return cb
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

var _ providers.Executor = (*HTTPExecutor)(nil)
