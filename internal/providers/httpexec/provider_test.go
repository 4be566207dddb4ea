package httpexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

func TestHTTPExecutor_Execute(t *testing.T) {
	var received executeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Backend-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": "{\"risk\":\"low\"}", "confidence": 0.82, "outputTokens": 9, "metadata": {"node": "gpu-3"}}`))
	}))
	defer server.Close()

	executor := createTestExecutor(HTTPConfig{Headers: map[string]string{"X-Backend-Key": "secret"}})
	out, err := executor.Execute(context.Background(), testModel(server.URL+"/"), "medical", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, "local-med", received.Model)
	assert.Equal(t, "medical", received.TaskType)
	assert.JSONEq(t, `{"a":1}`, string(received.Payload))

	assert.Equal(t, `{"risk":"low"}`, out.Content)
	assert.InDelta(t, 0.82, out.Confidence, 1e-9)
	assert.Equal(t, 9, out.OutputTokens)
	assert.Equal(t, "gpu-3", out.Metadata["node"])
}

func TestHTTPExecutor_ExecuteNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := createTestExecutor(HTTPConfig{}).Execute(context.Background(), testModel(server.URL), "medical", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestHTTPExecutor_NoEndpoint(t *testing.T) {
	executor := createTestExecutor(HTTPConfig{})
	_, err := executor.Execute(context.Background(), testModel(""), "medical", json.RawMessage(`{}`))
	assert.Error(t, err)
	assert.Error(t, executor.HealthCheck(context.Background(), testModel("")))
}

func TestHTTPExecutor_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := createTestExecutor(HTTPConfig{MinRequests: 3, FailureRatio: 0.5, OpenTimeout: time.Minute})
	model := testModel(server.URL)

	for i := 0; i < 3; i++ {
		_, err := executor.Execute(context.Background(), model, "medical", json.RawMessage(`{}`))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, executor.BreakerState(model.ID))

	_, err := executor.Execute(context.Background(), model, "medical", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach the backend")
}

func TestHTTPExecutor_HealthCheck(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	executor := createTestExecutor(HTTPConfig{HealthPath: "healthz"})
	model := testModel(server.URL)

	assert.NoError(t, executor.HealthCheck(context.Background(), model))

	healthy.Store(false)
	err := executor.HealthCheck(context.Background(), model)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://a/b/execute", joinURL("http://a/b/", "/execute"))
	assert.Equal(t, "http://a/health", joinURL("http://a", "health"))
}

func createTestExecutor(cfg HTTPConfig) *HTTPExecutor {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewHTTPExecutor(&http.Client{Timeout: 5 * time.Second}, cfg, logger)
}

func testModel(endpoint string) *registry.Model {
	return registry.NewModel(registry.Descriptor{
		ID:            "local-med",
		Provider:      types.ProviderHTTP,
		Endpoint:      endpoint,
		Capabilities:  []string{"medical"},
		CostPerUnit:   0.0001,
		MaxCapacity:   4,
		Reliability:   0.9,
		Available:     true,
		ProviderModel: "local-med",
	})
}
