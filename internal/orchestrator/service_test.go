package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-orchestrator/internal/dispatch"
	"github.com/tributary-ai/model-orchestrator/internal/health"
	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/providers/providertest"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/routing"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

func TestService_ScenarioA(t *testing.T) {
	exec := okExecutor()
	svc := createTestService(t, scenarioModels(true, true), exec)

	result, err := svc.Route(context.Background(), medicalRequest())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "M1", result.ModelID)
	assert.False(t, result.FallbackUsed)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, routing.StrategyCapabilityScored, result.Metadata["routing_strategy"])
}

func TestService_ScenarioB(t *testing.T) {
	svc := createTestService(t, scenarioModels(false, true), okExecutor())

	result, err := svc.Route(context.Background(), medicalRequest())
	require.NoError(t, err)

	assert.Equal(t, "M2", result.ModelID)
	assert.True(t, result.FallbackUsed)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, "M1", result.Attempts[0].ModelID)
	assert.Equal(t, types.ErrKindModelUnavailable, result.Attempts[0].ErrorKind)
}

func TestService_ScenarioC(t *testing.T) {
	svc := createTestService(t, scenarioModels(false, false), okExecutor())

	result, err := svc.Route(context.Background(), medicalRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAllModelsFailed))
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Len(t, result.Attempts, 2)
}

func TestService_ScenarioD(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, true), okExecutor())

	req := medicalRequest()
	req.TaskType = "quantum-foo"
	result, err := svc.Route(context.Background(), req)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, types.ErrNoSuitableModel))
}

func TestService_ScenarioE(t *testing.T) {
	release := make(chan struct{})
	blocking := &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(ctx context.Context, m *registry.Model) (*providers.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &providers.Output{Content: "done"}, nil
		},
	}

	only := registry.NewModel(registry.Descriptor{
		ID: "solo", Provider: types.ProviderSimulated, Capabilities: []string{"medical"},
		CostPerUnit: 0.01, MaxCapacity: 10, AverageLatency: time.Millisecond, Reliability: 0.95, Available: true,
	})
	svc := createTestService(t, []*registry.Model{only}, blocking)

	var (
		wg                     sync.WaitGroup
		mu                     sync.Mutex
		succeeded, unavailable int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Route(context.Background(), medicalRequest())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, types.ErrAllModelsFailed) && result != nil {
				for _, a := range result.Attempts {
					assert.Equal(t, types.ErrKindModelUnavailable, a.ErrorKind)
				}
				unavailable++
			}
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return unavailable == 5 && only.Load() == 10
	}, 3*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, unavailable)
	assert.Equal(t, 0, only.Load())
}

func TestService_ExecutionFailureFallsBack(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "M1", "medical").Return(nil, errors.New("upstream 500")).Once()
	exec.On("Execute", mock.Anything, "M2", "medical").Return(&providers.Output{Content: "ok", Confidence: 0.8}, nil).Once()

	svc := createTestService(t, scenarioModels(true, true), exec)
	result, err := svc.Route(context.Background(), medicalRequest())
	require.NoError(t, err)

	assert.Equal(t, "M2", result.ModelID)
	assert.True(t, result.FallbackUsed)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, types.ErrKindExecutionFailure, result.Attempts[0].ErrorKind)
	exec.AssertExpectations(t)
}

func TestService_UnavailablePrefixKeptOnTotalFailure(t *testing.T) {
	models := append(scenarioModels(false, true), registry.NewModel(registry.Descriptor{
		ID: "M3", Provider: types.ProviderSimulated, Capabilities: []string{"medical", "general", "coding"},
		CostPerUnit: 0.01, MaxCapacity: 10, AverageLatency: 500 * time.Millisecond, Reliability: 0.8, Available: true,
	}))
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, mock.Anything, "medical").Return(nil, errors.New("down"))

	svc := createTestService(t, models, exec)
	result, err := svc.Route(context.Background(), medicalRequest())
	require.Error(t, err)

	var re *types.RoutingError
	require.True(t, errors.As(err, &re))
	require.Len(t, re.Attempts, 3)
	assert.Equal(t, "M1", re.Attempts[0].ModelID)
	assert.Equal(t, types.ErrKindModelUnavailable, re.Attempts[0].ErrorKind)
	assert.Equal(t, re.Attempts, result.Attempts)
	exec.AssertNumberOfCalls(t, "Execute", 2)
}

func TestService_Validation(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, true), okExecutor())
	bad := 1.5

	tests := []struct {
		name   string
		mutate func(r *types.TaskRequest)
	}{
		{name: "missing task type", mutate: func(r *types.TaskRequest) { r.TaskType = "" }},
		{name: "missing payload", mutate: func(r *types.TaskRequest) { r.Payload = nil }},
		{name: "null payload", mutate: func(r *types.TaskRequest) { r.Payload = json.RawMessage("null") }},
		{name: "requirement out of range", mutate: func(r *types.TaskRequest) { r.Requirements.Speed = &bad }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := medicalRequest()
			tt.mutate(req)
			_, err := svc.Route(context.Background(), req)
			assert.True(t, errors.Is(err, types.ErrInvalidRequest))
		})
	}
}

func TestService_KeepsCallerRequestID(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, true), okExecutor())
	req := medicalRequest()
	req.ID = "caller-id"

	result, err := svc.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "caller-id", result.RequestID)
}

func TestService_Health(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, true), okExecutor())
	report := svc.Health()
	assert.Equal(t, "healthy", report.Status)
	require.Len(t, report.Models, 2)
	assert.Equal(t, 10, report.Models["M1"].MaxCapacity)
	assert.Equal(t, types.TrendStable, report.Models["M1"].Trend)

	svc = createTestService(t, scenarioModels(false, true), okExecutor())
	assert.Equal(t, "degraded", svc.Health().Status)

	svc = createTestService(t, scenarioModels(false, false), okExecutor())
	assert.Equal(t, "unhealthy", svc.Health().Status)
}

func TestService_Models(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, false), okExecutor())
	models := svc.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "M1", models[0].ID)
	assert.True(t, models[0].Available)
	assert.False(t, models[1].Available)
	assert.Equal(t, []string{"medical", "general"}, models[1].Capabilities)
}

func TestService_Model(t *testing.T) {
	svc := createTestService(t, scenarioModels(true, true), okExecutor())

	info, err := svc.Model("M2")
	require.NoError(t, err)
	assert.Equal(t, "M2", info.ID)
	assert.Equal(t, 10, info.MaxCapacity)

	_, err = svc.Model("M9")
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}

// Helper functions

func createTestService(t *testing.T, models []*registry.Model, executors ...providers.Executor) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	reg, err := registry.New(models)
	require.NoError(t, err)

	set := providers.NewSet(executors...)
	m := metrics.New()
	return NewService(
		reg,
		routing.NewSelector(reg, routing.SelectorConfig{}, logger),
		dispatch.NewDispatcher(set, dispatch.Config{}, m, logger),
		health.NewController(reg, set, health.Config{}, m, logger),
		m,
		logger,
	)
}

func okExecutor() providers.Executor {
	return &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(ctx context.Context, m *registry.Model) (*providers.Output, error) {
			return &providers.Output{Content: `{"model":"` + m.ID + `"}`, Confidence: 0.9}, nil
		},
	}
}

func scenarioModels(m1Available, m2Available bool) []*registry.Model {
	return []*registry.Model{
		registry.NewModel(registry.Descriptor{
			ID: "M1", Provider: types.ProviderSimulated, Capabilities: []string{"medical"},
			CostPerUnit: 0.01, MaxCapacity: 10, AverageLatency: 500 * time.Millisecond,
			Reliability: 0.99, Available: m1Available,
		}),
		registry.NewModel(registry.Descriptor{
			ID: "M2", Provider: types.ProviderSimulated, Capabilities: []string{"medical", "general"},
			CostPerUnit: 0.01, MaxCapacity: 10, AverageLatency: 500 * time.Millisecond,
			Reliability: 0.9, Available: m2Available,
		}),
	}
}

func medicalRequest() *types.TaskRequest {
	return &types.TaskRequest{
		TaskType:      "medical",
		Priority:      types.PriorityNormal,
		Payload:       json.RawMessage(`{"symptom":"cough"}`),
		AllowFallback: true,
	}
}
