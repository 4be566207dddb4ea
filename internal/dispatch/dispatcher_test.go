package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/providers/providertest"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

func TestDispatch_PrimarySucceeds(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "m1", "medical").
		Return(&providers.Output{Content: `{"answer":"rest"}`, Confidence: 0.9, OutputTokens: 500}, nil).Once()

	m1, m2 := model("m1", 10), model("m2", 10)
	d := createTestDispatcher(Config{}, exec)

	result, err := d.Dispatch(context.Background(), request(true), []*registry.Model{m1, m2})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "m1", result.ModelID)
	assert.False(t, result.FallbackUsed)
	assert.Empty(t, result.Attempts)
	assert.JSONEq(t, `{"answer":"rest"}`, string(result.Output))
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.InDelta(t, 0.01*500/1000, result.EstimatedCost, 1e-12)
	assert.Equal(t, false, result.Metadata["tokens_estimated"])
	assert.Greater(t, result.ElapsedTime, time.Duration(0))

	assert.Equal(t, 0, m1.Load())
	assert.Equal(t, 0, m2.Load())
	exec.AssertExpectations(t)
}

func TestDispatch_FallbackAfterFailure(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "m1", "medical").Return(nil, errors.New("connection reset")).Once()
	exec.On("Execute", mock.Anything, "m2", "medical").Return(&providers.Output{Content: "plain text"}, nil).Once()

	m1, m2 := model("m1", 10), model("m2", 10)
	result, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(true), []*registry.Model{m1, m2})
	require.NoError(t, err)

	assert.Equal(t, "m2", result.ModelID)
	assert.True(t, result.FallbackUsed)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, "m1", result.Attempts[0].ModelID)
	assert.Equal(t, types.ErrKindExecutionFailure, result.Attempts[0].ErrorKind)
	assert.Contains(t, result.Attempts[0].Message, "connection reset")
	assert.JSONEq(t, `"plain text"`, string(result.Output))
	assert.Equal(t, true, result.Metadata["tokens_estimated"])
	assert.Equal(t, 0, m1.Load())
	assert.Equal(t, 0, m2.Load())
}

func TestDispatch_NoFallbackWhenDisallowed(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "m1", "medical").Return(nil, errors.New("boom")).Once()

	result, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(false), []*registry.Model{model("m1", 10), model("m2", 10)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAllModelsFailed))
	assert.False(t, result.Success)
	assert.Equal(t, types.ErrKindAllModelsFailed, result.ErrorKind)
	assert.Len(t, result.Attempts, 1)
	exec.AssertNotCalled(t, "Execute", mock.Anything, "m2", "medical")
}

func TestDispatch_FallbackAttemptedAtMostOnce(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, mock.Anything, "medical").Return(nil, errors.New("down"))

	models := []*registry.Model{model("m1", 10), model("m2", 10), model("m3", 10), model("m4", 10)}
	result, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(true), models)
	require.Error(t, err)

	var re *types.RoutingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, types.ErrKindAllModelsFailed, re.Kind)
	assert.Len(t, re.Attempts, 2)
	assert.Equal(t, re.Attempts, result.Attempts)

	exec.AssertNumberOfCalls(t, "Execute", 2)
	exec.AssertNotCalled(t, "Execute", mock.Anything, "m3", "medical")
	for _, m := range models {
		assert.Equal(t, 0, m.Load())
	}
}

func TestDispatch_UnavailableCandidatesDoNotCountAsExecutions(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "m2", "medical").Return(nil, errors.New("boom")).Once()
	exec.On("Execute", mock.Anything, "m4", "medical").Return(&providers.Output{Content: "ok"}, nil).Once()

	down := model("m1", 10)
	down.UpdateHealth(registry.HealthUpdate{Available: false, State: types.HealthUnhealthy, Trend: types.TrendStable})
	full := model("m3", 1)
	require.True(t, full.TryAcquire())

	result, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(true),
		[]*registry.Model{down, model("m2", 10), full, model("m4", 10)})
	require.NoError(t, err)

	assert.Equal(t, "m4", result.ModelID)
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, types.ErrKindModelUnavailable, result.Attempts[0].ErrorKind)
	assert.Equal(t, types.ErrKindExecutionFailure, result.Attempts[1].ErrorKind)
	assert.Equal(t, types.ErrKindModelUnavailable, result.Attempts[2].ErrorKind)
	assert.Equal(t, 1, full.Load(), "skipped model keeps its foreign admission")
}

func TestDispatch_TimeoutReleasesLoad(t *testing.T) {
	blocking := &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(ctx context.Context, _ *registry.Model) (*providers.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m1 := model("m1", 10)
	d := createTestDispatcher(Config{Timeouts: map[types.Provider]time.Duration{types.ProviderSimulated: 20 * time.Millisecond}}, blocking)

	start := time.Now()
	result, err := d.Dispatch(context.Background(), request(false), []*registry.Model{m1})
	require.Error(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, result.Attempts, 1)
	assert.Contains(t, result.Attempts[0].Message, "timed out")
	assert.Equal(t, 0, m1.Load())
}

func TestDispatch_PanicReleasesLoad(t *testing.T) {
	panicking := &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(context.Context, *registry.Model) (*providers.Output, error) {
			panic("nil map write")
		},
	}
	m1 := model("m1", 10)

	var (
		result *types.DispatchResult
		err    error
	)
	assert.NotPanics(t, func() {
		result, err = createTestDispatcher(Config{}, panicking).Dispatch(context.Background(), request(false), []*registry.Model{m1})
	})
	require.Error(t, err)
	assert.Contains(t, result.Attempts[0].Message, "executor panic")
	assert.Equal(t, 0, m1.Load())
}

func TestDispatch_NilOutputIsFailure(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	exec.On("Execute", mock.Anything, "m1", "medical").Return(nil, nil).Once()

	_, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(false), []*registry.Model{model("m1", 10)})
	assert.True(t, errors.Is(err, types.ErrAllModelsFailed))
}

func TestDispatch_MissingExecutor(t *testing.T) {
	m := registry.NewModel(registry.Descriptor{ID: "gpt", Provider: types.ProviderOpenAI, MaxCapacity: 1, Available: true})
	exec := providertest.NewMockExecutor(types.ProviderSimulated)

	result, err := createTestDispatcher(Config{}, exec).Dispatch(context.Background(), request(false), []*registry.Model{m})
	require.Error(t, err)
	assert.Contains(t, result.Attempts[0].Message, "no executor registered")
	assert.Equal(t, 0, m.Load())
}

func TestDispatch_CancelledContext(t *testing.T) {
	exec := providertest.NewMockExecutor(types.ProviderSimulated)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := createTestDispatcher(Config{}, exec).Dispatch(ctx, request(true), []*registry.Model{model("m1", 10)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_EmptyCandidates(t *testing.T) {
	_, err := createTestDispatcher(Config{}).Dispatch(context.Background(), request(true), nil)
	assert.True(t, errors.Is(err, types.ErrAllModelsFailed))
}

// Fifteen concurrent requests against one model with capacity ten: exactly
// ten are admitted and the rest are rejected as unavailable.
func TestDispatch_ConcurrentAdmission(t *testing.T) {
	release := make(chan struct{})
	var admitted atomic.Int32
	var peak atomic.Int32

	m1 := model("m1", 10)
	blocking := &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(ctx context.Context, m *registry.Model) (*providers.Output, error) {
			admitted.Add(1)
			if l := int32(m.Load()); l > peak.Load() {
				peak.Store(l)
			}
			<-release
			return &providers.Output{Content: "done"}, nil
		},
	}
	d := createTestDispatcher(Config{}, blocking)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := d.Dispatch(context.Background(), request(true), []*registry.Model{m1})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				for _, a := range result.Attempts {
					assert.Equal(t, types.ErrKindModelUnavailable, a.ErrorKind)
				}
				return
			}
			succeeded++
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return admitted.Load() == 10 && rejected == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, m1.Load())

	close(release)
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, rejected)
	assert.LessOrEqual(t, peak.Load(), int32(10))
	assert.Equal(t, 0, m1.Load())
}

func TestDispatch_ConcurrentOverflowGoesToFallback(t *testing.T) {
	release := make(chan struct{})
	primary, secondary := model("primary", 10), model("secondary", 10)

	var perModel sync.Map
	blocking := &providertest.FuncExecutor{
		Provider: types.ProviderSimulated,
		ExecuteFunc: func(ctx context.Context, m *registry.Model) (*providers.Output, error) {
			v, _ := perModel.LoadOrStore(m.ID, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
			<-release
			return &providers.Output{Content: "done"}, nil
		},
	}
	d := createTestDispatcher(Config{}, blocking)

	var wg sync.WaitGroup
	results := make(chan *types.DispatchResult, 15)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := d.Dispatch(context.Background(), request(true), []*registry.Model{primary, secondary})
			assert.NoError(t, err)
			results <- r
		}()
	}

	require.Eventually(t, func() bool {
		return primary.Load()+secondary.Load() == 15
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, primary.Load())
	assert.Equal(t, 5, secondary.Load())

	close(release)
	wg.Wait()
	close(results)

	fallbacks := 0
	for r := range results {
		if r.FallbackUsed {
			fallbacks++
			assert.Equal(t, "secondary", r.ModelID)
		}
	}
	assert.Equal(t, 5, fallbacks)
}

func TestTimeoutDefaultsAndOverrides(t *testing.T) {
	d := createTestDispatcher(Config{Timeouts: map[types.Provider]time.Duration{types.ProviderOpenAI: time.Second}})

	assert.Equal(t, time.Second, d.Timeout(types.ProviderOpenAI))
	assert.Equal(t, 45*time.Second, d.Timeout(types.ProviderAnthropic))
	assert.Equal(t, 15*time.Second, d.Timeout(types.ProviderHTTP))
	assert.Equal(t, 5*time.Second, d.Timeout(types.ProviderSimulated))
	assert.Equal(t, fallbackTimeout, d.Timeout(types.Provider("unknown")))
	assert.Equal(t, 30*time.Second, DefaultTimeouts[types.ProviderOpenAI], "defaults are not mutated")
}

func TestEncodeOutput(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"a":1}`), encodeOutput(`{"a":1}`))
	assert.Equal(t, json.RawMessage(`"hello"`), encodeOutput("hello"))
	assert.Equal(t, json.RawMessage(`""`), encodeOutput(""))
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.03, EstimateCost(0.06, 500), 1e-12)
	assert.Equal(t, 0.0, EstimateCost(0.06, 0))
}

// Helper functions

func createTestDispatcher(cfg Config, executors ...providers.Executor) *Dispatcher {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewDispatcher(providers.NewSet(executors...), cfg, metrics.New(), logger)
}

func model(id string, capacity int) *registry.Model {
	return registry.NewModel(registry.Descriptor{
		ID:             id,
		Provider:       types.ProviderSimulated,
		Capabilities:   []string{"medical"},
		CostPerUnit:    0.01,
		MaxCapacity:    capacity,
		AverageLatency: 10 * time.Millisecond,
		Reliability:    0.95,
		Available:      true,
	})
}

func request(allowFallback bool) *types.TaskRequest {
	return &types.TaskRequest{
		ID:            "req-1",
		TaskType:      "medical",
		Priority:      types.PriorityNormal,
		Payload:       json.RawMessage(`{"symptom":"cough"}`),
		AllowFallback: allowFallback,
		ReceivedAt:    time.Now(),
	}
}
