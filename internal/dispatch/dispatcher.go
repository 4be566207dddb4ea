package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

var tracer = otel.Tracer("internal/dispatch")

// DefaultTimeouts are the per-provider execution timeouts
var DefaultTimeouts = map[types.Provider]time.Duration{
	types.ProviderOpenAI:    30 * time.Second,
	types.ProviderAnthropic: 45 * time.Second,
	types.ProviderGoogle:    30 * time.Second,
	types.ProviderHTTP:      15 * time.Second,
	types.ProviderSimulated: 5 * time.Second,
}

const fallbackTimeout = 30 * time.Second

// Config holds dispatcher settings. Timeouts override DefaultTimeouts per provider.
type Config struct {
	Timeouts map[types.Provider]time.Duration
}

// Dispatcher executes a task against ranked candidates with at most one fallback execution
type Dispatcher struct {
	executors providers.Set
	timeouts  map[types.Provider]time.Duration
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(executors providers.Set, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Dispatcher {
	timeouts := make(map[types.Provider]time.Duration, len(DefaultTimeouts))
	for p, d := range DefaultTimeouts {
		timeouts[p] = d
	}
	for p, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[p] = d
		}
	}

	return &Dispatcher{
		executors: executors,
		timeouts:  timeouts,
		metrics:   m,
		logger:    logger,
	}
}

// Timeout returns the execution timeout for provider
func (d *Dispatcher) Timeout(provider types.Provider) time.Duration {
	if t, ok := d.timeouts[provider]; ok {
		return t
	}
	return fallbackTimeout
}

// Dispatch walks candidates in order. Unavailable or full candidates are
// skipped without counting as an execution. At most two executions happen
// (one when req.AllowFallback is false). On total failure the returned
// result has Success=false and the error is a *types.RoutingError of kind
// AllModelsFailed carrying every attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.TaskRequest, candidates []*registry.Model) (*types.DispatchResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("task.type", req.TaskType),
		attribute.Int("candidates", len(candidates)),
	)

	maxExecutions := 1
	if req.AllowFallback {
		maxExecutions = 2
	}

	var attempts []types.AttemptFailure
	executions := 0

	for i, model := range candidates {
		if executions >= maxExecutions {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if !model.Available() {
			attempts = append(attempts, d.skip(model, "model marked unavailable"))
			continue
		}
		if !model.TryAcquire() {
			attempts = append(attempts, d.skip(model, fmt.Sprintf("model at capacity (%d)", model.MaxCapacity)))
			continue
		}
		executions++

		attemptStart := time.Now()
		out, err := d.execute(ctx, req, model)
		elapsed := time.Since(attemptStart)

		if err == nil {
			result := d.success(req, model, out, time.Since(start))
			result.FallbackUsed = i > 0
			result.Attempts = attempts
			d.metrics.ObserveAttempt(model.ID, "success", elapsed)
			span.SetAttributes(attribute.String("model.id", model.ID), attribute.Bool("fallback", result.FallbackUsed))
			return result, nil
		}

		result := "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		d.metrics.ObserveAttempt(model.ID, result, elapsed)
		attempts = append(attempts, types.AttemptFailure{
			ModelID:   model.ID,
			Provider:  model.Provider,
			ErrorKind: types.ErrKindExecutionFailure,
			Message:   err.Error(),
			ElapsedMs: elapsed.Milliseconds(),
		})

		d.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"model":      model.ID,
			"provider":   model.Provider,
			"elapsed_ms": elapsed.Milliseconds(),
			"execution":  executions,
		}).WithError(err).Warn("Dispatch attempt failed")
	}

	message := fmt.Sprintf("%d candidate(s) tried, %d executed, none succeeded", len(attempts), executions)
	if ctx.Err() != nil {
		message = fmt.Sprintf("dispatch cancelled: %v", ctx.Err())
	}
	span.SetStatus(codes.Error, message)

	failed := &types.DispatchResult{
		RequestID:   req.ID,
		Success:     false,
		ErrorKind:   types.ErrKindAllModelsFailed,
		ElapsedTime: time.Since(start),
		Attempts:    attempts,
	}
	return failed, &types.RoutingError{
		Kind:     types.ErrKindAllModelsFailed,
		Message:  message,
		Attempts: attempts,
	}
}

// execute runs one admitted attempt. The admission slot is released on every
// return path, including timeout and executor panic.
func (d *Dispatcher) execute(ctx context.Context, req *types.TaskRequest, model *registry.Model) (*providers.Output, error) {
	defer func() {
		model.Release()
		d.metrics.SetLoad(model.ID, model.Load())
	}()
	d.metrics.SetLoad(model.ID, model.Load())

	ctx, span := tracer.Start(ctx, "Dispatcher.attempt", trace.WithAttributes(
		attribute.String("model.id", model.ID),
		attribute.String("model.provider", string(model.Provider)),
	))
	defer span.End()

	out, err := d.run(ctx, req, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

type executeResult struct {
	out *providers.Output
	err error
}

func (d *Dispatcher) run(ctx context.Context, req *types.TaskRequest, model *registry.Model) (*providers.Output, error) {
	executor, err := d.executors.Get(model.Provider)
	if err != nil {
		return nil, err
	}

	timeout := d.Timeout(model.Provider)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan executeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executeResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := executor.Execute(ctx, model, req.TaskType, req.Payload)
		done <- executeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.out == nil {
			return nil, fmt.Errorf("executor returned no output")
		}
		return res.out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("execution timed out after %s: %w", timeout, ctx.Err())
		}
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
}

func (d *Dispatcher) skip(model *registry.Model, reason string) types.AttemptFailure {
	d.metrics.ObserveAttempt(model.ID, "unavailable", 0)
	d.logger.WithFields(logrus.Fields{
		"model":  model.ID,
		"reason": reason,
	}).Debug("Skipping candidate")

	return types.AttemptFailure{
		ModelID:   model.ID,
		Provider:  model.Provider,
		ErrorKind: types.ErrKindModelUnavailable,
		Message:   reason,
	}
}

func (d *Dispatcher) success(req *types.TaskRequest, model *registry.Model, out *providers.Output, elapsed time.Duration) *types.DispatchResult {
	tokens := out.OutputTokens
	estimated := false
	if tokens <= 0 {
		tokens = providers.EstimateTokens(out.Content)
		estimated = true
	}
	cost := EstimateCost(model.CostPerUnit, tokens)
	d.metrics.RecordUsage(model.ID, cost, tokens)

	metadata := make(map[string]interface{}, len(out.Metadata)+2)
	for k, v := range out.Metadata {
		metadata[k] = v
	}
	metadata["output_tokens"] = tokens
	metadata["tokens_estimated"] = estimated

	return &types.DispatchResult{
		RequestID:     req.ID,
		ModelID:       model.ID,
		Provider:      model.Provider,
		Success:       true,
		Output:        encodeOutput(out.Content),
		ElapsedTime:   elapsed,
		EstimatedCost: cost,
		Confidence:    clampConfidence(out.Confidence),
		Metadata:      metadata,
	}
}

// EstimateCost prices tokens at costPerUnit USD per 1K tokens
func EstimateCost(costPerUnit float64, tokens int) float64 {
	return costPerUnit * float64(tokens) / 1000
}

// encodeOutput passes JSON content through and quotes anything else
func encodeOutput(content string) json.RawMessage {
	if content != "" && json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
