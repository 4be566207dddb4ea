// Package orchestrator composes selection, dispatch and health into the routing service.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/dispatch"
	"github.com/tributary-ai/model-orchestrator/internal/health"
	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/routing"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// Service routes task requests. Instances are independent; tests build their own.
type Service struct {
	registry   *registry.Registry
	selector   *routing.Selector
	dispatcher *dispatch.Dispatcher
	health     *health.Controller
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewService wires the components of one routing service
func NewService(reg *registry.Registry, selector *routing.Selector, dispatcher *dispatch.Dispatcher, healthCtl *health.Controller, m *metrics.Metrics, logger *logrus.Logger) *Service {
	return &Service{
		registry:   reg,
		selector:   selector,
		dispatcher: dispatcher,
		health:     healthCtl,
		metrics:    m,
		logger:     logger,
	}
}

// Route selects a model for req and dispatches to it with at most one fallback.
// The result is non-nil whenever selection got far enough to attempt models.
func (s *Service) Route(ctx context.Context, req *types.TaskRequest) (*types.DispatchResult, error) {
	start := time.Now()
	task := *req
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = start
	}

	if err := validate(&task); err != nil {
		s.metrics.ObserveRoute(string(types.ErrKindInvalidRequest), time.Since(start))
		return nil, err
	}

	logger := s.logger.WithFields(logrus.Fields{
		"request_id": task.ID,
		"task_type":  task.TaskType,
		"priority":   task.Priority,
	})

	decision, err := s.selector.Select(&task)
	if err != nil {
		kind := types.KindOf(err)
		s.metrics.ObserveRoute(string(kind), time.Since(start))
		logger.WithError(err).Warn("Routing failed during selection")

		var re *types.RoutingError
		if errors.As(err, &re) && len(re.Attempts) > 0 {
			return &types.DispatchResult{
				RequestID:   task.ID,
				Success:     false,
				ErrorKind:   re.Kind,
				ElapsedTime: time.Since(start),
				Attempts:    re.Attempts,
			}, err
		}
		return nil, err
	}

	primary := decision.Primary()
	candidates := append([]*registry.Model{primary.Model}, s.health.Fallbacks(primary.ModelID, decision)...)

	result, err := s.dispatcher.Dispatch(ctx, &task, candidates)
	if len(decision.Unavailable) > 0 {
		result.Attempts = append(append([]types.AttemptFailure{}, decision.Unavailable...), result.Attempts...)
		if err != nil {
			var re *types.RoutingError
			if errors.As(err, &re) {
				re.Attempts = result.Attempts
			}
		}
	}
	result.ElapsedTime = time.Since(start)

	if err != nil {
		s.metrics.ObserveRoute(string(types.KindOf(err)), result.ElapsedTime)
		logger.WithFields(logrus.Fields{
			"attempts":   len(result.Attempts),
			"elapsed_ms": result.ElapsedTime.Milliseconds(),
		}).WithError(err).Error("All candidate models failed")
		return result, err
	}

	if len(decision.Unavailable) > 0 {
		result.FallbackUsed = true
	}
	if result.FallbackUsed {
		s.metrics.IncFallback()
	}
	s.metrics.ObserveRoute("success", result.ElapsedTime)

	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["routing_strategy"] = decision.RoutingContext.Strategy
	result.Metadata["routing_reason"] = decision.Reasoning
	result.Metadata["score"] = primary.Score

	logger.WithFields(logrus.Fields{
		"model":          result.ModelID,
		"provider":       result.Provider,
		"fallback_used":  result.FallbackUsed,
		"elapsed_ms":     result.ElapsedTime.Milliseconds(),
		"estimated_cost": result.EstimatedCost,
		"reasoning":      strings.Join(decision.Reasoning, "; "),
	}).Info("Request routed")

	return result, nil
}

// Health returns the aggregate health report
func (s *Service) Health() types.HealthReport {
	models := s.health.Snapshot()

	available, healthy := 0, 0
	for _, h := range models {
		if h.Available {
			available++
		}
		if h.State == types.HealthHealthy {
			healthy++
		}
	}

	status := "healthy"
	switch {
	case available == 0:
		status = "unhealthy"
	case healthy < len(models):
		status = "degraded"
	}

	return types.HealthReport{
		Status:    status,
		Models:    models,
		Timestamp: time.Now().Unix(),
	}
}

// Models lists the registry in insertion order
func (s *Service) Models() []types.ModelInfo {
	all := s.registry.All()
	out := make([]types.ModelInfo, 0, len(all))
	for _, m := range all {
		out = append(out, m.Info())
	}
	return out
}

// Model returns one registry entry. The error wraps registry.ErrModelNotFound.
func (s *Service) Model(id string) (types.ModelInfo, error) {
	m, err := s.registry.Get(id)
	if err != nil {
		return types.ModelInfo{}, err
	}
	return m.Info(), nil
}

func validate(req *types.TaskRequest) error {
	if strings.TrimSpace(req.TaskType) == "" {
		return types.NewRoutingError(types.ErrKindInvalidRequest, "taskType is required")
	}
	if !req.HasPayload() {
		return types.NewRoutingError(types.ErrKindInvalidRequest, "payload is required")
	}
	for name, v := range map[string]*float64{
		"accuracy": req.Requirements.Accuracy,
		"speed":    req.Requirements.Speed,
		"cost":     req.Requirements.Cost,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return types.NewRoutingError(types.ErrKindInvalidRequest, "requirements.%s must be between 0 and 1", name)
		}
	}
	return nil
}
