package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/routing"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// Config holds health controller settings
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	WindowSize   int
	Concurrency  int

	// Alpha weights the newest sample in the reliability estimate
	Alpha float64

	HealthyThreshold  float64
	DegradedThreshold float64
}

// DefaultConfig returns the standard probe settings
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		WindowSize:        10,
		Concurrency:       8,
		Alpha:             0.3,
		HealthyThreshold:  0.9,
		DegradedThreshold: 0.5,
	}
}

type modelState struct {
	mu   sync.Mutex
	ring *Ring
}

// Controller probes every model on a fixed interval and owns the
// available/reliability fields of registry models.
type Controller struct {
	registry  *registry.Registry
	executors providers.Set
	config    Config
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	states map[string]*modelState

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewController creates a controller. Zero config fields take DefaultConfig values.
func NewController(reg *registry.Registry, executors providers.Set, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Controller {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = defaults.Alpha
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = defaults.HealthyThreshold
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = defaults.DegradedThreshold
	}

	states := make(map[string]*modelState, reg.Len())
	for _, m := range reg.All() {
		states[m.ID] = &modelState{ring: NewRing(cfg.WindowSize)}
	}

	return &Controller{
		registry:  reg,
		executors: executors,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		states:    states,
	}
}

// Start runs the probe loop in its own goroutine until ctx is cancelled or Stop is called.
// The first cycle runs immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx, c.done)

	c.logger.WithFields(logrus.Fields{
		"interval": c.config.Interval.String(),
		"models":   len(c.states),
	}).Info("Health controller started")
}

// Stop cancels the probe loop and waits for it to exit
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("Health controller stopped")
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe cycle over every model with bounded concurrency.
// Probe failures are recorded as unhealthy samples and never returned.
func (c *Controller) ProbeAll(ctx context.Context) {
	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(c.config.Concurrency)

	for _, m := range c.registry.All() {
		model := m
		g.Go(func() error {
			c.Record(c.probe(ctx, model))
			return nil
		})
	}
	_ = g.Wait()

	c.logger.WithFields(logrus.Fields{
		"models":      c.registry.Len(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Health probe cycle completed")
}

type probeResult struct {
	err error
}

func (c *Controller) probe(ctx context.Context, model *registry.Model) types.HealthSample {
	start := time.Now()
	sample := types.HealthSample{ModelID: model.ID, Timestamp: start}

	err := c.ping(ctx, model)
	sample.ResponseTime = time.Since(start)
	if err != nil {
		sample.Error = err.Error()
		c.logger.WithFields(logrus.Fields{
			"model":     model.ID,
			"provider":  model.Provider,
			"errorKind": types.ErrKindHealthProbeFailure,
		}).WithError(err).Warn("Health probe failed")
		return sample
	}

	sample.Healthy = true
	return sample
}

func (c *Controller) ping(ctx context.Context, model *registry.Model) error {
	executor, err := c.executors.Get(model.Provider)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{err: fmt.Errorf("health check panic: %v", r)}
			}
		}()
		done <- probeResult{err: executor.HealthCheck(ctx, model)}
	}()

	select {
	case res := <-done:
		return res.err
	case <-ctx.Done():
		return fmt.Errorf("health check timed out after %s: %w", c.config.ProbeTimeout, ctx.Err())
	}
}

// Record applies one sample to its model: ring buffer, moving average, state, trend and reliability
func (c *Controller) Record(sample types.HealthSample) {
	st, ok := c.states[sample.ModelID]
	if !ok {
		c.logger.WithField("model", sample.ModelID).Warn("Health sample for unknown model dropped")
		return
	}
	model, err := c.registry.Get(sample.ModelID)
	if err != nil {
		c.logger.WithError(err).Warn("Health sample for unknown model dropped")
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.ring.Add(sample)
	avg := st.ring.MovingAverage()
	state := c.classify(avg)

	indicator := 0.0
	if sample.Healthy {
		indicator = 1.0
	}
	previous := model.HealthState()
	reliability := c.config.Alpha*indicator + (1-c.config.Alpha)*model.Reliability()

	model.UpdateHealth(registry.HealthUpdate{
		Available:       state != types.HealthUnhealthy,
		Reliability:     reliability,
		State:           state,
		Trend:           st.ring.Trend(),
		MovingAverage:   avg,
		Samples:         st.ring.Len(),
		AverageResponse: st.ring.AverageResponse(),
		CheckedAt:       sample.Timestamp,
		LastError:       sample.Error,
	})
	c.metrics.ObserveProbe(model.ID, sample.Healthy, reliability, state != types.HealthUnhealthy)

	if previous != state {
		c.logger.WithFields(logrus.Fields{
			"model":          model.ID,
			"from":           previous,
			"to":             state,
			"moving_average": avg,
			"reliability":    reliability,
		}).Info("Model health state changed")
	}
}

func (c *Controller) classify(avg float64) types.HealthState {
	switch {
	case avg >= c.config.HealthyThreshold:
		return types.HealthHealthy
	case avg >= c.config.DegradedThreshold:
		return types.HealthDegraded
	default:
		return types.HealthUnhealthy
	}
}

// Samples returns the retained samples for a model, oldest first
func (c *Controller) Samples(modelID string) []types.HealthSample {
	st, ok := c.states[modelID]
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.Samples()
}

// Snapshot returns the current health of every model
func (c *Controller) Snapshot() map[string]types.ModelHealth {
	out := make(map[string]types.ModelHealth, c.registry.Len())
	for _, m := range c.registry.All() {
		out[m.ID] = m.Health()
	}
	return out
}

// Fallbacks returns the ranked alternates to primaryID that are still available.
// The ordering is the selector's ranking.
func (c *Controller) Fallbacks(primaryID string, decision *routing.RoutingDecision) []*registry.Model {
	if decision == nil {
		return nil
	}
	var out []*registry.Model
	for _, cand := range decision.Candidates {
		if cand.ModelID == primaryID || cand.Model == nil {
			continue
		}
		if !cand.Model.Available() {
			continue
		}
		out = append(out, cand.Model)
	}
	return out
}
