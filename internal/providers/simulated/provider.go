// Package simulated provides an in-process executor so the service can run
// end to end without vendor credentials.
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// SimulatedConfig controls latency and failure injection
type SimulatedConfig struct {
	// Latency overrides the model's average latency when set
	Latency     time.Duration `yaml:"latency"`
	Jitter      time.Duration `yaml:"jitter"`
	FailureRate float64       `yaml:"failure_rate"`
	Seed        int64         `yaml:"seed"`

	// FailModels always fail execution and health checks
	FailModels []string `yaml:"fail_models"`
}

// SimulatedExecutor answers every task locally after a simulated delay
type SimulatedExecutor struct {
	config SimulatedConfig
	fail   map[string]bool
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a simulated executor
func NewSimulatedExecutor(config SimulatedConfig, logger *logrus.Logger) *SimulatedExecutor {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	fail := make(map[string]bool, len(config.FailModels))
	for _, id := range config.FailModels {
		fail[id] = true
	}

	return &SimulatedExecutor{
		config: config,
		fail:   fail,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *SimulatedExecutor) Name() types.Provider {
	return types.ProviderSimulated
}

// Execute waits for the simulated latency, honoring ctx, then returns a small JSON document
func (s *SimulatedExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	delay, roll := s.draw(model)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	if s.fail[model.ID] || roll < s.config.FailureRate {
		return nil, fmt.Errorf("simulated failure for model %s", model.ID)
	}

	content, err := json.Marshal(map[string]interface{}{
		"taskType": taskType,
		"model":    model.ID,
		"received": len(payload),
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"model":     model.ID,
		"task_type": taskType,
		"delay_ms":  delay.Milliseconds(),
	}).Debug("Simulated execution completed")

	return &providers.Output{
		Content:    string(content),
		Confidence: 0.5 + model.Reliability()/2,
		Metadata: map[string]interface{}{
			"simulated": true,
			"delay_ms":  delay.Milliseconds(),
		},
	}, nil
}

// HealthCheck fails only for models listed in FailModels
func (s *SimulatedExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail[model.ID] {
		return fmt.Errorf("simulated model %s is down", model.ID)
	}
	return nil
}

func (s *SimulatedExecutor) draw(model *registry.Model) (time.Duration, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.config.Latency
	if delay <= 0 {
		delay = model.AverageLatency
	}
	if s.config.Jitter > 0 {
		delay += time.Duration(s.rng.Int63n(int64(s.config.Jitter)))
	}
	return delay, s.rng.Float64()
}

var _ providers.Executor = (*SimulatedExecutor)(nil)
