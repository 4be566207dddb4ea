package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// Descriptor is the static description of a model, usually built from configuration.
// Reliability and Available seed the mutable health fields.
type Descriptor struct {
	ID             string
	Provider       types.Provider
	ProviderModel  string
	Endpoint       string
	Capabilities   []string
	CostPerUnit    float64
	MaxCapacity    int
	AverageLatency time.Duration
	Reliability    float64
	Available      bool
	Clearance      string
}

// Model is a registry entry. The descriptor fields are immutable after
// construction; load and health are mutated through the accessor methods only.
type Model struct {
	ID             string
	Provider       types.Provider
	ProviderModel  string
	Endpoint       string
	Capabilities   []string
	CostPerUnit    float64
	MaxCapacity    int
	AverageLatency time.Duration
	Clearance      string

	index int
	load  atomic.Int64

	mu            sync.RWMutex
	available     bool
	reliability   float64
	state         types.HealthState
	trend         types.Trend
	movingAverage float64
	samples       int
	avgResponse   time.Duration
	lastChecked   time.Time
	lastError     string
}

// HealthUpdate carries the fields the health controller recomputes after a probe
type HealthUpdate struct {
	Available       bool
	Reliability     float64
	State           types.HealthState
	Trend           types.Trend
	MovingAverage   float64
	Samples         int
	AverageResponse time.Duration
	CheckedAt       time.Time
	LastError       string
}

// NewModel creates a model from its descriptor
func NewModel(d Descriptor) *Model {
	providerModel := d.ProviderModel
	if providerModel == "" {
		providerModel = d.ID
	}
	caps := make([]string, len(d.Capabilities))
	copy(caps, d.Capabilities)

	state := types.HealthHealthy
	if !d.Available {
		state = types.HealthUnhealthy
	}

	return &Model{
		ID:             d.ID,
		Provider:       d.Provider,
		ProviderModel:  providerModel,
		Endpoint:       d.Endpoint,
		Capabilities:   caps,
		CostPerUnit:    d.CostPerUnit,
		MaxCapacity:    d.MaxCapacity,
		AverageLatency: d.AverageLatency,
		Clearance:      d.Clearance,
		index:          -1,
		available:      d.Available,
		reliability:    clamp01(d.Reliability),
		state:          state,
		trend:          types.TrendStable,
	}
}

// Index is the model's registry insertion position
func (m *Model) Index() int {
	return m.index
}

// HasCapability reports whether the model carries tag
func (m *Model) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// TryAcquire admits one dispatch if the model is below capacity.
// Every successful TryAcquire must be paired with exactly one Release.
func (m *Model) TryAcquire() bool {
	limit := int64(m.MaxCapacity)
	for {
		cur := m.load.Load()
		if cur >= limit {
			return false
		}
		if m.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns one admitted slot
func (m *Model) Release() {
	for {
		cur := m.load.Load()
		if cur <= 0 {
			return
		}
		if m.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Load returns the number of in-flight dispatches
func (m *Model) Load() int {
	return int(m.load.Load())
}

// Headroom is 1 - load/capacity for the given load snapshot
func (m *Model) Headroom(load int) float64 {
	if m.MaxCapacity <= 0 {
		return 0
	}
	return clamp01(1 - float64(load)/float64(m.MaxCapacity))
}

func (m *Model) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

func (m *Model) Reliability() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reliability
}

func (m *Model) HealthState() types.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Model) Trend() types.Trend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trend
}

// UpdateHealth applies the result of a probe cycle
func (m *Model) UpdateHealth(u HealthUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = u.Available
	m.reliability = clamp01(u.Reliability)
	m.state = u.State
	m.trend = u.Trend
	m.movingAverage = u.MovingAverage
	m.samples = u.Samples
	m.avgResponse = u.AverageResponse
	m.lastChecked = u.CheckedAt
	m.lastError = u.LastError
}

// Health returns the model's health view for reporting
func (m *Model) Health() types.ModelHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := types.ModelHealth{
		Available:         m.available,
		Reliability:       m.reliability,
		CurrentLoad:       m.Load(),
		MaxCapacity:       m.MaxCapacity,
		Trend:             m.trend,
		State:             m.state,
		Samples:           m.samples,
		MovingAverage:     m.movingAverage,
		AverageResponseMs: m.avgResponse.Milliseconds(),
		LastError:         m.lastError,
	}
	if !m.lastChecked.IsZero() {
		h.LastChecked = m.lastChecked.Unix()
	}
	return h
}

// Info returns the public descriptor view of the model
func (m *Model) Info() types.ModelInfo {
	caps := make([]string, len(m.Capabilities))
	copy(caps, m.Capabilities)
	return types.ModelInfo{
		ID:             m.ID,
		Provider:       m.Provider,
		ProviderModel:  m.ProviderModel,
		Capabilities:   caps,
		CostPerUnit:    m.CostPerUnit,
		MaxCapacity:    m.MaxCapacity,
		AverageLatency: m.AverageLatency.Milliseconds(),
		Reliability:    m.Reliability(),
		Available:      m.Available(),
		CurrentLoad:    m.Load(),
		Clearance:      m.Clearance,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
