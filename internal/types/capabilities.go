package types

import (
	"time"
)

// Provider identifies the backend family a model is executed through
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderHTTP      Provider = "http"
	ProviderSimulated Provider = "simulated"
)

// KnownProviders lists every provider family the service can execute against
var KnownProviders = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderHTTP,
	ProviderSimulated,
}

// Valid reports whether p is one of the known provider families
func (p Provider) Valid() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// HealthState is the health classification derived from recent probe samples
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Trend describes the direction of a model's recent probe results
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// HealthSample is one probe observation for a model
type HealthSample struct {
	ModelID      string        `json:"model_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// ModelInfo is the public view of a registry entry
type ModelInfo struct {
	ID             string   `json:"id"`
	Provider       Provider `json:"provider"`
	ProviderModel  string   `json:"provider_model,omitempty"`
	Capabilities   []string `json:"capabilities"`
	CostPerUnit    float64  `json:"cost_per_unit"`
	MaxCapacity    int      `json:"max_capacity"`
	AverageLatency int64    `json:"average_latency_ms"`
	Reliability    float64  `json:"reliability"`
	Available      bool     `json:"available"`
	CurrentLoad    int      `json:"current_load"`
	Clearance      string   `json:"clearance,omitempty"`
}

// ModelHealth is the per-model entry of the health report
type ModelHealth struct {
	Available         bool        `json:"available"`
	Reliability       float64     `json:"reliability"`
	CurrentLoad       int         `json:"currentLoad"`
	MaxCapacity       int         `json:"maxCapacity"`
	Trend             Trend       `json:"trend"`
	State             HealthState `json:"state"`
	Samples           int         `json:"samples"`
	MovingAverage     float64     `json:"movingAverage"`
	AverageResponseMs int64       `json:"averageResponseMs"`
	LastChecked       int64       `json:"lastChecked,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
}
