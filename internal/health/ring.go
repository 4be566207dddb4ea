package health

import (
	"time"

	"github.com/tributary-ai/model-orchestrator/internal/types"
)

const (
	// minTrendSamples is the smallest window that yields a non-stable trend
	minTrendSamples = 4
	trendThreshold  = 0.1
)

// Ring is a fixed-capacity buffer of health samples; the oldest sample is overwritten
type Ring struct {
	buf   []types.HealthSample
	next  int
	count int
}

// NewRing creates a ring holding at most size samples
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]types.HealthSample, size)}
}

// Add stores s, evicting the oldest sample when full
func (r *Ring) Add(s types.HealthSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *Ring) Len() int {
	return r.count
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

// Samples returns the retained samples, oldest first
func (r *Ring) Samples() []types.HealthSample {
	out := make([]types.HealthSample, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Last returns the newest sample
func (r *Ring) Last() (types.HealthSample, bool) {
	if r.count == 0 {
		return types.HealthSample{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

// MovingAverage is the share of healthy samples in the window. An empty window counts as healthy.
func (r *Ring) MovingAverage() float64 {
	if r.count == 0 {
		return 1
	}
	return successRate(r.Samples())
}

// AverageResponse is the mean response time over the window
func (r *Ring) AverageResponse() time.Duration {
	if r.count == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range r.Samples() {
		total += s.ResponseTime
	}
	return total / time.Duration(r.count)
}

// Trend compares the success rate of the older half of the window with the newer half
func (r *Ring) Trend() types.Trend {
	if r.count < minTrendSamples {
		return types.TrendStable
	}
	samples := r.Samples()
	half := len(samples) / 2
	delta := successRate(samples[len(samples)-half:]) - successRate(samples[:half])

	switch {
	case delta > trendThreshold:
		return types.TrendImproving
	case delta < -trendThreshold:
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

func successRate(samples []types.HealthSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	healthy := 0
	for _, s := range samples {
		if s.Healthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(samples))
}
