package routing

import (
	"time"

	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	RequestID string `json:"request_id"`
	TaskType  string `json:"task_type"`

	// Eligible models, best first
	Candidates []Candidate `json:"candidates"`

	// Matching models that ranked ahead of the primary but could not take the request
	Unavailable []types.AttemptFailure `json:"unavailable,omitempty"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reasoning"`

	// Candidate ids after the primary, in ranked order
	FallbackChain []string `json:"fallback_chain"`

	RoutingContext RoutingContext `json:"routing_context"`
}

// Candidate is one eligible model together with how it scored
type Candidate struct {
	Model        *registry.Model `json:"-"`
	ModelID      string          `json:"model_id"`
	Score        float64         `json:"score"`
	Breakdown    ScoreBreakdown  `json:"breakdown"`
	LoadSnapshot int             `json:"load_snapshot"`
	MatchedOn    string          `json:"matched_on"`
	Alias        bool            `json:"alias"`
}

// ScoreBreakdown holds the normalized factor values before weighting
type ScoreBreakdown struct {
	Specificity float64 `json:"specificity"`
	Performance float64 `json:"performance"`
	Cost        float64 `json:"cost"`
	Reliability float64 `json:"reliability"`
	Headroom    float64 `json:"headroom"`
}

// RoutingContext contains additional context about the routing decision
type RoutingContext struct {
	Strategy         string `json:"strategy"`
	PinnedCapability string `json:"pinned_capability,omitempty"`

	// Every capability-matching model, eligible or not
	ConsideredModels []string `json:"considered_models"`

	// Health state per considered model at time of routing
	ModelHealth map[string]types.HealthState `json:"model_health"`

	Timestamp time.Time `json:"timestamp"`

	CostComparison        map[string]float64       `json:"cost_comparison,omitempty"`
	PerformanceComparison map[string]time.Duration `json:"performance_comparison,omitempty"`
}

// Primary returns the top-ranked candidate, or nil for an empty decision
func (d *RoutingDecision) Primary() *Candidate {
	if d == nil || len(d.Candidates) == 0 {
		return nil
	}
	return &d.Candidates[0]
}

// CandidateIDs returns candidate ids in ranked order
func (d *RoutingDecision) CandidateIDs() []string {
	ids := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		ids[i] = c.ModelID
	}
	return ids
}
