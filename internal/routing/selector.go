package routing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// Scoring weights. They must sum to 1.0.
const (
	WeightSpecificity = 0.30
	WeightPerformance = 0.25
	WeightCost        = 0.20
	WeightReliability = 0.15
	WeightHeadroom    = 0.10
)

const (
	directMatchStrength = 1.0
	aliasMatchStrength  = 0.7
	neutralCostScore    = 0.5
	scoreEpsilon        = 1e-9
)

// Routing strategies reported in the decision context
const (
	StrategyCapabilityScored = "capability_scored"
	StrategyClearancePinned  = "clearance_pinned"
)

// DefaultAliases maps task types onto the capability tags that can serve them
var DefaultAliases = map[string][]string{
	"defense":         {"security"},
	"threat-analysis": {"security"},
	"diagnosis":       {"medical"},
	"clinical":        {"medical"},
	"code":            {"coding"},
	"chat":            {"general"},
}

// ClearanceRule pins requests carrying Clearance to models with Capability.
// When TaskTypes is non-empty the rule only applies to those task types.
type ClearanceRule struct {
	Clearance  string
	Capability string
	TaskTypes  []string
}

// SelectorConfig configures capability aliasing and clearance pinning
type SelectorConfig struct {
	Aliases        map[string][]string
	ClearanceRules []ClearanceRule
}

// Selector ranks registry models for a task request
type Selector struct {
	registry *registry.Registry
	aliases  map[string][]string
	rules    []ClearanceRule
	logger   *logrus.Logger
}

// NewSelector creates a selector. A nil alias map selects DefaultAliases.
func NewSelector(reg *registry.Registry, cfg SelectorConfig, logger *logrus.Logger) *Selector {
	aliases := cfg.Aliases
	if aliases == nil {
		aliases = DefaultAliases
	}
	normalized := make(map[string][]string, len(aliases))
	for task, caps := range aliases {
		normalized[strings.ToLower(task)] = caps
	}

	return &Selector{
		registry: reg,
		aliases:  normalized,
		rules:    cfg.ClearanceRules,
		logger:   logger,
	}
}

// match is one capability-matching model with its state snapshot
type match struct {
	model       *registry.Model
	matchedOn   string
	alias       bool
	load        int
	available   bool
	reliability float64
	state       types.HealthState
	score       float64
	breakdown   ScoreBreakdown
}

func (m *match) eligible() bool {
	return m.available && m.load < m.model.MaxCapacity
}

// Select produces the ranked candidate list for req.
// It returns NoSuitableModel when no model matches the task type, and
// AllModelsFailed when models match but none can currently accept work.
func (s *Selector) Select(req *types.TaskRequest) (*RoutingDecision, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, types.NewRoutingError(types.ErrKindInvalidRequest, "taskType is required")
	}

	strategy := StrategyCapabilityScored
	var reasoning []string

	rule := s.clearanceRule(req)
	var matches []*match
	if rule != nil {
		strategy = StrategyClearancePinned
		matches = s.pinnedMatches(req, rule.Capability)
		reasoning = append(reasoning, fmt.Sprintf("Clearance '%s' pins capability '%s'", req.RoleOrClearance, rule.Capability))
	} else {
		matches = s.capabilityMatches(req)
	}

	if len(matches) == 0 {
		return nil, types.NewRoutingError(types.ErrKindNoSuitableModel,
			"no model offers a capability for task type '%s'", req.TaskType)
	}

	s.score(req, matches)
	s.rank(matches)

	decision := &RoutingDecision{
		RequestID: req.ID,
		TaskType:  req.TaskType,
		RoutingContext: RoutingContext{
			Strategy:              strategy,
			ModelHealth:           make(map[string]types.HealthState, len(matches)),
			Timestamp:             time.Now(),
			CostComparison:        make(map[string]float64, len(matches)),
			PerformanceComparison: make(map[string]time.Duration, len(matches)),
		},
	}
	if rule != nil {
		decision.RoutingContext.PinnedCapability = rule.Capability
	}

	for _, m := range matches {
		id := m.model.ID
		decision.RoutingContext.ConsideredModels = append(decision.RoutingContext.ConsideredModels, id)
		decision.RoutingContext.ModelHealth[id] = m.state
		decision.RoutingContext.CostComparison[id] = m.model.CostPerUnit
		decision.RoutingContext.PerformanceComparison[id] = m.model.AverageLatency

		if !m.eligible() {
			if len(decision.Candidates) == 0 {
				decision.Unavailable = append(decision.Unavailable, unavailableAttempt(m))
			}
			continue
		}

		decision.Candidates = append(decision.Candidates, Candidate{
			Model:        m.model,
			ModelID:      id,
			Score:        m.score,
			Breakdown:    m.breakdown,
			LoadSnapshot: m.load,
			MatchedOn:    m.matchedOn,
			Alias:        m.alias,
		})
	}

	if len(decision.Candidates) == 0 {
		return nil, &types.RoutingError{
			Kind:     types.ErrKindAllModelsFailed,
			Message:  fmt.Sprintf("all %d models matching task type '%s' are unavailable or at capacity", len(matches), req.TaskType),
			Attempts: decision.Unavailable,
		}
	}

	primary := decision.Candidates[0]
	reasoning = append(reasoning, fmt.Sprintf("Selected %s (score %.3f) for task '%s' via %s", primary.ModelID, primary.Score, req.TaskType, matchDescription(primary)))
	for _, u := range decision.Unavailable {
		reasoning = append(reasoning, fmt.Sprintf("Skipped %s: %s", u.ModelID, u.Message))
	}
	for _, c := range decision.Candidates[1:] {
		decision.FallbackChain = append(decision.FallbackChain, c.ModelID)
	}
	if len(decision.FallbackChain) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("Fallback chain: %s", strings.Join(decision.FallbackChain, ", ")))
	}
	decision.Reasoning = reasoning

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"request_id":  req.ID,
			"task_type":   req.TaskType,
			"strategy":    strategy,
			"primary":     primary.ModelID,
			"score":       primary.Score,
			"candidates":  len(decision.Candidates),
			"unavailable": len(decision.Unavailable),
		}).Debug("Routing decision made")
	}

	return decision, nil
}

func (s *Selector) clearanceRule(req *types.TaskRequest) *ClearanceRule {
	if req.RoleOrClearance == "" {
		return nil
	}
	for i := range s.rules {
		rule := &s.rules[i]
		if !strings.EqualFold(rule.Clearance, req.RoleOrClearance) {
			continue
		}
		if len(rule.TaskTypes) == 0 {
			return rule
		}
		for _, tt := range rule.TaskTypes {
			if strings.EqualFold(tt, req.TaskType) {
				return rule
			}
		}
	}
	return nil
}

// clearanceAllows reports whether a model restricted to a clearance may serve req
func clearanceAllows(m *registry.Model, req *types.TaskRequest) bool {
	return m.Clearance == "" || strings.EqualFold(m.Clearance, req.RoleOrClearance)
}

func (s *Selector) pinnedMatches(req *types.TaskRequest, capability string) []*match {
	var out []*match
	for _, m := range s.registry.WithCapability(capability) {
		if !clearanceAllows(m, req) {
			continue
		}
		out = append(out, snapshot(m, capability, false))
	}
	return out
}

func (s *Selector) capabilityMatches(req *types.TaskRequest) []*match {
	task := strings.ToLower(req.TaskType)
	aliases := s.aliases[task]

	var out []*match
	for _, m := range s.registry.All() {
		if !clearanceAllows(m, req) {
			continue
		}
		if m.HasCapability(req.TaskType) {
			out = append(out, snapshot(m, req.TaskType, false))
			continue
		}
		for _, capability := range aliases {
			if m.HasCapability(capability) {
				out = append(out, snapshot(m, capability, true))
				break
			}
		}
	}
	return out
}

// snapshot reads the model's mutable state once so scoring and ranking see one view
func snapshot(m *registry.Model, matchedOn string, alias bool) *match {
	return &match{
		model:       m,
		matchedOn:   matchedOn,
		alias:       alias,
		load:        m.Load(),
		available:   m.Available(),
		reliability: m.Reliability(),
		state:       m.HealthState(),
	}
}

func (s *Selector) score(req *types.TaskRequest, matches []*match) {
	minLatency := time.Duration(math.MaxInt64)
	minCost := math.MaxFloat64
	for _, m := range matches {
		if m.model.AverageLatency > 0 && m.model.AverageLatency < minLatency {
			minLatency = m.model.AverageLatency
		}
		if m.model.CostPerUnit > 0 && m.model.CostPerUnit < minCost {
			minCost = m.model.CostPerUnit
		}
	}

	for _, m := range matches {
		strength := directMatchStrength
		if m.alias {
			strength = aliasMatchStrength
		}
		capCount := len(m.model.Capabilities)
		if capCount == 0 {
			capCount = 1
		}

		b := ScoreBreakdown{
			Specificity: strength * (0.5 + 0.5/float64(capCount)),
			Reliability: m.reliability,
			Headroom:    m.model.Headroom(m.load),
		}

		latencyScore := 1.0
		if m.model.AverageLatency > 0 {
			latencyScore = float64(minLatency) / float64(m.model.AverageLatency)
		}
		b.Performance = performanceScore(req.Requirements, m.reliability, latencyScore)

		b.Cost = neutralCostScore
		if req.Requirements.Cost != nil {
			b.Cost = 1.0
			if m.model.CostPerUnit > 0 {
				b.Cost = minCost / m.model.CostPerUnit
			}
		}

		m.breakdown = b
		m.score = WeightSpecificity*b.Specificity +
			WeightPerformance*b.Performance +
			WeightCost*b.Cost +
			WeightReliability*b.Reliability +
			WeightHeadroom*b.Headroom
	}
}

func performanceScore(reqs types.Requirements, reliability, latencyScore float64) float64 {
	switch {
	case reqs.Accuracy != nil && reqs.Speed == nil:
		return reliability
	case reqs.Speed != nil && reqs.Accuracy == nil:
		return latencyScore
	case reqs.Accuracy != nil && reqs.Speed != nil:
		total := *reqs.Accuracy + *reqs.Speed
		if total > 0 {
			return (*reqs.Accuracy*reliability + *reqs.Speed*latencyScore) / total
		}
	}
	return (reliability + latencyScore) / 2
}

// rank orders by score, then lower load, then registry insertion order
func (s *Selector) rank(matches []*match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if math.Abs(a.score-b.score) >= scoreEpsilon {
			return a.score > b.score
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.model.Index() < b.model.Index()
	})
}

func unavailableAttempt(m *match) types.AttemptFailure {
	msg := "model marked unavailable"
	if m.available {
		msg = fmt.Sprintf("model at capacity (%d/%d)", m.load, m.model.MaxCapacity)
	}
	return types.AttemptFailure{
		ModelID:   m.model.ID,
		Provider:  m.model.Provider,
		ErrorKind: types.ErrKindModelUnavailable,
		Message:   msg,
	}
}

func matchDescription(c Candidate) string {
	if c.Alias {
		return fmt.Sprintf("alias capability '%s'", c.MatchedOn)
	}
	return fmt.Sprintf("capability '%s'", c.MatchedOn)
}
