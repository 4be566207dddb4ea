package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// Output is what an executor produces for one task
type Output struct {
	Content    string                 `json:"content"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// OutputTokens is the vendor-reported completion size, 0 when unknown
	OutputTokens int `json:"outputTokens,omitempty"`
}

// Executor runs tasks against one provider family. Every provider
// value in the registry needs exactly one Executor.
type Executor interface {
	Name() types.Provider
	Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*Output, error)

	// HealthCheck is the lightweight ping used by the health controller
	HealthCheck(ctx context.Context, model *registry.Model) error
}

// Set maps provider ids to their executors
type Set map[types.Provider]Executor

// NewSet builds a Set from executors, keyed by their Name
func NewSet(executors ...Executor) Set {
	s := make(Set, len(executors))
	for _, e := range executors {
		s[e.Name()] = e
	}
	return s
}

// Get returns the executor for provider
func (s Set) Get(provider types.Provider) (Executor, error) {
	e, ok := s[provider]
	if !ok || e == nil {
		return nil, fmt.Errorf("no executor registered for provider %q", provider)
	}
	return e, nil
}

// Names lists the registered providers in sorted order
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for p := range s {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// SystemPrompt frames the model for a task type
func SystemPrompt(taskType string) string {
	return fmt.Sprintf("You are a specialist model handling '%s' tasks. Respond concisely.", taskType)
}

// UserPrompt renders the opaque payload for text-based providers
func UserPrompt(taskType string, payload json.RawMessage) string {
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return text
	}

	var b strings.Builder
	b.WriteString("Task type: ")
	b.WriteString(taskType)
	b.WriteString("\n\nInput:\n")
	b.Write(payload)
	return b.String()
}

// ConfidenceFromFinish maps a vendor finish reason onto a rough confidence
func ConfidenceFromFinish(reason string) float64 {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence":
		return 0.9
	case "length", "max_tokens":
		return 0.6
	case "content_filter", "safety", "refusal":
		return 0.3
	default:
		return 0.75
	}
}

// EstimateTokens approximates a token count from text length
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
