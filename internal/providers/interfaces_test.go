package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

type stubExecutor struct{ provider types.Provider }

func (s stubExecutor) Name() types.Provider { return s.provider }

func (s stubExecutor) Execute(context.Context, *registry.Model, string, json.RawMessage) (*Output, error) {
	return &Output{}, nil
}

func (s stubExecutor) HealthCheck(context.Context, *registry.Model) error { return nil }

func TestSet(t *testing.T) {
	set := NewSet(stubExecutor{types.ProviderSimulated}, stubExecutor{types.ProviderHTTP})

	e, err := set.Get(types.ProviderHTTP)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderHTTP, e.Name())

	_, err = set.Get(types.ProviderOpenAI)
	assert.Error(t, err)

	assert.Equal(t, []string{"http", "simulated"}, set.Names())
}

func TestUserPrompt(t *testing.T) {
	assert.Equal(t, "summarize this", UserPrompt("general", json.RawMessage(`"summarize this"`)))

	prompt := UserPrompt("medical", json.RawMessage(`{"symptom":"fever"}`))
	assert.Contains(t, prompt, "Task type: medical")
	assert.Contains(t, prompt, `{"symptom":"fever"}`)
}

func TestConfidenceFromFinish(t *testing.T) {
	tests := map[string]float64{
		"stop":           0.9,
		"end_turn":       0.9,
		"STOP":           0.9,
		"length":         0.6,
		"MAX_TOKENS":     0.6,
		"content_filter": 0.3,
		"":               0.75,
	}
	for reason, expected := range tests {
		assert.InDelta(t, expected, ConfidenceFromFinish(reason), 1e-9, reason)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
