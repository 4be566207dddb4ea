package google

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// GoogleExecutor runs tasks against Gemini models
type GoogleExecutor struct {
	client *genai.Client
	config *GoogleConfig
	logger *logrus.Logger
}

// GoogleConfig holds Gemini-specific configuration
type GoogleConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int32  `yaml:"max_tokens"`
}

// NewGoogleExecutor creates a Gemini executor. It fails without an API key.
func NewGoogleExecutor(ctx context.Context, config *GoogleConfig, logger *logrus.Logger) (*GoogleExecutor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleExecutor{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

func (p *GoogleExecutor) Name() types.Provider {
	return types.ProviderGoogle
}

// Execute generates content for the rendered task prompt
func (p *GoogleExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(providers.SystemPrompt(taskType), genai.RoleUser),
	}
	if p.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = p.config.MaxTokens
	}

	resp, err := p.client.Models.GenerateContent(ctx, model.ProviderModel, genai.Text(providers.UserPrompt(taskType, payload)), genConfig)
	if err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Error("Google API call failed")
		return nil, fmt.Errorf("google API error: %w", err)
	}

	return convertFromGenaiResponse(resp)
}

// HealthCheck fetches the model's metadata
func (p *GoogleExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	if _, err := p.client.Models.Get(ctx, model.ProviderModel, nil); err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Debug("Google health check failed")
		return fmt.Errorf("google health check failed: %w", err)
	}
	return nil
}

func convertFromGenaiResponse(resp *genai.GenerateContentResponse) (*providers.Output, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}

	out := &providers.Output{
		Content:    content.String(),
		Confidence: providers.ConfidenceFromFinish(string(candidate.FinishReason)),
		Metadata: map[string]interface{}{
			"finish_reason": string(candidate.FinishReason),
			"model_version": resp.ModelVersion,
		},
	}
	if resp.UsageMetadata != nil {
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		out.Metadata["prompt_tokens"] = resp.UsageMetadata.PromptTokenCount
	}
	return out, nil
}

var _ providers.Executor = (*GoogleExecutor)(nil)
