package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// OpenAIExecutor runs tasks against the OpenAI chat completions API
type OpenAIExecutor struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	OrgID       string  `yaml:"org_id"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// NewOpenAIExecutor creates a new OpenAI executor instance
func NewOpenAIExecutor(config *OpenAIConfig, logger *logrus.Logger) *OpenAIExecutor {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &OpenAIExecutor{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (p *OpenAIExecutor) Name() types.Provider {
	return types.ProviderOpenAI
}

// Execute sends the task as a two-message chat completion
func (p *OpenAIExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	req := openai.ChatCompletionRequest{
		Model: model.ProviderModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: providers.SystemPrompt(taskType)},
			{Role: openai.ChatMessageRoleUser, Content: providers.UserPrompt(taskType, payload)},
		},
	}
	if p.config.MaxTokens > 0 {
		req.MaxTokens = p.config.MaxTokens
	}
	if p.config.Temperature > 0 {
		req.Temperature = p.config.Temperature
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}

	return convertFromOpenAIResponse(&resp)
}

// HealthCheck looks the configured model up on the models endpoint
func (p *OpenAIExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	if _, err := p.client.GetModel(ctx, model.ProviderModel); err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Debug("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}
	return nil
}

func convertFromOpenAIResponse(resp *openai.ChatCompletionResponse) (*providers.Output, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	return &providers.Output{
		Content:    choice.Message.Content,
		Confidence: providers.ConfidenceFromFinish(string(choice.FinishReason)),
		Metadata: map[string]interface{}{
			"response_id":    resp.ID,
			"provider_model": resp.Model,
			"finish_reason":  string(choice.FinishReason),
			"prompt_tokens":  resp.Usage.PromptTokens,
		},
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

var _ providers.Executor = (*OpenAIExecutor)(nil)
