package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// defaultMaxTokens is used when none is configured; the messages API requires one
const defaultMaxTokens = 1024

// AnthropicExecutor runs tasks against the Anthropic messages API
type AnthropicExecutor struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxTokens  int    `yaml:"max_tokens"`
	MaxRetries int    `yaml:"max_retries"`
}

// NewAnthropicExecutor creates a new Anthropic executor instance
func NewAnthropicExecutor(config *AnthropicConfig, logger *logrus.Logger) *AnthropicExecutor {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicExecutor{
		client: &client,
		config: config,
		logger: logger,
	}
}

func (p *AnthropicExecutor) Name() types.Provider {
	return types.ProviderAnthropic
}

// Execute sends the task as a single user message with a task-specific system prompt
func (p *AnthropicExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	maxTokens := int64(p.config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ProviderModel),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: providers.SystemPrompt(taskType)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(providers.UserPrompt(taskType, payload))),
		},
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	return convertFromAnthropicResponse(resp), nil
}

// HealthCheck sends a one-token message to the configured model
func (p *AnthropicExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	ping := anthropic.MessageNewParams{
		Model: anthropic.Model(model.ProviderModel),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	}

	if _, err := p.client.Messages.New(ctx, ping); err != nil {
		p.logger.WithError(err).WithField("model", model.ID).Debug("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	return nil
}

func convertFromAnthropicResponse(resp *anthropic.Message) *providers.Output {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.Output{
		Content:    text.String(),
		Confidence: providers.ConfidenceFromFinish(string(resp.StopReason)),
		Metadata: map[string]interface{}{
			"response_id":    resp.ID,
			"provider_model": string(resp.Model),
			"stop_reason":    string(resp.StopReason),
			"input_tokens":   resp.Usage.InputTokens,
		},
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}

var _ providers.Executor = (*AnthropicExecutor)(nil)
