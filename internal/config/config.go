package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/model-orchestrator/internal/dispatch"
	"github.com/tributary-ai/model-orchestrator/internal/health"
	"github.com/tributary-ai/model-orchestrator/internal/middleware"
	"github.com/tributary-ai/model-orchestrator/internal/providers/anthropic"
	"github.com/tributary-ai/model-orchestrator/internal/providers/google"
	"github.com/tributary-ai/model-orchestrator/internal/providers/httpexec"
	"github.com/tributary-ai/model-orchestrator/internal/providers/openai"
	"github.com/tributary-ai/model-orchestrator/internal/providers/simulated"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/routing"
	"github.com/tributary-ai/model-orchestrator/internal/security"
	"github.com/tributary-ai/model-orchestrator/internal/server"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// EnvPrefix prefixes every service-specific environment variable
const EnvPrefix = "ORCHESTRATOR_"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Routing   RoutingConfig   `yaml:"routing"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Health    HealthConfig    `yaml:"health"`
	Providers ProvidersConfig `yaml:"providers"`
	Models    []ModelConfig   `yaml:"models" validate:"required,min=1,dive"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RoutingConfig holds selector configuration
type RoutingConfig struct {
	// Aliases maps task types to the capabilities that can serve them.
	// Leaving it unset keeps the built-in aliases.
	Aliases        map[string][]string   `yaml:"aliases,omitempty"`
	ClearanceRules []ClearanceRuleConfig `yaml:"clearance_rules" validate:"dive"`
	RequestTimeout time.Duration         `yaml:"request_timeout"`
}

// ClearanceRuleConfig pins requests carrying a clearance to a capability
type ClearanceRuleConfig struct {
	Clearance  string   `yaml:"clearance" validate:"required"`
	Capability string   `yaml:"capability" validate:"required"`
	TaskTypes  []string `yaml:"task_types"`
}

// DispatchConfig holds per-provider execution timeouts
type DispatchConfig struct {
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// HealthConfig holds probe loop settings
type HealthConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	WindowSize        int           `yaml:"window_size" validate:"gte=0"`
	Concurrency       int           `yaml:"concurrency" validate:"gte=0"`
	Alpha             float64       `yaml:"alpha" validate:"gte=0,lte=1"`
	HealthyThreshold  float64       `yaml:"healthy_threshold" validate:"gte=0,lte=1"`
	DegradedThreshold float64       `yaml:"degraded_threshold" validate:"gte=0,lte=1"`
}

// ProvidersConfig holds configuration for every executor. A nil vendor
// section disables that vendor.
type ProvidersConfig struct {
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
	Google    *google.GoogleConfig       `yaml:"google"`
	HTTP      httpexec.HTTPConfig        `yaml:"http"`
	Simulated simulated.SimulatedConfig  `yaml:"simulated"`
}

// ModelConfig describes one registry entry
type ModelConfig struct {
	ID             string        `yaml:"id" validate:"required,max=128"`
	Provider       string        `yaml:"provider" validate:"required,oneof=openai anthropic google http simulated"`
	ProviderModel  string        `yaml:"provider_model"`
	Endpoint       string        `yaml:"endpoint" validate:"omitempty,url"`
	Capabilities   []string      `yaml:"capabilities" validate:"required,min=1,dive,required"`
	CostPerUnit    float64       `yaml:"cost_per_unit" validate:"gte=0"`
	MaxCapacity    int           `yaml:"max_capacity" validate:"gt=0"`
	AverageLatency time.Duration `yaml:"average_latency" validate:"gte=0"`
	Reliability    float64       `yaml:"reliability" validate:"gte=0,lte=1"`
	Available      *bool         `yaml:"available"`
	Clearance      string        `yaml:"clearance"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_minute" validate:"gte=0"`
	BurstSize      int  `yaml:"burst_size" validate:"gte=0"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize int64 `yaml:"max_request_size" validate:"gte=0"`
	OpenAPI        bool  `yaml:"openapi"`
}

// LoadConfig loads configuration from defaults, an optional .env file, the
// YAML file at configPath and environment variables, in that order.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	// A missing .env is normal outside development
	_ = godotenv.Load()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Routing = RoutingConfig{
		RequestTimeout: 90 * time.Second,
	}

	hc := health.DefaultConfig()
	c.Health = HealthConfig{
		Interval:          hc.Interval,
		ProbeTimeout:      hc.ProbeTimeout,
		WindowSize:        hc.WindowSize,
		Concurrency:       hc.Concurrency,
		Alpha:             hc.Alpha,
		HealthyThreshold:  hc.HealthyThreshold,
		DegradedThreshold: hc.DegradedThreshold,
	}

	c.Providers = ProvidersConfig{
		HTTP: httpexec.HTTPConfig{
			ExecutePath:  "/execute",
			HealthPath:   "/health",
			MinRequests:  5,
			FailureRatio: 0.6,
			OpenTimeout:  10 * time.Second,
		},
		Simulated: simulated.SimulatedConfig{
			Jitter: 50 * time.Millisecond,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 600,
			BurstSize:      60,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID", security.ClientIDHeader},
		},
		RequestValidation: ValidationConfig{
			MaxRequestSize: 1 << 20,
			OpenAPI:        true,
		},
	}

	c.Models = DefaultModels()
}

// DefaultModels is a simulated fleet that lets the service run without vendor keys
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			ID:             "clinical-specialist",
			Provider:       string(types.ProviderSimulated),
			Capabilities:   []string{"medical"},
			CostPerUnit:    0.02,
			MaxCapacity:    10,
			AverageLatency: 400 * time.Millisecond,
			Reliability:    0.97,
		},
		{
			ID:             "generalist",
			Provider:       string(types.ProviderSimulated),
			Capabilities:   []string{"general", "medical", "coding", "summarization"},
			CostPerUnit:    0.004,
			MaxCapacity:    25,
			AverageLatency: 250 * time.Millisecond,
			Reliability:    0.92,
		},
		{
			ID:             "code-assistant",
			Provider:       string(types.ProviderSimulated),
			Capabilities:   []string{"coding"},
			CostPerUnit:    0.01,
			MaxCapacity:    15,
			AverageLatency: 300 * time.Millisecond,
			Reliability:    0.95,
		},
		{
			ID:             "threat-analyst",
			Provider:       string(types.ProviderSimulated),
			Capabilities:   []string{"security", "analysis"},
			CostPerUnit:    0.03,
			MaxCapacity:    5,
			AverageLatency: 600 * time.Millisecond,
			Reliability:    0.96,
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Vendor API keys enable their provider.
func (c *Config) loadFromEnv() error {
	if port := os.Getenv(EnvPrefix + "PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv(EnvPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv(EnvPrefix + "LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := os.Getenv(EnvPrefix + "LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}

	if v := os.Getenv(EnvPrefix + "HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sHEALTH_INTERVAL: %w", EnvPrefix, err)
		}
		c.Health.Interval = d
	}

	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_RPM"); v != "" {
		rpm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPM: %w", EnvPrefix, err)
		}
		c.Security.RateLimiting.Enabled = rpm > 0
		c.Security.RateLimiting.RequestsPerMin = rpm
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &openai.OpenAIConfig{}
		}
		c.Providers.OpenAI.APIKey = key
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.Providers.Anthropic.APIKey = key
	}

	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		if c.Providers.Google == nil {
			c.Providers.Google = &google.GoogleConfig{}
		}
		c.Providers.Google.APIKey = key
	}

	return nil
}

// validate runs struct tag validation and the cross-field checks tags cannot express
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed on '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Health.DegradedThreshold > c.Health.HealthyThreshold {
		return fmt.Errorf("health degraded_threshold %.2f exceeds healthy_threshold %.2f",
			c.Health.DegradedThreshold, c.Health.HealthyThreshold)
	}

	for provider := range c.Dispatch.Timeouts {
		if !types.Provider(provider).Valid() {
			return fmt.Errorf("dispatch timeout for unknown provider: %s", provider)
		}
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id: %s", m.ID)
		}
		seen[m.ID] = true

		switch types.Provider(m.Provider) {
		case types.ProviderOpenAI:
			if c.Providers.OpenAI == nil || c.Providers.OpenAI.APIKey == "" {
				return fmt.Errorf("model %s: OpenAI API key is required", m.ID)
			}
		case types.ProviderAnthropic:
			if c.Providers.Anthropic == nil || c.Providers.Anthropic.APIKey == "" {
				return fmt.Errorf("model %s: Anthropic API key is required", m.ID)
			}
		case types.ProviderGoogle:
			if c.Providers.Google == nil || c.Providers.Google.APIKey == "" {
				return fmt.Errorf("model %s: Google API key is required", m.ID)
			}
		case types.ProviderHTTP:
			if m.Endpoint == "" {
				return fmt.Errorf("model %s: endpoint is required for http provider", m.ID)
			}
		}
	}

	return nil
}

// BuildModels creates registry models from the model list, in order
func (c *Config) BuildModels() []*registry.Model {
	models := make([]*registry.Model, 0, len(c.Models))
	for _, m := range c.Models {
		available := true
		if m.Available != nil {
			available = *m.Available
		}
		models = append(models, registry.NewModel(registry.Descriptor{
			ID:             m.ID,
			Provider:       types.Provider(m.Provider),
			ProviderModel:  m.ProviderModel,
			Endpoint:       m.Endpoint,
			Capabilities:   m.Capabilities,
			CostPerUnit:    m.CostPerUnit,
			MaxCapacity:    m.MaxCapacity,
			AverageLatency: m.AverageLatency,
			Reliability:    m.Reliability,
			Available:      available,
			Clearance:      m.Clearance,
		}))
	}
	return models
}

// ToSelectorConfig converts to routing.SelectorConfig
func (c *Config) ToSelectorConfig() routing.SelectorConfig {
	rules := make([]routing.ClearanceRule, 0, len(c.Routing.ClearanceRules))
	for _, r := range c.Routing.ClearanceRules {
		rules = append(rules, routing.ClearanceRule{
			Clearance:  r.Clearance,
			Capability: r.Capability,
			TaskTypes:  r.TaskTypes,
		})
	}
	return routing.SelectorConfig{
		Aliases:        c.Routing.Aliases,
		ClearanceRules: rules,
	}
}

// ToDispatchConfig converts to dispatch.Config
func (c *Config) ToDispatchConfig() dispatch.Config {
	timeouts := make(map[types.Provider]time.Duration, len(c.Dispatch.Timeouts))
	for p, d := range c.Dispatch.Timeouts {
		timeouts[types.Provider(strings.ToLower(p))] = d
	}
	return dispatch.Config{Timeouts: timeouts}
}

// ToHealthConfig converts to health.Config
func (c *Config) ToHealthConfig() health.Config {
	return health.Config{
		Interval:          c.Health.Interval,
		ProbeTimeout:      c.Health.ProbeTimeout,
		WindowSize:        c.Health.WindowSize,
		Concurrency:       c.Health.Concurrency,
		Alpha:             c.Health.Alpha,
		HealthyThreshold:  c.Health.HealthyThreshold,
		DegradedThreshold: c.Health.DegradedThreshold,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		RequestTimeout: c.Routing.RequestTimeout,
		Security:       c.ToSecurityMiddlewareConfig(),
		Validation: middleware.ValidationConfig{
			Enabled:     c.Security.RequestValidation.OpenAPI,
			StripPrefix: server.APIVersionPrefix,
		},
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			CleanupInterval:   5 * time.Minute,
		},
		CORS: middleware.CORSConfig{
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
			AllowedMethods: c.Security.CORS.AllowedMethods,
			AllowedHeaders: c.Security.CORS.AllowedHeaders,
		},
		MaxRequestSize: c.Security.RequestValidation.MaxRequestSize,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnabledProviders returns the providers that have credentials or need none
func (c *Config) EnabledProviders() []types.Provider {
	var providers []types.Provider

	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		providers = append(providers, types.ProviderOpenAI)
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		providers = append(providers, types.ProviderAnthropic)
	}
	if c.Providers.Google != nil && c.Providers.Google.APIKey != "" {
		providers = append(providers, types.ProviderGoogle)
	}

	return append(providers, types.ProviderHTTP, types.ProviderSimulated)
}
