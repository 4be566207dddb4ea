package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/config"
	"github.com/tributary-ai/model-orchestrator/internal/dispatch"
	"github.com/tributary-ai/model-orchestrator/internal/health"
	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/providers/anthropic"
	"github.com/tributary-ai/model-orchestrator/internal/providers/google"
	"github.com/tributary-ai/model-orchestrator/internal/providers/httpexec"
	"github.com/tributary-ai/model-orchestrator/internal/providers/openai"
	"github.com/tributary-ai/model-orchestrator/internal/providers/simulated"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/routing"
	"github.com/tributary-ai/model-orchestrator/internal/server"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

const shutdownTimeout = 30 * time.Second

// Application wires the orchestrator components together
type Application struct {
	config   *config.Config
	registry *registry.Registry
	health   *health.Controller
	service  *orchestrator.Service
	server   *server.Server
	logger   *logrus.Logger
}

// NewApplication loads configuration and builds every component
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	return newApplication(ctx, cfg, logger)
}

func newApplication(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	reg, err := registry.New(cfg.BuildModels())
	if err != nil {
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}

	executors, err := buildExecutors(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	m := metrics.New()
	selector := routing.NewSelector(reg, cfg.ToSelectorConfig(), logger)
	dispatcher := dispatch.NewDispatcher(executors, cfg.ToDispatchConfig(), m, logger)
	healthCtl := health.NewController(reg, executors, cfg.ToHealthConfig(), m, logger)
	service := orchestrator.NewService(reg, selector, dispatcher, healthCtl, m, logger)

	srv, err := server.NewServer(service, m, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:   cfg,
		registry: reg,
		health:   healthCtl,
		service:  service,
		server:   srv,
		logger:   logger,
	}, nil
}

// Run starts the health loop and the HTTP server and blocks until a
// shutdown signal arrives or the server fails
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithField("models", app.registry.Len()).Info("Starting model orchestrator")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.health.Start(ctx)
	defer app.health.Stop()

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		app.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// buildExecutors creates one executor per enabled provider
func buildExecutors(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (providers.Set, error) {
	var executors []providers.Executor

	for _, provider := range cfg.EnabledProviders() {
		var exec providers.Executor

		switch provider {
		case types.ProviderOpenAI:
			exec = openai.NewOpenAIExecutor(cfg.Providers.OpenAI, logger)
		case types.ProviderAnthropic:
			exec = anthropic.NewAnthropicExecutor(cfg.Providers.Anthropic, logger)
		case types.ProviderGoogle:
			g, err := google.NewGoogleExecutor(ctx, cfg.Providers.Google, logger)
			if err != nil {
				return nil, fmt.Errorf("google: %w", err)
			}
			exec = g
		case types.ProviderHTTP:
			exec = httpexec.NewHTTPExecutor(&http.Client{}, cfg.Providers.HTTP, logger)
		case types.ProviderSimulated:
			exec = simulated.NewSimulatedExecutor(cfg.Providers.Simulated, logger)
		default:
			continue
		}

		executors = append(executors, exec)
		logger.WithField("provider", provider).Debug("Provider registered")
	}

	logger.WithField("count", len(executors)).Info("Provider registration completed")
	return providers.NewSet(executors...), nil
}
