// Package providertest offers executor doubles for package tests.
package providertest

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/tributary-ai/model-orchestrator/internal/providers"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// MockExecutor is a testify mock implementing providers.Executor.
// Calls are matched on the model id.
type MockExecutor struct {
	mock.Mock
	Provider types.Provider
}

// NewMockExecutor returns a mock registered under provider
func NewMockExecutor(provider types.Provider) *MockExecutor {
	return &MockExecutor{Provider: provider}
}

func (m *MockExecutor) Name() types.Provider {
	return m.Provider
}

func (m *MockExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	args := m.Called(ctx, model.ID, taskType)
	out, _ := args.Get(0).(*providers.Output)
	return out, args.Error(1)
}

func (m *MockExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	args := m.Called(ctx, model.ID)
	return args.Error(0)
}

// FuncExecutor adapts plain functions to providers.Executor for tests that need
// blocking or panicking behavior.
type FuncExecutor struct {
	Provider    types.Provider
	ExecuteFunc func(ctx context.Context, model *registry.Model) (*providers.Output, error)
	HealthFunc  func(ctx context.Context, model *registry.Model) error
}

func (f *FuncExecutor) Name() types.Provider {
	return f.Provider
}

func (f *FuncExecutor) Execute(ctx context.Context, model *registry.Model, taskType string, payload json.RawMessage) (*providers.Output, error) {
	return f.ExecuteFunc(ctx, model)
}

func (f *FuncExecutor) HealthCheck(ctx context.Context, model *registry.Model) error {
	if f.HealthFunc == nil {
		return nil
	}
	return f.HealthFunc(ctx, model)
}

var (
	_ providers.Executor = (*MockExecutor)(nil)
	_ providers.Executor = (*FuncExecutor)(nil)
)
