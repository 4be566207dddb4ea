package types

import (
	"encoding/json"
	"time"
)

// DispatchResult is the outcome of dispatching one TaskRequest
type DispatchResult struct {
	RequestID     string                 `json:"requestId"`
	ModelID       string                 `json:"modelId"`
	Provider      Provider               `json:"provider,omitempty"`
	Success       bool                   `json:"success"`
	Output        json.RawMessage        `json:"output,omitempty"`
	ErrorKind     ErrorKind              `json:"errorKind,omitempty"`
	ElapsedTime   time.Duration          `json:"elapsedTime"`
	EstimatedCost float64                `json:"estimatedCost"`
	Confidence    float64                `json:"confidence"`
	FallbackUsed  bool                   `json:"fallbackUsed"`
	Attempts      []AttemptFailure       `json:"attempts,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// RouteResponse is the 200 body of POST /route
type RouteResponse struct {
	RequestID     string                 `json:"requestId"`
	ModelUsed     string                 `json:"modelUsed"`
	Provider      Provider               `json:"provider"`
	Output        json.RawMessage        `json:"output"`
	Confidence    float64                `json:"confidence"`
	ElapsedTimeMs int64                  `json:"elapsedTimeMs"`
	EstimatedCost float64                `json:"estimatedCost"`
	FallbackUsed  bool                   `json:"fallbackUsed"`
	Attempts      []AttemptFailure       `json:"attempts,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewRouteResponse converts a successful DispatchResult into its wire shape
func NewRouteResponse(r *DispatchResult) RouteResponse {
	return RouteResponse{
		RequestID:     r.RequestID,
		ModelUsed:     r.ModelID,
		Provider:      r.Provider,
		Output:        r.Output,
		Confidence:    r.Confidence,
		ElapsedTimeMs: r.ElapsedTime.Milliseconds(),
		EstimatedCost: r.EstimatedCost,
		FallbackUsed:  r.FallbackUsed,
		Attempts:      r.Attempts,
		Metadata:      r.Metadata,
	}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     ErrorKind         `json:"error"`
	Message   string            `json:"message"`
	RequestID string            `json:"requestId,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Attempts  []AttemptFailure  `json:"attempts,omitempty"`
}

// HealthReport is the body of GET /health
type HealthReport struct {
	Status    string                 `json:"status"`
	Models    map[string]ModelHealth `json:"models"`
	Timestamp int64                  `json:"timestamp"`
}

// ModelsResponse is the body of GET /models
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
	Count  int         `json:"count"`
}
