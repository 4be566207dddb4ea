package types

import (
	"encoding/json"
	"time"
)

// Priority is an advisory hint carried with a task. It does not affect scoring.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Requirements are optional weights in [0,1] expressing what the caller cares about
type Requirements struct {
	Accuracy *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0,lte=1"`
	Speed    *float64 `json:"speed,omitempty" validate:"omitempty,gte=0,lte=1"`
	Cost     *float64 `json:"cost,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// RouteRequest is the wire body accepted by POST /route
type RouteRequest struct {
	TaskType        string          `json:"taskType" validate:"required,max=128"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	Priority        Priority        `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	Requirements    *Requirements   `json:"requirements,omitempty"`
	AllowFallback   *bool           `json:"allowFallback,omitempty"`
	RoleOrClearance string          `json:"roleOrClearance,omitempty" validate:"max=128"`
}

// TaskRequest is an immutable unit of work handed to the selector and dispatcher
type TaskRequest struct {
	ID              string          `json:"id"`
	TaskType        string          `json:"taskType"`
	Priority        Priority        `json:"priority,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Requirements    Requirements    `json:"requirements"`
	AllowFallback   bool            `json:"allowFallback"`
	RoleOrClearance string          `json:"roleOrClearance,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// ToTaskRequest converts the wire body into a TaskRequest. allowFallback defaults to true.
func (r *RouteRequest) ToTaskRequest(id string) TaskRequest {
	allow := true
	if r.AllowFallback != nil {
		allow = *r.AllowFallback
	}
	priority := r.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	var reqs Requirements
	if r.Requirements != nil {
		reqs = *r.Requirements
	}

	return TaskRequest{
		ID:              id,
		TaskType:        r.TaskType,
		Priority:        priority,
		Payload:         r.Payload,
		Requirements:    reqs,
		AllowFallback:   allow,
		RoleOrClearance: r.RoleOrClearance,
		ReceivedAt:      time.Now(),
	}
}

// HasPayload reports whether the payload is present and not JSON null
func (t TaskRequest) HasPayload() bool {
	return len(t.Payload) > 0 && string(t.Payload) != "null"
}
