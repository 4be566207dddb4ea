package types

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure class surfaced to callers
type ErrorKind string

const (
	ErrKindInvalidRequest     ErrorKind = "InvalidRequest"
	ErrKindNoSuitableModel    ErrorKind = "NoSuitableModel"
	ErrKindModelUnavailable   ErrorKind = "ModelUnavailable"
	ErrKindExecutionFailure   ErrorKind = "ExecutionFailure"
	ErrKindAllModelsFailed    ErrorKind = "AllModelsFailed"
	ErrKindHealthProbeFailure ErrorKind = "HealthProbeFailure"

	// HTTP layer only
	ErrKindRateLimited ErrorKind = "RateLimited"
	ErrKindNotFound    ErrorKind = "NotFound"
	ErrKindInternal    ErrorKind = "InternalError"
)

// Sentinel errors matched with errors.Is against a *RoutingError of the same kind
var (
	ErrInvalidRequest   = &RoutingError{Kind: ErrKindInvalidRequest}
	ErrNoSuitableModel  = &RoutingError{Kind: ErrKindNoSuitableModel}
	ErrModelUnavailable = &RoutingError{Kind: ErrKindModelUnavailable}
	ErrExecution        = &RoutingError{Kind: ErrKindExecutionFailure}
	ErrAllModelsFailed  = &RoutingError{Kind: ErrKindAllModelsFailed}
)

// AttemptFailure records one candidate that did not produce a result
type AttemptFailure struct {
	ModelID   string    `json:"modelId"`
	Provider  Provider  `json:"provider,omitempty"`
	ErrorKind ErrorKind `json:"errorKind"`
	Message   string    `json:"message"`
	ElapsedMs int64     `json:"elapsedMs"`
}

// RoutingError is the structured error returned by selection and dispatch
type RoutingError struct {
	Kind     ErrorKind
	Message  string
	Attempts []AttemptFailure
}

// NewRoutingError builds a RoutingError of the given kind
func NewRoutingError(kind ErrorKind, format string, args ...interface{}) *RoutingError {
	return &RoutingError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RoutingError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any RoutingError with the same kind
func (e *RoutingError) Is(target error) bool {
	var other *RoutingError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err, or ExecutionFailure for foreign errors
func KindOf(err error) ErrorKind {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrKindExecutionFailure
}
