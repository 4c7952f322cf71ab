package client

import (
	"errors"
	"fmt"
)

// ErrUnknownAgent is returned for calls to names absent from the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// ValidationError is a terminal 4xx rejection from an agent. The request is
// wrong; retrying cannot help.
type ValidationError struct {
	Agent      string
	StatusCode int
	// Detail carries the remote {"detail": ...} body for 422 responses.
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("agent %s rejected request (%d): %s", e.Agent, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("agent %s rejected request (%d)", e.Agent, e.StatusCode)
}

// ServiceUnavailableError means every attempt against an agent failed with a
// retryable error.
type ServiceUnavailableError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable after %d attempts: %v", e.Agent, e.Attempts, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// ProtocolError means the agent answered 2xx with a body the engine cannot
// decode. Terminal: the same request would get the same body.
type ProtocolError struct {
	Agent string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("agent %s protocol error: %v", e.Agent, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CircuitOpenError is a fail-fast rejection: the agent's breaker is open and
// no network call was made.
type CircuitOpenError struct {
	Agent string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("agent %s circuit open", e.Agent)
}
