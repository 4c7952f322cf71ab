package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycleDetected is returned when a dependency cycle is found among the
// requested agents.
var ErrCycleDetected = errors.New("dependency cycle detected")

// ConfigurationError reports a broken agent dependency declaration. It is
// raised at resolve time, before any network call is made.
type ConfigurationError struct {
	Cycle []string
}

// Error returns a human-readable description of the cycle.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent configuration error: dependency cycle %s", strings.Join(e.Cycle, " -> "))
}

// Unwrap returns the base error for errors.Is compatibility.
func (e *ConfigurationError) Unwrap() error {
	return ErrCycleDetected
}
