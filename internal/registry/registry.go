// Package registry holds the static agent table: one descriptor per deployed
// agent service, immutable after load and shared read-only across requests.
package registry

import (
	"fmt"
	"sort"

	"github.com/convoy-dev/convoy/pkg/config"
)

// ExecutionClass partitions agents by how their results are merged back into
// conversation state.
type ExecutionClass string

const (
	// ClassCore marks the primary response agent.
	ClassCore ExecutionClass = "core"
	// ClassSync marks agents whose results are appended per turn.
	ClassSync ExecutionClass = "sync"
	// ClassAsync marks agents whose latest result replaces the previous one.
	ClassAsync ExecutionClass = "async"
)

// AgentDescriptor describes one agent service. Descriptors are immutable
// after Load; callers must not mutate the Dependencies slice.
type AgentDescriptor struct {
	Name         string
	BaseURL      string
	Path         string
	Class        ExecutionClass
	Dependencies []string
	Timeouts     config.TimeoutProfile
	MaxRetries   int
}

// ProcessURL returns the full URL of the agent's process endpoint.
func (d *AgentDescriptor) ProcessURL() string {
	return d.BaseURL + d.Path
}

// HealthURL returns the full URL of the agent's health endpoint.
func (d *AgentDescriptor) HealthURL() string {
	return d.BaseURL + "/health"
}

// Registry is the immutable agent table.
type Registry struct {
	agents         map[string]*AgentDescriptor
	defaultProfile config.TimeoutProfile
}

// Load builds a registry from configuration. Timeout overrides come from the
// companion profile table, falling back to the default profile.
func Load(cfg *config.Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}

	defaultProfile := config.DefaultTimeoutProfile()
	if p, ok := cfg.TimeoutProfiles["default"]; ok {
		defaultProfile = p
	}

	agents := make(map[string]*AgentDescriptor, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		host := ac.Host
		if host == "" {
			host = "localhost"
		}
		path := ac.Path
		if path == "" {
			path = "/process"
		}

		profile := defaultProfile
		if p, ok := cfg.TimeoutProfiles[name]; ok {
			profile = p
		}

		retries := cfg.HTTP.MaxRetries
		if ac.MaxRetries != nil {
			retries = *ac.MaxRetries
		}

		deps := make([]string, len(ac.Dependencies))
		copy(deps, ac.Dependencies)

		agents[name] = &AgentDescriptor{
			Name:         name,
			BaseURL:      fmt.Sprintf("http://%s:%d", host, ac.Port),
			Path:         path,
			Class:        ExecutionClass(ac.Class),
			Dependencies: deps,
			Timeouts:     profile,
			MaxRetries:   retries,
		}
	}

	return &Registry{agents: agents, defaultProfile: defaultProfile}, nil
}

// Lookup returns the descriptor for an agent name.
func (r *Registry) Lookup(name string) (*AgentDescriptor, bool) {
	d, ok := r.agents[name]
	return d, ok
}

// Dependencies returns the declared dependencies of an agent, or nil for an
// unknown name.
func (r *Registry) Dependencies(name string) []string {
	if d, ok := r.agents[name]; ok {
		return d.Dependencies
	}
	return nil
}

// Names returns all registered agent names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProfile returns the fallback timeout profile.
func (r *Registry) DefaultProfile() config.TimeoutProfile {
	return r.defaultProfile
}

// Class returns the execution class for an agent, or empty for unknown names.
func (r *Registry) Class(name string) ExecutionClass {
	if d, ok := r.agents[name]; ok {
		return d.Class
	}
	return ""
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
