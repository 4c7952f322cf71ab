// Package monitor periodically probes every registered agent's health
// endpoint and exposes the outcome as a per-agent gauge. The executor never
// consults it; it exists for external monitoring.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/observability"
)

// Monitor schedules agent health probes.
type Monitor struct {
	registry *registry.Registry
	metrics  *observability.Metrics
	log      zerolog.Logger
	http     *http.Client
	cron     *cron.Cron
	schedule string

	mu     sync.RWMutex
	status map[string]bool
}

// Options configures a Monitor.
type Options struct {
	Registry *registry.Registry
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	// Schedule is a cron expression (default "@every 30s").
	Schedule string
	// ProbeTimeout bounds one health request (default 5s).
	ProbeTimeout time.Duration
}

// New creates a health monitor. Call Start to begin probing.
func New(opts Options) *Monitor {
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		registry: opts.Registry,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		http:     &http.Client{Timeout: timeout},
		cron:     cron.New(),
		schedule: schedule,
		status:   make(map[string]bool),
	}
}

// Start runs one immediate probe sweep and schedules the rest.
func (m *Monitor) Start() error {
	m.ProbeAll(context.Background())
	if _, err := m.cron.AddFunc(m.schedule, func() {
		m.ProbeAll(context.Background())
	}); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// ProbeAll checks every registered agent concurrently.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.registry.Names() {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, name)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, name string) {
	desc, ok := m.registry.Lookup(name)
	if !ok {
		return
	}

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.HealthURL(), nil)
	if err == nil {
		resp, rerr := m.http.Do(req)
		if rerr == nil {
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}

	m.mu.Lock()
	previous, known := m.status[name]
	m.status[name] = healthy
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetAgentHealthy(name, healthy)
	}
	if known && previous != healthy {
		m.log.Warn().Str("agent", name).Bool("healthy", healthy).
			Msg("agent health changed")
	}
}

// Healthy reports the last probed status of an agent; unknown agents report
// false.
func (m *Monitor) Healthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[name]
}

// Snapshot returns the last probed status of every agent.
func (m *Monitor) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.status))
	for name, healthy := range m.status {
		out[name] = healthy
	}
	return out
}
