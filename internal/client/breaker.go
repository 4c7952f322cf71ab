package client

import (
	"sync"
	"time"

	"github.com/convoy-dev/convoy/pkg/observability"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker tracks per-agent circuit state: consecutive failures trip the
// circuit open for a window, after which a single trial call decides whether
// it closes again. Instance state, not shared across processes.
type Breaker struct {
	threshold int
	window    time.Duration
	metrics   *observability.Metrics
	now       func() time.Time

	mu     sync.Mutex
	agents map[string]*breakerEntry
}

type breakerEntry struct {
	state    breakerState
	failures int
	openedAt time.Time
	// trialInFlight serializes the half-open probe: exactly one caller gets
	// through, the rest fail fast until it reports back.
	trialInFlight bool
}

// BreakerOptions configures a Breaker. Now is injectable for tests and
// defaults to time.Now.
type BreakerOptions struct {
	Threshold int
	Window    time.Duration
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// NewBreaker creates a breaker with the given trip threshold and open window.
func NewBreaker(opts BreakerOptions) *Breaker {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	window := opts.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		metrics:   opts.Metrics,
		now:       now,
		agents:    make(map[string]*breakerEntry),
	}
}

// Allow reports whether a call to the agent may proceed. While open it fails
// fast with CircuitOpenError; once the window elapses it admits exactly one
// trial call.
func (b *Breaker) Allow(agent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(agent)
	switch e.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(e.openedAt) < b.window {
			return &CircuitOpenError{Agent: agent}
		}
		e.state = stateHalfOpen
		e.trialInFlight = true
		b.setGauge(agent, observability.BreakerHalfOpen)
		return nil
	default: // half-open
		if e.trialInFlight {
			return &CircuitOpenError{Agent: agent}
		}
		e.trialInFlight = true
		return nil
	}
}

// RecordSuccess resets the agent's circuit to closed.
func (b *Breaker) RecordSuccess(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(agent)
	e.state = stateClosed
	e.failures = 0
	e.trialInFlight = false
	b.setGauge(agent, observability.BreakerClosed)
}

// RecordFailure counts a failed call. Reaching the threshold, or failing the
// half-open trial, opens the circuit.
func (b *Breaker) RecordFailure(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(agent)
	switch e.state {
	case stateHalfOpen:
		b.open(agent, e)
	default:
		e.failures++
		if e.failures >= b.threshold {
			b.open(agent, e)
		}
	}
}

// releaseTrial abandons a half-open trial without recording an outcome, for
// calls that failed before reaching the network.
func (b *Breaker) releaseTrial(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.agents[agent]; ok && e.state == stateHalfOpen {
		e.trialInFlight = false
	}
}

// State returns the agent's current circuit state name.
func (b *Breaker) State(agent string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.agents[agent]; ok {
		return e.state.String()
	}
	return stateClosed.String()
}

// Snapshot returns the state of every tracked agent circuit.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.agents))
	for agent, e := range b.agents {
		out[agent] = e.state.String()
	}
	return out
}

func (b *Breaker) entry(agent string) *breakerEntry {
	e, ok := b.agents[agent]
	if !ok {
		e = &breakerEntry{}
		b.agents[agent] = e
	}
	return e
}

func (b *Breaker) open(agent string, e *breakerEntry) {
	e.state = stateOpen
	e.failures = 0
	e.openedAt = b.now()
	e.trialInFlight = false
	b.setGauge(agent, observability.BreakerOpen)
}

func (b *Breaker) setGauge(agent string, state int) {
	if b.metrics != nil {
		b.metrics.SetBreakerState(agent, state)
	}
}
