// Package executor fans one conversation turn out to multiple agents:
// dependency tiers run sequentially, agents within a tier concurrently, all
// under a single batch deadline. Individual agent failures become error
// results, never batch failures.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/convoy-dev/convoy/internal/client"
	"github.com/convoy-dev/convoy/internal/graph"
	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/cache"
	"github.com/convoy-dev/convoy/pkg/observability"
	"github.com/convoy-dev/convoy/pkg/state"
)

// perAgentBudget scales the batch deadline with batch size; the deadline is
// min(BatchDeadline, perAgentBudget * len(batch)).
const defaultPerAgentBudget = 30 * time.Second

// Caller is the outbound call surface the executor needs.
type Caller interface {
	Call(ctx context.Context, agent string, payload any) (*client.Response, error)
}

// Batch describes one fan-out request.
type Batch struct {
	ConversationID string
	// Requested agent names; dependencies are resolved and prepended.
	Requested []string
	// Payloads maps agent name to its request body. Agents without an entry
	// receive DefaultPayload.
	Payloads       map[string]any
	DefaultPayload any
	// Priority names the agent whose completion fires OnPriority early,
	// before the rest of the batch finishes.
	Priority   string
	OnPriority func(*state.AgentResult)
}

// Executor runs agent batches.
type Executor struct {
	registry       *registry.Registry
	resolver       *graph.Resolver
	caller         Caller
	cache          *cache.Manager
	metrics        *observability.Metrics
	log            zerolog.Logger
	tracer         trace.Tracer
	batchDeadline  time.Duration
	perAgentBudget time.Duration
	evalTTL        time.Duration
}

// Options configures an Executor. Cache may be nil to disable the evaluation
// short-circuit; Tracer may be nil.
type Options struct {
	Registry       *registry.Registry
	Caller         Caller
	Cache          *cache.Manager
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	Tracer         trace.Tracer
	BatchDeadline  time.Duration
	PerAgentBudget time.Duration
	EvalTTL        time.Duration
}

// New creates an executor over the given registry and caller.
func New(opts Options) *Executor {
	batchDeadline := opts.BatchDeadline
	if batchDeadline <= 0 {
		batchDeadline = 120 * time.Second
	}
	perAgent := opts.PerAgentBudget
	if perAgent <= 0 {
		perAgent = defaultPerAgentBudget
	}
	evalTTL := opts.EvalTTL
	if evalTTL <= 0 {
		evalTTL = time.Minute
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Executor{
		registry:       opts.Registry,
		resolver:       graph.NewResolver(opts.Registry),
		caller:         opts.Caller,
		cache:          opts.Cache,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		tracer:         tracer,
		batchDeadline:  batchDeadline,
		perAgentBudget: perAgent,
		evalTTL:        evalTTL,
	}
}

// Execute resolves dependencies and runs the batch. Every requested agent and
// every resolved dependency gets exactly one result; the only error case is a
// dependency cycle in the agent configuration.
func (e *Executor) Execute(ctx context.Context, b Batch) (map[string]*state.AgentResult, error) {
	order, err := e.resolver.Resolve(b.Requested)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return map[string]*state.AgentResult{}, nil
	}
	tiers := e.resolver.Tiers(order)

	deadline := e.batchDeadline
	if scaled := time.Duration(len(order)) * e.perAgentBudget; scaled < deadline {
		deadline = scaled
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "executor.batch", trace.WithAttributes(
		attribute.String("conversation.id", b.ConversationID),
		attribute.Int("batch.size", len(order)),
		attribute.Int("batch.tiers", len(tiers)),
	))
	defer span.End()

	start := time.Now()
	results := make(map[string]*state.AgentResult, len(order))
	var mu sync.Mutex

	for _, tier := range tiers {
		if ctx.Err() != nil {
			// Deadline hit before this tier started: record timeouts without
			// touching the network.
			mu.Lock()
			for _, agent := range tier {
				results[agent] = timeoutResult(agent)
			}
			mu.Unlock()
			continue
		}

		g, tierCtx := errgroup.WithContext(ctx)
		for _, agent := range tier {
			agent := agent
			g.Go(func() error {
				result := e.runAgent(tierCtx, agent, b)
				mu.Lock()
				results[agent] = result
				mu.Unlock()
				if agent == b.Priority && b.OnPriority != nil {
					b.OnPriority(result)
				}
				return nil
			})
		}
		// Workers never return errors; failures land in their results.
		_ = g.Wait()
	}

	if e.metrics != nil {
		e.metrics.ObserveBatch(time.Since(start))
	}
	return results, nil
}

// Evaluate runs an evaluation-only call against the evaluator agent, short-
// circuiting through the cache: the same (conversation, checkpoint, text)
// triple within the TTL never reaches the network.
func (e *Executor) Evaluate(ctx context.Context, agent, conversationID, checkpointID, text string, payload any) *state.AgentResult {
	key := evalKey(conversationID, checkpointID, text)

	if e.cache != nil {
		if data, ok := e.cache.Get(ctx, key); ok {
			var cached state.AgentResult
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached
			}
			e.cache.Delete(ctx, key)
		}
	}

	result := e.runAgent(ctx, agent, Batch{DefaultPayload: payload})
	if result.Status == state.StatusSuccess && e.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			e.cache.Set(ctx, key, data, e.evalTTL)
		}
	}
	return result
}

func evalKey(conversationID, checkpointID, text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return cache.Key("eval", conversationID, checkpointID, fmt.Sprintf("%x", h.Sum64()))
}

func (e *Executor) runAgent(ctx context.Context, agent string, b Batch) *state.AgentResult {
	if _, ok := e.registry.Lookup(agent); !ok {
		return &state.AgentResult{
			AgentName: agent,
			Status:    state.StatusError,
			ResultPayload: map[string]any{
				"error": fmt.Sprintf("agent %s is not registered", agent),
			},
			Timestamp: time.Now().UTC(),
		}
	}

	payload := b.DefaultPayload
	if p, ok := b.Payloads[agent]; ok {
		payload = p
	}

	ctx, span := e.tracer.Start(ctx, "agent.call", trace.WithAttributes(
		attribute.String("agent.name", agent),
	))
	defer span.End()

	resp, err := e.caller.Call(ctx, agent, payload)
	if err != nil {
		status := state.StatusError
		if isTimeout(ctx, err) {
			status = state.StatusTimeout
		}
		e.log.Warn().Err(err).Str("agent", agent).Str("status", string(status)).
			Msg("agent call failed")
		return &state.AgentResult{
			AgentName:     agent,
			Status:        status,
			ResultPayload: map[string]any{"error": err.Error()},
			Timestamp:     time.Now().UTC(),
		}
	}

	return resultFromResponse(agent, resp)
}

func resultFromResponse(agent string, resp *client.Response) *state.AgentResult {
	result := &state.AgentResult{
		AgentName:     agent,
		Status:        state.StatusSuccess,
		ResultPayload: resp.Payload,
		Timestamp:     time.Now().UTC(),
	}
	if msg, ok := resp.Payload["message_to_user"].(string); ok {
		result.MessageToUser = msg
	}
	if action, ok := resp.Payload["action_required"].(bool); ok {
		result.ActionRequired = action
	}
	if status, ok := resp.Payload["status"].(string); ok && status == string(state.StatusPartial) {
		result.Status = state.StatusPartial
	}
	return result
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func timeoutResult(agent string) *state.AgentResult {
	return &state.AgentResult{
		AgentName:     agent,
		Status:        state.StatusTimeout,
		ResultPayload: map[string]any{"error": "batch deadline exceeded"},
		Timestamp:     time.Now().UTC(),
	}
}
