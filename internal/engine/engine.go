// Package engine drives one conversation turn: load state, evaluate the
// current checkpoint, fan out to the requested agents, merge their results
// back into state, and persist.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/convoy-dev/convoy/internal/executor"
	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/state"
)

// Query is one user turn.
type Query struct {
	ConversationID string `json:"conversation_id"`
	IndividualID   string `json:"individual_id,omitempty"`
	UserProfileID  string `json:"user_profile_id,omitempty"`
	Text           string `json:"text"`
	// Agents optionally names the agents to fan out to this turn, beyond the
	// checkpoint evaluation.
	Agents []string `json:"agents,omitempty"`
}

// TurnResult is what a processed turn reports back.
type TurnResult struct {
	ConversationID      string                        `json:"conversation_id"`
	Message             string                        `json:"message"`
	ActionRequired      bool                          `json:"action_required"`
	CheckpointComplete  bool                          `json:"checkpoint_complete"`
	CurrentCheckpoint   string                        `json:"current_checkpoint,omitempty"`
	CompletedChecklists []string                      `json:"completed_checklists,omitempty"`
	AgentResults        map[string]*state.AgentResult `json:"agent_results,omitempty"`
	// Notifications are previously recorded results surfaced at most once.
	Notifications []*state.AgentResult `json:"notifications,omitempty"`
}

// Engine coordinates the turn pipeline.
type Engine struct {
	registry   *registry.Registry
	store      *state.Store
	executor   *executor.Executor
	checklists map[string]ChecklistTemplate
	pinned     map[string]bool
	generator  string
	evaluator  string
	log        zerolog.Logger
	tracer     trace.Tracer
}

// Options configures an Engine.
type Options struct {
	Registry *registry.Registry
	Store    *state.Store
	Executor *executor.Executor
	// Checklists maps agent name to the task template it can attach
	// (default DefaultChecklists).
	Checklists map[string]ChecklistTemplate
	// Pinned labels are merged at the back of the task stack
	// (default privacy).
	Pinned map[string]bool
	// Generator is the agent that produces the initial checkpoint list for a
	// new conversation (default "checklist").
	Generator string
	// Evaluator is the agent that judges checkpoint completion
	// (default "primary").
	Evaluator string
	Logger    zerolog.Logger
	Tracer    trace.Tracer
}

// New creates a turn engine.
func New(opts Options) *Engine {
	checklists := opts.Checklists
	if checklists == nil {
		checklists = DefaultChecklists()
	}
	pinned := opts.Pinned
	if pinned == nil {
		pinned = map[string]bool{"privacy": true}
	}
	generator := opts.Generator
	if generator == "" {
		generator = "checklist"
	}
	evaluator := opts.Evaluator
	if evaluator == "" {
		evaluator = "primary"
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Engine{
		registry:   opts.Registry,
		store:      opts.Store,
		executor:   opts.Executor,
		checklists: checklists,
		pinned:     pinned,
		generator:  generator,
		evaluator:  evaluator,
		log:        opts.Logger,
		tracer:     tracer,
	}
}

// ProcessTurn runs one user turn end to end. Same-conversation turns are
// serialized; different conversations proceed concurrently.
func (e *Engine) ProcessTurn(ctx context.Context, q Query) (*TurnResult, error) {
	if q.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if q.ConversationID == "" {
		q.ConversationID = uuid.NewString()
	}

	ctx, span := e.tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("conversation.id", q.ConversationID),
	))
	defer span.End()

	release := e.store.Acquire(q.ConversationID)
	defer release()

	st := e.store.GetOrCreate(ctx, q.ConversationID)
	if st.IndividualID == "" {
		st.IndividualID = q.IndividualID
	}
	if st.UserProfileID == "" {
		st.UserProfileID = q.UserProfileID
	}

	if st.IsNew() {
		if err := e.bootstrapConversation(ctx, st, q); err != nil {
			return nil, err
		}
	}

	result := &TurnResult{
		ConversationID: q.ConversationID,
		AgentResults:   make(map[string]*state.AgentResult),
	}

	evalMessage := e.evaluateCheckpoint(ctx, st, q, result)
	coreMessage, err := e.fanOut(ctx, st, q, result)
	if err != nil {
		return nil, err
	}

	if coreMessage != "" {
		result.Message = coreMessage
	} else {
		result.Message = evalMessage
	}

	result.Notifications = st.UnconsumedResults()
	result.CompletedChecklists = st.CompletedChecklists()
	if cp := st.CurrentCheckpoint(); cp != nil {
		result.CurrentCheckpoint = cp.Name
	}

	st.AppendContext(q.Text, result.Message)
	// Cache tiers are written before this returns; the durable write runs on
	// the store's background pool.
	if err := e.store.SaveAsync(ctx, st); err != nil {
		e.log.Error().Err(err).Str("conversation_id", q.ConversationID).
			Msg("state save failed after turn")
	}
	return result, nil
}

// bootstrapConversation asks the generator agent for the initial checkpoint
// list and installs it as the Main task. Generator call failure falls back to
// a single free-conversation checkpoint so the turn still proceeds; a broken
// dependency configuration is a hard error.
func (e *Engine) bootstrapConversation(ctx context.Context, st *state.ConversationState, q Query) error {
	results, err := e.executor.Execute(ctx, executor.Batch{
		ConversationID: st.ConversationID,
		Requested:      []string{e.generator},
		DefaultPayload: e.payload(st, q),
	})
	if err != nil {
		return fmt.Errorf("checkpoint generation: %w", err)
	}

	var checkpoints []*state.Checkpoint
	if r, ok := results[e.generator]; ok && r.Status == state.StatusSuccess {
		checkpoints = parseCheckpoints(r.ResultPayload)
	}
	if len(checkpoints) == 0 {
		e.log.Warn().Str("conversation_id", st.ConversationID).
			Msg("checkpoint generation failed, using fallback checklist")
		checkpoints = []*state.Checkpoint{{
			ID:     uuid.NewString(),
			Name:   "conversation",
			Label:  "Open conversation",
			Type:   state.SourceMain,
			Status: state.CheckpointPending,
		}}
	}

	now := time.Now().UTC()
	st.SetTasks([]*state.Task{{
		TaskID:    uuid.NewString(),
		Label:     "main",
		Source:    state.SourceMain,
		Checklist: checkpoints,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}})
	return nil
}

// evaluateCheckpoint judges the current checkpoint against the user's text
// and advances it on completion. Returns the evaluator's user-facing message.
func (e *Engine) evaluateCheckpoint(ctx context.Context, st *state.ConversationState, q Query, result *TurnResult) string {
	cp := st.CurrentCheckpoint()
	if cp == nil || st.IsPaused {
		return ""
	}

	payload := e.payload(st, q)
	payload["checkpoint"] = map[string]any{
		"id":              cp.ID,
		"name":            cp.Name,
		"label":           cp.Label,
		"expected_inputs": cp.ExpectedInputs,
	}

	eval := e.executor.Evaluate(ctx, e.evaluator, st.ConversationID, cp.ID, q.Text, payload)
	result.AgentResults[e.evaluator] = eval
	if eval.Status != state.StatusSuccess {
		return ""
	}

	if complete, _ := eval.ResultPayload["checkpoint_complete"].(bool); complete {
		collected := map[string]string{}
		if raw, ok := eval.ResultPayload["collected_inputs"].(map[string]any); ok {
			for k, v := range raw {
				collected[k] = fmt.Sprintf("%v", v)
			}
		}
		result.CheckpointComplete = st.MarkCheckpointComplete(cp.Name, collected)
	}
	return eval.MessageToUser
}

// fanOut runs the explicitly requested agents and merges their results by
// execution class. Returns the core agent's message, if any. A resolution
// failure (dependency cycle) is returned to the caller.
func (e *Engine) fanOut(ctx context.Context, st *state.ConversationState, q Query, result *TurnResult) (string, error) {
	agents := make([]string, 0, len(q.Agents))
	for _, name := range q.Agents {
		// Evaluation already ran cached above.
		if name != e.evaluator {
			agents = append(agents, name)
		}
	}
	if len(agents) == 0 {
		return "", nil
	}

	results, err := e.executor.Execute(ctx, executor.Batch{
		ConversationID: st.ConversationID,
		Requested:      agents,
		DefaultPayload: e.payload(st, q),
	})
	if err != nil {
		return "", fmt.Errorf("agent fan-out: %w", err)
	}

	var coreMessage string
	var proposed []*state.Task
	for name, r := range results {
		result.AgentResults[name] = r
		if r.ActionRequired {
			result.ActionRequired = true
		}

		switch e.registry.Class(name) {
		case registry.ClassCore:
			if r.Status == state.StatusSuccess && r.MessageToUser != "" {
				coreMessage = r.MessageToUser
			}
		case registry.ClassAsync:
			st.RecordAsyncResult(r)
		default:
			st.RecordSyncResult(r)
		}

		if r.Status == state.StatusSuccess && wantsChecklist(r) {
			if tmpl, ok := e.checklists[name]; ok {
				proposed = append(proposed, tmpl.Task())
			}
		}
	}
	if len(proposed) > 0 {
		st.MergeAgentChecklists(proposed, e.pinned)
	}
	return coreMessage, nil
}

func (e *Engine) payload(st *state.ConversationState, q Query) map[string]any {
	return map[string]any{
		"conversation_id": st.ConversationID,
		"individual_id":   st.IndividualID,
		"user_profile_id": st.UserProfileID,
		"query":           q.Text,
		"context":         st.Window(),
	}
}

func wantsChecklist(r *state.AgentResult) bool {
	if add, ok := r.ResultPayload["add_checklist"].(bool); ok && add {
		return true
	}
	return false
}

// parseCheckpoints reads the generator's checkpoint list. Entries without a
// name are skipped.
func parseCheckpoints(payload map[string]any) []*state.Checkpoint {
	raw, ok := payload["checkpoints"].([]any)
	if !ok {
		return nil
	}

	var checkpoints []*state.Checkpoint
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		label, _ := entry["label"].(string)

		var inputs []string
		if rawInputs, ok := entry["expected_inputs"].([]any); ok {
			for _, in := range rawInputs {
				if s, ok := in.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}

		checkpoints = append(checkpoints, &state.Checkpoint{
			ID:             uuid.NewString(),
			Name:           name,
			Label:          label,
			Type:           state.SourceMain,
			Status:         state.CheckpointPending,
			ExpectedInputs: inputs,
		})
	}
	return checkpoints
}
