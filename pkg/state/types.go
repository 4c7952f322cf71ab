package state

import (
	"time"
)

// TaskSource identifies where a task came from.
type TaskSource string

const (
	SourceMain         TaskSource = "Main"
	SourceSupportAgent TaskSource = "SupportAgent"
	SourceInterrupt    TaskSource = "Interrupt"
)

// CheckpointStatus is the lifecycle state of a checkpoint. Transitions are
// forward-only except through an explicit reset.
type CheckpointStatus string

const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointComplete   CheckpointStatus = "complete"
)

// ResultStatus is the outcome of one agent call.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusPartial ResultStatus = "partial"
	StatusTimeout ResultStatus = "timeout"
)

// Checkpoint is a single conversational goal with expected inputs and a
// completion status.
type Checkpoint struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Label           string            `json:"label"`
	Type            TaskSource        `json:"type"`
	Status          CheckpointStatus  `json:"status"`
	ExpectedInputs  []string          `json:"expected_inputs"`
	CollectedInputs map[string]string `json:"collected_inputs"`
	StartTime       *time.Time        `json:"start_time,omitempty"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
}

// Task is an ordered group of checkpoints representing one conversational
// objective. The task stack orders tasks by priority; the first active task
// with an incomplete checkpoint is current.
type Task struct {
	TaskID                 string        `json:"task_id"`
	Label                  string        `json:"label"`
	Source                 TaskSource    `json:"source"`
	Checklist              []*Checkpoint `json:"checklist"`
	CurrentCheckpointIndex int           `json:"current_checkpoint_index"`
	IsActive               bool          `json:"is_active"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// AgentResult is the recorded outcome of one agent call. Consumed is set
// exactly once, by the first reader that surfaces the result upstream; the
// result stays in state for audit.
type AgentResult struct {
	AgentName      string         `json:"agent_name"`
	Status         ResultStatus   `json:"status"`
	ResultPayload  map[string]any `json:"result_payload"`
	MessageToUser  string         `json:"message_to_user,omitempty"`
	ActionRequired bool           `json:"action_required"`
	Timestamp      time.Time      `json:"timestamp"`
	Consumed       bool           `json:"consumed"`
}

// ContextEntry is one (role, content) pair of the conversation context.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Dirty-field names used for incremental persistence.
const (
	FieldTaskStack          = "task_stack"
	FieldCheckpointProgress = "checkpoint_progress"
	FieldContext            = "context"
	FieldCompleteContext    = "complete_context"
	FieldSyncAgentResults   = "sync_agent_results"
	FieldAsyncAgentResults  = "async_agent_results"
	FieldPaused             = "is_paused"
)

// ContextWindow bounds the sliding context window returned to agents.
const ContextWindow = 16

// ConversationState holds everything the engine tracks per conversation. One
// instance is owned by the request currently processing the conversation; the
// Store serializes same-process writers per conversation id.
type ConversationState struct {
	ConversationID string `json:"conversation_id"`
	IndividualID   string `json:"individual_id,omitempty"`
	UserProfileID  string `json:"user_profile_id,omitempty"`

	TaskStack          []*Task         `json:"task_stack"`
	CheckpointProgress map[string]bool `json:"checkpoint_progress"`

	Context         []ContextEntry `json:"context"`
	CompleteContext []ContextEntry `json:"complete_context"`

	SyncAgentResults  map[string][]*AgentResult `json:"sync_agent_results"`
	AsyncAgentResults map[string]*AgentResult   `json:"async_agent_results"`

	IsPaused bool `json:"is_paused"`

	// Transient bookkeeping, not persisted.
	isNew       bool
	dirty       map[string]struct{}
	lastSaved   time.Time
	currentTask *Task
}

// New creates a fresh, empty conversation state.
func New(conversationID string) *ConversationState {
	return &ConversationState{
		ConversationID:     conversationID,
		CheckpointProgress: make(map[string]bool),
		SyncAgentResults:   make(map[string][]*AgentResult),
		AsyncAgentResults:  make(map[string]*AgentResult),
		isNew:              true,
		dirty:              make(map[string]struct{}),
	}
}

// IsNew reports whether this conversation has no persisted history. Detection
// is "no state found anywhere", not an explicit flag.
func (s *ConversationState) IsNew() bool {
	return s.isNew && len(s.TaskStack) == 0
}

// DirtyFields returns the names of fields modified since the last save, in
// unspecified order.
func (s *ConversationState) DirtyFields() []string {
	fields := make([]string, 0, len(s.dirty))
	for f := range s.dirty {
		fields = append(fields, f)
	}
	return fields
}

func (s *ConversationState) markDirty(field string) {
	if s.dirty == nil {
		s.dirty = make(map[string]struct{})
	}
	s.dirty[field] = struct{}{}
}

func (s *ConversationState) clearDirty() {
	s.dirty = make(map[string]struct{})
}
