// Package state models per-conversation engine state: the task stack with its
// checkpoints, the sliding conversation context, and recorded agent results.
// Mutations go through methods that track which top-level fields changed so
// persistence can write partial documents.
package state

import (
	"time"
)

// SetTasks replaces the task stack and rebuilds checkpoint progress. The first
// checkpoint of the first active task is moved to in_progress.
func (s *ConversationState) SetTasks(tasks []*Task) {
	s.TaskStack = tasks
	s.CheckpointProgress = make(map[string]bool)
	s.currentTask = nil
	s.isNew = false

	for _, task := range tasks {
		for _, cp := range task.Checklist {
			s.CheckpointProgress[cp.Name] = cp.Status == CheckpointComplete
		}
	}
	if current := s.CurrentTask(); current != nil {
		if cp := currentCheckpoint(current); cp != nil && cp.Status == CheckpointPending {
			startCheckpoint(cp)
		}
	}

	s.markDirty(FieldTaskStack)
	s.markDirty(FieldCheckpointProgress)
}

// PushTask adds a task to the front of the stack, preempting the current one.
func (s *ConversationState) PushTask(task *Task) {
	s.TaskStack = append([]*Task{task}, s.TaskStack...)
	s.currentTask = nil
	for _, cp := range task.Checklist {
		s.CheckpointProgress[cp.Name] = cp.Status == CheckpointComplete
	}
	s.markDirty(FieldTaskStack)
	s.markDirty(FieldCheckpointProgress)
}

// CurrentTask returns the first active task that still has an incomplete
// checkpoint, or nil when every task is done.
func (s *ConversationState) CurrentTask() *Task {
	if s.currentTask != nil && taskIncomplete(s.currentTask) {
		return s.currentTask
	}
	s.currentTask = nil
	for _, task := range s.TaskStack {
		if task.IsActive && taskIncomplete(task) {
			s.currentTask = task
			return task
		}
	}
	return nil
}

// CurrentCheckpoint returns the checkpoint the conversation is working on,
// or nil when no task is in flight.
func (s *ConversationState) CurrentCheckpoint() *Checkpoint {
	task := s.CurrentTask()
	if task == nil {
		return nil
	}
	return currentCheckpoint(task)
}

// MarkCheckpointComplete completes the named checkpoint on the current task,
// records any collected inputs, and advances the task cursor. The next pending
// checkpoint (possibly on the next task) is moved to in_progress. Returns
// false when the named checkpoint is not the one in flight.
func (s *ConversationState) MarkCheckpointComplete(name string, collected map[string]string) bool {
	task := s.CurrentTask()
	if task == nil {
		return false
	}
	cp := currentCheckpoint(task)
	if cp == nil || cp.Name != name {
		return false
	}

	now := time.Now().UTC()
	cp.Status = CheckpointComplete
	cp.EndTime = &now
	for k, v := range collected {
		if cp.CollectedInputs == nil {
			cp.CollectedInputs = make(map[string]string)
		}
		cp.CollectedInputs[k] = v
	}
	s.CheckpointProgress[name] = true
	task.CurrentCheckpointIndex++
	task.UpdatedAt = now

	if next := s.CurrentCheckpoint(); next != nil && next.Status == CheckpointPending {
		startCheckpoint(next)
	}

	s.markDirty(FieldTaskStack)
	s.markDirty(FieldCheckpointProgress)
	return true
}

// ResetCheckpoint moves a completed checkpoint back to in_progress and rewinds
// the owning task's cursor to it. This is the only backward transition.
func (s *ConversationState) ResetCheckpoint(name string) bool {
	for _, task := range s.TaskStack {
		for i, cp := range task.Checklist {
			if cp.Name != name {
				continue
			}
			cp.Status = CheckpointInProgress
			cp.EndTime = nil
			task.CurrentCheckpointIndex = i
			task.UpdatedAt = time.Now().UTC()
			s.CheckpointProgress[name] = false
			s.currentTask = nil
			s.markDirty(FieldTaskStack)
			s.markDirty(FieldCheckpointProgress)
			return true
		}
	}
	return false
}

// MergeAgentChecklists appends tasks proposed by support agents to the stack,
// skipping labels already present. Tasks whose label is in pinned are kept at
// the back of the stack so the main conversational flow finishes first.
func (s *ConversationState) MergeAgentChecklists(proposed []*Task, pinned map[string]bool) int {
	existing := make(map[string]bool, len(s.TaskStack))
	for _, task := range s.TaskStack {
		existing[task.Label] = true
	}

	added := 0
	var back []*Task
	for _, task := range proposed {
		if task == nil || existing[task.Label] {
			continue
		}
		existing[task.Label] = true
		added++
		for _, cp := range task.Checklist {
			s.CheckpointProgress[cp.Name] = cp.Status == CheckpointComplete
		}
		if pinned[task.Label] {
			back = append(back, task)
			continue
		}
		s.TaskStack = append(s.TaskStack, task)
	}
	s.TaskStack = append(s.TaskStack, back...)

	if added > 0 {
		s.currentTask = nil
		s.markDirty(FieldTaskStack)
		s.markDirty(FieldCheckpointProgress)
	}
	return added
}

// CompletedChecklists returns the labels of tasks whose every checkpoint is
// complete.
func (s *ConversationState) CompletedChecklists() []string {
	var labels []string
	for _, task := range s.TaskStack {
		if !taskIncomplete(task) {
			labels = append(labels, task.Label)
		}
	}
	return labels
}

// AppendContext records one user/assistant exchange in both the sliding
// context and the complete transcript.
func (s *ConversationState) AppendContext(query, response string) {
	s.Context = append(s.Context,
		ContextEntry{Role: "user", Content: query},
		ContextEntry{Role: "assistant", Content: response},
	)
	s.CompleteContext = append(s.CompleteContext,
		ContextEntry{Role: "user", Content: query},
		ContextEntry{Role: "assistant", Content: response},
	)
	if len(s.Context) > ContextWindow {
		s.Context = s.Context[len(s.Context)-ContextWindow:]
	}
	s.markDirty(FieldContext)
	s.markDirty(FieldCompleteContext)
}

// Window returns the current sliding context window.
func (s *ConversationState) Window() []ContextEntry {
	return s.Context
}

// RecordSyncResult appends an agent result to the per-agent sync history.
func (s *ConversationState) RecordSyncResult(result *AgentResult) {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	s.SyncAgentResults[result.AgentName] = append(s.SyncAgentResults[result.AgentName], result)
	s.markDirty(FieldSyncAgentResults)
}

// RecordAsyncResult stores the latest result of a fire-and-forget agent,
// replacing any previous one.
func (s *ConversationState) RecordAsyncResult(result *AgentResult) {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	s.AsyncAgentResults[result.AgentName] = result
	s.markDirty(FieldAsyncAgentResults)
}

// UnconsumedResults returns every stored result that has not yet been
// surfaced to the caller and marks it consumed. A result is returned exactly
// once across calls.
func (s *ConversationState) UnconsumedResults() []*AgentResult {
	var out []*AgentResult
	for _, results := range s.SyncAgentResults {
		for _, r := range results {
			if !r.Consumed {
				r.Consumed = true
				out = append(out, r)
			}
		}
	}
	for _, r := range s.AsyncAgentResults {
		if !r.Consumed {
			r.Consumed = true
			out = append(out, r)
		}
	}
	if len(out) > 0 {
		s.markDirty(FieldSyncAgentResults)
		s.markDirty(FieldAsyncAgentResults)
	}
	return out
}

// SetPaused toggles the conversation pause flag used during human handoff.
func (s *ConversationState) SetPaused(paused bool) {
	if s.IsPaused == paused {
		return
	}
	s.IsPaused = paused
	s.markDirty(FieldPaused)
}

func taskIncomplete(task *Task) bool {
	return task.CurrentCheckpointIndex < len(task.Checklist)
}

func currentCheckpoint(task *Task) *Checkpoint {
	if !taskIncomplete(task) {
		return nil
	}
	return task.Checklist[task.CurrentCheckpointIndex]
}

func startCheckpoint(cp *Checkpoint) {
	now := time.Now().UTC()
	cp.Status = CheckpointInProgress
	cp.StartTime = &now
}
