package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/convoy-dev/convoy/pkg/state"
)

// CheckpointTemplate describes one checkpoint of a support checklist.
type CheckpointTemplate struct {
	Name           string
	Label          string
	ExpectedInputs []string
}

// ChecklistTemplate is a static task template a support agent can attach to a
// conversation.
type ChecklistTemplate struct {
	Label       string
	Checkpoints []CheckpointTemplate
}

// Task instantiates the template with fresh ids.
func (t ChecklistTemplate) Task() *state.Task {
	now := time.Now().UTC()
	checklist := make([]*state.Checkpoint, len(t.Checkpoints))
	for i, cp := range t.Checkpoints {
		checklist[i] = &state.Checkpoint{
			ID:             uuid.NewString(),
			Name:           cp.Name,
			Label:          cp.Label,
			Type:           state.SourceSupportAgent,
			Status:         state.CheckpointPending,
			ExpectedInputs: cp.ExpectedInputs,
		}
	}
	return &state.Task{
		TaskID:    uuid.NewString(),
		Label:     t.Label,
		Source:    state.SourceSupportAgent,
		Checklist: checklist,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultChecklists maps agent name to the checklist it attaches when its
// result asks for one.
func DefaultChecklists() map[string]ChecklistTemplate {
	return map[string]ChecklistTemplate{
		"privacy": {
			Label: "privacy",
			Checkpoints: []CheckpointTemplate{
				{Name: "privacy_consent", Label: "Confirm data-sharing consent", ExpectedInputs: []string{"consent"}},
			},
		},
		"nutrition": {
			Label: "nutrition",
			Checkpoints: []CheckpointTemplate{
				{Name: "dietary_recall", Label: "Collect 24h dietary recall", ExpectedInputs: []string{"meals"}},
				{Name: "dietary_goals", Label: "Agree on dietary goals", ExpectedInputs: []string{"goals"}},
			},
		},
		"followup": {
			Label: "followup",
			Checkpoints: []CheckpointTemplate{
				{Name: "schedule_followup", Label: "Schedule a follow-up", ExpectedInputs: []string{"date"}},
			},
		},
		"medication": {
			Label: "medication",
			Checkpoints: []CheckpointTemplate{
				{Name: "medication_review", Label: "Review current medication", ExpectedInputs: []string{"medications"}},
				{Name: "adherence_check", Label: "Check adherence", ExpectedInputs: []string{"adherence"}},
			},
		},
	}
}
