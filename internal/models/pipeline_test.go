package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reviewPipeline() *Pipeline {
	return &Pipeline{
		ID:       "pl-review",
		Name:     "Review",
		TaskType: "review",
		Statuses: []PipelineStatus{
			{Name: "open", Label: "Open"},
			{Name: "in_review", Label: "In Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []Transition{
			{From: "open", To: "in_review", Trigger: TriggerManual,
				Guards: []GuardRef{{Name: "has_pr"}}},
			{From: "in_review", To: "done", Trigger: TriggerAgent, AgentOutcome: "approved",
				Hooks: []HookRef{{Name: "merge_pr", Policy: PolicyRequired}}},
		},
		CreatedAt: 123,
		UpdatedAt: 456,
	}
}

func TestPipelineExportImportRoundTrip(t *testing.T) {
	src := reviewPipeline()

	for name, export := range map[string]func(*Pipeline) ([]byte, error){
		"json": ExportPipelineJSON,
		"yaml": ExportPipelineYAML,
	} {
		t.Run(name, func(t *testing.T) {
			data, err := export(src)
			require.NoError(t, err)

			got, err := ImportPipeline(data)
			require.NoError(t, err)
			assert.Equal(t, src.Statuses, got.Statuses)
			assert.Equal(t, src.Transitions, got.Transitions)
			assert.Equal(t, src.TaskType, got.TaskType)
			// Timestamps are instance-local and never exported.
			assert.Zero(t, got.CreatedAt)
			assert.Zero(t, got.UpdatedAt)
		})
	}
}

func TestPipelineValidate(t *testing.T) {
	p := reviewPipeline()
	require.NoError(t, p.Validate())
	assert.Equal(t, "open", p.InitialStatus())
	assert.True(t, p.IsFinalStatus("done"))

	bad := reviewPipeline()
	bad.Transitions[0].To = "nowhere"
	assert.ErrorContains(t, bad.Validate(), "unknown to status")

	bad = reviewPipeline()
	bad.Transitions[1].AgentOutcome = ""
	assert.ErrorContains(t, bad.Validate(), "requires an agentOutcome")

	bad = reviewPipeline()
	bad.Statuses = append(bad.Statuses, PipelineStatus{Name: "open"})
	assert.ErrorContains(t, bad.Validate(), "duplicate status")

	bad = reviewPipeline()
	bad.Transitions[0].Hooks = []HookRef{{Name: "notify", Policy: "sometimes"}}
	assert.ErrorContains(t, bad.Validate(), "invalid policy")
}

func TestImportPipelineRejectsGarbage(t *testing.T) {
	_, err := ImportPipeline([]byte("{not json, not yaml: ["))
	assert.Error(t, err)
}
