// Package models defines the persistent entities shared by the stores,
// the pipeline engine, and the services. All timestamps are integer
// milliseconds since epoch; all IDs are opaque strings.
package models

import "time"

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Project is a local git repository managed by taskpilot.
type Project struct {
	ID          string        `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Path        string        `json:"path" db:"path"`
	Description string        `json:"description" db:"description"`
	Config      ProjectConfig `json:"config"`
	CreatedAt   int64         `json:"createdAt" db:"created_at"`
	UpdatedAt   int64         `json:"updatedAt" db:"updated_at"`
}

// ProjectConfig overrides orchestration settings per project. Zero values
// defer to the global settings.
type ProjectConfig struct {
	DefaultBranch      string `json:"defaultBranch,omitempty"`
	WorktreesPath      string `json:"worktreesPath,omitempty"`
	DefaultAgentType   string `json:"defaultAgentType,omitempty"`
	PullMainAfterMerge bool   `json:"pullMainAfterMerge,omitempty"`
}

// Feature groups tasks under a larger unit of work. Deleting a feature
// detaches its tasks; it never deletes them.
type Feature struct {
	ID          string `json:"id" db:"id"`
	ProjectID   string `json:"projectId" db:"project_id"`
	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`
	Status      string `json:"status" db:"status"`
	CreatedAt   int64  `json:"createdAt" db:"created_at"`
	UpdatedAt   int64  `json:"updatedAt" db:"updated_at"`
}

// Task is a unit of work driven through a pipeline.
type Task struct {
	ID           string         `json:"id" db:"id"`
	ProjectID    string         `json:"projectId" db:"project_id"`
	PipelineID   string         `json:"pipelineId" db:"pipeline_id"`
	FeatureID    string         `json:"featureId,omitempty" db:"feature_id"`
	Title        string         `json:"title" db:"title"`
	Description  string         `json:"description" db:"description"`
	Status       string         `json:"status" db:"status"`
	Priority     int            `json:"priority" db:"priority"`
	Tags         []string       `json:"tags"`
	ParentTaskID string         `json:"parentTaskId,omitempty" db:"parent_task_id"`
	Assignee     string         `json:"assignee,omitempty" db:"assignee"`
	PRLink       string         `json:"prLink,omitempty" db:"pr_link"`
	BranchName   string         `json:"branchName,omitempty" db:"branch_name"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    int64          `json:"createdAt" db:"created_at"`
	UpdatedAt    int64          `json:"updatedAt" db:"updated_at"`
}

// Dependency is an edge saying a task is blocked until another finishes.
type Dependency struct {
	TaskID          string `json:"taskId" db:"task_id"`
	DependsOnTaskID string `json:"dependsOnTaskId" db:"depends_on_task_id"`
}

// Agent run statuses.
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusTimedOut    = "timed_out"
	RunStatusCancelled   = "cancelled"
	RunStatusInterrupted = "interrupted"
)

// RunTerminal reports whether a run status is terminal.
func RunTerminal(status string) bool {
	return status != RunStatusRunning
}

// AgentRun records a single spawn of an external agent process.
type AgentRun struct {
	ID               string         `json:"id" db:"id"`
	TaskID           string         `json:"taskId" db:"task_id"`
	AgentType        string         `json:"agentType" db:"agent_type"`
	Mode             string         `json:"mode" db:"mode"`
	Status           string         `json:"status" db:"status"`
	Output           string         `json:"output" db:"output"`
	Outcome          string         `json:"outcome" db:"outcome"`
	Payload          map[string]any `json:"payload,omitempty"`
	ExitCode         int            `json:"exitCode" db:"exit_code"`
	StartedAt        int64          `json:"startedAt" db:"started_at"`
	CompletedAt      *int64         `json:"completedAt,omitempty" db:"completed_at"`
	CostInputTokens  int64          `json:"costInputTokens" db:"cost_input_tokens"`
	CostOutputTokens int64          `json:"costOutputTokens" db:"cost_output_tokens"`
	Prompt           string         `json:"prompt,omitempty" db:"prompt"`
}

// Task phase statuses.
const (
	PhaseActive    = "active"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// TaskPhase records one mode-scoped slice of agent work on a task.
type TaskPhase struct {
	ID          string `json:"id" db:"id"`
	TaskID      string `json:"taskId" db:"task_id"`
	Phase       string `json:"phase" db:"phase"`
	Status      string `json:"status" db:"status"`
	AgentRunID  string `json:"agentRunId" db:"agent_run_id"`
	StartedAt   int64  `json:"startedAt" db:"started_at"`
	CompletedAt *int64 `json:"completedAt,omitempty" db:"completed_at"`
}

// GuardResult is the outcome of evaluating one guard on a transition.
type GuardResult struct {
	Guard   string `json:"guard"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// TransitionRecord is an append-only log entry for a committed (or
// attempted) status change.
type TransitionRecord struct {
	ID           string        `json:"id" db:"id"`
	TaskID       string        `json:"taskId" db:"task_id"`
	FromStatus   string        `json:"fromStatus" db:"from_status"`
	ToStatus     string        `json:"toStatus" db:"to_status"`
	Trigger      string        `json:"trigger" db:"trigger"`
	Actor        string        `json:"actor,omitempty" db:"actor"`
	GuardResults []GuardResult `json:"guardResults"`
	CreatedAt    int64         `json:"createdAt" db:"created_at"`
}

// Task event categories.
const (
	EventSystem       = "system"
	EventStatusChange = "status_change"
	EventAgent        = "agent"
	EventGit          = "git"
	EventGithub       = "github"
)

// Task event severities.
const (
	SeverityDebug   = "debug"
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// TaskEvent is an append-only per-task log entry.
type TaskEvent struct {
	ID        string         `json:"id" db:"id"`
	TaskID    string         `json:"taskId" db:"task_id"`
	Category  string         `json:"category" db:"category"`
	Severity  string         `json:"severity" db:"severity"`
	Message   string         `json:"message" db:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt int64          `json:"createdAt" db:"created_at"`
}

// ActivityEntry is a higher-level, cross-entity stream entry.
type ActivityEntry struct {
	ID         string         `json:"id" db:"id"`
	Action     string         `json:"action" db:"action"`
	EntityType string         `json:"entityType" db:"entity_type"`
	EntityID   string         `json:"entityId" db:"entity_id"`
	Summary    string         `json:"summary" db:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  int64          `json:"createdAt" db:"created_at"`
}

// Artifact types.
const (
	ArtifactBranch   = "branch"
	ArtifactPR       = "pr"
	ArtifactCommit   = "commit"
	ArtifactDiff     = "diff"
	ArtifactDocument = "document"
)

// TaskArtifact is a durable output attached to a task.
type TaskArtifact struct {
	ID        string         `json:"id" db:"id"`
	TaskID    string         `json:"taskId" db:"task_id"`
	Type      string         `json:"type" db:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt int64          `json:"createdAt" db:"created_at"`
}

// Pending prompt statuses.
const (
	PromptPending  = "pending"
	PromptAnswered = "answered"
	PromptExpired  = "expired"
)

// PendingPrompt is a human-in-the-loop question raised by an agent run.
type PendingPrompt struct {
	ID            string         `json:"id" db:"id"`
	TaskID        string         `json:"taskId" db:"task_id"`
	AgentRunID    string         `json:"agentRunId" db:"agent_run_id"`
	PromptType    string         `json:"promptType" db:"prompt_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Response      map[string]any `json:"response,omitempty"`
	Status        string         `json:"status" db:"status"`
	ResumeOutcome string         `json:"resumeOutcome,omitempty" db:"resume_outcome"`
	CreatedAt     int64          `json:"createdAt" db:"created_at"`
	AnsweredAt    *int64         `json:"answeredAt,omitempty" db:"answered_at"`
}
