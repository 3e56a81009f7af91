package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// PRReviewer reviews the task's branch with the claude CLI and settles
// to approved or changes_requested.
type PRReviewer struct {
	logger *logger.Logger
}

// NewPRReviewer creates the pr-reviewer implementation.
func NewPRReviewer(log *logger.Logger) *PRReviewer {
	return &PRReviewer{logger: log.WithFields(zap.String("component", "pr-reviewer"))}
}

func (r *PRReviewer) Type() string { return "pr-reviewer" }

// IsAvailable checks if the claude CLI is installed.
func (r *PRReviewer) IsAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

// BuildPrompt assembles the review instruction for a task's branch.
func (r *PRReviewer) BuildPrompt(rc RunContext) string {
	var b strings.Builder
	b.WriteString("Review the changes on this branch against the repository's default branch. ")
	b.WriteString("Inspect the diff, check correctness, tests, and style. Do not modify any files.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", rc.Task.Title)
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", rc.Task.Description)
	}
	if rc.TaskContext != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", rc.TaskContext)
	}
	b.WriteString("\nWhen finished, print a final line of the form ")
	b.WriteString(outcomeMarker)
	b.WriteString(` {"outcome": "approved"} if the changes are good, or `)
	b.WriteString(outcomeMarker)
	b.WriteString(` {"outcome": "changes_requested", "summary": "<summary>", "comments": ["<comment>", ...]} otherwise.`)
	return b.String()
}

// Execute runs the review in the task's worktree. An exit without a
// marker counts as approval only on a clean exit.
func (r *PRReviewer) Execute(ctx context.Context, rc RunContext, cfg config.AgentSettings, onOutput func(string)) (*RunResult, error) {
	result, err := runClaudeCLI(ctx, r.BuildPrompt(rc), rc.Workdir, cfg, onOutput)
	if err != nil {
		return nil, err
	}
	if result.Outcome == "" {
		if result.ExitCode == 0 {
			result.Outcome = OutcomeApproved
		} else {
			result.Outcome = OutcomeFailed
		}
	}
	return result, nil
}
