package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// outcomeMarker prefixes the final line an agent prints to report its
// structured outcome.
const outcomeMarker = "OUTCOME:"

// ClaudeCode drives the claude CLI in headless print mode.
type ClaudeCode struct {
	logger *logger.Logger
}

// NewClaudeCode creates the claude-code implementation.
func NewClaudeCode(log *logger.Logger) *ClaudeCode {
	return &ClaudeCode{logger: log.WithFields(zap.String("component", "claude-code"))}
}

func (c *ClaudeCode) Type() string { return "claude-code" }

// IsAvailable checks if the claude CLI is installed.
func (c *ClaudeCode) IsAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

// BuildPrompt assembles the mode-specific instruction for a task.
func (c *ClaudeCode) BuildPrompt(rc RunContext) string {
	var b strings.Builder
	switch rc.Mode {
	case "plan":
		b.WriteString("Produce an implementation plan for the following task. Do not modify any files.\n\n")
	case "implement":
		b.WriteString("Implement the following task. Commit your changes when done.\n\n")
	case "investigate":
		b.WriteString("Investigate the following issue and report your findings. Do not modify any files.\n\n")
	case "review":
		b.WriteString("Review the changes on this branch for the following task.\n\n")
	default:
		b.WriteString("Work on the following task.\n\n")
	}
	fmt.Fprintf(&b, "Title: %s\n", rc.Task.Title)
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", rc.Task.Description)
	}
	if rc.TaskContext != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", rc.TaskContext)
	}
	b.WriteString("\nWhen finished, print a final line of the form ")
	b.WriteString(outcomeMarker)
	b.WriteString(` {"outcome": "<outcome>", ...payload} where outcome describes the result, e.g. plan_complete, pr_ready, needs_info, failed.`)
	return b.String()
}

// Execute runs the claude CLI in the task's worktree and blocks until it
// exits or ctx is cancelled.
func (c *ClaudeCode) Execute(ctx context.Context, rc RunContext, cfg config.AgentSettings, onOutput func(string)) (*RunResult, error) {
	result, err := runClaudeCLI(ctx, c.BuildPrompt(rc), rc.Workdir, cfg, onOutput)
	if err != nil {
		return nil, err
	}
	if result.Outcome == "" {
		result.Outcome = fallbackOutcome(rc.Mode, result.ExitCode)
	}
	return result, nil
}

// runClaudeCLI drives one claude print-mode invocation, streaming output
// lines and capturing the outcome marker and token usage.
func runClaudeCLI(ctx context.Context, prompt, workdir string, cfg config.AgentSettings, onOutput func(string)) (*RunResult, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude: %w", err)
	}

	result := &RunResult{Prompt: prompt}
	var output strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		if onOutput != nil {
			onOutput(line + "\n")
		}
		consumeCLILine(line, result)
	}

	err = cmd.Wait()
	result.Output = output.String()
	result.ExitCode = exitCode(err)
	return result, nil
}

// cliEvent is the subset of the stream-json protocol the service reads.
type cliEvent struct {
	Type   string `json:"type"`
	Result string `json:"result"`
	Usage  struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func consumeCLILine(line string, result *RunResult) {
	if outcome, payload, ok := ParseOutcomeLine(line); ok {
		result.Outcome = outcome
		result.Payload = payload
		return
	}
	var ev cliEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	if ev.Type == "result" {
		result.CostInputTokens = ev.Usage.InputTokens
		result.CostOutputTokens = ev.Usage.OutputTokens
		if outcome, payload, ok := ParseOutcomeLine(lastNonEmptyLine(ev.Result)); ok {
			result.Outcome = outcome
			result.Payload = payload
		}
	}
}

// ParseOutcomeLine reads an "OUTCOME: {...}" marker line. The payload is
// the remaining JSON fields beside "outcome".
func ParseOutcomeLine(line string) (string, map[string]any, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, outcomeMarker) {
		return "", nil, false
	}
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, outcomeMarker))

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		// Bare word form: "OUTCOME: pr_ready".
		if body != "" && !strings.ContainsAny(body, "{}\" ") {
			return body, nil, true
		}
		return "", nil, false
	}
	outcome, _ := fields["outcome"].(string)
	if outcome == "" {
		return "", nil, false
	}
	delete(fields, "outcome")
	if len(fields) == 0 {
		return outcome, nil, true
	}
	return outcome, fields, true
}

// fallbackOutcome maps an exit code to an outcome when the agent never
// printed a marker.
func fallbackOutcome(mode string, exitCode int) string {
	if exitCode != 0 {
		return OutcomeFailed
	}
	switch mode {
	case "plan":
		return OutcomePlanComplete
	case "implement":
		return OutcomePRReady
	case "investigate":
		return OutcomeInvestigationComplete
	case "review":
		return OutcomeApproved
	default:
		return OutcomeNoChanges
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
