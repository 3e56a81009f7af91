package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/taskpilot/taskpilot/internal/common/config"
)

// Scripted runs a fixed shell command as the agent. Used for check
// runners (build, lint, test) and in tests, where a real agent CLI is
// overkill.
type Scripted struct {
	agentType string
	command   string
}

// NewScripted creates a scripted agent of the given type running command
// via the user's shell.
func NewScripted(agentType, command string) *Scripted {
	return &Scripted{agentType: agentType, command: command}
}

func (s *Scripted) Type() string { return s.agentType }

func (s *Scripted) IsAvailable() bool { return s.command != "" }

func (s *Scripted) BuildPrompt(RunContext) string { return s.command }

// Execute runs the command in the task's worktree. Exit code zero maps
// to the mode's success outcome unless the script prints an OUTCOME
// marker of its own.
func (s *Scripted) Execute(ctx context.Context, rc RunContext, _ config.AgentSettings, onOutput func(string)) (*RunResult, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", s.command)
	cmd.Dir = rc.Workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start script: %w", err)
	}

	result := &RunResult{Prompt: s.command}
	var output strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		if onOutput != nil {
			onOutput(line + "\n")
		}
		if outcome, payload, ok := ParseOutcomeLine(line); ok {
			result.Outcome = outcome
			result.Payload = payload
		}
	}

	err = cmd.Wait()
	result.Output = output.String()
	result.ExitCode = exitCode(err)
	if result.Outcome == "" {
		result.Outcome = fallbackOutcome(rc.Mode, result.ExitCode)
	}
	return result, nil
}
