package workflow

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/models"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/scm"
)

// RegisterBuiltinHooks installs the built-in hook set on the engine.
// Pipelines referencing other hook names get them silently skipped.
func RegisterBuiltinHooks(e *pipeline.Engine, svc *Service) {
	e.RegisterHook("start_agent", svc.hookStartAgent)
	e.RegisterHook("push_and_create_pr", svc.hookPushAndCreatePR)
	e.RegisterHook("merge_pr", svc.hookMergePR)
	e.RegisterHook("notify", svc.hookNotify)
	e.RegisterHook("create_prompt", svc.hookCreatePrompt)
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

// hookStartAgent launches an agent run for the task that just
// transitioned. Params: mode (required), agentType (optional).
func (s *Service) hookStartAgent(ctx context.Context, in pipeline.HookInput) error {
	mode := paramString(in.Params, "mode")
	if mode == "" {
		return fmt.Errorf("start_agent: mode param is required")
	}
	agentType := paramString(in.Params, "agentType")
	_, err := s.StartAgent(ctx, in.Task.ID, mode, agentType, nil)
	return err
}

// hookPushAndCreatePR rebases the task's worktree on the default branch,
// pushes it, and opens a pull request. Failures are logged as error
// events but never returned; the transition already happened and a
// stuck push should not look like a stuck task.
func (s *Service) hookPushAndCreatePR(ctx context.Context, in pipeline.HookInput) error {
	task := in.Task
	log := s.logger.WithTaskID(task.ID)

	fail := func(stage string, err error) error {
		log.WithError(err).Error("push_and_create_pr failed", zap.String("stage", stage))
		_ = s.store.AppendEvent(ctx, &models.TaskEvent{
			TaskID:   task.ID,
			Category: models.EventGit,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("%s failed: %v", stage, err),
		})
		return nil
	}

	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fail("project lookup", err)
	}
	manager, err := s.worktrees(project)
	if err != nil {
		return fail("worktree manager", err)
	}
	wt, err := manager.Get(ctx, task.ID)
	if err != nil {
		return fail("worktree lookup", err)
	}
	settings, err := s.loadSettings(project.Path)
	if err != nil {
		return fail("settings", err)
	}

	defaultBranch := project.Config.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = settings.DefaultBranch
	}
	remoteBase := "origin/" + defaultBranch

	if s.git == nil {
		return fail("git", fmt.Errorf("no git client configured"))
	}
	git := s.git(wt.Path)
	if err := git.Fetch(ctx); err != nil {
		return fail("fetch", err)
	}
	if err := git.Rebase(ctx, remoteBase); err != nil {
		return fail("rebase", err)
	}
	diff, err := git.Diff(ctx, remoteBase, "HEAD")
	if err != nil {
		return fail("diff", err)
	}

	_ = s.store.AddArtifact(ctx, &models.TaskArtifact{
		TaskID: task.ID,
		Type:   models.ArtifactDiff,
		Data:   map[string]any{"base": remoteBase, "diff": diff},
	})

	if strings.TrimSpace(diff) == "" {
		log.Info("no changes against default branch, skipping PR")
		_ = s.store.AppendEvent(ctx, &models.TaskEvent{
			TaskID:   task.ID,
			Category: models.EventGit,
			Message:  "no changes to push",
		})
		return nil
	}

	if err := git.Push(ctx, wt.Branch, true); err != nil {
		return fail("push", err)
	}
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   task.ID,
		Category: models.EventGit,
		Message:  fmt.Sprintf("pushed branch %s", wt.Branch),
	})

	if s.platform == nil || !s.platform.Available() {
		log.Warn("no SCM platform available, branch pushed without PR")
		return nil
	}

	body := task.Description
	if settings.Git.PRTemplate != "" {
		if rendered, err := renderTemplate(settings.Git.PRTemplate, in); err == nil {
			body = rendered
		}
	}
	pr, err := s.platform.CreatePR(ctx, wt.Path, scm.CreatePRRequest{
		Title: task.Title,
		Body:  body,
		Head:  wt.Branch,
		Base:  defaultBranch,
		Draft: settings.Git.PRDraft,
	})
	if err != nil {
		return fail("create PR", err)
	}

	_ = s.store.AddArtifact(ctx, &models.TaskArtifact{
		TaskID: task.ID,
		Type:   models.ArtifactPR,
		Data:   map[string]any{"url": pr.URL, "number": pr.Number, "branch": wt.Branch},
	})
	task.PRLink = pr.URL
	task.BranchName = wt.Branch
	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.WithError(err).Warn("failed to persist PR link")
	}
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   task.ID,
		Category: models.EventGithub,
		Message:  fmt.Sprintf("opened PR %s", pr.URL),
		Data:     map[string]any{"url": pr.URL, "number": pr.Number},
	})
	log.Info("opened PR", zap.String("url", pr.URL))
	return nil
}

// hookMergePR merges the task's PR. Unlike the push hook this one
// returns its error, so it can be declared with the required policy.
func (s *Service) hookMergePR(ctx context.Context, in pipeline.HookInput) error {
	return s.MergePR(ctx, in.Task.ID)
}

// hookNotify sends a user notification. Params: titleTemplate,
// bodyTemplate (Go text/template over the hook input).
func (s *Service) hookNotify(ctx context.Context, in pipeline.HookInput) error {
	if s.notifier == nil {
		return nil
	}
	title := paramString(in.Params, "titleTemplate")
	if title == "" {
		title = "{{.Task.Title}}"
	}
	body := paramString(in.Params, "bodyTemplate")
	if body == "" {
		body = "{{.Task.Title}} is now {{.Transition.To}}"
	}
	renderedTitle, err := renderTemplate(title, in)
	if err != nil {
		return fmt.Errorf("notify: bad title template: %w", err)
	}
	renderedBody, err := renderTemplate(body, in)
	if err != nil {
		return fmt.Errorf("notify: bad body template: %w", err)
	}
	return s.notifier.Send(ctx, renderedTitle, renderedBody)
}

// hookCreatePrompt records a pending prompt from the transition's agent
// payload so a human can answer it. Params: resumeOutcome (the agent
// outcome to dispatch when answered), promptType (optional, defaults to
// the transition's outcome).
func (s *Service) hookCreatePrompt(ctx context.Context, in pipeline.HookInput) error {
	promptType := paramString(in.Params, "promptType")
	if promptType == "" {
		promptType = in.Ctx.Outcome()
	}
	if promptType == "" {
		return fmt.Errorf("create_prompt: no prompt type")
	}

	var payload map[string]any
	if in.Ctx.Data != nil {
		payload, _ = in.Ctx.Data["payload"].(map[string]any)
	}
	runID := ""
	if in.Ctx.Data != nil {
		runID, _ = in.Ctx.Data["runId"].(string)
	}

	prompt := &models.PendingPrompt{
		TaskID:        in.Task.ID,
		AgentRunID:    runID,
		PromptType:    promptType,
		Payload:       payload,
		ResumeOutcome: paramString(in.Params, "resumeOutcome"),
	}
	if err := s.store.CreatePrompt(ctx, prompt); err != nil {
		return err
	}
	_ = s.store.AppendEvent(ctx, &models.TaskEvent{
		TaskID:   in.Task.ID,
		Category: models.EventSystem,
		Message:  fmt.Sprintf("agent is waiting for input (%s)", promptType),
		Data:     map[string]any{"promptId": prompt.ID},
	})
	s.publish("prompt.created", prompt)
	return nil
}

func renderTemplate(text string, in pipeline.HookInput) (string, error) {
	tmpl, err := template.New("hook").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", err
	}
	return buf.String(), nil
}
