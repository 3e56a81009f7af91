package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// DefaultWorktreesPath is the directory under the project root that holds
// per-task checkouts when the project does not configure one.
const DefaultWorktreesPath = ".agent-worktrees"

// Worktree describes one per-task checkout.
type Worktree struct {
	TaskID string `json:"taskId"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Head   string `json:"head"`
	Locked bool   `json:"locked"`
}

// Manager handles git worktree operations for one project repository.
// Git itself is the source of truth; list and get are derived from
// `git worktree list --porcelain` on every call.
type Manager struct {
	projectPath   string
	worktreesPath string
	logger        *logger.Logger

	// repoLock serializes worktree mutations against the repository.
	repoLock sync.Mutex
}

// NewManager creates a manager for one project repository. An empty
// worktreesPath falls back to DefaultWorktreesPath.
func NewManager(projectPath, worktreesPath string, log *logger.Logger) (*Manager, error) {
	if projectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if !isGitRepo(projectPath) {
		return nil, ErrRepoNotGit
	}
	if worktreesPath == "" {
		worktreesPath = DefaultWorktreesPath
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		projectPath:   projectPath,
		worktreesPath: worktreesPath,
		logger:        log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// BaseDir returns the absolute directory holding this project's worktrees.
func (m *Manager) BaseDir() string {
	return filepath.Join(m.projectPath, m.worktreesPath)
}

// PathFor returns the checkout path a task's worktree would occupy.
func (m *Manager) PathFor(taskID string) string {
	return filepath.Join(m.BaseDir(), taskID)
}

// Create makes a worktree for a task on the given branch. If the branch
// already exists the checkout reuses it instead of creating a new one.
func (m *Manager) Create(ctx context.Context, branch, taskID string) (*Worktree, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if branch == "" {
		return nil, fmt.Errorf("branch is required")
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if err := os.MkdirAll(m.BaseDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	if err := m.ensureGitignore(); err != nil {
		m.logger.Warn("failed to update .gitignore", zap.Error(err))
	}

	path := m.PathFor(taskID)

	// Prefer creating a fresh branch; fall back to checking out an
	// existing one when git rejects -b.
	output, err := m.git(ctx, "worktree", "add", "-b", branch, path)
	if err != nil {
		m.logger.Debug("worktree add -b failed, retrying with existing branch",
			zap.String("branch", branch),
			zap.String("output", output))
		output, err = m.git(ctx, "worktree", "add", path, branch)
		if err != nil {
			m.logger.Error("git worktree add failed",
				zap.String("task_id", taskID),
				zap.String("branch", branch),
				zap.String("output", output),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
		}
	}

	m.logger.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("branch", branch),
		zap.String("path", path))

	return &Worktree{TaskID: taskID, Path: path, Branch: branch}, nil
}

// Get returns the worktree for a task, or ErrWorktreeNotFound.
func (m *Manager) Get(ctx context.Context, taskID string) (*Worktree, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		if wt.TaskID == taskID {
			return wt, nil
		}
	}
	return nil, ErrWorktreeNotFound
}

// List returns all task worktrees, parsed from git's porcelain output and
// filtered to paths under the worktrees directory.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	output, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}
	return m.parsePorcelain(output), nil
}

// parsePorcelain reads `git worktree list --porcelain` blocks. Each block
// starts with a worktree line; blank lines separate entries.
func (m *Manager) parsePorcelain(output string) []*Worktree {
	base := m.BaseDir() + string(filepath.Separator)
	var result []*Worktree
	var current *Worktree

	flush := func() {
		if current != nil && strings.HasPrefix(current.Path, base) {
			current.TaskID = filepath.Base(current.Path)
			result = append(result, current)
		}
		current = nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if current != nil {
				current.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		case line == "locked" || strings.HasPrefix(line, "locked "):
			if current != nil {
				current.Locked = true
			}
		case line == "":
			flush()
		}
	}
	flush()
	return result
}

// Lock marks a task's worktree as in use. Locking an already locked
// worktree is a no-op.
func (m *Manager) Lock(ctx context.Context, taskID string) error {
	output, err := m.git(ctx, "worktree", "lock", m.PathFor(taskID))
	if err != nil {
		if strings.Contains(output, "already locked") {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}
	return nil
}

// Unlock releases a task's worktree. Unlocking a worktree that is not
// locked is a no-op.
func (m *Manager) Unlock(ctx context.Context, taskID string) error {
	output, err := m.git(ctx, "worktree", "unlock", m.PathFor(taskID))
	if err != nil {
		if strings.Contains(output, "not locked") {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(output))
	}
	return nil
}

// Delete removes a task's worktree directory and prunes git's metadata.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()
	return m.removeDir(ctx, m.PathFor(taskID))
}

// Cleanup prunes dangling worktree metadata and removes every unlocked
// worktree under the worktrees directory.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if output, err := m.git(ctx, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune failed", zap.String("output", output), zap.Error(err))
	}

	worktrees, err := m.List(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, wt := range worktrees {
		if wt.Locked {
			continue
		}
		if err := m.removeDir(ctx, wt.Path); err != nil {
			m.logger.Warn("failed to remove worktree during cleanup",
				zap.String("task_id", wt.TaskID),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// removeDir removes a worktree via git, falling back to rm plus prune
// when the metadata is already gone.
func (m *Manager) removeDir(ctx context.Context, path string) error {
	output, err := m.git(ctx, "worktree", "remove", "--force", path)
	if err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", output),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if output, err := m.git(ctx, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.String("output", output), zap.Error(err))
		}
	}
	m.logger.Info("removed worktree", zap.String("path", path))
	return nil
}

// ensureGitignore appends the worktrees directory to the project's
// .gitignore if it is not already ignored.
func (m *Manager) ensureGitignore() error {
	entry := strings.TrimSuffix(m.worktreesPath, "/") + "/"
	gitignore := filepath.Join(m.projectPath, ".gitignore")

	content, err := os.ReadFile(gitignore)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == entry || trimmed == strings.TrimSuffix(entry, "/") {
			return nil
		}
	}

	f, err := os.OpenFile(gitignore, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	prefix := ""
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.projectPath
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// isGitRepo checks if a path is a Git repository. The .git entry can be
// either a directory (regular repo) or a file (worktree).
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
