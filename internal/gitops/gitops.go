// Package gitops wraps the git CLI for one working directory. Hooks and
// services use it for every repository mutation outside of worktree
// bookkeeping.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

var (
	shellPathOnce sync.Once
	shellPath     string
)

// loginShellPath resolves the user's login-shell PATH once. GUI launches
// inherit a minimal PATH that often misses git and gh.
func loginShellPath() string {
	shellPathOnce.Do(func() {
		shell := os.Getenv("SHELL")
		if shell == "" {
			return
		}
		out, err := exec.Command(shell, "-lc", "echo $PATH").Output()
		if err != nil {
			return
		}
		shellPath = strings.TrimSpace(string(out))
	})
	return shellPath
}

// commandEnv returns the process environment with PATH replaced by the
// login-shell PATH when one was resolved.
func commandEnv() []string {
	path := loginShellPath()
	if path == "" {
		return nil
	}
	env := os.Environ()
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + path
			return env
		}
	}
	return append(env, "PATH="+path)
}

// Client runs git commands in one working directory.
type Client struct {
	dir string
}

// New creates a git client rooted at dir.
func New(dir string) *Client {
	return &Client{dir: dir}
}

// Dir returns the working directory this client operates on.
func (c *Client) Dir() string {
	return c.dir
}

// Fetch fetches from origin.
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.run(ctx, "fetch", "origin")
	return err
}

// CreateBranch creates a branch at HEAD without switching to it.
func (c *Client) CreateBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "branch", name)
	return err
}

// Checkout switches to a branch.
func (c *Client) Checkout(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "checkout", branch)
	return err
}

// Push pushes a branch to origin, optionally with force.
func (c *Client) Push(ctx context.Context, branch string, force bool) error {
	args := []string{"push", "origin", branch}
	if force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, args...)
	return err
}

// Pull pulls the current branch from origin.
func (c *Client) Pull(ctx context.Context) error {
	_, err := c.run(ctx, "pull")
	return err
}

// Diff returns the diff between two refs, or from a ref to the working
// tree when to is empty.
func (c *Client) Diff(ctx context.Context, from, to string) (string, error) {
	args := []string{"diff", from}
	if to != "" {
		args = append(args, to)
	}
	return c.run(ctx, args...)
}

// Commit stages everything and commits, returning the new commit hash.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Log returns the most recent commit subjects, one per line.
func (c *Client) Log(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		count = 10
	}
	out, err := c.run(ctx, "log", "--oneline", "-n", strconv.Itoa(count))
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Rebase rebases the current branch onto the given ref.
func (c *Client) Rebase(ctx context.Context, onto string) error {
	if _, err := c.run(ctx, "rebase", onto); err != nil {
		// Leave the tree usable for the caller.
		_, _ = c.run(ctx, "rebase", "--abort")
		return err
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Clean discards all uncommitted changes and untracked files.
func (c *Client) Clean(ctx context.Context) error {
	if _, err := c.run(ctx, "reset", "--hard"); err != nil {
		return err
	}
	_, err := c.run(ctx, "clean", "-fd")
	return err
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	if env := commandEnv(); env != nil {
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
