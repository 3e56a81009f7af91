package scm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GHClient implements Platform using the gh CLI.
type GHClient struct{}

// NewGHClient creates a new gh CLI-based platform client.
func NewGHClient() *GHClient {
	return &GHClient{}
}

// Available checks if the gh CLI is installed and accessible.
func (c *GHClient) Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// CreatePR opens a pull request for a pushed branch and returns its URL
// and number.
func (c *GHClient) CreatePR(ctx context.Context, repoPath string, req CreatePRRequest) (*PR, error) {
	args := []string{"pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Head,
		"--base", req.Base,
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	out, err := c.run(ctx, repoPath, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR for %s: %w", req.Head, err)
	}

	// gh prints the PR URL as the last line of stdout.
	url := lastLine(out)
	if url == "" {
		return nil, fmt.Errorf("create PR for %s: no URL in gh output", req.Head)
	}
	return &PR{URL: url, Number: prNumberFromURL(url)}, nil
}

// MergePR squash-merges a pull request by URL and deletes its branch.
func (c *GHClient) MergePR(ctx context.Context, repoPath, prURL string) error {
	_, err := c.run(ctx, repoPath, "pr", "merge", prURL, "--squash", "--delete-branch")
	if err != nil {
		return fmt.Errorf("merge PR %s: %w", prURL, err)
	}
	return nil
}

func (c *GHClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// prNumberFromURL extracts the trailing number from a PR URL such as
// https://github.com/owner/repo/pull/42. Returns 0 when unparseable.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
