// Package scm abstracts the remote code-hosting platform behind a small
// interface the merge and PR hooks consume.
package scm

import "context"

// CreatePRRequest describes a pull request to open.
type CreatePRRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PR identifies a created pull request.
type PR struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// Platform is the SCM surface the orchestrator needs: open a PR for a
// pushed branch, and merge one by URL.
type Platform interface {
	CreatePR(ctx context.Context, repoPath string, req CreatePRRequest) (*PR, error)
	MergePR(ctx context.Context, repoPath, prURL string) error
	Available() bool
}
