// Package source reports which branch a deployment is built from.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// ErrDetachedHead is returned when the checkout is not on a branch
var ErrDetachedHead = errors.New("HEAD is detached")

// BranchResolver returns the current source branch
type BranchResolver interface {
	CurrentBranch(ctx context.Context) (string, error)
}

// GitBranchResolver reads HEAD of a local git checkout
type GitBranchResolver struct {
	path string
}

// NewGitBranchResolver resolves branches for the repository containing path
func NewGitBranchResolver(path string) *GitBranchResolver {
	return &GitBranchResolver{path: path}
}

func (g *GitBranchResolver) CurrentBranch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(g.path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", g.path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("%s: %w", head.Hash().String()[:12], ErrDetachedHead)
	}
	return head.Name().Short(), nil
}

// Static always reports the same branch
type Static string

func (s Static) CurrentBranch(ctx context.Context) (string, error) {
	return string(s), nil
}
