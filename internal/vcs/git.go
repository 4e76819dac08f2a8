// Package vcs drives version control through a narrow interface. The
// core never implements VCS semantics itself and never pushes to a
// remote: remote publication is always a separate, human-triggered step.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Driver is the version-control contract the pipeline consumes.
type Driver interface {
	Status(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	CreateOrCheckoutBranch(ctx context.Context, name string) error
	Commit(ctx context.Context, files []string, message string) (string, error)
	DeleteBranch(ctx context.Context, name string) error
}

// Git is the exec-based Driver implementation.
type Git struct {
	dir    string
	logger *zap.Logger
}

// NewGit returns a Git driver operating on the repository at dir.
func NewGit(dir string, logger *zap.Logger) *Git {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{dir: dir, logger: logger}
}

// Status returns `git status --short` output.
func (g *Git) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--short")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch with that name exists.
func (g *Git) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil, nil
}

// CreateOrCheckoutBranch switches to name, creating it when absent.
func (g *Git) CreateOrCheckoutBranch(ctx context.Context, name string) error {
	exists, _ := g.BranchExists(ctx, name)
	if exists {
		_, err := g.run(ctx, "checkout", name)
		return err
	}
	_, err := g.run(ctx, "checkout", "-b", name)
	return err
}

// Commit stages exactly the given files and commits them, returning the
// new revision id.
func (g *Git) Commit(ctx context.Context, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("nothing to commit")
	}
	args := append([]string{"add", "--"}, files...)
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	rev, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	rev = strings.TrimSpace(rev)
	g.logger.Info("committed", zap.String("revision", rev), zap.Int("files", len(files)))
	return rev, nil
}

// DeleteBranch force-deletes a local branch. Used to clean up speculative
// feature branches after an early pipeline failure.
func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
