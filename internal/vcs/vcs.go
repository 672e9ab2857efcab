// Package vcs takes best-effort version-control snapshots of the project
// directory after state-mutating sessions. Snapshot failure is logged by the
// caller, never fatal: durability here is a convenience, not a correctness
// dependency of the orchestration state machine.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes subprocesses. Seam for tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(combined.String())
		if output == "" {
			return "", err
		}
		return "", fmt.Errorf("%s: %w", output, err)
	}
	return strings.TrimSpace(combined.String()), nil
}

// Git snapshots a project directory with the git CLI.
type Git struct {
	dir    string
	runner CommandRunner
}

// NewGit returns a snapshotter rooted at dir.
func NewGit(dir string) *Git {
	return &Git{dir: dir, runner: execRunner{}}
}

// NewGitWithRunner returns a snapshotter with an injected command runner.
func NewGitWithRunner(dir string, runner CommandRunner) *Git {
	return &Git{dir: dir, runner: runner}
}

// Snapshot stages everything and commits with the given message. Returns the
// resulting commit hash, or "" when there was nothing to commit. Initializes
// a repository on first use.
func (g *Git) Snapshot(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(g.dir) == "" {
		return "", errors.New("vcs: project directory is required")
	}

	if _, err := g.git(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		if _, err := g.git(ctx, "init"); err != nil {
			return "", fmt.Errorf("git init: %w", err)
		}
	}

	if _, err := g.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}

	status, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	if _, err := g.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}

	head, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return head, nil
}

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	gitArgs := make([]string, 0, len(args)+2)
	gitArgs = append(gitArgs, "-C", g.dir)
	gitArgs = append(gitArgs, args...)
	return g.runner.Run(ctx, "git", gitArgs...)
}
