// Package naming suggests kebab-case project names for new builds.
package naming

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

const (
	maxNameLength = 15
	fallbackName  = "my-app"
	suggestModel  = "haiku"
)

var (
	invalidRunes = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns     = regexp.MustCompile(`-+`)
)

// CommandRunner executes subprocesses. Seam for tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Suggester asks the agent CLI for a short project name.
type Suggester struct {
	Command string
	runner  CommandRunner
}

// NewSuggester builds a suggester invoking the given agent executable.
func NewSuggester(command string) *Suggester {
	return &Suggester{Command: command, runner: execRunner{}}
}

// NewSuggesterWithRunner builds a suggester with an injected runner.
func NewSuggesterWithRunner(command string, runner CommandRunner) *Suggester {
	return &Suggester{Command: command, runner: runner}
}

// Suggest returns a kebab-case name for the described application. Any
// failure falls back to a safe default; naming is never fatal.
func (s *Suggester) Suggest(ctx context.Context, description string) string {
	prompt := fmt.Sprintf(`Generate a kebab-case project name for: %q

Rules:
- Lowercase and hyphens only
- 1-2 words, max %d chars
- Output ONLY the name

Examples: notes-app, todo, budget-track`, description, maxNameLength)

	out, err := s.runner.Run(ctx, s.Command, "--print", "-p", prompt, "--model", suggestModel)
	if err != nil {
		return fallbackName
	}
	return Sanitize(out)
}

// Sanitize reduces raw model output to a valid project name.
func Sanitize(raw string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	name = strings.ToLower(strings.TrimSpace(name))
	name = invalidRunes.ReplaceAllString(name, "")
	name = dashRuns.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > maxNameLength {
		name = strings.Trim(name[:maxNameLength], "-")
	}
	if name == "" {
		return fallbackName
	}
	return name
}
