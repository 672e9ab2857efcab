// Package ui renders run progress to the console. Pure presentation: every
// method writes styled text to an injected writer and has no effect on
// control flow.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/misty-step/foxglove/internal/feature"
	"github.com/misty-step/foxglove/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("6"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 2)
	dimStyle  = lipgloss.NewStyle().Faint(true)
	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

const progressBarWidth = 20

// Renderer writes styled run output.
type Renderer struct {
	w            io.Writer
	pendingLimit int
	maxDesc      int
}

// New builds a renderer. pendingLimit caps the pending-feature checklist;
// maxDesc truncates long feature descriptions.
func New(w io.Writer, pendingLimit, maxDesc int) *Renderer {
	if pendingLimit <= 0 {
		pendingLimit = 10
	}
	if maxDesc <= 0 {
		maxDesc = 120
	}
	return &Renderer{w: w, pendingLimit: pendingLimit, maxDesc: maxDesc}
}

// RunHeader prints the banner shown once at run start.
func (r *Renderer) RunHeader(project, model string, maxSessions int) {
	modelLabel := model
	if modelLabel == "" {
		modelLabel = dimStyle.Render("agent default")
	}
	sessionsLabel := "unlimited"
	if maxSessions > 0 {
		sessionsLabel = fmt.Sprintf("%d", maxSessions)
	}

	fmt.Fprintln(r.w, titleStyle.Render("foxglove"))
	fmt.Fprintf(r.w, "  %s %s\n", dimStyle.Render("project "), project)
	fmt.Fprintf(r.w, "  %s %s\n", dimStyle.Render("model   "), modelLabel)
	fmt.Fprintf(r.w, "  %s %s\n\n", dimStyle.Render("sessions"), sessionsLabel)
}

// SessionBanner prints the per-session header.
func (r *Renderer) SessionBanner(index int, variant string) {
	label := fmt.Sprintf("SESSION %d: %s", index, strings.ToUpper(variant))
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, panelStyle.Render(titleStyle.Render(label)))
	fmt.Fprintln(r.w)
}

// NewProjectNotice warns that the first session is slow.
func (r *Renderer) NewProjectNotice() {
	fmt.Fprintln(r.w, warnStyle.Render("Starting new project - initializer will run first"))
	fmt.Fprintln(r.w, panelStyle.Render(
		"First session may take 10-20+ minutes\n"+
			dimStyle.Render("The agent is generating features and project structure.")))
	fmt.Fprintln(r.w)
}

// Resuming announces continuation of an existing project.
func (r *Renderer) Resuming() {
	fmt.Fprintln(r.w, goodStyle.Render("Resuming existing project"))
}

// Progress prints the completion bar and feature checklist.
func (r *Renderer) Progress(list feature.List) {
	counts := list.Counts()
	if counts.Total == 0 {
		fmt.Fprintln(r.w, dimStyle.Render("Progress: feature list not yet created"))
		return
	}

	pct := float64(counts.Passing) / float64(counts.Total) * 100
	filled := int(pct / 100 * progressBarWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)

	style := dimStyle
	switch {
	case counts.Pending == 0:
		style = goodStyle.Bold(true)
	case pct >= 50:
		style = warnStyle
	}
	fmt.Fprintln(r.w, style.Render(fmt.Sprintf("Progress: %s %d/%d (%.1f%%)", bar, counts.Passing, counts.Total, pct)))
	r.checklist(list)
}

func (r *Renderer) checklist(list feature.List) {
	var pendingShown int
	for _, record := range list {
		if record.Passes {
			fmt.Fprintf(r.w, "  %s %s\n", goodStyle.Render("✓"), r.truncate(record.Description))
			continue
		}
		if pendingShown >= r.pendingLimit {
			continue
		}
		pendingShown++
		fmt.Fprintf(r.w, "  %s %s\n", dimStyle.Render("○"), dimStyle.Render(r.truncate(record.Description)))
	}
	counts := list.Counts()
	if hidden := counts.Pending - pendingShown; hidden > 0 {
		fmt.Fprintln(r.w, dimStyle.Render(fmt.Sprintf("  … %d more pending", hidden)))
	}
}

func (r *Renderer) truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= r.maxDesc {
		return s
	}
	return string(runes[:r.maxDesc-1]) + "…"
}

// SessionResult summarizes one finished session.
func (r *Renderer) SessionResult(record session.Record) {
	switch record.Outcome {
	case session.OutcomeCompleted:
		fmt.Fprintf(r.w, "%s in %s\n", goodStyle.Render("Session completed"), record.Duration.Round(time.Second))
	case session.OutcomeTimedOut:
		fmt.Fprintln(r.w, badStyle.Render(fmt.Sprintf("Session timed out (%s)", record.Detail)))
	case session.OutcomeCanceled:
		fmt.Fprintln(r.w, warnStyle.Render("Session canceled"))
	default:
		fmt.Fprintln(r.w, badStyle.Render(fmt.Sprintf("Session failed (exit %d): %s", record.ExitCode, record.Detail)))
	}
}

// Termination prints the final panel with reason and counts.
func (r *Renderer) Termination(reason string, counts feature.Counts) {
	style := warnStyle
	if counts.Total > 0 && counts.Pending == 0 {
		style = goodStyle
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, panelStyle.Render(style.Bold(true).Render(strings.ToUpper(reason))))
	fmt.Fprintf(r.w, "Features passing: %d/%d\n", counts.Passing, counts.Total)
}

// Warning prints a non-fatal notice.
func (r *Renderer) Warning(message string) {
	fmt.Fprintln(r.w, warnStyle.Render("Warning: "+message))
}

// Error prints an error line.
func (r *Renderer) Error(message string) {
	fmt.Fprintln(r.w, badStyle.Render("Error: "+message))
}
