// Package loop drives the session orchestration state machine: select the
// entry prompt once, run agent sessions one at a time, re-read feature state
// after each, and decide continue or stop. Strictly sequential: session N+1
// never starts before session N's record is finalized and the feature list
// has been re-read, which is what makes the append-only invariant
// enforceable.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/misty-step/foxglove/internal/feature"
	"github.com/misty-step/foxglove/internal/prompt"
	"github.com/misty-step/foxglove/internal/session"
	"github.com/misty-step/foxglove/internal/ui"
	"github.com/misty-step/foxglove/pkg/events"
)

// DefaultDelay separates consecutive sessions: avoids hammering the process
// launcher and lets the prior session's writes settle before re-reading.
const DefaultDelay = 3 * time.Second

// Phase reports where the orchestrator state machine ended up.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhasePaused    Phase = "paused"
	PhaseAborted   Phase = "aborted"
)

// Termination reasons surfaced in results, events, and the progress log.
const (
	ReasonAllPassing     = "all features passing"
	ReasonMaxSessions    = "max sessions budget exhausted"
	ReasonInterrupted    = "interrupted"
	ReasonUnavailable    = "agent unavailable"
	ReasonMalformedState = "malformed feature state"
	ReasonInvalidRequest = "invalid request"
	ReasonUnreadable     = "project state unreadable"
)

// Snapshotter takes a best-effort version-control snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, message string) (string, error)
}

// Config parameterizes one orchestration run. The project context is passed
// explicitly so independent runs can share a process without interference.
type Config struct {
	ProjectDir  string
	ProjectName string

	// Task is the new task text for enhancement runs; HasNewTask
	// distinguishes "no task" from "empty task", which is invalid.
	Task       string
	HasNewTask bool

	// AppSpec is written into a fresh project for the initializer to read.
	AppSpec string

	Model          string
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	SessionTimeout time.Duration
	MaxSessions    int // 0 = unlimited
	Delay          time.Duration
	Verbose        bool

	Runner      session.Runner
	Snapshotter Snapshotter
	UI          *ui.Renderer
}

// Result is the terminal state of a run.
type Result struct {
	Phase    Phase
	Reason   string
	Variant  prompt.Variant
	Sessions int
	Counts   feature.Counts
	Err      error
}

// ExitCode maps the terminal phase to a process exit status.
func (r Result) ExitCode() int {
	switch r.Phase {
	case PhaseCompleted:
		return 0
	case PhasePaused:
		return 130
	default:
		return 1
	}
}

// RuntimePaths locates run artifacts under the project's .fox directory.
type RuntimePaths struct {
	EventLog   string
	SessionLog string
	AgentLog   string
}

const runtimeDirName = ".fox"

// DefaultRuntimePaths returns runtime file locations rooted in projectDir.
func DefaultRuntimePaths(projectDir string) RuntimePaths {
	runtimeDir := filepath.Join(projectDir, runtimeDirName)
	return RuntimePaths{
		EventLog:   filepath.Join(runtimeDir, "events.jsonl"),
		SessionLog: filepath.Join(runtimeDir, "sessions.jsonl"),
		AgentLog:   filepath.Join(runtimeDir, "agent.log"),
	}
}

// Orchestrator is the top-level session loop.
type Orchestrator struct {
	cfg   Config
	store feature.Store
	paths RuntimePaths

	now         func() time.Time
	eventWriter io.Writer // overrides the event log file when set (tests)

	emitter *events.Emitter
}

// Option customizes orchestrator dependencies, primarily for tests.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEventWriter sends events to w instead of the on-disk event log.
func WithEventWriter(w io.Writer) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.eventWriter = w
		}
	}
}

// New builds an orchestrator for one project run.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.ProjectName == "" {
		cfg.ProjectName = filepath.Base(cfg.ProjectDir)
	}
	if cfg.UI == nil {
		cfg.UI = ui.New(io.Discard, 0, 0)
	}

	o := &Orchestrator{
		cfg:   cfg,
		store: feature.NewStore(cfg.ProjectDir),
		paths: DefaultRuntimePaths(cfg.ProjectDir),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run executes the session loop until a terminal phase is reached. The
// context is the cancellation signal: honored between sessions, and
// translated into graceful subprocess termination when it fires mid-session.
func (o *Orchestrator) Run(ctx context.Context) Result {
	if o.cfg.Runner == nil {
		return Result{Phase: PhaseAborted, Reason: ReasonInvalidRequest, Err: errors.New("loop: session runner is required")}
	}

	if err := os.MkdirAll(filepath.Join(o.cfg.ProjectDir, runtimeDirName), 0o755); err != nil {
		return Result{Phase: PhaseAborted, Reason: ReasonInvalidRequest, Err: fmt.Errorf("create project directory: %w", err)}
	}

	eventWriter := o.eventWriter
	var eventFile *os.File
	if eventWriter == nil {
		file, err := os.OpenFile(o.paths.EventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return Result{Phase: PhaseAborted, Reason: ReasonInvalidRequest, Err: fmt.Errorf("open event log: %w", err)}
		}
		eventFile = file
		eventWriter = file
	}
	if eventFile != nil {
		defer eventFile.Close()
	}
	emitter, err := events.NewEmitter(eventWriter)
	if err != nil {
		return Result{Phase: PhaseAborted, Reason: ReasonInvalidRequest, Err: err}
	}
	o.emitter = emitter

	// Init: compute project state and fix the entry variant, once.
	state, err := feature.ProbeState(o.cfg.ProjectDir)
	if err != nil {
		return o.abortLoad(Result{Sessions: 0}, err)
	}

	entry, err := prompt.Select(state, o.cfg.HasNewTask, o.cfg.Task)
	if err != nil {
		o.emitError("invalid_request", err)
		o.cfg.UI.Error(err.Error())
		return Result{Phase: PhaseAborted, Reason: ReasonInvalidRequest, Err: err}
	}

	result := Result{Phase: PhaseRunning, Variant: entry}

	if entry == prompt.VariantInitializer && o.cfg.AppSpec != "" {
		if err := prompt.WriteSpec(o.cfg.ProjectDir, o.cfg.AppSpec); err != nil {
			result.Phase = PhaseAborted
			result.Reason = ReasonInvalidRequest
			result.Err = err
			return result
		}
	}

	var previous feature.List
	if state.HasFeatureList {
		previous, err = o.store.Load()
		if err != nil {
			return o.abortLoad(result, err)
		}
		o.cfg.UI.Resuming()
		o.cfg.UI.Progress(previous)
	} else {
		o.cfg.UI.NewProjectNotice()
	}
	result.Counts = previous.Counts()

	for iteration := 1; ; iteration++ {
		// Continuation predicate, checked before any session is launched: a
		// project whose features all pass is done, with one exception: an
		// enhancement entry session must still run so it can append records
		// for the new task.
		if result.Counts.Total > 0 && result.Counts.Pending == 0 &&
			!(iteration == 1 && entry.InitializerClass()) {
			return o.finish(result, PhaseCompleted, ReasonAllPassing)
		}
		if o.cfg.MaxSessions > 0 && iteration > o.cfg.MaxSessions {
			result.Err = fmt.Errorf("loop: max sessions budget (%d) exhausted with %d features pending", o.cfg.MaxSessions, result.Counts.Pending)
			return o.finish(result, PhaseAborted, ReasonMaxSessions)
		}

		variant := prompt.VariantCoding
		if iteration == 1 {
			variant = entry
		}
		instructions, err := prompt.Build(variant, o.cfg.Task)
		if err != nil {
			result.Err = err
			return o.finish(result, PhaseAborted, ReasonInvalidRequest)
		}

		o.cfg.UI.SessionBanner(iteration, string(variant))

		record, runErr := o.cfg.Runner.Run(ctx, session.Request{
			Index:        iteration,
			Variant:      string(variant),
			Instructions: instructions,
			WorkDir:      o.cfg.ProjectDir,
			Timeout:      o.cfg.SessionTimeout,
			MaxTurns:     o.cfg.MaxTurns,
			Model:        o.cfg.Model,
			SystemPrompt: o.cfg.SystemPrompt,
			AllowedTools: o.cfg.AllowedTools,
			Verbose:      o.cfg.Verbose,
		})
		result.Sessions = iteration
		o.recordSession(record)
		o.cfg.UI.SessionResult(record)

		if runErr != nil {
			// Spawn failure: retrying cannot fix a missing binary or auth.
			o.emitError("agent_unavailable", runErr)
			result.Err = runErr
			return o.finish(result, PhaseAborted, ReasonUnavailable)
		}
		if record.Outcome == session.OutcomeCanceled {
			return o.finish(result, PhasePaused, ReasonInterrupted)
		}

		// Settle before re-reading: the session's writes may still be
		// landing.
		if !sleepOrDone(ctx, o.cfg.Delay) {
			return o.finish(result, PhasePaused, ReasonInterrupted)
		}

		list, err := o.store.Load()
		switch {
		case errors.Is(err, feature.ErrNotFound):
			if previous != nil {
				return o.abortMalformed(result, &feature.MalformedStateError{
					Path:   o.store.Path(),
					Index:  -1,
					Reason: "feature list disappeared",
				})
			}
			// Initializer-class session produced no feature list yet:
			// not yet actionable, keep going.
			o.cfg.UI.Progress(nil)
			continue
		case err != nil:
			return o.abortLoad(result, err)
		}
		if err := feature.ValidateSuccessor(o.store.Path(), previous, list); err != nil {
			return o.abortMalformed(result, err)
		}
		previous = list
		result.Counts = list.Counts()

		_ = o.emitter.Emit(&events.ProgressEvent{
			Meta:    o.meta(events.KindProgress),
			Total:   result.Counts.Total,
			Passing: result.Counts.Passing,
			Pending: result.Counts.Pending,
		})
		o.cfg.UI.Progress(list)
		o.logProgress(iteration, variant, record, result.Counts)
		o.snapshot(ctx, iteration, variant)

		if result.Counts.Total > 0 && result.Counts.Pending == 0 {
			return o.finish(result, PhaseCompleted, ReasonAllPassing)
		}
		if ctx.Err() != nil {
			return o.finish(result, PhasePaused, ReasonInterrupted)
		}
	}
}

func (o *Orchestrator) finish(result Result, phase Phase, reason string) Result {
	result.Phase = phase
	result.Reason = reason
	_ = o.emitter.Emit(&events.DoneEvent{
		Meta:    o.meta(events.KindDone),
		Reason:  reason,
		Total:   result.Counts.Total,
		Passing: result.Counts.Passing,
	})
	o.cfg.UI.Termination(reason, result.Counts)
	return result
}

// abortLoad classifies a feature-state read failure: invariant violations
// are malformed state, anything else (unreadable directory, I/O error) gets
// its own diagnostic so the two are never conflated.
func (o *Orchestrator) abortLoad(result Result, err error) Result {
	if errors.Is(err, feature.ErrMalformedState) {
		return o.abortMalformed(result, err)
	}
	o.emitError("project_unreadable", err)
	o.cfg.UI.Error(err.Error())
	result.Phase = PhaseAborted
	result.Reason = ReasonUnreadable
	result.Err = err
	return result
}

func (o *Orchestrator) abortMalformed(result Result, err error) Result {
	o.emitError("malformed_state", err)
	o.cfg.UI.Error(err.Error())
	result.Phase = PhaseAborted
	result.Reason = ReasonMalformedState
	result.Err = err
	return result
}

func (o *Orchestrator) emitError(code string, err error) {
	if o.emitter == nil {
		return
	}
	_ = o.emitter.Emit(&events.ErrorEvent{
		Meta:    o.meta(events.KindError),
		Code:    code,
		Message: err.Error(),
	})
}

func (o *Orchestrator) meta(kind events.Kind) events.Meta {
	return events.Meta{TS: o.now().UTC(), ProjectName: o.cfg.ProjectName, EventKind: kind}
}

// recordSession appends the session record to sessions.jsonl, its captured
// output to agent.log, and emits a session event. Logging failures are not
// worth aborting a run over.
func (o *Orchestrator) recordSession(record session.Record) {
	_ = o.emitter.Emit(&events.SessionEvent{
		Meta:       o.meta(events.KindSession),
		Index:      record.Index,
		Variant:    record.Variant,
		Outcome:    string(record.Outcome),
		ExitCode:   record.ExitCode,
		DurationMs: record.Duration.Milliseconds(),
		Detail:     record.Detail,
	})

	if payload, err := json.Marshal(record); err == nil {
		_ = appendLine(o.paths.SessionLog, string(payload))
	}
	if record.Output != "" {
		header := fmt.Sprintf("===== session %d (%s) %s =====", record.Index, record.Variant, record.StartedAt.Format(time.RFC3339))
		_ = appendLine(o.paths.AgentLog, header+"\n"+record.Output)
	}
}

func (o *Orchestrator) logProgress(iteration int, variant prompt.Variant, record session.Record, counts feature.Counts) {
	line := fmt.Sprintf("[%s] session %d (%s): %s, %d/%d passing",
		o.now().UTC().Format(time.RFC3339), iteration, variant, record.Outcome,
		counts.Passing, counts.Total)
	if err := o.store.AppendProgressLog(line); err != nil {
		o.cfg.UI.Warning(err.Error())
	}
}

// snapshot records a best-effort version-control snapshot. Failure is
// logged, never fatal.
func (o *Orchestrator) snapshot(ctx context.Context, iteration int, variant prompt.Variant) {
	if o.cfg.Snapshotter == nil {
		return
	}
	message := fmt.Sprintf("fox: session %d (%s)", iteration, variant)
	commit, err := o.cfg.Snapshotter.Snapshot(ctx, message)
	if err != nil {
		o.cfg.UI.Warning("snapshot failed: " + err.Error())
		_ = o.emitter.Emit(&events.SnapshotEvent{
			Meta:   o.meta(events.KindSnapshot),
			Failed: true,
			Detail: err.Error(),
		})
		return
	}
	_ = o.emitter.Emit(&events.SnapshotEvent{
		Meta:   o.meta(events.KindSnapshot),
		Commit: commit,
	})
}

func appendLine(path, line string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = fmt.Fprintln(file, line)
	return err
}

func sleepOrDone(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return true
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
