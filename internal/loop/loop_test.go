package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/misty-step/foxglove/internal/feature"
	"github.com/misty-step/foxglove/internal/prompt"
	"github.com/misty-step/foxglove/internal/session"
	"github.com/misty-step/foxglove/pkg/events"
)

func writeFeatureList(t *testing.T, dir string, list feature.List) {
	t.Helper()
	payload, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal list: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, feature.ListFileName), payload, 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
}

func pendingList(n, passing int) feature.List {
	list := make(feature.List, n)
	for i := range list {
		list[i] = feature.Record{
			Category:    feature.CategoryFunctional,
			Description: fmt.Sprintf("feature %d", i),
			Steps:       []string{"verify"},
			Passes:      i < passing,
		}
	}
	return list
}

// scriptedRunner plays one step per session. Steps mutate the project
// directory the way a real agent session would.
type scriptedRunner struct {
	t        *testing.T
	steps    []func(req session.Request) (session.Record, error)
	requests []session.Request
}

func (r *scriptedRunner) Run(_ context.Context, req session.Request) (session.Record, error) {
	r.requests = append(r.requests, req)
	i := len(r.requests) - 1
	if i >= len(r.steps) {
		r.t.Fatalf("unexpected session %d (only %d scripted)", req.Index, len(r.steps))
	}
	return r.steps[i](req)
}

func completedStep(mutate func(req session.Request)) func(session.Request) (session.Record, error) {
	return func(req session.Request) (session.Record, error) {
		if mutate != nil {
			mutate(req)
		}
		return session.Record{
			Index:     req.Index,
			Variant:   req.Variant,
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
			Outcome:   session.OutcomeCompleted,
			Output:    "agent output",
		}, nil
	}
}

func testConfig(dir string, runner session.Runner) Config {
	return Config{
		ProjectDir:  dir,
		ProjectName: "proj",
		Delay:       time.Millisecond,
		Runner:      runner,
	}
}

func eventKinds(t *testing.T, raw string) []events.Kind {
	t.Helper()
	var kinds []events.Kind
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		event, err := events.UnmarshalEvent([]byte(line))
		if err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		kinds = append(kinds, event.Kind())
	}
	return kinds
}

func TestRunCompletesWhenAllFeaturesPass(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(2, 1)) }),
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(2, 2)) }),
	}}

	var eventBuf bytes.Buffer
	result := New(testConfig(dir, runner), WithEventWriter(&eventBuf)).Run(context.Background())

	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v), want completed", result.Phase, result.Err)
	}
	if result.Reason != ReasonAllPassing {
		t.Fatalf("reason = %q", result.Reason)
	}
	if result.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", result.Sessions)
	}
	if result.Counts.Pending != 0 || result.Counts.Total != 2 {
		t.Fatalf("counts = %+v", result.Counts)
	}
	if result.ExitCode() != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode())
	}

	// Fresh directory: entry is the initializer, then coding forever.
	if runner.requests[0].Variant != string(prompt.VariantInitializer) {
		t.Fatalf("first variant = %q, want initializer", runner.requests[0].Variant)
	}
	if runner.requests[1].Variant != string(prompt.VariantCoding) {
		t.Fatalf("second variant = %q, want coding", runner.requests[1].Variant)
	}

	kinds := eventKinds(t, eventBuf.String())
	if kinds[len(kinds)-1] != events.KindDone {
		t.Fatalf("last event = %q, want done", kinds[len(kinds)-1])
	}
}

func TestRunInitializerMayProduceNoFeaturesYet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(nil), // no feature list written: not yet actionable
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v), want completed", result.Phase, result.Err)
	}
	if result.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", result.Sessions)
	}
}

func TestRunZeroFeatureListIsNotCompletion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, feature.List{}) }),
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v), want completed", result.Phase, result.Err)
	}
	if result.Sessions != 2 {
		t.Fatalf("empty list terminated the run after %d sessions", result.Sessions)
	}
}

func TestRunMaxSessionsBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(3, 0))

	steps := make([]func(session.Request) (session.Record, error), 3)
	for i := range steps {
		steps[i] = completedStep(nil) // never makes progress
	}
	runner := &scriptedRunner{t: t, steps: steps}

	cfg := testConfig(dir, runner)
	cfg.MaxSessions = 3
	result := New(cfg).Run(context.Background())

	if result.Phase != PhaseAborted || result.Reason != ReasonMaxSessions {
		t.Fatalf("result = %+v, want aborted on budget", result)
	}
	if result.Sessions != 3 {
		t.Fatalf("sessions = %d, want 3", result.Sessions)
	}
	if result.ExitCode() != 1 {
		t.Fatalf("exit code = %d, want 1", result.ExitCode())
	}
}

func TestRunEnhancementEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(1, 1))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) {
			writeFeatureList(t, dir, append(pendingList(1, 1), feature.Record{
				Category: feature.CategoryEnhancement, Description: "export csv", Steps: []string{"export"},
			}))
		}),
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(2, 2)) }),
	}}

	cfg := testConfig(dir, runner)
	cfg.Task = "add csv export"
	cfg.HasNewTask = true
	result := New(cfg).Run(context.Background())

	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}
	if runner.requests[0].Variant != string(prompt.VariantEnhancement) {
		t.Fatalf("first variant = %q, want enhancement", runner.requests[0].Variant)
	}
	if !strings.Contains(runner.requests[0].Instructions, "add csv export") {
		t.Fatal("task text missing from enhancement instructions")
	}
}

func TestRunAdoptionEntryForExistingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print()"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}
	if runner.requests[0].Variant != string(prompt.VariantAdoption) {
		t.Fatalf("variant = %q, want adoption", runner.requests[0].Variant)
	}
}

func TestRunInvalidRequestTaskWithoutFeatureList(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{t: t}
	cfg := testConfig(t.TempDir(), runner)
	cfg.Task = "add things"
	cfg.HasNewTask = true

	result := New(cfg).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonInvalidRequest {
		t.Fatalf("result = %+v, want invalid request abort", result)
	}
	if !errors.Is(result.Err, prompt.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", result.Err)
	}
	if len(runner.requests) != 0 {
		t.Fatalf("runner called %d times before validation", len(runner.requests))
	}
}

func TestRunAbortsOnMalformedList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) {
			if err := os.WriteFile(filepath.Join(dir, feature.ListFileName), []byte(`{"oops`), 0o644); err != nil {
				t.Fatalf("write list: %v", err)
			}
		}),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonMalformedState {
		t.Fatalf("result = %+v, want malformed abort", result)
	}
	if !errors.Is(result.Err, feature.ErrMalformedState) {
		t.Fatalf("err = %v, want ErrMalformedState", result.Err)
	}
}

func TestRunAbortsOnRecordRemoval(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(2, 0))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 0)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonMalformedState {
		t.Fatalf("result = %+v, want malformed abort", result)
	}
	if !strings.Contains(result.Err.Error(), "removed") {
		t.Fatalf("err = %v, want record removal", result.Err)
	}
}

func TestRunAbortsOnPassesRegression(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(2, 1))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(2, 0)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonMalformedState {
		t.Fatalf("result = %+v, want malformed abort", result)
	}
	if !strings.Contains(result.Err.Error(), "regressed") {
		t.Fatalf("err = %v, want passes regression", result.Err)
	}
}

func TestRunAbortsWhenFeatureListDisappears(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(1, 0))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) {
			if err := os.Remove(filepath.Join(dir, feature.ListFileName)); err != nil {
				t.Fatalf("remove list: %v", err)
			}
		}),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonMalformedState {
		t.Fatalf("result = %+v, want malformed abort", result)
	}
	if !strings.Contains(result.Err.Error(), "disappeared") {
		t.Fatalf("err = %v, want disappeared", result.Err)
	}
}

func TestRunAbortsWhenAgentUnavailable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		func(req session.Request) (session.Record, error) {
			return session.Record{Index: req.Index, Variant: req.Variant, Outcome: session.OutcomeUnavailable},
				fmt.Errorf("%w: claude not found in PATH", session.ErrAgentUnavailable)
		},
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseAborted || result.Reason != ReasonUnavailable {
		t.Fatalf("result = %+v, want unavailable abort", result)
	}
	if !errors.Is(result.Err, session.ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", result.Err)
	}
	if result.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", result.Sessions)
	}
}

func TestRunFailedSessionContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(1, 0))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		func(req session.Request) (session.Record, error) {
			return session.Record{Index: req.Index, Variant: req.Variant, Outcome: session.OutcomeFailed, ExitCode: 2, Detail: "boom"}, nil
		},
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v), want completed despite failed session", result.Phase, result.Err)
	}
	if result.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", result.Sessions)
	}
}

func TestRunPausesOnCanceledSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(1, 0))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		func(req session.Request) (session.Record, error) {
			return session.Record{Index: req.Index, Variant: req.Variant, Outcome: session.OutcomeCanceled}, nil
		},
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhasePaused || result.Reason != ReasonInterrupted {
		t.Fatalf("result = %+v, want paused", result)
	}
	if result.ExitCode() != 130 {
		t.Fatalf("exit code = %d, want 130", result.ExitCode())
	}
}

func TestRunPausesAtIterationBoundary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(2, 0))

	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) {
			writeFeatureList(t, dir, pendingList(2, 1))
			cancel() // arrives while no session is in flight
		}),
	}}

	result := New(testConfig(dir, runner)).Run(ctx)
	if result.Phase != PhasePaused || result.Reason != ReasonInterrupted {
		t.Fatalf("result = %+v, want paused at boundary", result)
	}
	if result.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", result.Sessions)
	}
}

func TestRunResumeFullyPassingTerminatesWithoutSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(12, 12))

	// Zero scripted steps: any launched session fails the test.
	runner := &scriptedRunner{t: t}
	result := New(testConfig(dir, runner)).Run(context.Background())

	if result.Phase != PhaseCompleted || result.Reason != ReasonAllPassing {
		t.Fatalf("result = %+v, want immediate completion", result)
	}
	if result.Sessions != 0 {
		t.Fatalf("sessions = %d, want 0", result.Sessions)
	}
	if result.Counts.Total != 12 || result.Counts.Pending != 0 {
		t.Fatalf("counts = %+v", result.Counts)
	}
}

func TestRunEnhancementEntryRunsDespiteAllPassing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(2, 2))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) {
			writeFeatureList(t, dir, append(pendingList(2, 2), feature.Record{
				Category: feature.CategoryEnhancement, Description: "new thing", Steps: []string{"check"},
			}))
		}),
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(3, 3)) }),
	}}

	cfg := testConfig(dir, runner)
	cfg.Task = "new thing"
	cfg.HasNewTask = true
	result := New(cfg).Run(context.Background())

	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}
	// The all-passing list must not short-circuit the enhancement session
	// that appends the new task's records.
	if result.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", result.Sessions)
	}
}

func TestRunAbortsWhenProjectUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory where the feature list should be is a read failure, not
	// an invariant violation.
	if err := os.Mkdir(filepath.Join(dir, feature.ListFileName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	runner := &scriptedRunner{t: t}
	result := New(testConfig(dir, runner)).Run(context.Background())

	if result.Phase != PhaseAborted || result.Reason != ReasonUnreadable {
		t.Fatalf("result = %+v, want unreadable abort", result)
	}
	if errors.Is(result.Err, feature.ErrMalformedState) {
		t.Fatalf("err = %v, must not be classified as malformed state", result.Err)
	}
	if len(runner.requests) != 0 {
		t.Fatalf("runner called %d times on unreadable state", len(runner.requests))
	}
}

func TestRunResumeIsStateless(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(3, 2))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(3, 3)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}
	// Existing list without a new task resumes straight into coding.
	if runner.requests[0].Variant != string(prompt.VariantCoding) {
		t.Fatalf("variant = %q, want coding", runner.requests[0].Variant)
	}
}

func TestRunWritesRuntimeArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	result := New(testConfig(dir, runner)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}

	paths := DefaultRuntimePaths(dir)
	sessionLog, err := os.ReadFile(paths.SessionLog)
	if err != nil {
		t.Fatalf("read sessions log: %v", err)
	}
	var record session.Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(sessionLog))), &record); err != nil {
		t.Fatalf("sessions log line: %v", err)
	}
	if record.Outcome != session.OutcomeCompleted {
		t.Fatalf("logged outcome = %q", record.Outcome)
	}

	agentLog, err := os.ReadFile(paths.AgentLog)
	if err != nil {
		t.Fatalf("read agent log: %v", err)
	}
	if !strings.Contains(string(agentLog), "agent output") {
		t.Fatalf("agent log = %q", agentLog)
	}

	progressLog, err := os.ReadFile(filepath.Join(dir, feature.ProgressLogName))
	if err != nil {
		t.Fatalf("read progress log: %v", err)
	}
	if !strings.Contains(string(progressLog), "1/1 passing") {
		t.Fatalf("progress log = %q", progressLog)
	}

	if _, err := os.Stat(paths.EventLog); err != nil {
		t.Fatalf("event log missing: %v", err)
	}
}

func TestRunWritesAppSpecForInitializer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	cfg := testConfig(dir, runner)
	cfg.AppSpec = "# My App\nbuild a notes app"
	result := New(cfg).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, prompt.SpecFileName))
	if err != nil {
		t.Fatalf("read app spec: %v", err)
	}
	if !strings.Contains(string(raw), "notes app") {
		t.Fatalf("app spec = %q", raw)
	}
}

type fakeSnapshotter struct {
	calls int
	err   error
}

func (f *fakeSnapshotter) Snapshot(context.Context, string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "abc123", nil
}

func TestRunSnapshotsAfterEachProgressCheck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(2, 1))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(2, 2)) }),
	}}

	snap := &fakeSnapshotter{}
	cfg := testConfig(dir, runner)
	cfg.Snapshotter = snap

	var eventBuf bytes.Buffer
	result := New(cfg, WithEventWriter(&eventBuf)).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v)", result.Phase, result.Err)
	}
	if snap.calls != 1 {
		t.Fatalf("snapshot calls = %d, want 1", snap.calls)
	}

	var sawSnapshot bool
	for _, kind := range eventKinds(t, eventBuf.String()) {
		if kind == events.KindSnapshot {
			sawSnapshot = true
		}
	}
	if !sawSnapshot {
		t.Fatal("no snapshot event emitted")
	}
}

func TestRunSnapshotFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeatureList(t, dir, pendingList(1, 0))

	runner := &scriptedRunner{t: t, steps: []func(session.Request) (session.Record, error){
		completedStep(func(session.Request) { writeFeatureList(t, dir, pendingList(1, 1)) }),
	}}

	cfg := testConfig(dir, runner)
	cfg.Snapshotter = &fakeSnapshotter{err: errors.New("git exploded")}

	result := New(cfg).Run(context.Background())
	if result.Phase != PhaseCompleted {
		t.Fatalf("phase = %q (err %v), snapshot failure must not abort", result.Phase, result.Err)
	}
}

func TestResultExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		phase Phase
		want  int
	}{
		{PhaseCompleted, 0},
		{PhasePaused, 130},
		{PhaseAborted, 1},
		{PhaseRunning, 1},
	}
	for _, tc := range cases {
		if got := (Result{Phase: tc.phase}).ExitCode(); got != tc.want {
			t.Fatalf("ExitCode(%q) = %d, want %d", tc.phase, got, tc.want)
		}
	}
}
