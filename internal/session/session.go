// Package session wraps a single invocation of the external coding agent:
// argument construction, timeout enforcement, output capture, and exit
// status interpretation. One production runner spawns the real CLI; tests
// script a fake. Whatever the subprocess does to the project directory is
// the orchestrator's business to observe, not this package's.
package session

import (
	"context"
	"errors"
	"time"
)

// Outcome classifies how a session ended.
type Outcome string

const (
	// OutcomeCompleted is a zero exit.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed is a nonzero exit. The run continues; the agent may
	// self-correct next session.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut means the wall-clock budget expired and the process
	// was forcibly terminated. Non-fatal: partial progress may have been
	// saved before the timeout.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeCanceled means an external cancellation arrived mid-session;
	// the process was terminated through the same path as a timeout.
	OutcomeCanceled Outcome = "canceled"
	// OutcomeUnavailable means the agent process could not be launched at
	// all. Fatal to the whole run; retrying cannot fix a missing binary.
	OutcomeUnavailable Outcome = "unavailable"
)

// ErrAgentUnavailable indicates the agent binary could not be spawned.
var ErrAgentUnavailable = errors.New("session: agent unavailable")

// Request describes one session to run.
type Request struct {
	Index        int
	Variant      string
	Instructions string
	WorkDir      string
	Timeout      time.Duration
	MaxTurns     int
	Model        string
	SystemPrompt string
	AllowedTools []string
	Verbose      bool
}

// Record is the ephemeral result of one session. Not persisted beyond logs;
// it only feeds the next loop decision.
type Record struct {
	Index     int           `json:"index"`
	Variant   string        `json:"variant"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration_ns"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"-"`
	Detail    string        `json:"detail,omitempty"`
}

// Runner launches sessions. The error return is non-nil only for conditions
// that must abort the run (spawn failure); failed and timed-out sessions are
// reported through the record alone.
type Runner interface {
	Run(ctx context.Context, req Request) (Record, error)
}
