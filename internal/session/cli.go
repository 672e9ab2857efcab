package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCommand is the agent executable resolved from PATH.
	DefaultCommand = "claude"
	// DefaultGrace is how long a terminated process gets between SIGTERM
	// and SIGKILL.
	DefaultGrace = 10 * time.Second
	// maxCaptureBytes bounds the combined output retained per session.
	maxCaptureBytes = 256 * 1024
	// detailBytes bounds the stderr excerpt carried in the record.
	detailBytes = 2 * 1024
)

// CLIRunner runs sessions as real agent subprocesses.
type CLIRunner struct {
	Command string
	Grace   time.Duration
	Output  io.Writer // live output in verbose mode, liveness line otherwise

	now    func() time.Time
	launch func(command string, args []string, dir string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error)
}

// NewCLIRunner builds a runner with production defaults.
func NewCLIRunner(command string, output io.Writer) *CLIRunner {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	return &CLIRunner{
		Command: command,
		Grace:   DefaultGrace,
		Output:  output,
		now:     time.Now,
		launch:  launchProcess,
	}
}

// BuildArgs constructs the agent command line for a request.
func BuildArgs(req Request) []string {
	args := []string{
		"--print",
		"--dangerously-skip-permissions",
		"-p", req.Instructions,
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		args = append(args, "--model", model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		args = append(args, "--system-prompt", sp)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// Run launches one agent session and supervises it to completion. The
// returned error is non-nil only when the process could not be spawned.
func (r *CLIRunner) Run(ctx context.Context, req Request) (Record, error) {
	record := Record{
		Index:     req.Index,
		Variant:   req.Variant,
		StartedAt: r.now().UTC(),
	}

	if _, err := exec.LookPath(r.Command); err != nil {
		record.Outcome = OutcomeUnavailable
		record.Detail = err.Error()
		record.EndedAt = r.now().UTC()
		return record, fmt.Errorf("%w: %s not found in PATH: %v", ErrAgentUnavailable, r.Command, err)
	}

	cmd, stdout, stderr, err := r.launch(r.Command, BuildArgs(req), req.WorkDir)
	if err != nil {
		record.Outcome = OutcomeUnavailable
		record.Detail = err.Error()
		record.EndedAt = r.now().UTC()
		return record, fmt.Errorf("%w: spawn %s: %v", ErrAgentUnavailable, r.Command, err)
	}

	capture := newBoundedBuffer(maxCaptureBytes)
	stderrTail := newBoundedBuffer(detailBytes)

	var streams sync.WaitGroup
	streams.Add(2)
	go r.consume(stdout, capture, nil, req.Verbose, &streams)
	go r.consume(stderr, capture, stderrTail, req.Verbose, &streams)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var liveness *livenessTicker
	if !req.Verbose && r.Output != nil {
		liveness = startLiveness(r.Output, req.Index, r.now)
	}

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
		record.Outcome = OutcomeCompleted
	case <-timeoutCh:
		waitErr = r.terminate(cmd, waitCh)
		record.Outcome = OutcomeTimedOut
		record.Detail = fmt.Sprintf("exceeded %s session timeout", req.Timeout)
	case <-ctx.Done():
		waitErr = r.terminate(cmd, waitCh)
		record.Outcome = OutcomeCanceled
		record.Detail = "canceled: " + ctx.Err().Error()
	}

	streams.Wait()
	if liveness != nil {
		liveness.stop()
	}

	record.EndedAt = r.now().UTC()
	record.Duration = record.EndedAt.Sub(record.StartedAt)
	record.Output = capture.String()
	record.ExitCode = cmd.ProcessState.ExitCode()

	if record.Outcome == OutcomeCompleted && waitErr != nil {
		record.Outcome = OutcomeFailed
		if tail := stderrTail.String(); tail != "" {
			record.Detail = tail
		} else {
			record.Detail = waitErr.Error()
		}
	}
	return record, nil
}

// terminate sends SIGTERM to the process group, waits out the grace period,
// then SIGKILLs. Guarantees the subprocess is never left as an orphaned
// writer to the project directory.
func (r *CLIRunner) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	if cmd.Process == nil {
		return <-waitCh
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = cmd.Process.Kill()
		return <-waitCh
	}
}

func (r *CLIRunner) consume(reader io.ReadCloser, capture, tail *boundedBuffer, verbose bool, wg *sync.WaitGroup) {
	defer wg.Done()
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		capture.WriteLine(line)
		if tail != nil {
			tail.WriteLine(line)
		}
		if verbose && r.Output != nil {
			_, _ = fmt.Fprintln(r.Output, line)
		}
	}
}

func launchProcess(command string, args []string, dir string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(command, args...)
	if strings.TrimSpace(dir) != "" {
		cmd.Dir = dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

// boundedBuffer keeps the most recent bytes written, dropping the oldest
// once the cap is exceeded.
type boundedBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}

// livenessTicker prints a single updating line so a quiet session is
// distinguishable from a hung one. Presentation only.
type livenessTicker struct {
	done chan struct{}
	wg   sync.WaitGroup
}

func startLiveness(w io.Writer, index int, now func() time.Time) *livenessTicker {
	l := &livenessTicker{done: make(chan struct{})}
	start := now()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				_, _ = fmt.Fprint(w, "\r\033[K")
				return
			case <-ticker.C:
				elapsed := now().Sub(start).Round(time.Second)
				_, _ = fmt.Fprintf(w, "\r  session %d running... %s", index, elapsed)
			}
		}
	}()
	return l
}

func (l *livenessTicker) stop() {
	close(l.done)
	l.wg.Wait()
}
