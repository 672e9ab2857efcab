package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/misty-step/foxglove/internal/config"
	"github.com/misty-step/foxglove/internal/loop"
	"github.com/misty-step/foxglove/internal/session"
	"github.com/misty-step/foxglove/internal/ui"
	"github.com/misty-step/foxglove/internal/vcs"
)

// runOptions are the flags shared by build, resume, and continue. Zero
// values mean "use the config file value".
type runOptions struct {
	Config       string
	Agent        string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	MaxTurns     int
	MaxSessions  int
	Verbose      bool
	NoSnapshot   bool
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringVar(&opts.Config, "config", envDefault("FOX_CONFIG", ""), "Config file (default ~/.config/foxglove/config.yaml)")
	cmd.Flags().StringVar(&opts.Agent, "agent", envDefault("FOX_AGENT", session.DefaultCommand), "Agent CLI executable")
	cmd.Flags().StringVar(&opts.Model, "model", envDefault("FOX_MODEL", ""), "Model passed to the agent (default: agent's own)")
	cmd.Flags().StringVar(&opts.SystemPrompt, "system-prompt", "", "Extra system prompt passed to the agent")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Per-session wall-clock budget (0 = config value)")
	cmd.Flags().IntVar(&opts.MaxTurns, "max-turns", 0, "Agent turn limit per session (0 = config value)")
	cmd.Flags().IntVar(&opts.MaxSessions, "max-sessions", 0, "Session budget for the run (0 = config value)")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Stream agent output instead of the liveness line")
	cmd.Flags().BoolVar(&opts.NoSnapshot, "no-snapshot", false, "Skip git snapshots after sessions")
}

func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// runDeps are the seams commands need stubbed in tests.
type runDeps struct {
	loadConfig     func(path string) (config.Config, error)
	newRunner      func(command string, output io.Writer) session.Runner
	newSnapshotter func(dir string) loop.Snapshotter
	runLoop        func(ctx context.Context, cfg loop.Config) loop.Result
}

func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newRunner: func(command string, output io.Writer) session.Runner {
			return session.NewCLIRunner(command, output)
		},
		newSnapshotter: func(dir string) loop.Snapshotter {
			return vcs.NewGit(dir)
		},
		runLoop: func(ctx context.Context, cfg loop.Config) loop.Result {
			return loop.New(cfg).Run(ctx)
		},
	}
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return config.DefaultPath()
}

// executeRun wires config, UI, runner, and snapshotter into one loop run and
// maps the terminal phase to a process exit code.
func executeRun(cmd *cobra.Command, deps runDeps, opts runOptions, dir, name, task string, hasNewTask bool, appSpec string) error {
	cfg, err := deps.loadConfig(configPath(opts.Config))
	if err != nil {
		return err
	}

	timeout := cfg.Session.Timeout.Std()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxTurns := cfg.Session.MaxTurns
	if opts.MaxTurns > 0 {
		maxTurns = opts.MaxTurns
	}
	maxSessions := cfg.Session.MaxSessions
	if opts.MaxSessions > 0 {
		maxSessions = opts.MaxSessions
	}
	model := cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}

	out := cmd.OutOrStdout()
	renderer := ui.New(out, cfg.UI.PendingDisplayLimit, cfg.UI.DescriptionMaxLength)
	renderer.RunHeader(name, model, maxSessions)

	var snapshotter loop.Snapshotter
	if !opts.NoSnapshot {
		snapshotter = deps.newSnapshotter(dir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := deps.runLoop(ctx, loop.Config{
		ProjectDir:     dir,
		ProjectName:    name,
		Task:           task,
		HasNewTask:     hasNewTask,
		AppSpec:        appSpec,
		Model:          model,
		SystemPrompt:   opts.SystemPrompt,
		AllowedTools:   cfg.Tools.Allowed,
		MaxTurns:       maxTurns,
		SessionTimeout: timeout,
		MaxSessions:    maxSessions,
		Delay:          cfg.Session.Delay.Std(),
		Verbose:        opts.Verbose,
		Runner:         deps.newRunner(opts.Agent, out),
		Snapshotter:    snapshotter,
		UI:             renderer,
	})

	if result.Phase == loop.PhaseCompleted {
		return nil
	}
	err = result.Err
	if err == nil {
		err = errors.New("run " + string(result.Phase) + ": " + result.Reason)
	}
	return &exitError{Code: result.ExitCode(), Err: err}
}

func absProjectDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}
