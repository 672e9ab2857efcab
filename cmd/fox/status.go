package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/misty-step/foxglove/internal/feature"
	"github.com/misty-step/foxglove/internal/loop"
	"github.com/misty-step/foxglove/internal/ui"
	"github.com/misty-step/foxglove/pkg/events"
)

type statusReport struct {
	Project     string `json:"project"`
	Total       int    `json:"total"`
	Passing     int    `json:"passing"`
	Pending     int    `json:"pending"`
	NextPending string `json:"next_pending,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var (
		format     string
		eventsKind string
	)

	cmd := &cobra.Command{
		Use:   "status <project-dir>",
		Short: "Show feature progress for a project",
		Long: `Show feature progress for a project without running any sessions.
Read-only: reports passing/pending counts and the next pending feature.

Use --format=json for machine-readable output, or --events=<kind> to dump
matching run events (session, progress, snapshot, done, error) from the
project's event log instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if format != "text" && format != "json" {
				return errors.New("--format must be json or text")
			}

			dir, err := absProjectDir(args[0])
			if err != nil {
				return err
			}

			if eventsKind != "" {
				kind, err := events.ParseKind(eventsKind)
				if err != nil {
					return err
				}
				return dumpEvents(cmd.OutOrStdout(), loop.DefaultRuntimePaths(dir).EventLog, kind)
			}
			store := feature.NewStore(dir)
			list, err := store.Load()
			if err != nil {
				if errors.Is(err, feature.ErrNotFound) {
					return fmt.Errorf("no feature list in %s; run fox build or fox resume first", dir)
				}
				return err
			}

			if format == "json" {
				report := statusReport{
					Project: filepath.Base(dir),
					Total:   list.Counts().Total,
					Passing: list.Counts().Passing,
					Pending: list.Counts().Pending,
				}
				if next, ok := list.NextPending(); ok {
					report.NextPending = next.Description
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}

			renderer := ui.New(cmd.OutOrStdout(), 0, 0)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", filepath.Base(dir))
			renderer.Progress(list)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().StringVar(&eventsKind, "events", "", "Print run events of this kind from the event log")
	return cmd
}

// dumpEvents streams matching JSONL event lines from the run's event log.
// Lines that do not decode are skipped rather than failing the whole dump;
// the log is append-only and a torn final line is possible after a crash.
func dumpEvents(w io.Writer, path string, kind events.Kind) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no event log at %s; has a run happened here?", path)
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		event, err := events.UnmarshalEvent(scanner.Bytes())
		if err != nil {
			continue
		}
		if event.Kind() != kind {
			continue
		}
		if _, err := fmt.Fprintln(w, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
