package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return newResumeCmdWithDeps(defaultRunDeps())
}

func newResumeCmdWithDeps(deps runDeps) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "resume <project-dir>",
		Short: "Resume working through a project's pending features",
		Long: `Resume a project from whatever state its directory holds. All run state
lives on disk, so a paused or interrupted run continues exactly where it
left off. A directory with source but no feature list gets an adoption
session first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := absProjectDir(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("project directory %s: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}

			return executeRun(cmd, deps, opts, dir, filepath.Base(dir), "", false, "")
		},
	}

	addRunFlags(cmd, &opts)
	return cmd
}
