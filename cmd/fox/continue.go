package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newContinueCmd() *cobra.Command {
	return newContinueCmdWithDeps(defaultRunDeps())
}

func newContinueCmdWithDeps(deps runDeps) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "continue <project-dir> <task>",
		Short: "Add a new task to an existing project",
		Long: `Continue an existing project with a new task. The first session appends
feature records for the task to the project's feature list; subsequent
sessions work the pending features down as usual. Requires a project that
already has a feature list.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := absProjectDir(args[0])
			if err != nil {
				return err
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("project directory %s does not exist", dir)
			}

			return executeRun(cmd, deps, opts, dir, filepath.Base(dir), args[1], true, "")
		},
	}

	addRunFlags(cmd, &opts)
	return cmd
}
