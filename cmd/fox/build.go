package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/misty-step/foxglove/internal/naming"
	"github.com/misty-step/foxglove/internal/prompt"
)

type buildOptions struct {
	runOptions
	Output   string
	Name     string
	Features int
}

type buildDeps struct {
	runDeps
	suggestName func(ctx context.Context, agent, description string) string
}

func defaultBuildDeps() buildDeps {
	return buildDeps{
		runDeps: defaultRunDeps(),
		suggestName: func(ctx context.Context, agent, description string) string {
			return naming.NewSuggester(agent).Suggest(ctx, description)
		},
	}
}

func newBuildCmd() *cobra.Command {
	return newBuildCmdWithDeps(defaultBuildDeps())
}

func newBuildCmdWithDeps(deps buildDeps) *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build <description|spec-file>",
		Short: "Build an application from a description or spec file",
		Long: `Build an application by looping an autonomous coding agent until every
feature in the project's feature list passes.

The argument is either an inline description ("a todo app with tags") or a
path to a markdown spec file. Inline descriptions are expanded into a
generated app spec, which is written to app_spec.md in the project
directory for the first session to read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, description, fromFile, err := resolveSpec(args[0], opts.Features)
			if err != nil {
				return err
			}

			name := strings.TrimSpace(opts.Name)
			if name == "" {
				if fromFile {
					base := filepath.Base(args[0])
					name = naming.Sanitize(strings.TrimSuffix(base, filepath.Ext(base)))
				} else {
					nameCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
					defer cancel()
					name = deps.suggestName(nameCtx, opts.Agent, description)
				}
			}

			dir := opts.Output
			if dir == "" {
				dir = name
			}
			dir, err = absProjectDir(dir)
			if err != nil {
				return err
			}

			return executeRun(cmd, deps.runDeps, opts.runOptions, dir, name, "", false, spec)
		},
	}

	addRunFlags(cmd, &opts.runOptions)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Project directory (default ./<name>)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Project name (default: suggested from the description)")
	cmd.Flags().IntVar(&opts.Features, "features", 0, "Approximate feature count target for generated specs")

	return cmd
}

// resolveSpec turns the build argument into app-spec content. A path to a
// readable file is used verbatim; anything else is treated as an inline
// description and wrapped into a generated spec document.
func resolveSpec(arg string, featureCount int) (spec, description string, fromFile bool, err error) {
	if info, statErr := os.Stat(arg); statErr == nil && !info.IsDir() {
		raw, readErr := os.ReadFile(arg)
		if readErr != nil {
			return "", "", false, fmt.Errorf("read spec file %s: %w", arg, readErr)
		}
		return string(raw), string(raw), true, nil
	}

	description = strings.TrimSpace(arg)
	if description == "" {
		return "", "", false, fmt.Errorf("description must not be empty")
	}
	return prompt.BuildAppSpec(description, featureCount), description, false, nil
}
