package feature

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ProjectState is the derived completion summary used to drive orchestration
// decisions. Recomputed fresh from disk each time, never cached.
type ProjectState struct {
	Counts
	HasFeatureList bool
	HasSource      bool
}

// artifactNames are entries ProbeState ignores when deciding whether a
// project directory holds a pre-existing source tree.
var artifactNames = map[string]struct{}{
	ListFileName:    {},
	ProgressLogName: {},
	"app_spec.md":   {},
	".fox":          {},
	".git":          {},
	".DS_Store":     {},
}

// ProbeState computes the current project state from the feature list and
// filesystem probes. A missing project directory or missing feature list is
// a valid empty state; a malformed feature list is an error.
func ProbeState(dir string) (ProjectState, error) {
	store := NewStore(dir)
	state := ProjectState{}

	list, err := store.Load()
	switch {
	case err == nil:
		state.HasFeatureList = true
		state.Counts = list.Counts()
	case errors.Is(err, ErrNotFound):
		// fresh project
	default:
		return ProjectState{}, err
	}

	hasSource, err := probeSource(dir)
	if err != nil {
		return ProjectState{}, err
	}
	state.HasSource = hasSource
	return state, nil
}

func probeSource(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("probe project directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if _, ok := artifactNames[name]; ok {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		return true, nil
	}
	return false, nil
}
