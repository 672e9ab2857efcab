package feature

import "fmt"

// ValidateSuccessor checks that current is a legal evolution of previous:
// records are never removed or reordered, category/description/steps never
// change, and passes never flips true to false. The agent process is an
// uncontrolled writer, so every re-read is validated against the snapshot
// taken before the session instead of trusting cooperative behavior.
//
// A violation is malformed state, not a repairable condition: guessing at
// lost or duplicated feature intent risks silently discarding completed
// work.
func ValidateSuccessor(path string, previous, current List) error {
	if len(current) < len(previous) {
		return &MalformedStateError{
			Path:   path,
			Index:  -1,
			Reason: fmt.Sprintf("records removed: had %d, now %d", len(previous), len(current)),
		}
	}

	for i, prev := range previous {
		next := current[i]
		if next.Category != prev.Category {
			return &MalformedStateError{Path: path, Index: i, Reason: fmt.Sprintf("category changed from %q to %q", prev.Category, next.Category)}
		}
		if next.Description != prev.Description {
			return &MalformedStateError{Path: path, Index: i, Reason: "description changed"}
		}
		if !equalSteps(prev.Steps, next.Steps) {
			return &MalformedStateError{Path: path, Index: i, Reason: "steps changed"}
		}
		if prev.Passes && !next.Passes {
			return &MalformedStateError{Path: path, Index: i, Reason: "passes regressed from true to false"}
		}
	}
	return nil
}

func equalSteps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
