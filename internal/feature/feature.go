// Package feature owns the persisted feature list: the append-only record of
// what the coding agent has committed to build and what already passes. The
// agent is the only writer of record contents; this package creates, reads,
// and validates the artifact and never repairs it.
package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ListFileName is the feature list artifact inside a project directory.
	ListFileName = "feature_list.json"
	// ProgressLogName is the human-readable progress log. Append-only,
	// never parsed back.
	ProgressLogName = "progress.log"
)

// Category tags what kind of work a feature record represents.
type Category string

const (
	CategoryFunctional  Category = "functional"
	CategoryBugfix      Category = "bugfix"
	CategoryEnhancement Category = "enhancement"
	CategoryStyle       Category = "style"
	CategoryRefactor    Category = "refactor"
)

// Valid reports whether the category is one of the known tags.
func (c Category) Valid() bool {
	switch c {
	case CategoryFunctional, CategoryBugfix, CategoryEnhancement, CategoryStyle, CategoryRefactor:
		return true
	default:
		return false
	}
}

// Record is one trackable unit of work. Category, Description, and Steps are
// immutable once appended; only Passes may flip false to true.
type Record struct {
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Passes      bool     `json:"passes"`
}

// List is the ordered feature set. Records are only ever appended.
type List []Record

// Counts summarizes completion state.
type Counts struct {
	Total   int
	Passing int
	Pending int
}

// Counts tallies passing and pending records.
func (l List) Counts() Counts {
	counts := Counts{Total: len(l)}
	for _, record := range l {
		if record.Passes {
			counts.Passing++
		} else {
			counts.Pending++
		}
	}
	return counts
}

// NextPending returns the first record in insertion order that does not pass.
// Display only; session scheduling never keys off a single record.
func (l List) NextPending() (Record, bool) {
	for _, record := range l {
		if !record.Passes {
			return record, true
		}
	}
	return Record{}, false
}

// ErrNotFound indicates the feature list artifact does not exist yet.
var ErrNotFound = errors.New("feature: list not found")

// ErrMalformedState indicates the artifact exists but is not a valid feature
// list. Fatal to the run: repairing could mask lost work or duplicate
// features, so the store surfaces it instead of patching.
var ErrMalformedState = errors.New("feature: malformed state")

// MalformedStateError carries the precise diagnostic for a bad artifact.
type MalformedStateError struct {
	Path   string
	Index  int // offending record index, -1 when not record-specific
	Reason string
}

func (e *MalformedStateError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("feature: malformed state in %s: record %d: %s", e.Path, e.Index, e.Reason)
	}
	return fmt.Sprintf("feature: malformed state in %s: %s", e.Path, e.Reason)
}

func (e *MalformedStateError) Unwrap() error { return ErrMalformedState }

// Store reads the feature artifacts rooted in a project directory.
type Store struct {
	dir string
}

// NewStore returns a store for the given project directory.
func NewStore(dir string) Store {
	return Store{dir: dir}
}

// Path returns the feature list file path.
func (s Store) Path() string {
	return filepath.Join(s.dir, ListFileName)
}

// Exists reports whether the feature list artifact is present.
func (s Store) Exists() bool {
	info, err := os.Stat(s.Path())
	return err == nil && !info.IsDir()
}

// rawRecord uses pointer fields so missing keys are distinguishable from
// zero values during validation.
type rawRecord struct {
	Category    *Category `json:"category"`
	Description *string   `json:"description"`
	Steps       *[]string `json:"steps"`
	Passes      *bool     `json:"passes"`
}

// Load parses and validates the feature list. Returns ErrNotFound when the
// artifact does not exist and a MalformedStateError when it exists but does
// not decode as an ordered sequence of complete records.
func (s Store) Load() (List, error) {
	path := s.Path()
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read feature list %s: %w", path, err)
	}

	var raw []rawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &MalformedStateError{Path: path, Index: -1, Reason: fmt.Sprintf("not a JSON array of records: %v", err)}
	}

	list := make(List, 0, len(raw))
	for i, record := range raw {
		switch {
		case record.Category == nil:
			return nil, &MalformedStateError{Path: path, Index: i, Reason: "missing category"}
		case !record.Category.Valid():
			return nil, &MalformedStateError{Path: path, Index: i, Reason: fmt.Sprintf("unknown category %q", *record.Category)}
		case record.Description == nil:
			return nil, &MalformedStateError{Path: path, Index: i, Reason: "missing description"}
		case record.Steps == nil:
			return nil, &MalformedStateError{Path: path, Index: i, Reason: "missing steps"}
		case record.Passes == nil:
			return nil, &MalformedStateError{Path: path, Index: i, Reason: "missing passes"}
		}
		list = append(list, Record{
			Category:    *record.Category,
			Description: *record.Description,
			Steps:       *record.Steps,
			Passes:      *record.Passes,
		})
	}
	return list, nil
}

// AppendProgressLog appends one line to the progress log. Write-only from
// the orchestration side.
func (s Store) AppendProgressLog(line string) error {
	path := filepath.Join(s.dir, ProgressLogName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, line); err != nil {
		return fmt.Errorf("append progress log: %w", err)
	}
	return nil
}
