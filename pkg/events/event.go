// Package events defines the JSONL event protocol written to a project's
// .fox/events.jsonl during an orchestration run.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the event type in the JSONL protocol.
type Kind string

const (
	KindSession  Kind = "session"
	KindProgress Kind = "progress"
	KindSnapshot Kind = "snapshot"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Event is the common interface for all run events.
type Event interface {
	Timestamp() time.Time
	Project() string
	Kind() Kind
}

// Meta carries shared event fields.
type Meta struct {
	TS          time.Time `json:"ts"`
	ProjectName string    `json:"project"`
	EventKind   Kind      `json:"event"`
}

// Timestamp returns the event timestamp.
func (m Meta) Timestamp() time.Time { return m.TS }

// Project returns the project name.
func (m Meta) Project() string { return m.ProjectName }

// Kind returns the event kind.
func (m Meta) Kind() Kind { return m.EventKind }

// SessionEvent reports one finished agent session.
type SessionEvent struct {
	Meta
	Index      int    `json:"index"`
	Variant    string `json:"variant"`
	Outcome    string `json:"outcome"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// ProgressEvent reports feature completion counts after a session.
type ProgressEvent struct {
	Meta
	Total   int `json:"total"`
	Passing int `json:"passing"`
	Pending int `json:"pending"`
}

// SnapshotEvent reports a version-control snapshot attempt.
type SnapshotEvent struct {
	Meta
	Commit string `json:"commit,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// DoneEvent reports run termination with its reason.
type DoneEvent struct {
	Meta
	Reason  string `json:"reason"`
	Total   int    `json:"total"`
	Passing int    `json:"passing"`
}

// ErrorEvent reports runtime failures.
type ErrorEvent struct {
	Meta
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

var (
	// ErrUnknownKind indicates the event discriminator does not match known types.
	ErrUnknownKind = errors.New("events: unknown event kind")
	// ErrInvalidEvent indicates a malformed event payload.
	ErrInvalidEvent = errors.New("events: invalid event")
)

// Valid reports whether kind is recognized by this package.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindProgress, KindSnapshot, KindDone, KindError:
		return true
	default:
		return false
	}
}

// ParseKind parses a kind name from user input.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.TrimSpace(strings.ToLower(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return kind, nil
}

// MarshalEvent encodes an event as one JSON object (one JSONL line).
func MarshalEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// UnmarshalEvent decodes one JSONL object into a concrete event type.
func UnmarshalEvent(data []byte) (Event, error) {
	var envelope struct {
		Event Kind `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	switch envelope.Event {
	case KindSession:
		event = &SessionEvent{}
	case KindProgress:
		event = &ProgressEvent{}
	case KindSnapshot:
		event = &SnapshotEvent{}
	case KindDone:
		event = &DoneEvent{}
	case KindError:
		event = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Event)
	}

	if err := json.Unmarshal(data, event); err != nil {
		return nil, err
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

func validateEvent(event Event) error {
	if event.Kind() == "" {
		return fmt.Errorf("%w: missing event kind", ErrInvalidEvent)
	}
	if !event.Kind().Valid() {
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, event.Kind())
	}
	if event.Project() == "" {
		return fmt.Errorf("%w: missing project name", ErrInvalidEvent)
	}

	switch typed := event.(type) {
	case *SessionEvent:
		if typed.Outcome == "" {
			return fmt.Errorf("%w: session outcome is required", ErrInvalidEvent)
		}
	case *DoneEvent:
		if typed.Reason == "" {
			return fmt.Errorf("%w: done reason is required", ErrInvalidEvent)
		}
	case *ErrorEvent:
		if typed.Message == "" {
			return fmt.Errorf("%w: error message is required", ErrInvalidEvent)
		}
	}

	return nil
}
