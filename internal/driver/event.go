package driver

import (
	"fmt"
)

// EventKind enumerates what a driver can report during a capture.
type EventKind int

const (
	EventRetry EventKind = iota
	EventError
	EventStagePassed
	EventMatch
	EventNoMatch
	EventFingerPresent
	EventStagesChanged
)

var eventKindNames = map[EventKind]string{
	EventRetry:         "retry",
	EventError:         "error",
	EventStagePassed:   "stage-passed",
	EventMatch:         "match",
	EventNoMatch:       "no-match",
	EventFingerPresent: "finger-present",
	EventStagesChanged: "stages-changed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// RetryReason explains a transient scan failure.
type RetryReason int

const (
	RetryGeneral RetryReason = iota
	RetryTooShort
	RetryCenterFinger
	RetryRemoveFinger
)

var retryNames = map[string]RetryReason{
	"general":       RetryGeneral,
	"too-short":     RetryTooShort,
	"center-finger": RetryCenterFinger,
	"remove-finger": RetryRemoveFinger,
}

// ErrorKind classifies a fatal capture error.
type ErrorKind int

const (
	ErrorGeneral ErrorKind = iota
	ErrorProto
	ErrorDataFull
	ErrorNotSupported
)

var errorNames = map[string]ErrorKind{
	"general":       ErrorGeneral,
	"proto":         ErrorProto,
	"data-full":     ErrorDataFull,
	"not-supported": ErrorNotSupported,
}

// Template is the result of a completed enrollment.
type Template struct {
	ID   string
	Data []byte
}

// Event is a single driver report.
type Event struct {
	Kind  EventKind
	Retry RetryReason
	Error ErrorKind

	// Present is set for EventFingerPresent, Stages for
	// EventStagesChanged.
	Present bool
	Stages  int

	// Template accompanies the stage-passed event that completes an
	// enrollment.
	Template *Template
}

// Terminal reports whether the event ends a verification capture.
// Enrollment additionally ends on its last stage.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventError, EventMatch, EventNoMatch:
		return true
	}
	return false
}

// ParseEvent builds an event from its textual form, as used by test
// tooling: kind is an EventKind name and code qualifies retry and
// error events ("too-short", "data-full", ...), finger-present
// ("true"/"false") and stages-changed (a number).
func ParseEvent(kind, code string) (Event, error) {
	switch kind {
	case "retry":
		reason, ok := retryNames[orDefault(code, "general")]
		if !ok {
			return Event{}, fmt.Errorf("unknown retry reason %q", code)
		}
		return Event{Kind: EventRetry, Retry: reason}, nil
	case "error":
		errKind, ok := errorNames[orDefault(code, "general")]
		if !ok {
			return Event{}, fmt.Errorf("unknown error kind %q", code)
		}
		return Event{Kind: EventError, Error: errKind}, nil
	case "stage-passed":
		return Event{Kind: EventStagePassed}, nil
	case "match":
		return Event{Kind: EventMatch}, nil
	case "no-match":
		return Event{Kind: EventNoMatch}, nil
	case "finger-present":
		return Event{Kind: EventFingerPresent, Present: code == "true"}, nil
	case "stages-changed":
		var n int
		if _, err := fmt.Sscanf(code, "%d", &n); err != nil || n <= 0 {
			return Event{}, fmt.Errorf("invalid stage count %q", code)
		}
		return Event{Kind: EventStagesChanged, Stages: n}, nil
	}
	return Event{}, fmt.Errorf("unknown event kind %q", kind)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
