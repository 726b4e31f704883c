// Package events carries mission progress from the engines to whoever is
// watching: the CLI, tests, or a future UI.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

// EventType names an event kind. Subscribers filter on it.
type EventType string

const (
	EventProgress    EventType = "progress"
	EventLog         EventType = "log"
	EventStateChange EventType = "state_change"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
	EventSnapshot    EventType = "snapshot" // one monitor poll
)

// Event is implemented by every event published on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// Header is embedded in every event.
type Header struct {
	Kind EventType
	At   time.Time
}

func (h Header) Type() EventType      { return h.Kind }
func (h Header) Timestamp() time.Time { return h.At }

func now(kind EventType) Header {
	return Header{Kind: kind, At: time.Now()}
}

// ProgressEvent reports how far one case is through a stage
// ("upload", "submit" or "download"). Progress runs from 0 to 1.
type ProgressEvent struct {
	Header
	Mission  string
	CaseID   string
	Stage    string
	Progress float64
	Message  string
}

// LogEvent mirrors a log line. Stage holds the logging component.
type LogEvent struct {
	Header
	Level   zerolog.Level
	Message string
	Stage   string
	CaseID  string
	Error   error
}

// StateChangeEvent records a resource or case moving between states.
// Subject is a resource name or a case ID.
type StateChangeEvent struct {
	Header
	Mission  string
	Subject  string
	OldState string
	NewState string
	Stage    string
}

// ErrorEvent reports a failed case operation.
type ErrorEvent struct {
	Header
	CaseID    string
	Stage     string
	Error     error
	Retryable bool
}

// CompleteEvent sums up a batch operation over many cases.
type CompleteEvent struct {
	Header
	Stage     string
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// SnapshotEvent carries the readable overview of one monitor poll.
type SnapshotEvent struct {
	Header
	Mission  string
	Overview string
	Degraded bool
}
