// Package logging provides structured logging for the mission CLI and its components.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/rescale/mission-int/internal/events"
)

// Modes accepted by NewLogger.
const (
	ModeCLI   = "cli"   // human readable lines on stdout
	ModeQuiet = "quiet" // console output discarded; the mission log still applies
)

const consoleTimeFormat = "15:04:05"

// Logger is a zerolog.Logger that can also mirror its lines into the mission
// log file and carries the event bus components publish to. With a bus, info
// and louder lines are republished on it as log events.
//
// Children made with Named share the parent's console, file and bus as they
// were when the child was made.
type Logger struct {
	zerolog.Logger

	pretty    bool
	console   io.Writer
	file      *os.File
	component string
	bus       *events.EventBus
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// NewLogger creates a logger for mode. bus may be nil.
func NewLogger(mode string, bus *events.EventBus) *Logger {
	l := &Logger{console: io.Discard, bus: bus}
	if mode == ModeCLI {
		l.pretty = true
		l.console = consoleWriter(os.Stdout)
	}
	l.rebuild()
	return l
}

// NewDefaultCLILogger writes readable lines to stdout.
func NewDefaultCLILogger() *Logger {
	return NewLogger(ModeCLI, nil)
}

// NewWriterLogger writes JSON lines to w.
func NewWriterLogger(w io.Writer) *Logger {
	l := &Logger{console: w}
	l.rebuild()
	return l
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return NewLogger(ModeQuiet, nil)
}

// SetGlobalLevel sets the minimum level for every logger.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func (l *Logger) rebuild() {
	var w io.Writer = l.console
	if l.file != nil {
		w = zerolog.MultiLevelWriter(l.console, l.file)
	}
	ctx := zerolog.New(w).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	zl := ctx.Logger()
	if l.bus != nil {
		zl = zl.Hook(busHook{bus: l.bus, component: l.component})
	}
	l.Logger = zl
}

// busHook republishes info and louder lines as events.LogEvent.
type busHook struct {
	bus       *events.EventBus
	component string
}

func (h busHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level >= zerolog.InfoLevel && level <= zerolog.PanicLevel {
		h.bus.PublishLog(level, msg, h.component, "", nil)
	}
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// Named returns a child tagged with component.
func (l *Logger) Named(component string) *Logger {
	c := l.clone()
	c.component = component
	c.rebuild()
	return c
}

// WithEventBus returns a child publishing to bus.
func (l *Logger) WithEventBus(bus *events.EventBus) *Logger {
	c := l.clone()
	c.bus = bus
	c.rebuild()
	return c
}

// EventBus returns the bus components publish to. It may be nil, and a nil
// bus accepts and drops every event.
func (l *Logger) EventBus() *events.EventBus {
	return l.bus
}

// SetOutput replaces the console writer, for example to print above
// progress bars. CLI loggers keep their readable format.
func (l *Logger) SetOutput(w io.Writer) {
	if l.pretty {
		w = consoleWriter(w)
	}
	l.console = w
	l.rebuild()
}

// AttachFile mirrors every line as JSON into the file at path. The file is
// appended to so a resumed mission keeps its history.
func (l *Logger) AttachFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.rebuild()
	return nil
}

// Close detaches and closes the mission log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	l.rebuild()
	return f.Close()
}
