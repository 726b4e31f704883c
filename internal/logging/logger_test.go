package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/mission-int/internal/events"
)

func TestWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	NewWriterLogger(&buf).Info().Str("case_id", "case-1").Msg("submitted")

	for _, want := range []string{`"case_id":"case-1"`, `"message":"submitted"`, `"time":`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q lacks %s", buf.String(), want)
		}
	}
}

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf)
	parent.Named("monitor").Info().Msgf("polled %d resources", 3)
	parent.Info().Msg("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], `"component":"monitor"`) {
		t.Errorf("child line lacks component: %s", lines[0])
	}
	if strings.Contains(lines[1], "component") {
		t.Errorf("parent line has a component: %s", lines[1])
	}
}

func TestSetOutputKeepsComponent(t *testing.T) {
	var first, second bytes.Buffer
	l := NewWriterLogger(&first).Named("results")
	l.SetOutput(&second)
	l.Warn().Msg("moved")

	if first.Len() != 0 || !strings.Contains(second.String(), `"component":"results"`) {
		t.Errorf("first = %q, second = %q", first.String(), second.String())
	}
}

func TestAttachFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mission.log")

	var console bytes.Buffer
	logger := NewWriterLogger(&console)
	if err := logger.AttachFile(path); err != nil {
		t.Fatalf("AttachFile failed: %v", err)
	}
	logger.Warn().Msg("pool resize requested")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Info().Msg("after close")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pool resize requested") {
		t.Errorf("log file missing message: %q", data)
	}
	if strings.Contains(string(data), "after close") {
		t.Error("log file written after Close")
	}
	if !strings.Contains(console.String(), "after close") {
		t.Errorf("console missing message: %q", console.String())
	}
}

func TestWithEventBus(t *testing.T) {
	bus := events.NewEventBus(4)
	defer bus.Close()
	ch := bus.Subscribe(events.EventProgress)

	base := NewNopLogger()
	if base.EventBus() != nil {
		t.Fatal("nop logger should have no bus")
	}
	// Publishing through a nil bus is allowed.
	base.EventBus().PublishProgress("m", "c", "upload", 0, "")

	child := base.WithEventBus(bus).Named("submission")
	child.EventBus().PublishProgress("m", "c", "upload", 1, "")
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Error("event not delivered")
	}
	if base.EventBus() != nil {
		t.Error("WithEventBus changed the parent")
	}
}

func TestLogLinesReachEventBus(t *testing.T) {
	bus := events.NewEventBus(4)
	defer bus.Close()
	logs := bus.Subscribe(events.EventLog)

	l := NewNopLogger().WithEventBus(bus).Named("results")
	l.Debug().Msg("hidden")
	l.Warn().Msg("slow download")

	select {
	case ev := <-logs:
		le := ev.(*events.LogEvent)
		if le.Message != "slow download" || le.Stage != "results" || le.Level != zerolog.WarnLevel {
			t.Errorf("log event = %+v", le)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no log event")
	}
	select {
	case ev := <-logs:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
