package events

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const wait = 100 * time.Millisecond

// next receives one event from ch or fails the test.
func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(wait):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

// quiet asserts nothing arrives on ch for a short while.
func quiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("unexpected %s event", ev.Type())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishDeliversByKind(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	progress := bus.Subscribe(EventProgress)
	logs := bus.Subscribe(EventLog)
	failures := bus.Subscribe(EventError, EventComplete)
	all := bus.SubscribeAll()

	bus.Publish(&ProgressEvent{Header: now(EventProgress), Mission: "flood", CaseID: "case-001", Progress: 0.5})
	bus.PublishError("case-002", "submit", errors.New("boom"), false)
	bus.PublishComplete("submit", 2, 1, 0, 1, time.Second)

	p, ok := next(t, progress).(*ProgressEvent)
	if !ok || p.CaseID != "case-001" || p.Progress != 0.5 {
		t.Errorf("progress event = %+v", p)
	}
	quiet(t, progress)
	quiet(t, logs)

	if k := next(t, failures).Type(); k != EventError {
		t.Errorf("first failure event = %s", k)
	}
	if k := next(t, failures).Type(); k != EventComplete {
		t.Errorf("second failure event = %s", k)
	}
	for range 3 {
		next(t, all)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(2)
	defer bus.Close()
	ch := bus.Subscribe(EventProgress)

	for range 10 {
		bus.PublishProgress("m", "c", "upload", 0, "")
	}
	if dropped := bus.GetDroppedEventCount(); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
	next(t, ch)
	next(t, ch)
	quiet(t, ch)
}

func TestBufferSizeBounds(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 1000}, {-3, 1000}, {7, 7}, {1 << 20, 5000}} {
		if got := NewEventBus(tt.in).size; got != tt.want {
			t.Errorf("NewEventBus(%d) size = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCloseAndUnsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	kept := bus.Subscribe(EventProgress)
	gone := bus.Subscribe(EventProgress)

	bus.Unsubscribe(gone)
	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel should be closed")
	}
	bus.Unsubscribe(make(chan Event))

	bus.PublishProgress("m", "c", "upload", 0.5, "")
	next(t, kept)

	bus.Close()
	bus.Close()
	if _, ok := <-kept; ok {
		t.Error("channel should be closed after Close")
	}
	bus.PublishProgress("m", "c", "upload", 1, "")

	if _, ok := <-bus.Subscribe(); ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
}

func TestNilBusIgnoresPublish(t *testing.T) {
	var bus *EventBus
	bus.PublishLog(zerolog.InfoLevel, "ignored", "", "", nil)
	bus.PublishSnapshot("m", "", false)
}

func TestPublishHelpers(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()
	ch := bus.SubscribeAll()
	cause := errors.New("upload timed out")

	bus.PublishLog(zerolog.WarnLevel, "slow upload", "submission", "case-1", cause)
	if ev := next(t, ch).(*LogEvent); ev.Level != zerolog.WarnLevel || ev.CaseID != "case-1" || !errors.Is(ev.Error, cause) {
		t.Errorf("log event = %+v", ev)
	}

	bus.PublishStateChange("flood", "flood-pool", "absent", "creating", "ensure")
	if ev := next(t, ch).(*StateChangeEvent); ev.Subject != "flood-pool" || ev.NewState != "creating" {
		t.Errorf("state change event = %+v", ev)
	}

	bus.PublishComplete("download", 3, 2, 1, 0, time.Second)
	if ev := next(t, ch).(*CompleteEvent); ev.Total != 3 || ev.Skipped != 1 || ev.Duration != time.Second {
		t.Errorf("complete event = %+v", ev)
	}

	bus.PublishError("case-2", "submit", cause, true)
	if ev := next(t, ch).(*ErrorEvent); ev.CaseID != "case-2" || !ev.Retryable || !errors.Is(ev.Error, cause) {
		t.Errorf("error event = %+v", ev)
	}

	bus.PublishSnapshot("flood", "Pool status: N/A", true)
	ev := next(t, ch).(*SnapshotEvent)
	if !ev.Degraded || ev.Timestamp().IsZero() {
		t.Errorf("snapshot event = %+v", ev)
	}
}
