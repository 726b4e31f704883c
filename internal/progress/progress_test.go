package progress

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/mission-int/internal/events"
)

type recordingBar struct {
	fractions []float64
}

func (b *recordingBar) UpdateProgress(f float64) { b.fractions = append(b.fractions, f) }
func (b *recordingBar) SetRetry(int)             {}
func (b *recordingBar) Complete(error)           {}

func TestBarWriter(t *testing.T) {
	var buf bytes.Buffer
	bar := &recordingBar{}
	w := NewBarWriter(&buf, 10, bar)

	w.Write([]byte("hello"))
	w.Write([]byte("world"))

	if buf.String() != "helloworld" {
		t.Errorf("written = %q", buf.String())
	}
	if len(bar.fractions) != 2 || bar.fractions[0] != 0.5 || bar.fractions[1] != 1 {
		t.Errorf("fractions = %v, want [0.5 1]", bar.fractions)
	}
}

func TestEventProgress(t *testing.T) {
	bus := events.NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(events.EventProgress)
	logs := bus.Subscribe(events.EventLog)

	p := NewEventProgress(bus, "flood")
	p.Start(2, "submit")
	p.Increment()
	p.Increment()

	p.Error(errors.New("case-2 failed"))

	var last *events.ProgressEvent
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			last = ev.(*events.ProgressEvent)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if last.Progress != 1 || last.Mission != "flood" || last.Stage != "submit" {
		t.Errorf("last event = %+v", last)
	}
	select {
	case ev := <-logs:
		if l := ev.(*events.LogEvent); l.Level != zerolog.ErrorLevel || l.Stage != "submit" {
			t.Errorf("log event = %+v", l)
		}
	case <-time.After(time.Second):
		t.Fatal("no log event for the error")
	}
}

func TestTruncatePath(t *testing.T) {
	testCases := []struct {
		path string
		want string
	}{
		{"file.txt", "file.txt"},
		{"case-1/stdout.txt", "stdout.txt"},
		{"/missions/flood/case-1/stdout.txt", "…/case-1/stdout.txt"},
	}
	for _, tc := range testCases {
		if got := truncatePath(tc.path, 2); got != tc.want {
			t.Errorf("truncatePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestNoOpImplementations(t *testing.T) {
	r := Discard
	r.Start(1, "x")
	r.Increment()
	r.Error(nil)
	r.Finish()

	var ui TransferUI = NoOpTransferUI{}
	bar := ui.AddFileBar(1, "a", "b", 1)
	bar.UpdateProgress(1)
	bar.Complete(nil)
	ui.Wait()
}
