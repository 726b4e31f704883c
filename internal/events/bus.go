package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/mission-int/internal/constants"
)

type subscription struct {
	ch    chan Event
	kinds map[EventType]bool // nil means every kind
}

func (s *subscription) wants(kind EventType) bool {
	return s.kinds == nil || s.kinds[kind]
}

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted. A nil *EventBus accepts and discards every publish.
type EventBus struct {
	size int

	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events.
// Non-positive sizes select the default; large ones are capped.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	return &EventBus{size: min(bufferSize, constants.EventBusMaxBuffer)}
}

// Subscribe returns a channel receiving the given kinds, or every kind when
// none are given. The channel is closed by Unsubscribe or Close, and comes
// back already closed from a closed bus.
func (eb *EventBus) Subscribe(kinds ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	sub := &subscription{ch: make(chan Event, eb.size)}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventType]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	eb.subs = append(eb.subs, sub)
	return sub.ch
}

// SubscribeAll is Subscribe with no filter.
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.Subscribe()
}

// Unsubscribe closes ch and stops delivering to it. Unknown channels are ignored.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.subs {
		if sub.ch == ch {
			eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	kind := event.Type()
	for _, sub := range eb.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel; later publishes are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.subs = nil
}

// GetDroppedEventCount returns how many deliveries missed a full buffer.
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.dropped.Load()
}

func (eb *EventBus) PublishLog(level zerolog.Level, message, stage, caseID string, err error) {
	eb.Publish(&LogEvent{Header: now(EventLog), Level: level, Message: message, Stage: stage, CaseID: caseID, Error: err})
}

func (eb *EventBus) PublishProgress(mission, caseID, stage string, progress float64, message string) {
	eb.Publish(&ProgressEvent{Header: now(EventProgress), Mission: mission, CaseID: caseID, Stage: stage,
		Progress: progress, Message: message})
}

func (eb *EventBus) PublishStateChange(mission, subject, oldState, newState, stage string) {
	eb.Publish(&StateChangeEvent{Header: now(EventStateChange), Mission: mission, Subject: subject,
		OldState: oldState, NewState: newState, Stage: stage})
}

func (eb *EventBus) PublishComplete(stage string, total, succeeded, skipped, failed int, duration time.Duration) {
	eb.Publish(&CompleteEvent{Header: now(EventComplete), Stage: stage, Total: total, Succeeded: succeeded,
		Skipped: skipped, Failed: failed, Duration: duration})
}

func (eb *EventBus) PublishError(caseID, stage string, err error, retryable bool) {
	eb.Publish(&ErrorEvent{Header: now(EventError), CaseID: caseID, Stage: stage, Error: err, Retryable: retryable})
}

func (eb *EventBus) PublishSnapshot(mission, overview string, degraded bool) {
	eb.Publish(&SnapshotEvent{Header: now(EventSnapshot), Mission: mission, Overview: overview, Degraded: degraded})
}
