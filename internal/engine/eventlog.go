package engine

import (
	"context"
	"sync"
	"time"

	"github.com/forgeworks/forge/internal/models"
)

// DefaultReadInterval is how long a stream reader sleeps between polls of
// the log when it has caught up and the run is still producing events.
const DefaultReadInterval = 50 * time.Millisecond

// EventLog is a per-run append-only event sequence with a single writer
// (the pipeline goroutine) and any number of independent readers. Each
// reader keeps a private cursor, so every reader sees every event exactly
// once, in order, including the full backlog for late attachers.
type EventLog struct {
	mu     sync.Mutex
	runID  string
	events []models.Event
	done   bool
}

func NewEventLog(runID string) *EventLog {
	return &EventLog{runID: runID}
}

// Append records an event, assigning it the next sequence number.
func (l *EventLog) Append(kind models.EventKind, step, payload string) models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := models.Event{
		Seq:       len(l.events) + 1,
		RunID:     l.runID,
		Kind:      kind,
		Step:      step,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	l.events = append(l.events, e)
	return e
}

// Complete marks the log finished. The flag is monotonic; readers drain
// everything appended before the call and then stop.
func (l *EventLog) Complete() {
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
}

func (l *EventLog) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Snapshot returns a copy of all events appended so far.
func (l *EventLog) Snapshot() []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Stream returns a channel that yields every event in order from the
// beginning of the log. The channel closes once the log is complete and
// fully drained, or when ctx is cancelled. interval <= 0 uses the default.
func (l *EventLog) Stream(ctx context.Context, interval time.Duration) <-chan models.Event {
	if interval <= 0 {
		interval = DefaultReadInterval
	}
	ch := make(chan models.Event)
	go func() {
		defer close(ch)
		cursor := 0
		for {
			l.mu.Lock()
			n := len(l.events)
			done := l.done
			var batch []models.Event
			if cursor < n {
				batch = make([]models.Event, n-cursor)
				copy(batch, l.events[cursor:n])
			}
			l.mu.Unlock()

			for _, e := range batch {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
			cursor = n

			// done was read under the same lock as n, and the writer
			// always appends before completing, so done with an
			// exhausted cursor means there is nothing left to see.
			if done {
				return
			}
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
