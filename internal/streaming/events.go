package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// doneFrame is the terminal marker sent after the last snapshot.
const doneFrame = "event: done\ndata: {}\n\n"

// EventKind distinguishes snapshots from the terminal marker.
type EventKind int

const (
	EventSnapshot EventKind = iota
	EventDone
)

func (k EventKind) String() string {
	if k == EventDone {
		return "done"
	}
	return "snapshot"
}

// Event is one outbound frame.
type Event struct {
	Kind     EventKind
	Snapshot *models.Snapshot
}

// SnapshotEvent wraps a snapshot for emission.
func SnapshotEvent(snap models.Snapshot) Event {
	return Event{Kind: EventSnapshot, Snapshot: &snap}
}

// DoneEvent returns the terminal marker.
func DoneEvent() Event {
	return Event{Kind: EventDone}
}

// Encode renders the event as an SSE frame: "data: <json>\n\n" for
// snapshots and "event: done\ndata: {}\n\n" for the terminal marker.
func (e Event) Encode() ([]byte, error) {
	if e.Kind == EventDone {
		return []byte(doneFrame), nil
	}
	if e.Snapshot == nil {
		return nil, fmt.Errorf("snapshot event without snapshot")
	}
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.Snapshot); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	// Encoder terminates with one newline; SSE frames end with a blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Sink receives outbound events in order.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// SinkError reports that the consumer stopped accepting events. Callers treat
// it like cancellation.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return "emit event: " + e.Err.Error()
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Collector is a Sink that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Snapshots returns the collected snapshots in order.
func (c *Collector) Snapshots() []models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Snapshot
	for _, ev := range c.events {
		if ev.Kind == EventSnapshot && ev.Snapshot != nil {
			out = append(out, *ev.Snapshot)
		}
	}
	return out
}
