package streaming

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// Phase is the lifecycle position of one aggregation.
type Phase int

const (
	PhaseAwaitingFirstEvent Phase = iota
	PhaseStreaming
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingFirstEvent:
		return "awaiting_first_event"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Resume carries partial state from an earlier attempt at the same reply.
type Resume struct {
	Content          string
	Sources          json.RawMessage
	TimeToFirstToken *float64
	// Start, when set, is used as the aggregation start so timings span
	// both attempts.
	Start time.Time
}

// State accumulates one assistant reply. It is owned by a single aggregation
// and never shared.
type State struct {
	MessageID        string
	ToolCalls        []json.RawMessage
	ToolResponses    []string
	Sources          json.RawMessage
	TraceID          string
	TimeToFirstToken *float64
	TotalTime        float64

	content strings.Builder
	phase   Phase
	start   time.Time
	// timestamp is the message timestamp carried on every snapshot.
	timestamp time.Time
}

func newState(messageID string, start, timestamp time.Time, resume *Resume) *State {
	s := &State{MessageID: messageID, start: start, timestamp: timestamp}
	if resume != nil {
		if !resume.Start.IsZero() {
			s.start = resume.Start
		}
		s.content.WriteString(resume.Content)
		if len(resume.Sources) > 0 {
			s.Sources = slices.Clone(resume.Sources)
		}
		if resume.TimeToFirstToken != nil {
			ttft := *resume.TimeToFirstToken
			s.TimeToFirstToken = &ttft
			s.phase = PhaseStreaming
		}
	}
	if s.timestamp.IsZero() {
		s.timestamp = s.start
	}
	return s
}

// Content returns the accumulated text.
func (s *State) Content() string {
	return s.content.String()
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase {
	return s.phase
}

func (s *State) appendContent(text string) {
	s.content.WriteString(text)
}

// markFirstToken records time-to-first-token once and leaves
// AwaitingFirstEvent. It reports whether this call set it.
func (s *State) markFirstToken(now time.Time) bool {
	if s.phase == PhaseAwaitingFirstEvent {
		s.phase = PhaseStreaming
	}
	if s.TimeToFirstToken != nil {
		return false
	}
	ttft := now.Sub(s.start).Seconds()
	s.TimeToFirstToken = &ttft
	return true
}

// applyProvenance overwrites sources and trace id with newer non-empty values.
func (s *State) applyProvenance(sources json.RawMessage, traceID string) {
	if len(sources) > 0 && string(sources) != "null" {
		s.Sources = slices.Clone(sources)
	}
	if traceID != "" {
		s.TraceID = traceID
	}
}

// advance moves to a later phase. Moving backwards is an error.
func (s *State) advance(to Phase) error {
	if to < s.phase {
		return fmt.Errorf("invalid phase transition %s -> %s", s.phase, to)
	}
	s.phase = to
	return nil
}

// elapsed recomputes TotalTime as of now.
func (s *State) elapsed(now time.Time) float64 {
	s.TotalTime = now.Sub(s.start).Seconds()
	return s.TotalTime
}

// snapshot projects the state at now. Tool responses are only included when
// withResponses is set.
func (s *State) snapshot(now time.Time, withResponses bool) models.Snapshot {
	snap := models.Snapshot{
		MessageID:   s.MessageID,
		Content:     s.content.String(),
		ElapsedTime: s.elapsed(now),
		Timestamp:   s.timestamp,
	}
	if len(s.Sources) > 0 {
		snap.Sources = slices.Clone(s.Sources)
	}
	if s.TimeToFirstToken != nil {
		ttft := *s.TimeToFirstToken
		snap.TimeToFirstToken = &ttft
	}
	if s.TraceID != "" {
		traceID := s.TraceID
		snap.TraceID = &traceID
	}
	if len(s.ToolCalls) > 0 {
		snap.ToolCalls = slices.Clone(s.ToolCalls)
	}
	if withResponses && len(s.ToolResponses) > 0 {
		snap.ToolResponses = slices.Clone(s.ToolResponses)
	}
	return snap
}

func (s *State) metrics() *models.Metrics {
	m := &models.Metrics{TotalTime: s.TotalTime}
	if s.TimeToFirstToken != nil {
		ttft := *s.TimeToFirstToken
		m.TimeToFirstToken = &ttft
	}
	return m
}

func (s *State) toolCalls() []json.RawMessage {
	if len(s.ToolCalls) == 0 {
		return nil
	}
	return slices.Clone(s.ToolCalls)
}
