package models

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable projection of an in-flight assistant reply. A new
// snapshot is built for every emission and never mutated afterwards.
type Snapshot struct {
	MessageID        string            `json:"messageId"`
	Content          string            `json:"content"`
	Sources          json.RawMessage   `json:"sources"`
	TimeToFirstToken *float64          `json:"timeToFirstToken"`
	ElapsedTime      float64           `json:"elapsedTime"`
	Timestamp        time.Time         `json:"timestamp"`
	TraceID          *string           `json:"traceId"`
	ToolCalls        []json.RawMessage `json:"toolCalls,omitempty"`
	ToolResponses    []string          `json:"toolResponses,omitempty"`
}

// SnapshotFromMessage projects a persisted message into the outbound snapshot
// shape so one-shot replies look like the tail of a stream.
func SnapshotFromMessage(msg *Message) Snapshot {
	snap := Snapshot{
		MessageID: msg.ID,
		Content:   msg.Content,
		Sources:   nullIfEmpty(msg.Sources),
		Timestamp: msg.CreatedAt,
	}
	if msg.Metrics != nil {
		snap.TimeToFirstToken = msg.Metrics.TimeToFirstToken
		snap.ElapsedTime = msg.Metrics.TotalTime
	}
	if msg.TraceID != "" {
		traceID := msg.TraceID
		snap.TraceID = &traceID
	}
	if len(msg.ToolCalls) > 0 {
		snap.ToolCalls = msg.ToolCalls
	}
	return snap
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
