package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	// RoleError marks a message that only carries a user-visible failure.
	RoleError Role = "error"
)

// Metrics holds the timing figures recorded for an assistant reply, in seconds.
type Metrics struct {
	TimeToFirstToken *float64 `json:"timeToFirstToken"`
	TotalTime        float64  `json:"totalTime"`
}

// Message is a persisted chat message.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Sources   json.RawMessage   `json:"sources,omitempty"`
	Metrics   *Metrics          `json:"metrics,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
	UserInfo  map[string]any    `json:"user_info,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Sources = cloneRaw(m.Sources)
	if m.Metrics != nil {
		metrics := *m.Metrics
		if m.Metrics.TimeToFirstToken != nil {
			ttft := *m.Metrics.TimeToFirstToken
			metrics.TimeToFirstToken = &ttft
		}
		clone.Metrics = &metrics
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]json.RawMessage, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			clone.ToolCalls[i] = cloneRaw(call)
		}
	}
	if m.UserInfo != nil {
		clone.UserInfo = make(map[string]any, len(m.UserInfo))
		for k, v := range m.UserInfo {
			clone.UserInfo[k] = v
		}
	}
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
