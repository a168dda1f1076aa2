// Package messages persists chat messages for the assistant gateway.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// ErrNotFound is returned when a message does not exist in the given session.
var ErrNotFound = errors.New("message not found")

// Store is the interface for message persistence.
type Store interface {
	// CreateMessage inserts a new message. An empty MessageID is generated.
	CreateMessage(ctx context.Context, params CreateParams) (*models.Message, error)
	// UpdateMessage replaces the body of an existing message in place.
	UpdateMessage(ctx context.Context, params UpdateParams) (*models.Message, error)
	// CreateErrorMessage inserts a message that only carries a user-visible failure.
	CreateErrorMessage(ctx context.Context, params ErrorParams) (*models.Message, error)

	Get(ctx context.Context, sessionID, messageID string) (*models.Message, error)
	// ListBySession returns messages oldest first. limit <= 0 means no limit.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// CreateParams describes a new message.
type CreateParams struct {
	MessageID string
	SessionID string
	UserID    string
	Role      models.Role
	Content   string
	UserInfo  map[string]any
	Sources   json.RawMessage
	Metrics   *models.Metrics
	TraceID   string
	ToolCalls []json.RawMessage
	// Timestamp is the creation time; zero means now.
	Timestamp time.Time
}

// UpdateParams replaces the content of an existing message. Sources, metrics
// and tool calls are overwritten, including with empty values.
type UpdateParams struct {
	SessionID string
	MessageID string
	UserID    string
	Content   string
	Sources   json.RawMessage
	Metrics   *models.Metrics
	ToolCalls []json.RawMessage
	// Timestamp, when set, replaces the creation time so a regenerated reply
	// keeps its place in the conversation.
	Timestamp time.Time
}

// ErrorParams describes an error message.
type ErrorParams struct {
	SessionID string
	UserID    string
	MessageID string
	Content   string
}

func (p ErrorParams) createParams() CreateParams {
	return CreateParams{
		MessageID: p.MessageID,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Role:      models.RoleError,
		Content:   p.Content,
	}
}

func validateKey(sessionID, messageID string) error {
	if sessionID == "" {
		return errors.New("session ID is required")
	}
	if messageID == "" {
		return errors.New("message ID is required")
	}
	return nil
}
