package messages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string]*models.Message
	bySession map[string][]string
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  map[string]*models.Message{},
		bySession: map[string][]string{},
		now:       time.Now,
	}
}

func (m *MemoryStore) CreateMessage(ctx context.Context, params CreateParams) (*models.Message, error) {
	if params.SessionID == "" {
		return nil, errors.New("session ID is required")
	}
	now := m.now().UTC()
	msg := newMessage(params, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return nil, errors.New("message already exists")
	}
	m.messages[msg.ID] = msg
	m.bySession[msg.SessionID] = append(m.bySession[msg.SessionID], msg.ID)
	return msg.Clone(), nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, params UpdateParams) (*models.Message, error) {
	if err := validateKey(params.SessionID, params.MessageID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[params.MessageID]
	if !ok || msg.SessionID != params.SessionID {
		return nil, ErrNotFound
	}
	applyUpdate(msg, params, m.now().UTC())
	return msg.Clone(), nil
}

func (m *MemoryStore) CreateErrorMessage(ctx context.Context, params ErrorParams) (*models.Message, error) {
	return m.CreateMessage(ctx, params.createParams())
}

func (m *MemoryStore) Get(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySession[sessionID]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id].Clone())
	}
	return out, nil
}

func newMessage(params CreateParams, now time.Time) *models.Message {
	msg := &models.Message{
		ID:        params.MessageID,
		SessionID: params.SessionID,
		UserID:    params.UserID,
		Role:      params.Role,
		Content:   params.Content,
		Sources:   params.Sources,
		Metrics:   params.Metrics,
		TraceID:   params.TraceID,
		ToolCalls: params.ToolCalls,
		UserInfo:  params.UserInfo,
		CreatedAt: params.Timestamp.UTC(),
		UpdatedAt: now,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}
	if params.Timestamp.IsZero() {
		msg.CreatedAt = now
	}
	// Detach from caller-owned slices and maps.
	return msg.Clone()
}

func applyUpdate(msg *models.Message, params UpdateParams, now time.Time) {
	update := (&models.Message{
		Sources:   params.Sources,
		Metrics:   params.Metrics,
		ToolCalls: params.ToolCalls,
	}).Clone()
	msg.Content = params.Content
	msg.Sources = update.Sources
	msg.Metrics = update.Metrics
	msg.ToolCalls = update.ToolCalls
	if !params.Timestamp.IsZero() {
		msg.CreatedAt = params.Timestamp.UTC()
	}
	msg.UpdatedAt = now
}
