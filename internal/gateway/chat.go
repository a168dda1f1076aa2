package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/streaming"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/upstream"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

const (
	maxRequestBytes     = 1 << 20
	defaultHistoryLimit = 200
)

// chatRequest is the body of both chat routes.
type chatRequest struct {
	SessionID         string                 `json:"session_id"`
	UserID            string                 `json:"user_id"`
	MessageID         string                 `json:"message_id"`
	Messages          []upstream.ChatMessage `json:"messages"`
	Stream            *bool                  `json:"stream"`
	UserInfo          map[string]any         `json:"user_info"`
	OriginalTimestamp *time.Time             `json:"original_timestamp"`
}

func (c chatRequest) wantsStream() bool {
	return c.Stream == nil || *c.Stream
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r, false)
	if !ok {
		return
	}
	ctx := r.Context()
	s.persistUserTurn(ctx, body)

	req := streaming.Request{
		SessionID: body.SessionID,
		MessageID: body.MessageID,
		UserID:    body.UserID,
		UserInfo:  body.UserInfo,
		Endpoint:  s.endpoint,
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	if s.streamingAllowed(ctx, body) {
		resp, err := s.openStream(ctx, body)
		if err == nil {
			defer resp.Body.Close()
			sink, err := s.openSink(w)
			if err != nil {
				return
			}
			_ = s.handler.Stream(ctx, resp.Body, req, sink) //nolint:errcheck // logged by the handler
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.streamSetupFailed(ctx, err)
	}

	call, err := s.call(body, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sink, err := s.openSink(w)
	if err != nil {
		return
	}
	_ = s.handler.Respond(ctx, call, req, sink) //nolint:errcheck // logged by the handler
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r, true)
	if !ok {
		return
	}
	ctx := r.Context()

	req := streaming.Request{
		SessionID: body.SessionID,
		MessageID: body.MessageID,
		UserID:    body.UserID,
		UserInfo:  body.UserInfo,
		Endpoint:  s.endpoint,
		Update:    true,
	}
	if body.OriginalTimestamp != nil {
		req.Timestamp = body.OriginalTimestamp.UTC()
	}

	if s.streamingAllowed(ctx, body) {
		resp, err := s.openStream(ctx, body)
		if err == nil {
			defer resp.Body.Close()
			sink, err := s.openSink(w)
			if err != nil {
				return
			}
			_ = s.handler.RegenerateStream(ctx, resp.Body, req, sink) //nolint:errcheck // logged by the handler
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.streamSetupFailed(ctx, err)
	}

	call, err := s.call(body, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sink, err := s.openSink(w)
	if err != nil {
		return
	}
	_ = s.handler.Regenerate(ctx, call, req, sink) //nolint:errcheck // logged by the handler
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.store.ListBySession(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to list messages", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": msgs})
}

// decode reads and validates a chat body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, regenerate bool) (chatRequest, bool) {
	var body chatRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return body, false
	}
	if err := validateBody(raw, regenerate); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return body, false
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return body, false
	}
	return body, true
}

// persistUserTurn stores the latest user message so history is complete
// even when the reply fails.
func (s *Server) persistUserTurn(ctx context.Context, body chatRequest) {
	last := body.Messages[len(body.Messages)-1]
	if last.Role != string(models.RoleUser) {
		return
	}
	_, err := s.store.CreateMessage(ctx, messages.CreateParams{
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Role:      models.RoleUser,
		Content:   last.Content,
		UserInfo:  body.UserInfo,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to persist user message", "session_id", body.SessionID, "error", err)
	}
}

func (s *Server) streamingAllowed(ctx context.Context, body chatRequest) bool {
	if s.noStreaming || !body.wantsStream() {
		return false
	}
	return capability.StreamingAllowed(ctx, s.caps, s.endpoint)
}

func (s *Server) call(body chatRequest, stream bool) (streaming.Call, error) {
	payload, err := upstream.NewChatRequest(body.Messages, stream, s.maxTokens).Encode()
	if err != nil {
		return streaming.Call{}, err
	}
	return streaming.Call{URL: s.url, Body: payload}, nil
}

func (s *Server) openStream(ctx context.Context, body chatRequest) (*http.Response, error) {
	call, err := s.call(body, true)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Accept", "text/event-stream")
	return s.requester.EnqueueRequest(ctx, call.URL, headers, call.Body)
}

// streamSetupFailed logs a failed streaming request. An endpoint that rejects
// the request outright is recorded as non-streaming until the entry is pruned.
func (s *Server) streamSetupFailed(ctx context.Context, err error) {
	s.logger.WarnContext(ctx, "streaming request failed, falling back to a single response", "error", err)
	var statusErr *upstream.StatusError
	if s.caps == nil || s.endpoint == "" || !errors.As(err, &statusErr) || statusErr.Retryable() {
		return
	}
	entry := capability.Entry{SupportsStreaming: false, LastChecked: s.now().UTC()}
	if err := s.caps.Set(ctx, s.endpoint, entry); err != nil {
		s.logger.WarnContext(ctx, "failed to record endpoint capability", "endpoint", s.endpoint, "error", err)
	}
}

// openSink commits the event-stream headers.
func (s *Server) openSink(w http.ResponseWriter) (streaming.Sink, error) {
	sink, err := streaming.StartSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, err
	}
	return sink, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
