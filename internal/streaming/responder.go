package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/toolfmt"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// FallbackContent replaces a reply that produced neither text nor tool calls.
const FallbackContent = "I'm ready to help you with your supply chain analysis. What would you like to know?"

// maxResponseBytes bounds a one-shot response body.
const maxResponseBytes = 32 * 1024 * 1024

// Reply is the content extracted from a complete serving response.
type Reply struct {
	Content   string
	ToolCalls []json.RawMessage
	Sources   json.RawMessage
	TraceID   string
}

// Respond performs call, converts the complete response into a message,
// persists it and emits one snapshot followed by the terminal event. Any
// failure is persisted as an error message and still ends with the terminal
// event. Cancellation returns ctx.Err() without either.
func (h *Handler) Respond(ctx context.Context, call Call, req Request, sink Sink) error {
	start := h.now()
	ctx, logger := h.begin(ctx, modeRespond, req)
	ctx, span := h.tracer.TraceAggregation(ctx, modeRespond, req.MessageID)
	defer span.End()

	outcome := outcomeCompleted
	defer func() { h.finish(modeRespond, outcome, start) }()

	msg, callErr := h.respondOnce(ctx, call, req, start)
	if ctx.Err() != nil {
		outcome = outcomeCancelled
		return ctx.Err()
	}
	if callErr != nil {
		outcome = outcomeFailed
		h.tracer.RecordError(span, callErr)
		logger.ErrorContext(ctx, "error in non-streaming response", "error", callErr)
		msg = h.persistError(ctx, logger, req, "Request timed out. "+callErr.Error()+" Please try again later.")
	}
	return h.emitFinal(ctx, logger, msg, sink)
}

func (h *Handler) respondOnce(ctx context.Context, call Call, req Request, start time.Time) (*models.Message, error) {
	reply, err := h.fetchReply(ctx, call)
	if err != nil {
		return nil, err
	}
	return h.store.CreateMessage(ctx, messages.CreateParams{
		MessageID: req.MessageID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      models.RoleAssistant,
		Content:   reply.Content,
		UserInfo:  req.UserInfo,
		Sources:   reply.Sources,
		Metrics:   &models.Metrics{TotalTime: h.now().Sub(start).Seconds()},
		TraceID:   reply.TraceID,
		ToolCalls: reply.ToolCalls,
	})
}

// fetchReply performs the network call under the configured timeout and
// extracts the reply.
func (h *Handler) fetchReply(ctx context.Context, call Call) (Reply, error) {
	if h.requester == nil {
		return Reply{}, errors.New("no requester configured")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	resp, err := h.requester.EnqueueRequest(ctx, call.URL, call.Headers, call.Body)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("serving endpoint returned status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}
	return h.ExtractReply(ctx, payload)
}

// ExtractReply converts a complete serving response into reply content. Both
// the choices[0].message shape and the messages[] shape are understood; tool
// calls and tool responses are rendered the same way streaming renders them.
func (h *Handler) ExtractReply(ctx context.Context, payload []byte) (Reply, error) {
	if !gjson.ValidBytes(payload) {
		return Reply{}, errors.New("serving response is not valid JSON")
	}
	var reply Reply
	reply.Sources, reply.TraceID = h.extractor.ExtractSourcesFromTrace(ctx, payload)

	doc := gjson.ParseBytes(payload)
	var content []byte
	addCalls := func(calls gjson.Result) {
		for _, raw := range collectCalls(calls) {
			reply.ToolCalls = append(reply.ToolCalls, raw)
			content = append(content, toolfmt.FormatToolCallFragment(raw)...)
			h.metrics.RecordToolBlock("call")
		}
	}

	if choices := doc.Get("choices"); choices.IsArray() && len(choices.Array()) > 0 {
		choice := choices.Array()[0]
		message := choice.Get("message")
		if text := message.Get("content"); text.Type == gjson.String {
			content = append(content, text.Str...)
		}
		if calls := message.Get("tool_calls"); len(collectCalls(calls)) > 0 {
			addCalls(calls)
		} else if choice.Get("finish_reason").String() == "tool_calls" {
			addCalls(choice.Get("tool_calls"))
		}
	} else if msgs := doc.Get("messages"); msgs.IsArray() {
		for _, msg := range msgs.Array() {
			text := msg.Get("content")
			switch msg.Get("role").String() {
			case string(models.RoleAssistant):
				if text.Type == gjson.String {
					content = append(content, text.Str...)
				}
				addCalls(msg.Get("tool_calls"))
			case string(models.RoleTool):
				if text.Type == gjson.String && text.Str != "" {
					content = append(content, toolfmt.FormatToolResponseWith(text.Str, h.metrics)...)
					h.metrics.RecordToolBlock("response")
				}
			}
		}
	}

	reply.Content = string(content)
	if reply.Content == "" && len(reply.ToolCalls) == 0 {
		reply.Content = FallbackContent
	}
	return reply, nil
}

func collectCalls(calls gjson.Result) []json.RawMessage {
	if !calls.IsArray() {
		return nil
	}
	var out []json.RawMessage
	for _, call := range calls.Array() {
		out = append(out, json.RawMessage(call.Raw))
	}
	return out
}

// persistError stores an error message for the session. If the store fails
// too, an unsaved message is returned so the consumer still sees the error.
func (h *Handler) persistError(ctx context.Context, logger *slog.Logger, req Request, content string) *models.Message {
	msg, err := h.store.CreateErrorMessage(ctx, messages.ErrorParams{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Content:   content,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to persist error message", "error", err)
		return h.unsavedMessage(req, models.RoleError, content)
	}
	return msg
}

func (h *Handler) unsavedMessage(req Request, role models.Role, content string) *models.Message {
	now := h.now().UTC()
	return &models.Message{
		ID:        req.MessageID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// emitFinal sends msg as a snapshot followed by the terminal event.
func (h *Handler) emitFinal(ctx context.Context, logger *slog.Logger, msg *models.Message, sink Sink) error {
	if err := sink.Emit(ctx, SnapshotEvent(models.SnapshotFromMessage(msg))); err != nil {
		return h.sinkFailed(ctx, logger, err)
	}
	if err := sink.Emit(ctx, DoneEvent()); err != nil {
		return h.sinkFailed(ctx, logger, err)
	}
	return nil
}
