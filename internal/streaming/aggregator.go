package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/toolfmt"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

const (
	dataPrefix   = "data: "
	maxLineBytes = 1024 * 1024

	shapeChoices        = "choices"
	shapeDeltaAssistant = "delta_assistant"
	shapeDeltaTool      = "delta_tool"
	shapeIgnored        = "ignored"
)

// Stream aggregates an SSE body from the serving endpoint. Each data event
// that changes or keeps alive the reply produces a snapshot on sink. When the
// body ends the message is persisted, the endpoint's capability entry is
// refreshed (for new messages) and a single terminal event is emitted.
//
// Read, sink and store failures are logged and returned without a terminal
// event. Cancellation returns ctx.Err() and persists nothing.
func (h *Handler) Stream(ctx context.Context, body io.Reader, req Request, sink Sink) error {
	return h.stream(ctx, modeStream, body, req, sink)
}

func (h *Handler) stream(ctx context.Context, mode string, body io.Reader, req Request, sink Sink) (err error) {
	start := h.now()
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	ctx, logger := h.begin(ctx, mode, req)
	ctx, span := h.tracer.TraceAggregation(ctx, mode, req.MessageID)
	defer span.End()
	defer func() {
		switch {
		case err == nil:
			h.finish(mode, outcomeCompleted, start)
		case ctx.Err() != nil || isSinkError(err):
			h.finish(mode, outcomeCancelled, start)
		default:
			h.tracer.RecordError(span, err)
			h.finish(mode, outcomeFailed, start)
		}
	}()

	st := newState(req.MessageID, start, req.Timestamp, req.Resume)

	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		line, oversized, readErr := readLine(reader, maxLineBytes)
		if err := ctx.Err(); err != nil {
			return err
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			logger.ErrorContext(ctx, "error in streaming response", "error", readErr)
			return fmt.Errorf("read stream: %w", readErr)
		}
		if oversized {
			h.metrics.RecordMalformedLine()
			logger.WarnContext(ctx, "skipping oversized stream line", "limit_bytes", maxLineBytes)
			continue
		}

		payload, ok := strings.CutPrefix(string(line), dataPrefix)
		if !ok {
			continue
		}
		if !gjson.Valid(payload) {
			if strings.TrimSpace(payload) != "[DONE]" {
				h.metrics.RecordMalformedLine()
				logger.DebugContext(ctx, "skipping malformed stream line", "line", truncate(payload, 200))
			}
			continue
		}

		emit, withResponses := h.applyEvent(ctx, st, payload)
		if !emit {
			continue
		}
		if err := sink.Emit(ctx, SnapshotEvent(st.snapshot(h.now(), withResponses))); err != nil {
			return h.sinkFailed(ctx, logger, err)
		}
	}

	if err := st.advance(PhaseFinalizing); err != nil {
		return err
	}
	st.elapsed(h.now())
	if err := h.persistStream(ctx, logger, st, req); err != nil {
		return err
	}

	if err := st.advance(PhaseDone); err != nil {
		return err
	}
	if err := sink.Emit(ctx, DoneEvent()); err != nil {
		return h.sinkFailed(ctx, logger, err)
	}
	logger.InfoContext(ctx, "stream aggregated",
		"content_length", len(st.Content()),
		"tool_calls", len(st.ToolCalls),
		"tool_responses", len(st.ToolResponses),
		"total_time", st.TotalTime,
	)
	return nil
}

// applyEvent folds one parsed event into st and reports whether a snapshot
// should follow and whether it carries tool responses.
func (h *Handler) applyEvent(ctx context.Context, st *State, payload string) (emit, withResponses bool) {
	event := gjson.Parse(payload)

	if choices := event.Get("choices"); choices.IsArray() && len(choices.Array()) > 0 {
		h.metrics.RecordStreamEvent(shapeChoices)
		h.firstToken(st)
		delta := choices.Array()[0].Get("delta")
		appendToolCalls(st, delta.Get("tool_calls"))
		if content := delta.Get("content"); content.Type == gjson.String {
			st.appendContent(content.Str)
		}
		if hasProvenance(event) {
			st.applyProvenance(h.extractor.ExtractSourcesFromTrace(ctx, []byte(payload)))
		}
		return true, false
	}

	delta := event.Get("delta")
	role := delta.Get("role")
	if !delta.IsObject() || !role.Exists() {
		h.metrics.RecordStreamEvent(shapeIgnored)
		return false, false
	}
	if hasProvenance(event) {
		st.applyProvenance(h.extractor.ExtractSourcesFromTrace(ctx, []byte(payload)))
	}
	content := delta.Get("content")
	hasContent := content.Type == gjson.String && content.Str != ""

	switch {
	case role.Str == string(models.RoleAssistant) && delta.Get("tool_calls").Exists():
		h.metrics.RecordStreamEvent(shapeDeltaAssistant)
		h.firstToken(st)
		for _, call := range appendToolCalls(st, delta.Get("tool_calls")) {
			st.appendContent(toolfmt.FormatToolCallFragment(call))
			h.metrics.RecordToolBlock("call")
		}
		if hasContent {
			st.appendContent(content.Str)
		}
		return true, false

	case role.Str == string(models.RoleTool):
		if !hasContent {
			h.metrics.RecordStreamEvent(shapeIgnored)
			return false, false
		}
		h.metrics.RecordStreamEvent(shapeDeltaTool)
		h.firstToken(st)
		st.ToolResponses = append(st.ToolResponses, content.Str)
		st.appendContent(toolfmt.FormatToolResponseWith(content.Str, h.metrics))
		h.metrics.RecordToolBlock("response")
		return true, true

	case role.Str == string(models.RoleAssistant) && hasContent:
		h.metrics.RecordStreamEvent(shapeDeltaAssistant)
		h.firstToken(st)
		st.appendContent(content.Str)
		return true, false
	}

	h.metrics.RecordStreamEvent(shapeIgnored)
	return false, false
}

func (h *Handler) firstToken(st *State) {
	if st.markFirstToken(h.now()) {
		h.metrics.ObserveTimeToFirstToken(*st.TimeToFirstToken)
	}
}

// appendToolCalls appends each element of calls verbatim and returns the
// newly added fragments.
func appendToolCalls(st *State, calls gjson.Result) []json.RawMessage {
	if !calls.IsArray() {
		return nil
	}
	var added []json.RawMessage
	for _, call := range calls.Array() {
		raw := json.RawMessage(call.Raw)
		st.ToolCalls = append(st.ToolCalls, raw)
		added = append(added, raw)
	}
	return added
}

func hasProvenance(event gjson.Result) bool {
	return event.Get("databricks_output").Exists() || event.Get("trace").Exists() || event.Get("trace_id").Exists()
}

func (h *Handler) persistStream(ctx context.Context, logger *slog.Logger, st *State, req Request) error {
	if req.Update {
		_, err := h.store.UpdateMessage(ctx, messages.UpdateParams{
			SessionID: req.SessionID,
			MessageID: req.MessageID,
			UserID:    req.UserID,
			Content:   st.Content(),
			Sources:   st.Sources,
			Metrics:   st.metrics(),
			ToolCalls: st.toolCalls(),
			Timestamp: req.Timestamp,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to update streamed message", "error", err)
			return fmt.Errorf("update message: %w", err)
		}
		return nil
	}

	_, err := h.store.CreateMessage(ctx, messages.CreateParams{
		MessageID: req.MessageID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      models.RoleAssistant,
		Content:   st.Content(),
		UserInfo:  req.UserInfo,
		Sources:   st.Sources,
		Metrics:   st.metrics(),
		TraceID:   st.TraceID,
		ToolCalls: st.toolCalls(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to create streamed message", "error", err)
		return fmt.Errorf("create message: %w", err)
	}

	if h.capabilities != nil && req.Endpoint != "" {
		entry := capability.Entry{
			SupportsStreaming: true,
			SupportsTrace:     req.SupportsTrace || st.TraceID != "",
			LastChecked:       h.now(),
		}
		if err := h.capabilities.Set(ctx, req.Endpoint, entry); err != nil {
			logger.WarnContext(ctx, "failed to record endpoint capability", "endpoint", req.Endpoint, "error", err)
		}
	}
	return nil
}

func (h *Handler) sinkFailed(ctx context.Context, logger *slog.Logger, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	logger.WarnContext(ctx, "consumer stopped receiving events", "error", err)
	return &SinkError{Err: err}
}

func isSinkError(err error) bool {
	var sinkErr *SinkError
	return errors.As(err, &sinkErr)
}

// readLine returns the next line without its terminator. A line longer than
// limit is drained from r and reported as oversized with no content. A final
// unterminated line is returned before io.EOF.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit+len("\r\n") {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 && !oversized {
				return nil, false, io.EOF
			}
		case err != nil:
			return nil, false, err
		}
		return bytes.TrimRight(line, "\r\n"), oversized, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
