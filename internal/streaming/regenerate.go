package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// emptySources is persisted when a regeneration fails.
var emptySources = json.RawMessage(`[]`)

// RegenerateStream re-aggregates a stream for an existing message, passing
// req (including any Resume state) through to Stream. If aggregation fails
// the message is overwritten with an error body, and an error snapshot and
// the terminal event are emitted. Cancellation and a departed consumer return
// without persisting.
func (h *Handler) RegenerateStream(ctx context.Context, body io.Reader, req Request, sink Sink) error {
	if req.MessageID == "" {
		return errors.New("message ID is required to regenerate")
	}
	err := h.stream(ctx, modeRegenerateStream, body, req, sink)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isSinkError(err) {
		return err
	}

	ctx, logger := h.begin(ctx, modeRegenerateStream, req)
	logger.ErrorContext(ctx, "error in streaming regeneration", "error", err)
	msg := h.persistRegenerationFailure(ctx, logger, req, messages.UpdateParams{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		UserID:    req.UserID,
		Content:   "Failed to regenerate response. " + err.Error(),
		Sources:   emptySources,
		Timestamp: req.Timestamp,
	})
	return h.emitFinal(ctx, logger, msg, sink)
}

// Regenerate performs call and replaces the content of req.MessageID with the
// extracted reply. On failure the message is updated with an error body and
// empty sources. The terminal event is always emitted unless ctx is
// cancelled.
func (h *Handler) Regenerate(ctx context.Context, call Call, req Request, sink Sink) error {
	start := h.now()
	ctx, logger := h.begin(ctx, modeRegenerate, req)
	ctx, span := h.tracer.TraceAggregation(ctx, modeRegenerate, req.MessageID)
	defer span.End()

	outcome := outcomeCompleted
	defer func() { h.finish(modeRegenerate, outcome, start) }()

	if req.MessageID == "" {
		outcome = outcomeFailed
		return errors.New("message ID is required to regenerate")
	}

	msg, err := h.regenerateOnce(ctx, call, req, start)
	if ctx.Err() != nil {
		outcome = outcomeCancelled
		return ctx.Err()
	}
	if err != nil {
		outcome = outcomeFailed
		h.tracer.RecordError(span, err)
		logger.ErrorContext(ctx, "error in non-streaming regeneration", "error", err)
		msg = h.persistRegenerationFailure(ctx, logger, req, messages.UpdateParams{
			SessionID: req.SessionID,
			MessageID: req.MessageID,
			UserID:    req.UserID,
			Content:   "Failed to regenerate response. " + err.Error() + " Please try again.",
			Sources:   emptySources,
			Timestamp: req.Timestamp,
		})
	}
	return h.emitFinal(ctx, logger, msg, sink)
}

func (h *Handler) regenerateOnce(ctx context.Context, call Call, req Request, start time.Time) (*models.Message, error) {
	reply, err := h.fetchReply(ctx, call)
	if err != nil {
		return nil, err
	}
	sources := reply.Sources
	if len(sources) == 0 {
		sources = emptySources
	}
	return h.store.UpdateMessage(ctx, messages.UpdateParams{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		UserID:    req.UserID,
		Content:   reply.Content,
		Sources:   sources,
		Metrics:   &models.Metrics{TotalTime: h.now().Sub(start).Seconds()},
		ToolCalls: reply.ToolCalls,
		Timestamp: req.Timestamp,
	})
}

// persistRegenerationFailure writes the error body over the target message.
// If that fails, an unsaved message is returned so the consumer still sees
// the error.
func (h *Handler) persistRegenerationFailure(ctx context.Context, logger *slog.Logger, req Request, params messages.UpdateParams) *models.Message {
	msg, err := h.store.UpdateMessage(ctx, params)
	if err != nil {
		logger.ErrorContext(ctx, "failed to persist regeneration error", "error", err)
		unsaved := h.unsavedMessage(req, models.RoleAssistant, params.Content)
		unsaved.Sources = params.Sources
		return unsaved
	}
	return msg
}
