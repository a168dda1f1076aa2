// Package streaming turns serving-endpoint output into assistant messages.
// It aggregates SSE streams into growing snapshots, handles one-shot
// responses, and wraps both for regeneration. Every completed path persists
// the message and ends with exactly one terminal event.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
)

const (
	modeStream           = "stream"
	modeRespond          = "respond"
	modeRegenerateStream = "regenerate_stream"
	modeRegenerate       = "regenerate"

	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Requester performs the network call to the serving endpoint.
type Requester interface {
	EnqueueRequest(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error)
}

// TraceExtractor pulls sources and a trace id out of a response or event.
type TraceExtractor interface {
	ExtractSourcesFromTrace(ctx context.Context, payload []byte) (json.RawMessage, string)
}

// Request identifies the reply being produced.
type Request struct {
	SessionID string
	MessageID string
	UserID    string
	UserInfo  map[string]any
	// Timestamp is the message timestamp shown on snapshots and kept on
	// updates. Zero means the aggregation start time.
	Timestamp time.Time
	// Update persists by updating MessageID instead of creating a message.
	Update bool
	// Endpoint keys the capability cache entry written after a stream.
	Endpoint      string
	SupportsTrace bool
	Resume        *Resume
}

// Call is a prepared serving request for the one-shot paths.
type Call struct {
	URL     string
	Headers http.Header
	Body    []byte
}

// Options configures a Handler.
type Options struct {
	Store        messages.Store
	Capabilities capability.Store
	Requester    Requester
	Extractor    TraceExtractor
	// Timeout bounds one-shot calls. Streams have no internal timeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Handler runs aggregations. It is safe for concurrent use; each call owns
// its own state.
type Handler struct {
	store        messages.Store
	capabilities capability.Store
	requester    Requester
	extractor    TraceExtractor
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	now          func() time.Time
}

// NewHandler creates a Handler. A message store is required; the requester is
// only needed by the one-shot paths.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = noProvenance{}
	}
	return &Handler{
		store:        opts.Store,
		capabilities: opts.Capabilities,
		requester:    opts.Requester,
		extractor:    extractor,
		timeout:      opts.Timeout,
		logger:       observability.LoggerOrDefault(opts.Logger).With("component", "streaming"),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		now:          now,
	}, nil
}

// begin tags ctx with the request identifiers the logger picks up.
func (h *Handler) begin(ctx context.Context, mode string, req Request) (context.Context, *slog.Logger) {
	ctx = observability.AddSessionID(ctx, req.SessionID)
	ctx = observability.AddUserID(ctx, req.UserID)
	if req.MessageID != "" {
		ctx = observability.AddMessageID(ctx, req.MessageID)
	}
	return ctx, h.logger.With("mode", mode)
}

func (h *Handler) finish(mode, outcome string, start time.Time) {
	h.metrics.RecordAggregation(mode, outcome, h.now().Sub(start).Seconds())
}

type noProvenance struct{}

func (noProvenance) ExtractSourcesFromTrace(context.Context, []byte) (json.RawMessage, string) {
	return nil, ""
}
