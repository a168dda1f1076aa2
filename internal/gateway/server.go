// Package gateway serves the chat HTTP API: chat and regeneration requests
// are forwarded to the serving endpoint and the aggregated reply is streamed
// back as server-sent events.
package gateway

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/streaming"
)

// Config wires the gateway to its collaborators.
type Config struct {
	Handler      *streaming.Handler
	Requester    streaming.Requester
	Store        messages.Store
	Capabilities capability.Store

	// InvocationsURL is where chat requests are posted.
	InvocationsURL string
	// Endpoint names the serving endpoint in the capability cache.
	Endpoint         string
	MaxTokens        int
	DisableStreaming bool

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server is the HTTP front of the assistant.
type Server struct {
	handler      *streaming.Handler
	requester    streaming.Requester
	store        messages.Store
	caps         capability.Store
	url          string
	endpoint     string
	maxTokens    int
	noStreaming  bool
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	now          func() time.Time
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("gateway: streaming handler is required")
	}
	if cfg.Requester == nil {
		return nil, errors.New("gateway: requester is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: message store is required")
	}
	if cfg.InvocationsURL == "" {
		return nil, errors.New("gateway: invocations URL is required")
	}
	if err := initSchemas(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		handler:     cfg.Handler,
		requester:   cfg.Requester,
		store:       cfg.Store,
		caps:        cfg.Capabilities,
		url:         cfg.InvocationsURL,
		endpoint:    cfg.Endpoint,
		maxTokens:   cfg.MaxTokens,
		noStreaming: cfg.DisableStreaming,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		gatherer:    gatherer,
		logger:      observability.LoggerOrDefault(cfg.Logger),
		now:         now,
	}, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/regenerate", s.handleRegenerate)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	return instrument(mux, s.metrics, s.tracer, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
