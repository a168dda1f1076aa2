// Package observability provides logging, metrics and tracing for the
// assistant gateway.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (bearer
// tokens, Databricks personal access tokens, API keys) and adds the
// correlation fields stored in the context by AddRequestID, AddSessionID,
// AddUserID and AddMessageID:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.InfoContext(ctx, "stream finished", "message_id", id)
//
// # Metrics
//
// Metrics registers Prometheus collectors on the registerer it is given.
// Every method is safe on a nil *Metrics, so components can run without
// instrumentation in tests.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordAggregation("stream", "completed", elapsed.Seconds())
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op provider otherwise.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "supply-chain-assistant",
//	    Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
