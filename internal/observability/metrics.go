package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/toolfmt"
)

// Metrics holds the Prometheus collectors for the gateway.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// AggregationCounter counts finished reply aggregations.
	// Labels: mode (stream|respond|regenerate_stream|regenerate), outcome (completed|failed|cancelled)
	AggregationCounter *prometheus.CounterVec

	// AggregationDuration measures the total time of a reply in seconds.
	// Labels: mode
	AggregationDuration *prometheus.HistogramVec

	// TimeToFirstToken measures the delay before the first content or tool event.
	TimeToFirstToken prometheus.Histogram

	// StreamEvents counts inbound stream events by shape.
	// Labels: shape (choices|delta_assistant|delta_tool|ignored)
	StreamEvents *prometheus.CounterVec

	// MalformedLines counts data lines whose payload was not JSON.
	MalformedLines prometheus.Counter

	// ToolBlocks counts formatted tool blocks appended to replies.
	// Labels: kind (call|response)
	ToolBlocks *prometheus.CounterVec

	// Normalizations counts tool responses by the strategy that decoded them.
	// Labels: kind (json|enveloped|literal|keyvalue|unstructured)
	Normalizations *prometheus.CounterVec

	// UpstreamRequests counts serving endpoint calls.
	// Labels: status_code ("error" when no response was received)
	UpstreamRequests *prometheus.CounterVec

	// UpstreamDuration measures serving endpoint latency until headers arrive.
	UpstreamDuration prometheus.Histogram

	// UpstreamRetries counts retried serving endpoint calls.
	UpstreamRetries prometheus.Counter

	// HTTPRequestCounter counts gateway HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures gateway HTTP request latency.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts message store queries.
	// Labels: operation, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures message store query latency.
	// Labels: operation
	DatabaseQueryDuration *prometheus.HistogramVec

	// CapabilityEntries tracks the number of cached endpoint capability entries.
	CapabilityEntries prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AggregationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_aggregations_total",
				Help: "Total number of reply aggregations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		AggregationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_aggregation_duration_seconds",
				Help:    "Total time to produce a reply in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		TimeToFirstToken: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assistant_time_to_first_token_seconds",
				Help:    "Delay before the first content or tool event of a streamed reply",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_stream_events_total",
				Help: "Total number of inbound stream events by shape",
			},
			[]string{"shape"},
		),

		MalformedLines: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_stream_malformed_lines_total",
				Help: "Total number of skipped data lines that were not valid JSON",
			},
		),

		ToolBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_tool_blocks_total",
				Help: "Total number of tool blocks appended to replies",
			},
			[]string{"kind"},
		),

		Normalizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_tool_normalizations_total",
				Help: "Total number of tool responses by decoding strategy",
			},
			[]string{"kind"},
		),

		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_upstream_requests_total",
				Help: "Total number of serving endpoint requests by status code",
			},
			[]string{"status_code"},
		),

		UpstreamDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assistant_upstream_request_duration_seconds",
				Help:    "Serving endpoint latency until response headers in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		UpstreamRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_upstream_retries_total",
				Help: "Total number of retried serving endpoint requests",
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_database_queries_total",
				Help: "Total number of message store queries",
			},
			[]string{"operation", "status"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_database_query_duration_seconds",
				Help:    "Duration of message store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		CapabilityEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "assistant_capability_entries",
				Help: "Number of cached endpoint capability entries",
			},
		),
	}
}

// RecordAggregation records a finished aggregation.
//
// Example:
//
//	metrics.RecordAggregation("stream", "completed", time.Since(start).Seconds())
func (m *Metrics) RecordAggregation(mode, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AggregationCounter.WithLabelValues(mode, outcome).Inc()
	if outcome != "cancelled" {
		m.AggregationDuration.WithLabelValues(mode).Observe(durationSeconds)
	}
}

// ObserveTimeToFirstToken records the first-token delay of a streamed reply.
func (m *Metrics) ObserveTimeToFirstToken(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstToken.Observe(seconds)
}

// RecordStreamEvent counts one inbound event by shape.
func (m *Metrics) RecordStreamEvent(shape string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(shape).Inc()
}

// RecordMalformedLine counts one skipped data line.
func (m *Metrics) RecordMalformedLine() {
	if m == nil {
		return
	}
	m.MalformedLines.Inc()
}

// RecordToolBlock counts one formatted tool block ("call" or "response").
func (m *Metrics) RecordToolBlock(kind string) {
	if m == nil {
		return
	}
	m.ToolBlocks.WithLabelValues(kind).Inc()
}

// RecordNormalization implements toolfmt.Recorder.
func (m *Metrics) RecordNormalization(kind toolfmt.Kind) {
	if m == nil {
		return
	}
	m.Normalizations.WithLabelValues(string(kind)).Inc()
}

// RecordUpstreamRequest records one serving endpoint attempt. A zero status
// code means the request failed before a response arrived.
func (m *Metrics) RecordUpstreamRequest(statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if statusCode > 0 {
		label = strconv.Itoa(statusCode)
	}
	m.UpstreamRequests.WithLabelValues(label).Inc()
	m.UpstreamDuration.Observe(durationSeconds)
}

// RecordUpstreamRetry counts one retried serving endpoint call.
func (m *Metrics) RecordUpstreamRetry() {
	if m == nil {
		return
	}
	m.UpstreamRetries.Inc()
}

// RecordHTTPRequest records metrics for a gateway HTTP request.
//
// Example:
//
//	metrics.RecordHTTPRequest("POST", "/api/chat", 200, time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordDatabaseQuery records metrics for a message store query.
func (m *Metrics) RecordDatabaseQuery(operation string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// SetCapabilityEntries sets the capability cache size gauge.
func (m *Metrics) SetCapabilityEntries(n int) {
	if m == nil {
		return
	}
	m.CapabilityEntries.Set(float64(n))
}
