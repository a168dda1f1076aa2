package observability

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/toolfmt"
)

func TestMetricsRecorders(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordAggregation("stream", "completed", 1.5)
	m.RecordAggregation("stream", "cancelled", 0.2)
	m.ObserveTimeToFirstToken(0.3)
	m.RecordStreamEvent("choices")
	m.RecordStreamEvent("choices")
	m.RecordMalformedLine()
	m.RecordToolBlock("call")
	m.RecordNormalization(toolfmt.KindKeyValue)
	m.RecordUpstreamRequest(503, 0.1)
	m.RecordUpstreamRequest(0, 0.1)
	m.RecordUpstreamRetry()
	m.RecordHTTPRequest("POST", "/api/chat", 200, 0.4)
	m.RecordDatabaseQuery("create", errors.New("boom"), 0.01)
	m.SetCapabilityEntries(4)

	if got := testutil.ToFloat64(m.AggregationCounter.WithLabelValues("stream", "completed")); got != 1 {
		t.Errorf("completed aggregations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamEvents.WithLabelValues("choices")); got != 2 {
		t.Errorf("choices events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MalformedLines); got != 1 {
		t.Errorf("malformed lines = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Normalizations.WithLabelValues("keyvalue")); got != 1 {
		t.Errorf("keyvalue normalizations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DatabaseQueryCounter.WithLabelValues("create", "error")); got != 1 {
		t.Errorf("failed creates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapabilityEntries); got != 4 {
		t.Errorf("capability entries = %v, want 4", got)
	}

	expected := `
		# HELP assistant_upstream_requests_total Total number of serving endpoint requests by status code
		# TYPE assistant_upstream_requests_total counter
		assistant_upstream_requests_total{status_code="503"} 1
		assistant_upstream_requests_total{status_code="error"} 1
	`
	if err := testutil.CollectAndCompare(m.UpstreamRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	// Cancelled aggregations are counted but not timed.
	if count := testutil.CollectAndCount(m.AggregationDuration); count != 1 {
		t.Errorf("Expected 1 duration series, got %d", count)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordAggregation("stream", "completed", 1)
	m.ObserveTimeToFirstToken(1)
	m.RecordStreamEvent("ignored")
	m.RecordMalformedLine()
	m.RecordToolBlock("response")
	m.RecordNormalization(toolfmt.KindJSON)
	m.RecordUpstreamRequest(200, 1)
	m.RecordUpstreamRetry()
	m.RecordHTTPRequest("GET", "/healthz", 200, 0)
	m.RecordDatabaseQuery("get", nil, 0)
	m.SetCapabilityEntries(1)
}

func TestNewMetricsOnSeparateRegistries(t *testing.T) {
	// Each registry gets its own collectors, so building twice must not panic.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
