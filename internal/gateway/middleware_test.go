package gateway

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
)

func TestInstrument(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		requestID  string
		wantStatus string
		wantLogErr bool
	}{
		{
			name:       "implicit ok",
			wantStatus: "200",
		},
		{
			name:       "server error is logged",
			status:     http.StatusBadGateway,
			wantStatus: "502",
			wantLogErr: true,
		},
		{
			name:       "caller request id is kept",
			status:     http.StatusAccepted,
			requestID:  "req-42",
			wantStatus: "202",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			metrics := observability.NewMetrics(prometheus.NewRegistry())

			var seenID string
			mux := http.NewServeMux()
			mux.HandleFunc("GET /things/{id}", func(w http.ResponseWriter, r *http.Request) {
				seenID = observability.GetRequestID(r.Context())
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte("ok"))
			})

			req := httptest.NewRequest(http.MethodGet, "/things/7", nil)
			if tt.requestID != "" {
				req.Header.Set(requestIDHeader, tt.requestID)
			}
			rec := httptest.NewRecorder()
			instrument(mux, metrics, nil, logger).ServeHTTP(rec, req)

			got := testutil.ToFloat64(metrics.HTTPRequestCounter.WithLabelValues("GET", "/things/{id}", tt.wantStatus))
			if got != 1 {
				t.Errorf("request counter = %v, want 1", got)
			}
			if seenID == "" || rec.Header().Get(requestIDHeader) != seenID {
				t.Errorf("request id in context %q, header %q", seenID, rec.Header().Get(requestIDHeader))
			}
			if tt.requestID != "" && seenID != tt.requestID {
				t.Errorf("request id = %q, want %q", seenID, tt.requestID)
			}
			if hasErr := strings.Contains(logBuf.String(), "http request failed"); hasErr != tt.wantLogErr {
				t.Errorf("error logged = %v, want %v; logs: %s", hasErr, tt.wantLogErr, logBuf.String())
			}
		})
	}
}

func TestInstrumentRecordsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := observability.NewTracerFromProvider(provider, "gateway-test")
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set(requestIDHeader, "req-9")
	rec := httptest.NewRecorder()
	instrument(mux, metrics, tracer, logger).ServeHTTP(rec, req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if got := rec.Header().Get(traceIDHeader); got != span.SpanContext().TraceID().String() {
		t.Errorf("trace header = %q, want %q", got, span.SpanContext().TraceID())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want error for a 500", span.Status().Code)
	}
	var requestID string
	for _, attr := range span.Attributes() {
		if attr.Key == "http.request_id" {
			requestID = attr.Value.AsString()
		}
	}
	if requestID != "req-9" {
		t.Errorf("span request id = %q, want req-9", requestID)
	}
}

func TestStatusRecorderFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}
	var w http.ResponseWriter = sr
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("statusRecorder does not implement http.Flusher")
	}
	f.Flush()
	if !rec.Flushed {
		t.Error("flush was not forwarded")
	}
	if sr.Unwrap() != rec {
		t.Error("Unwrap did not return the wrapped writer")
	}
}
