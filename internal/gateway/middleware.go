package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	traceIDHeader   = "X-Trace-ID"
)

// statusRecorder captures the response status while keeping the writer
// flushable for event streams.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument tags each request with a request ID, runs it inside a server
// span, logs it and records the HTTP metrics under the matched route pattern.
func instrument(next http.Handler, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := observability.AddRequestID(r.Context(), requestID)

		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)
		_ = observability.WithSpan(ctx, tracer, "http.request", func(ctx context.Context, span trace.Span) error {
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.request_id", observability.GetRequestID(ctx)),
			)
			if traceID := observability.GetTraceID(ctx); traceID != "" {
				w.Header().Set(traceIDHeader, traceID)
			}
			req = req.WithContext(ctx)
			next.ServeHTTP(rec, req)
			if rec.status >= http.StatusInternalServerError {
				return fmt.Errorf("status %d", rec.status)
			}
			return nil
		})

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := req.Pattern
		if _, path, ok := strings.Cut(route, " "); ok {
			route = path
		}
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed.Seconds())
		logger.DebugContext(ctx, "http request", "method", r.Method, "route", route, "status", status, "duration", elapsed)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "http request failed", "method", r.Method, "route", route, "status", status)
		}
	})
}
