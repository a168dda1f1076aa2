// Package upstream talks to the model serving endpoint: a rate-limited,
// retrying request queue plus extraction of sources and trace ids from
// serving responses.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
)

// maxErrorBody bounds the response excerpt kept on a StatusError.
const maxErrorBody = 2048

// StatusError reports a non-2xx answer from the serving endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server's requested wait, when it sent one.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("serving endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("serving endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// Token is sent as a bearer token unless the caller sets Authorization.
	Token string
	// RequestsPerSecond and Burst shape the request queue. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Retry             RetryPolicy
	Logger            *slog.Logger
	Metrics           *observability.Metrics
	Tracer            *observability.Tracer
}

// Client enqueues requests to the serving endpoint.
type Client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	sleep   func(context.Context, time.Duration) error
}

// NewClient creates a Client from opts.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		http:    httpClient,
		token:   opts.Token,
		limiter: limiter,
		retry:   opts.Retry,
		logger:  observability.LoggerOrDefault(opts.Logger).With("component", "upstream"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		sleep:   sleepContext,
	}
}

// EnqueueRequest waits for a slot in the request queue, then POSTs body to
// url. Connection errors, 429 and 5xx answers are retried with backoff; any
// other non-2xx answer is returned as a *StatusError. On success the caller
// owns the response body.
func (c *Client) EnqueueRequest(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error) {
	ctx, span := c.tracer.TraceUpstreamRequest(ctx, url)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retry.Delay(attempt)
			var se *StatusError
			if errors.As(lastErr, &se) {
				wait = max(wait, se.RetryAfter)
			}
			c.metrics.RecordUpstreamRetry()
			c.logger.Warn("retrying serving request", "attempt", attempt, "wait", wait, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("request queue: %w", err)
		}

		resp, err := c.do(ctx, url, headers, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			c.tracer.RecordError(span, err)
			return nil, ctx.Err()
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
	}
	c.tracer.RecordError(span, lastErr)
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.tracer.InjectHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(0, time.Since(start).Seconds())
		return nil, fmt.Errorf("serving request failed: %w", err)
	}
	c.metrics.RecordUpstreamRequest(resp.StatusCode, time.Since(start).Seconds())
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(excerpt)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
