package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/streaming"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/upstream"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

const (
	testURL      = "http://serving.test/serving-endpoints/agent/invocations"
	testEndpoint = "agent"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeServing answers stream and one-shot requests separately.
type fakeServing struct {
	streamBody string
	streamErr  error
	replyBody  string
	bodies     []string
}

func (f *fakeServing) EnqueueRequest(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error) {
	f.bodies = append(f.bodies, string(body))
	if gjson.GetBytes(body, "stream").Bool() {
		if f.streamErr != nil {
			return nil, f.streamErr
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(f.streamBody))}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(f.replyBody))}, nil
}

func (f *fakeServing) streamCalls() int {
	n := 0
	for _, b := range f.bodies {
		if gjson.Get(b, "stream").Bool() {
			n++
		}
	}
	return n
}

type testServer struct {
	server  *Server
	http    http.Handler
	store   *messages.MemoryStore
	caps    *capability.MemoryStore
	serving *fakeServing
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T, serving *fakeServing, configure ...func(*Config)) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	store := messages.NewMemoryStore()
	caps := capability.NewMemoryStore()
	now := func() time.Time { return testNow }

	handler, err := streaming.NewHandler(streaming.Options{
		Store:        store,
		Capabilities: caps,
		Requester:    serving,
		Extractor:    upstream.TraceExtractor{},
		Metrics:      metrics,
		Now:          now,
	})
	require.NoError(t, err)

	cfg := Config{
		Handler:        handler,
		Requester:      serving,
		Store:          store,
		Capabilities:   caps,
		InvocationsURL: testURL,
		Endpoint:       testEndpoint,
		Metrics:        metrics,
		Gatherer:       reg,
		Now:            now,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return &testServer{server: srv, http: srv.Handler(), store: store, caps: caps, serving: serving, reg: reg}
}

func (ts *testServer) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsReply(t *testing.T) {
	ts := newTestServer(t, &fakeServing{
		streamBody: "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n",
	})

	rec := ts.post(t, "/api/chat", `{"session_id":"s1","user_id":"u1","message_id":"m1","messages":[{"role":"user","content":"Which plants are at risk?"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	body := rec.Body.String()
	assert.Contains(t, body, `"content":"Hi there"`)
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {}\n\n"))
	assert.Equal(t, 1, strings.Count(body, "event: done"))

	require.Len(t, ts.serving.bodies, 1)
	assert.True(t, gjson.Get(ts.serving.bodies[0], "databricks_options.return_trace").Bool())

	stored, err := ts.store.ListBySession(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, "Hi there", stored[1].Content)
	assert.Equal(t, "m1", stored[1].ID)

	entry, ok, err := ts.caps.Get(context.Background(), testEndpoint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.SupportsStreaming)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.server.metrics.HTTPRequestCounter.WithLabelValues("POST", "/api/chat", "200")))
}

func TestChatSingleResponse(t *testing.T) {
	ts := newTestServer(t, &fakeServing{replyBody: `{"choices":[{"message":{"content":"Plant P3 is at risk."}}]}`})

	rec := ts.post(t, "/api/chat", `{"session_id":"s1","stream":false,"messages":[{"role":"user","content":"q"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"Plant P3 is at risk."`)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: done"))
	assert.Zero(t, ts.serving.streamCalls())
}

func TestChatFallsBackWhenStreamingRejected(t *testing.T) {
	ts := newTestServer(t, &fakeServing{
		streamErr: &upstream.StatusError{StatusCode: http.StatusBadRequest, Body: "stream not supported"},
		replyBody: `{"choices":[{"message":{"content":"fallback reply"}}]}`,
	})

	rec := ts.post(t, "/api/chat", `{"session_id":"s1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fallback reply")

	entry, ok, _ := ts.caps.Get(context.Background(), testEndpoint)
	require.True(t, ok)
	assert.False(t, entry.SupportsStreaming)

	rec = ts.post(t, "/api/chat", `{"session_id":"s1","messages":[{"role":"user","content":"again"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.serving.streamCalls(), "non-streaming endpoint is not probed again")
}

func TestChatTransientStreamFailureKeepsCapability(t *testing.T) {
	ts := newTestServer(t, &fakeServing{
		streamErr: &upstream.StatusError{StatusCode: http.StatusServiceUnavailable},
		replyBody: `{"choices":[{"message":{"content":"ok"}}]}`,
	})

	rec := ts.post(t, "/api/chat", `{"session_id":"s1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, _ := ts.caps.Get(context.Background(), testEndpoint)
	assert.False(t, ok)
}

func TestChatStreamingDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeServing{replyBody: `{"choices":[{"message":{"content":"ok"}}]}`},
		func(c *Config) { c.DisableStreaming = true })

	rec := ts.post(t, "/api/chat", `{"session_id":"s1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, ts.serving.streamCalls())
}

func TestChatRejectsInvalidBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing session", body: `{"messages":[{"role":"user","content":"q"}]}`},
		{name: "empty messages", body: `{"session_id":"s1","messages":[]}`},
		{name: "unknown field", body: `{"session_id":"s1","messages":[{"role":"user","content":"q"}],"model":"x"}`},
		{name: "bad stream flag", body: `{"session_id":"s1","stream":"yes","messages":[{"role":"user","content":"q"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeServing{})
			rec := ts.post(t, "/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.True(t, gjson.Get(rec.Body.String(), "error").Exists())
			assert.Empty(t, ts.serving.bodies)
		})
	}
}

func TestRegenerateRequiresMessageID(t *testing.T) {
	ts := newTestServer(t, &fakeServing{})
	rec := ts.post(t, "/api/chat/regenerate", `{"session_id":"s1","messages":[{"role":"user","content":"q"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegenerateReplacesMessage(t *testing.T) {
	ts := newTestServer(t, &fakeServing{replyBody: `{"choices":[{"message":{"content":"new answer"}}]}`})
	original := testNow.Add(-time.Hour)
	_, err := ts.store.CreateMessage(context.Background(), messages.CreateParams{
		MessageID: "m1", SessionID: "s1", Content: "old answer", Timestamp: original,
	})
	require.NoError(t, err)

	rec := ts.post(t, "/api/chat/regenerate",
		`{"session_id":"s1","message_id":"m1","stream":false,"original_timestamp":"2025-05-01T08:00:00Z","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "new answer")

	msg, err := ts.store.Get(context.Background(), "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "new answer", msg.Content)
	assert.True(t, msg.CreatedAt.Equal(original))
	stored, _ := ts.store.ListBySession(context.Background(), "s1", 0)
	assert.Len(t, stored, 1, "regeneration does not store the user turn again")
}

func TestRegenerateStreams(t *testing.T) {
	ts := newTestServer(t, &fakeServing{streamBody: "data: {\"choices\":[{\"delta\":{\"content\":\"streamed\"}}]}\n"})
	_, err := ts.store.CreateMessage(context.Background(), messages.CreateParams{MessageID: "m1", SessionID: "s1", Content: "old"})
	require.NoError(t, err)

	rec := ts.post(t, "/api/chat/regenerate", `{"session_id":"s1","message_id":"m1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	msg, err := ts.store.Get(context.Background(), "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "streamed", msg.Content)
}

func TestSessionMessages(t *testing.T) {
	ts := newTestServer(t, &fakeServing{})
	for _, content := range []string{"a", "b", "c"} {
		_, err := ts.store.CreateMessage(context.Background(), messages.CreateParams{SessionID: "s1", Content: content})
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", gjson.Get(rec.Body.String(), "session_id").String())
	assert.Equal(t, []string{"a", "b"}, stringsOf(gjson.Get(rec.Body.String(), "messages.#.content").Array()))

	rec = httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/empty/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, gjson.Get(rec.Body.String(), "messages").Raw)

	rec = httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, &fakeServing{})

	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `assistant_http_requests_total{method="GET",path="/healthz",status_code="200"} 1`)
}

func TestUnknownRouteIsRecorded(t *testing.T) {
	ts := newTestServer(t, &fakeServing{})
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.server.metrics.HTTPRequestCounter.WithLabelValues("GET", "unmatched", "404")))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	ts := newTestServer(t, &fakeServing{})
	require.NoError(t, ts.server.Start("127.0.0.1:0", time.Second))
	assert.Error(t, ts.server.Start("127.0.0.1:0", time.Second))

	resp, err := http.Get("http://" + ts.server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Stop(ctx))
	assert.Empty(t, ts.server.Addr())
	assert.NoError(t, ts.server.Stop(ctx))
}

func stringsOf(results []gjson.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.String())
	}
	return out
}
