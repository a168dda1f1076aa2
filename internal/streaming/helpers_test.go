package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

var fixedNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	handler *Handler
	store   *messages.MemoryStore
	caps    *capability.MemoryStore
	metrics *observability.Metrics
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   messages.NewMemoryStore(),
		caps:    capability.NewMemoryStore(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{
		Store:        f.store,
		Capabilities: f.caps,
		Metrics:      f.metrics,
		Now:          func() time.Time { return fixedNow },
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	f.handler = h
	return f
}

func sseBody(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func doneCount(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == EventDone {
			n++
		}
	}
	return n
}

// stubExtractor returns canned provenance for payloads containing a marker.
type stubExtractor struct {
	sources json.RawMessage
	traceID string
	calls   int
}

func (s *stubExtractor) ExtractSourcesFromTrace(_ context.Context, payload []byte) (json.RawMessage, string) {
	s.calls++
	if strings.Contains(string(payload), `"trace_id":"`) {
		return s.sources, s.traceID
	}
	return nil, ""
}

// stubRequester answers every call with body and status, or err.
type stubRequester struct {
	status int
	body   string
	err    error
	calls  int
	onCall func()
}

func (s *stubRequester) EnqueueRequest(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error) {
	s.calls++
	if s.onCall != nil {
		s.onCall()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

// failingStore fails the selected operations.
type failingStore struct {
	messages.Store
	failCreate bool
	failUpdate bool
	failError  bool
}

var errStoreDown = errors.New("store unavailable")

func (f failingStore) CreateMessage(ctx context.Context, p messages.CreateParams) (*models.Message, error) {
	if f.failCreate {
		return nil, errStoreDown
	}
	return f.Store.CreateMessage(ctx, p)
}

func (f failingStore) UpdateMessage(ctx context.Context, p messages.UpdateParams) (*models.Message, error) {
	if f.failUpdate {
		return nil, errStoreDown
	}
	return f.Store.UpdateMessage(ctx, p)
}

func (f failingStore) CreateErrorMessage(ctx context.Context, p messages.ErrorParams) (*models.Message, error) {
	if f.failError {
		return nil, errStoreDown
	}
	return f.Store.CreateErrorMessage(ctx, p)
}

// errReader yields data then fails.
type errReader struct {
	data io.Reader
	err  error
}

func (r *errReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}
