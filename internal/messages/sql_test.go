package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

var columns = []string{
	"id", "session_id", "user_id", "role", "content", "sources", "metrics",
	"trace_id", "tool_calls", "user_info", "created_at", "updated_at",
}

func setupMockStore(t *testing.T, opts ...SQLOption) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, Postgres, opts...), mock
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	d, err = DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.DriverName)
	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestPostgresCreateMessage(t *testing.T) {
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	store, mock := setupMockStore(t, WithClock(func() time.Time { return fixed }), WithMetrics(metrics))

	mock.ExpectExec(`INSERT INTO messages \(id, session_id`).
		WithArgs(
			"m1", "s1", "u1", "assistant", "Hello",
			`[{"doc":"a"}]`,
			`{"timeToFirstToken":null,"totalTime":2}`,
			"tr-1",
			`[{"id":"c1"}]`,
			`{"name":"Ana"}`,
			fixed, fixed,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := store.CreateMessage(context.Background(), CreateParams{
		MessageID: "m1",
		SessionID: "s1",
		UserID:    "u1",
		Role:      models.RoleAssistant,
		Content:   "Hello",
		Sources:   json.RawMessage(`[{"doc":"a"}]`),
		Metrics:   &models.Metrics{TotalTime: 2},
		TraceID:   "tr-1",
		ToolCalls: []json.RawMessage{json.RawMessage(`{"id":"c1"}`)},
		UserInfo:  map[string]any{"name": "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DatabaseQueryCounter.WithLabelValues("insert", "success")))
}

func TestPostgresCreateMessageNullColumns(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "s1", "", "error", "boom", nil, nil, "", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := store.CreateErrorMessage(context.Background(), ErrorParams{SessionID: "s1", Content: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleError, msg.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateMessageError(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectExec(`INSERT INTO messages`).WillReturnError(errors.New("connection refused"))

	_, err := store.CreateMessage(context.Background(), CreateParams{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create message")
}

func TestPostgresUpdateMessage(t *testing.T) {
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	original := time.Date(2025, 4, 30, 8, 0, 0, 0, time.UTC)
	store, mock := setupMockStore(t, WithClock(func() time.Time { return fixed }))

	mock.ExpectExec(`UPDATE messages\s+SET content = \$1`).
		WithArgs("regenerated", `[]`, nil, nil, original, fixed, "m1", "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, session_id.* FROM messages WHERE id = \$1 AND session_id = \$2`).
		WithArgs("m1", "s1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"m1", "s1", "u1", "assistant", "regenerated", "[]", nil, "tr-1", nil, `{"email":"a@b.c"}`, original, fixed,
		))

	msg, err := store.UpdateMessage(context.Background(), UpdateParams{
		SessionID: "s1",
		MessageID: "m1",
		Content:   "regenerated",
		Sources:   json.RawMessage(`[]`),
		Timestamp: original,
	})
	require.NoError(t, err)
	assert.Equal(t, "regenerated", msg.Content)
	assert.Nil(t, msg.Metrics)
	assert.Equal(t, "a@b.c", msg.UserInfo["email"])
	assert.True(t, msg.CreatedAt.Equal(original))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMessageNotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectExec(`UPDATE messages`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateMessage(context.Background(), UpdateParams{SessionID: "s1", MessageID: "gone"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery(`SELECT`).WithArgs("m1", "s1").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "s1", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListBySession(t *testing.T) {
	store, mock := setupMockStore(t)
	ts := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE session_id = \$1 ORDER BY created_at ASC, id ASC LIMIT \$2`).
		WithArgs("s1", 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("m1", "s1", "u1", "user", "Q", nil, nil, "", nil, nil, ts, ts).
			AddRow("m2", "s1", "u1", "assistant", "A", `{"a":1}`, `{"timeToFirstToken":0.5,"totalTime":1}`, "tr", `[{"id":"c"}]`, nil, ts, ts))

	list, err := store.ListBySession(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.RoleUser, list[0].Role)
	assert.Equal(t, 0.5, *list[1].Metrics.TimeToFirstToken)
	assert.Len(t, list[1].ToolCalls, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTimeScan(t *testing.T) {
	want := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	for _, src := range []any{
		want,
		"2025-05-01 09:30:00+00:00",
		[]byte("2025-05-01T09:30:00Z"),
		"2025-05-01 09:30:00 +0000 UTC",
	} {
		var ts sqlTime
		require.NoError(t, ts.Scan(src))
		assert.True(t, ts.Equal(want), "src %v scanned as %v", src, ts.Time)
	}
	var ts sqlTime
	assert.Error(t, ts.Scan(42))
	assert.Error(t, ts.Scan("yesterday"))
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	store, err := Open(ctx, "sqlite", ":memory:", PoolConfig{}, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema bootstrap must be repeatable")

	_, err = store.CreateMessage(ctx, CreateParams{MessageID: "q1", SessionID: "s1", Role: models.RoleUser, Content: "How do we recover?"})
	require.NoError(t, err)

	clock = clock.Add(time.Second)
	ttft := 0.25
	_, err = store.CreateMessage(ctx, CreateParams{
		MessageID: "a1",
		SessionID: "s1",
		UserID:    "u1",
		Content:   "Draft",
		Metrics:   &models.Metrics{TimeToFirstToken: &ttft, TotalTime: 3},
		TraceID:   "tr-9",
		ToolCalls: []json.RawMessage{json.RawMessage(`{"id":"c1"}`)},
		UserInfo:  map[string]any{"email": "a@b.c"},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "Draft", got.Content)
	assert.Equal(t, 0.25, *got.Metrics.TimeToFirstToken)
	assert.Equal(t, "tr-9", got.TraceID)
	assert.JSONEq(t, `{"id":"c1"}`, string(got.ToolCalls[0]))
	assert.True(t, got.CreatedAt.Equal(clock))

	clock = clock.Add(time.Minute)
	updated, err := store.UpdateMessage(ctx, UpdateParams{SessionID: "s1", MessageID: "a1", Content: "Final", Sources: json.RawMessage(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Content)
	assert.Nil(t, updated.Metrics)
	assert.Nil(t, updated.ToolCalls)
	assert.True(t, updated.CreatedAt.Equal(clock.Add(-time.Minute)), "created_at kept without a timestamp")
	assert.True(t, updated.UpdatedAt.Equal(clock))

	list, err := store.ListBySession(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "q1", list[0].ID)
	assert.Equal(t, "a1", list[1].ID)

	_, err = store.UpdateMessage(ctx, UpdateParams{SessionID: "other", MessageID: "a1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "s1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsBadInput(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "", PoolConfig{})
	assert.Error(t, err)
	_, err = Open(context.Background(), "mysql", "dsn", PoolConfig{})
	assert.Error(t, err)
}
