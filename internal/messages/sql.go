package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/pkg/models"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	Name       string
	DriverName string
	// Numbered placeholders ($1, $2) instead of '?'.
	Numbered bool
	// TimeType is the column type used for timestamps.
	TimeType string
}

var (
	// Postgres uses lib/pq.
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", Numbered: true, TimeType: "TIMESTAMPTZ"}
	// SQLite uses the pure-Go modernc.org/sqlite driver.
	SQLite = Dialect{Name: "sqlite", DriverName: "sqlite", TimeType: "TIMESTAMP"}
)

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites '?' placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

const messageColumns = `id, session_id, user_id, role, content, sources, metrics, trace_id, tool_calls, user_info, created_at, updated_at`

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithMetrics records query counts and latency.
func WithMetrics(m *observability.Metrics) SQLOption {
	return func(s *SQLStore) { s.metrics = m }
}

// WithTracer wraps queries in spans.
func WithTracer(t *observability.Tracer) SQLOption {
	return func(s *SQLStore) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) { s.now = now }
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database named by driver and dsn and verifies the
// connection.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig, opts ...SQLOption) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// One writer at a time; in-memory databases are per connection.
		db.SetMaxOpenConns(1)
	} else if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	timeout := pool.PingTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewSQLStore(db, dialect, opts...), nil
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the messages table and its index when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	sources TEXT,
	metrics TEXT,
	trace_id TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	user_info TEXT,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
)`, s.dialect.TimeType),
		`CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.TraceDatabaseQuery(ctx, operation, "messages")
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.tracer.RecordError(span, err)
		}
		span.End()
		s.metrics.RecordDatabaseQuery(operation, err, time.Since(start).Seconds())
	}
}

func (s *SQLStore) CreateMessage(ctx context.Context, params CreateParams) (msg *models.Message, err error) {
	if params.SessionID == "" {
		return nil, errors.New("session ID is required")
	}
	ctx, done := s.observe(ctx, "insert")
	defer func() { done(err) }()

	msg = newMessage(params, s.now().UTC())
	row, err := encodeRow(msg)
	if err != nil {
		return nil, err
	}
	query := s.dialect.rebind(`INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Role), msg.Content,
		row.sources, row.metrics, msg.TraceID, row.toolCalls, row.userInfo,
		msg.CreatedAt, msg.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, params UpdateParams) (msg *models.Message, err error) {
	if err := validateKey(params.SessionID, params.MessageID); err != nil {
		return nil, err
	}
	ctx, done := s.observe(ctx, "update")
	defer func() { done(err) }()

	row, err := encodeRow(&models.Message{Sources: params.Sources, Metrics: params.Metrics, ToolCalls: params.ToolCalls})
	if err != nil {
		return nil, err
	}
	var createdAt any
	if !params.Timestamp.IsZero() {
		createdAt = params.Timestamp.UTC()
	}
	query := s.dialect.rebind(`UPDATE messages
SET content = ?, sources = ?, metrics = ?, tool_calls = ?, created_at = COALESCE(?, created_at), updated_at = ?
WHERE id = ? AND session_id = ?`)
	result, err := s.db.ExecContext(ctx, query,
		params.Content, row.sources, row.metrics, row.toolCalls, createdAt, s.now().UTC(),
		params.MessageID, params.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.get(ctx, params.SessionID, params.MessageID)
}

func (s *SQLStore) CreateErrorMessage(ctx context.Context, params ErrorParams) (*models.Message, error) {
	return s.CreateMessage(ctx, params.createParams())
}

func (s *SQLStore) Get(ctx context.Context, sessionID, messageID string) (msg *models.Message, err error) {
	ctx, done := s.observe(ctx, "select")
	defer func() { done(err) }()
	return s.get(ctx, sessionID, messageID)
}

func (s *SQLStore) get(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	query := s.dialect.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE id = ? AND session_id = ?`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) ListBySession(ctx context.Context, sessionID string, limit int) (out []*models.Message, err error) {
	ctx, done := s.observe(ctx, "list")
	defer func() { done(err) }()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// encodedRow holds the JSON columns of a message; nil means SQL NULL.
type encodedRow struct {
	sources   any
	metrics   any
	toolCalls any
	userInfo  any
}

func encodeRow(msg *models.Message) (encodedRow, error) {
	var row encodedRow
	if len(msg.Sources) > 0 {
		row.sources = string(msg.Sources)
	}
	if msg.Metrics != nil {
		data, err := json.Marshal(msg.Metrics)
		if err != nil {
			return row, fmt.Errorf("failed to encode metrics: %w", err)
		}
		row.metrics = string(data)
	}
	if msg.ToolCalls != nil {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return row, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		row.toolCalls = string(data)
	}
	if msg.UserInfo != nil {
		data, err := json.Marshal(msg.UserInfo)
		if err != nil {
			return row, fmt.Errorf("failed to encode user info: %w", err)
		}
		row.userInfo = string(data)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                  models.Message
		role                 string
		sources, metrics     sql.NullString
		toolCalls, userInfo  sql.NullString
		createdAt, updatedAt sqlTime
	)
	if err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.UserID, &role, &msg.Content,
		&sources, &metrics, &msg.TraceID, &toolCalls, &userInfo,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = createdAt.Time
	msg.UpdatedAt = updatedAt.Time

	if sources.Valid && sources.String != "" {
		msg.Sources = json.RawMessage(sources.String)
	}
	if metrics.Valid && metrics.String != "" {
		msg.Metrics = &models.Metrics{}
		if err := json.Unmarshal([]byte(metrics.String), msg.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to decode tool calls: %w", err)
		}
	}
	if userInfo.Valid && userInfo.String != "" {
		if err := json.Unmarshal([]byte(userInfo.String), &msg.UserInfo); err != nil {
			return nil, fmt.Errorf("failed to decode user info: %w", err)
		}
	}
	return &msg, nil
}

// sqlTime scans timestamps from drivers that return time.Time as well as
// from SQLite text columns.
type sqlTime struct {
	time.Time
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	// time.Time.String() output, which some drivers store verbatim.
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (t *sqlTime) parse(s string) error {
	if i := strings.Index(s, " m=+"); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}
