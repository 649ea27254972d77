package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/metrics"
)

// dbTimeLayout is fixed width so that text comparison in SQL orders correctly.
const dbTimeLayout = "2006-01-02 15:04:05.000000000-07:00"

type SQLiteStore struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens the database and creates the schema. m may be nil.
func NewSQLiteStore(dataSourceName string, log zerolog.Logger, m *metrics.Metrics) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withDefaultParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:      db,
		log:     log.With().Str("component", "store").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// withDefaultParams adds a busy timeout and immediate write transactions
// unless the caller already configured the DSN.
func withDefaultParams(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_txlock=immediate"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        email TEXT NOT NULL DEFAULT '',
        phone TEXT NOT NULL DEFAULT '',
        company TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'new',
        notes TEXT NOT NULL DEFAULT '',
        auth_method TEXT NOT NULL DEFAULT 'anonymous',
        interest_level TEXT NOT NULL DEFAULT 'low',
        external_provider TEXT NOT NULL DEFAULT '',
        external_id TEXT NOT NULL DEFAULT '',
        external_email TEXT NOT NULL DEFAULT '',
        external_name TEXT NOT NULL DEFAULT '',
        password_hash TEXT NOT NULL DEFAULT '',
        active BOOLEAN NOT NULL DEFAULT TRUE,
        merged_into TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        last_seen DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- ULID
        user_id TEXT NOT NULL,
        summary TEXT NOT NULL DEFAULT '',
        interests TEXT NOT NULL DEFAULT '[]', -- JSON array
        lead_score INTEGER NOT NULL DEFAULT 1,
        started_at DATETIME NOT NULL,
        last_activity DATETIME NOT NULL,
        ended_at DATETIME,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, started_at);

    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        failed BOOLEAN NOT NULL DEFAULT FALSE,
        timestamp DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);

    CREATE TABLE IF NOT EXISTS facts (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        user_id TEXT NOT NULL,
        fact_type TEXT NOT NULL,
        fact_value TEXT NOT NULL,
        confidence REAL NOT NULL,
        source_text TEXT NOT NULL DEFAULT '',
        conversation_id TEXT NOT NULL DEFAULT '',
        extracted_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_facts_user_type ON facts (user_id, fact_type);

    CREATE TABLE IF NOT EXISTS page_views (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        path TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        viewed_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_page_views_user ON page_views (user_id, viewed_at);

    CREATE TABLE IF NOT EXISTS data_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source_id TEXT NOT NULL DEFAULT '',
        content TEXT NOT NULL,
        embedding_json TEXT -- Storing as JSON string of []float32
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside one transaction and records it as a single
// database operation.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s transaction: %w", op, err)
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn().Err(rbErr).Str("operation", op).Msg("rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDbOperation(op, time.Since(start), err)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("operation", op).Msg("database operation failed")
	}
}

// NewConversationID returns a fresh, time-sortable conversation id.
func NewConversationID() string {
	return ulid.Make().String()
}

func dbTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// parseDBTime handles values that lose their column type, such as aggregates.
func parseDBTime(v string) (time.Time, error) {
	for _, layout := range []string{dbTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// likePattern escapes LIKE wildcards and wraps the term for substring search.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(term))) + "%"
}
