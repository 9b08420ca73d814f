// Package store implements engram's SQLite storage layer: the bounded
// conversation store, session and lifecycle tables, ambient events, and
// persisted temporal correlations. One database file, one writer process;
// composite operations run inside a single transaction.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"engram/internal/logging"
	"engram/internal/types"

	_ "modernc.org/sqlite"
)

// DefaultMaxConversations bounds the conversation store; the oldest
// conversation is evicted FIFO once the bound is reached.
const DefaultMaxConversations = 20

// Store is the SQLite-backed memory store.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	maxConvs int
}

// queryer is satisfied by both *sql.DB and *sql.Tx so row-level helpers can
// run inside or outside a transaction.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// New initializes the SQLite database at the given path.
// Pass ":memory:" for an ephemeral store (tests).
func New(path string, maxConversations int) (*Store, error) {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; concurrent readers go through WAL. One pooled
	// connection also keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, maxConvs: maxConversations}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store opened: path=%s max_conversations=%d", path, maxConversations)
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		last_activity DATETIME NOT NULL,
		conversation_count INTEGER DEFAULT 0,
		idle_threshold_sec INTEGER NOT NULL DEFAULT 7200
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_path, started_at);
	`

	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		summary TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		message_count INTEGER DEFAULT 0,
		session_id TEXT,
		workflow_state TEXT,
		conversation_type TEXT NOT NULL DEFAULT 'interactive',
		quality_score REAL,
		semantic_elements TEXT DEFAULT '{}',
		is_active INTEGER DEFAULT 0,
		last_activity DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
		ON conversations(session_id) WHERE is_active = 1;
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`

	entitiesTable := `
	CREATE TABLE IF NOT EXISTS conversation_entities (
		conversation_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		PRIMARY KEY (conversation_id, entity)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_entity ON conversation_entities(entity);
	`

	ambientTable := `
	CREATE TABLE IF NOT EXISTS ambient_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		conversation_id TEXT,
		event_type TEXT NOT NULL,
		file_path TEXT,
		pattern TEXT DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0,
		summary TEXT DEFAULT '',
		timestamp DATETIME NOT NULL,
		metadata TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_ambient_session_time ON ambient_events(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_ambient_conversation ON ambient_events(conversation_id);
	`

	lifecycleTable := `
	CREATE TABLE IF NOT EXISTS conversation_lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		session_id TEXT,
		event_type TEXT NOT NULL,
		old_state TEXT DEFAULT '',
		new_state TEXT DEFAULT '',
		"trigger" TEXT DEFAULT '',
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_conversation
		ON conversation_lifecycle_events(conversation_id, timestamp);
	`

	correlationsTable := `
	CREATE TABLE IF NOT EXISTS temporal_correlations (
		turn_id INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		correlation_type TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		time_diff_seconds REAL NOT NULL,
		match_details TEXT DEFAULT '{}',
		PRIMARY KEY (turn_id, event_id, correlation_type)
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_turn ON temporal_correlations(turn_id);
	`

	evictionTable := `
	CREATE TABLE IF NOT EXISTS eviction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT 'evicted',
		timestamp DATETIME NOT NULL,
		details TEXT DEFAULT ''
	);
	`

	tables := []string{
		sessionsTable, conversationsTable, messagesTable, entitiesTable,
		ambientTable, lifecycleTable, correlationsTable, evictionTable,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// MaxConversations returns the configured capacity bound.
func (s *Store) MaxConversations() int {
	return s.maxConvs
}

// GetDB exposes the raw handle for migrations and tests.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Tx wraps a SQL transaction with tx-scoped store operations so composite
// operations (eviction+insert, lifecycle transition+state update,
// correlation batch writes) commit or roll back as one unit.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// WithTx runs fn inside a single transaction, holding the store write lock.
// Any error from fn rolls the transaction back and is wrapped as a
// StorageError unless it already carries a typed error.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		return types.NewStorageError("begin", err)
	}

	if err := fn(&Tx{tx: sqlTx, s: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Error("Rollback failed: %v (after: %v)", rbErr, err)
		}
		if types.IsValidation(err) || types.IsStorage(err) {
			return err
		}
		return types.NewStorageError("tx", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return types.NewStorageError("commit", err)
	}
	return nil
}

// GetStats returns per-table row counts.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"sessions", "conversations", "messages", "conversation_entities",
		"ambient_events", "conversation_lifecycle_events",
		"temporal_correlations", "eviction_log",
	}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			continue
		}
		stats[table] = count
	}

	return stats, nil
}

// likePattern escapes a user-supplied term for a LIKE scan.
func likePattern(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, "%", `\%`)
	term = strings.ReplaceAll(term, "_", `\_`)
	return "%" + term + "%"
}
