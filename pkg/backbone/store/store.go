// Package store persists backbone state in SQL: dead-letter entries, lineage
// edges, the ingest journal, the producer outbox and audit records.
//
// A Store implements deadletter.Store, lineage.EdgeStore, pipeline.Journal
// and audit.Sink, and Store.Outbox returns its pipeline.Outbox. SQLite
// (modernc.org/sqlite) suits a single process; Postgres (pgx) lets several
// backbone instances share state.
//
//	st, err := store.OpenSQLite(ctx, "./backbone.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	b, err := bus.New(
//	    bus.WithDeadLetters(st),
//	    bus.WithEdgeStore(st),
//	    bus.WithJournal(st),
//	    bus.WithOutbox(st.Outbox()),
//	)
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	_ "modernc.org/sqlite"             // Pure Go SQLite driver

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Compile-time interface checks.
var (
	_ deadletter.Store  = (*Store)(nil)
	_ lineage.EdgeStore = (*Store)(nil)
	_ pipeline.Journal  = (*Store)(nil)
	_ audit.Sink        = (*Store)(nil)
	_ pipeline.Outbox   = (*Outbox)(nil)
)

type dialect struct {
	name      string
	serial    string // auto-increment primary key column type
	forUpdate string // row lock suffix for read-modify-write
	dollar    bool   // $n placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:      "postgres",
		serial:    "BIGSERIAL PRIMARY KEY",
		forUpdate: " FOR UPDATE",
		dollar:    true,
	}
)

// Store is a SQL-backed store for backbone state. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect

	mu     sync.RWMutex
	closed bool
}

// Open opens a store for a configured driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// OpenSQLite opens or creates a SQLite database at path.
// The path should be a file path (e.g., "./backbone.db") or ":memory:" for testing.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer. A single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return newStore(ctx, db, sqliteDialect)
}

// OpenPostgres connects to Postgres through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newStore(ctx, db, postgresDialect)
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			error_class TEXT NOT NULL,
			class TEXT NOT NULL,
			envelope TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			first_seen_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL,
			replayed_at BIGINT NOT NULL DEFAULT 0,
			replay_event_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_backlog
		 ON dead_letters(replayed_at, first_seen_at)`,

		`CREATE TABLE IF NOT EXISTS lineage_edges (
			seq ` + s.dialect.serial + `,
			child_id TEXT NOT NULL UNIQUE,
			parent_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lineage_edges_correlation
		 ON lineage_edges(correlation_id, seq)`,

		`CREATE TABLE IF NOT EXISTS ingest_journal (
			seq ` + s.dialect.serial + `,
			id TEXT NOT NULL UNIQUE,
			envelope TEXT NOT NULL,
			delivered_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_journal_pending
		 ON ingest_journal(delivered_at, seq)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			due_at BIGINT NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due
		 ON outbox(status, due_at)`,

		`CREATE TABLE IF NOT EXISTS audit_records (
			seq ` + s.dialect.serial + `,
			kind TEXT NOT NULL,
			at BIGINT NOT NULL,
			event_id TEXT NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_kind
		 ON audit_records(kind, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string {
	return s.dialect.name
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// acquire guards an operation against a concurrent Close.
func (s *Store) acquire() (release func(), err error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

// q rewrites ? placeholders for the dialect.
func (s *Store) q(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rowsAffected is res.RowsAffected with the error wrapped. Every write
// relies on the count, so a driver that cannot report it is an error.
func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
