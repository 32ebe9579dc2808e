package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 100

// SQLiteSink stores audit events in a SQLite database.
//
// The database runs in WAL mode with a single open connection, since SQLite
// only supports one writer.
type SQLiteSink struct {
	db        *sql.DB
	closeOnce sync.Once

	insertStmt *sql.Stmt
	recentStmt *sql.Stmt
	pruneStmt  *sql.Stmt
}

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is allowed for tests.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteSink opens (and if needed creates) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	return NewSQLiteSinkWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteSinkWithConfig opens the audit database described by cfg.
func NewSQLiteSinkWithConfig(cfg SQLiteConfig) (*SQLiteSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteSink{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		occurred_at INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		identifier TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_occurred_at ON audit_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO audit_events (id, occurred_at, event_type, ip, identifier, role, category, path, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.recentStmt, err = s.db.Prepare(`
		SELECT id, occurred_at, event_type, ip, identifier, role, category, path, detail
		FROM audit_events
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent statement: %w", err)
	}

	s.pruneStmt, err = s.db.Prepare(`
		DELETE FROM audit_events
		WHERE occurred_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare prune statement: %w", err)
	}

	return nil
}

// Record inserts e.
func (s *SQLiteSink) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	_, err := s.insertStmt.ExecContext(ctx,
		e.ID, e.Time.UnixMicro(), string(e.Type),
		e.IP, e.Identifier, e.Role, e.Category, e.Path, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.recentStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e  Event
			at int64
			t  string
		)
		if err := rows.Scan(&e.ID, &at, &t, &e.IP, &e.Identifier, &e.Role, &e.Category, &e.Path, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Time = time.UnixMicro(at).UTC()
		e.Type = EventType(t)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than before and reports how many went.
func (s *SQLiteSink) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.pruneStmt.ExecContext(ctx, before.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned audit events: %w", err)
	}
	return int(n), nil
}

// Close closes the prepared statements and the database.
func (s *SQLiteSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.insertStmt, s.recentStmt, s.pruneStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
