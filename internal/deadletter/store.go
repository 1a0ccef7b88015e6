// Package deadletter persists replication tasks that were dropped, so they can
// be inspected and replayed instead of disappearing into the logs.
//
// The ledger is an embedded SQLite database in WAL mode. A task lands here
// when its watch id is unknown, its object vanished before dispatch, a target
// still failed after every retry, or the dispatcher could not submit it.
//
// The live event queue itself is never persisted; only the record of a
// failure is.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/modula-sync/modula/internal/task"
)

// ErrNotFound is returned when no letter has the requested id.
var ErrNotFound = errors.New("dead letter not found")

// Letter is one dropped task.
type Letter struct {
	ID         int64     `json:"id" yaml:"id"`
	ActivityID string    `json:"activity_id" yaml:"activity_id"`
	Source     string    `json:"source" yaml:"source"`
	Object     string    `json:"object" yaml:"object"`
	Action     string    `json:"action" yaml:"action"`
	Target     string    `json:"target,omitempty" yaml:"target,omitempty"`
	Reason     string    `json:"reason" yaml:"reason"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	FailedAt   time.Time `json:"failed_at" yaml:"failed_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Since  time.Time
	Source string
	Limit  int
}

// Recorder accepts dead letters. Store implements it; Nop discards them.
type Recorder interface {
	Record(ctx context.Context, l Letter) (int64, error)
}

// Nop is a Recorder that keeps nothing.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Letter) (int64, error) { return 0, nil }

// Store is the SQLite-backed ledger.
type Store struct {
	conn *sql.DB
	path string
}

var _ Recorder = (*Store)(nil)

// Open creates or opens the ledger at path and ensures its schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping dead-letter store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint dead-letter WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter store: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the ledger table. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id TEXT NOT NULL,
		source      TEXT NOT NULL,
		object      TEXT NOT NULL,
		action      TEXT NOT NULL,
		target      TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 1,
		failed_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_source ON dead_letters(source);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create dead-letter schema: %w", err)
	}
	return nil
}

// Record stores l and returns its id. A zero FailedAt is stamped with now.
func (s *Store) Record(ctx context.Context, l Letter) (int64, error) {
	if l.FailedAt.IsZero() {
		l.FailedAt = time.Now()
	}
	if l.Attempts <= 0 {
		l.Attempts = 1
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO dead_letters (activity_id, source, object, action, target, reason, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ActivityID, l.Source, l.Object, l.Action, l.Target, l.Reason, l.Attempts,
		task.FormatTimestamp(l.FailedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letter id: %w", err)
	}
	return id, nil
}

// Get returns the letter with id.
func (s *Store) Get(ctx context.Context, id int64) (Letter, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, activity_id, source, object, action, target, reason, attempts, failed_at
		FROM dead_letters WHERE id = ?`, id)

	l, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Letter{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return l, err
}

// List returns letters matching f, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Letter, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.Since.IsZero() {
		clauses = append(clauses, "failed_at >= ?")
		args = append(args, task.FormatTimestamp(f.Since))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}

	query := `SELECT id, activity_id, source, object, action, target, reason, attempts, failed_at FROM dead_letters`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY failed_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return letters, nil
}

// Delete removes the letter with id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Purge removes every letter that failed before cutoff, or every letter
// when cutoff is zero. It returns the number removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if cutoff.IsZero() {
		res, err = s.conn.ExecContext(ctx, "DELETE FROM dead_letters")
	} else {
		res, err = s.conn.ExecContext(ctx, "DELETE FROM dead_letters WHERE failed_at < ?", task.FormatTimestamp(cutoff))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLetter(row scanner) (Letter, error) {
	var (
		l        Letter
		failedAt string
	)
	if err := row.Scan(&l.ID, &l.ActivityID, &l.Source, &l.Object, &l.Action, &l.Target, &l.Reason, &l.Attempts, &failedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Letter{}, err
		}
		return Letter{}, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	ts, err := time.Parse(task.TimestampLayout, failedAt)
	if err != nil {
		return Letter{}, fmt.Errorf("invalid failed_at %q: %w", failedAt, err)
	}
	l.FailedAt = ts
	return l, nil
}
