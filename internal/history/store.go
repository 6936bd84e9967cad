// Package history stores the chat conversation that is replayed with every
// chat_completion request. Turns are kept in SQLite via modernc.org/sqlite
// (pure Go, no CGO) and scoped to a session so each output panel keeps its
// own conversation.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"openai-completion/internal/llm"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"
)

// DefaultSession is used when no session is given to Open.
const DefaultSession = "default"

// ErrInvalidCount is returned by DropFirst for a negative count.
var ErrInvalidCount = errors.New("history: count must not be negative")

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session, id);
`

// Store is the chat history of one session.
type Store struct {
	db      *sql.DB
	session string
	logger  *zap.Logger
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Open opens (or creates) the history database at path and scopes the store
// to session. The parent directory must exist.
func Open(path, session string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == "" {
		session = DefaultSession
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("history.Open: parent directory %q does not exist", dir)
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history.Open: open %q: %w", path, err)
	}
	// One writer at a time; the plugin issues one request at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history.Open: schema: %w", err)
	}

	logger.Debug("history opened", zap.String("path", path), zap.String("session", session))
	return &Store{db: db, session: session, logger: logger}, nil
}

// Session returns the session the store is scoped to.
func (s *Store) Session() string {
	return s.session
}

// ReadAll returns every cached turn, oldest first.
func (s *Store) ReadAll(ctx context.Context) ([]llm.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM turns WHERE session = ? ORDER BY id ASC`, s.session)
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	defer rows.Close()

	turns := []llm.Turn{}
	for rows.Next() {
		var t llm.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	return turns, nil
}

// Append adds turns to the end of the conversation in one transaction.
func (s *Store) Append(ctx context.Context, turns ...llm.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO turns (session, role, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		if _, err := stmt.ExecContext(ctx, s.session, t.Role, t.Content); err != nil {
			return fmt.Errorf("history: append: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// DropFirst removes the n oldest turns.
func (s *Store) DropFirst(ctx context.Context, n int) error {
	if n < 0 {
		return ErrInvalidCount
	}
	if n == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM turns WHERE id IN (
			SELECT id FROM turns WHERE session = ? ORDER BY id ASC LIMIT ?
		)`, s.session, n)
	if err != nil {
		return fmt.Errorf("history: drop first %d: %w", n, err)
	}
	s.logger.Debug("history trimmed", zap.String("session", s.session), zap.Int("dropped", n))
	return nil
}

// DropAll removes the whole conversation of the session.
func (s *Store) DropAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session = ?`, s.session); err != nil {
		return fmt.Errorf("history: drop all: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
