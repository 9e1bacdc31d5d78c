package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	defaultSQLitePath    = "data/messages.db"
)

// SQLite wraps the SQLite handle holding the message table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite initializes the SQLite database at the provided path. Call Close when done.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if isFilePath(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func isFilePath(path string) bool {
	return !strings.HasPrefix(path, "sqlite://") &&
		!strings.HasPrefix(path, "file:") &&
		!strings.HasPrefix(path, ":memory:")
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// Migrate creates the message table. Idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		sender TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		file_url TEXT NOT NULL DEFAULT ''
	);`)
	return err
}

func (s *SQLite) Messages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, sender, timestamp, file_url FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Sender, &msg.Timestamp, &msg.FileURL); err != nil {
			return nil, err
		}
		msg.Type = msg.Kind()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Append inserts one row. ErrDuplicateID is returned on id conflicts.
func (s *SQLite) Append(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, content, sender, timestamp, file_url) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.Content, msg.Sender, msg.Timestamp, msg.FileURL)
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	return err
}

// Close releases the underlying DB connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes keep the primary code in the low byte.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
