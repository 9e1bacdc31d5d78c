package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Message is a single persisted chat record. Records are immutable once appended.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	FileURL   string `json:"fileUrl,omitempty"`
	Type      string `json:"type,omitempty"`
}

const (
	KindText  = "text"
	KindImage = "image"
)

// Kind reports whether the message carries an uploaded image.
func (m Message) Kind() string {
	if m.FileURL != "" {
		return KindImage
	}
	return KindText
}

// Log is an append-only, resettable message history.
type Log interface {
	// Messages returns every appended message in append order.
	Messages(ctx context.Context) ([]Message, error)
	// Append adds one message at the end of the log.
	Append(ctx context.Context, msg Message) error
	// Reset drops every message. There is no undo.
	Reset(ctx context.Context) error
	Close() error
}

// ErrDuplicateID is returned when appending a message whose id is already stored.
var ErrDuplicateID = errors.New("message id already stored")

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Open creates (if needed) and opens the log backend named by kind at path.
func Open(ctx context.Context, kind, path string, logger zerolog.Logger) (Log, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendJSON:
		store, err := OpenJSONFile(path)
		if err != nil {
			return nil, err
		}
		return store.WithLogger(logger), nil
	case BackendSQLite:
		store, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	case BackendPebble:
		return OpenPebble(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
