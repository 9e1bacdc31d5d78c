package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultJSONPath = "data/messages.json"

// JSONFile keeps the whole history in one JSON array document.
// Every mutation reads the document, changes it in memory and writes it back
// under a single mutex; writes go through a temp file and a rename.
// An unreadable document is moved aside on the next append and replaced.
type JSONFile struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// OpenJSONFile makes sure the document exists (an empty array when missing)
// and returns a log bound to it. Safe to call on every start.
func OpenJSONFile(path string) (*JSONFile, error) {
	if path == "" {
		path = defaultJSONPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store := &JSONFile{path: path, log: zerolog.Nop(), now: time.Now}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := store.write(nil); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", path, err)
		}
	} else if err != nil {
		return nil, err
	}
	return store, nil
}

// WithLogger sets the logger used to report recovered documents.
func (s *JSONFile) WithLogger(log zerolog.Logger) *JSONFile {
	s.log = log
	return s
}

func (s *JSONFile) Messages(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *JSONFile) Append(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	messages, err := s.read()
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("message log unreadable, starting a new document")
		s.quarantine()
		messages = nil
	}
	for _, existing := range messages {
		if existing.ID == msg.ID {
			return ErrDuplicateID
		}
	}
	return s.write(append(messages, msg))
}

func (s *JSONFile) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(nil)
}

// Close is a no-op: every write is synchronous.
func (s *JSONFile) Close() error {
	return nil
}

// quarantine keeps the unreadable document next to the log as
// <path>.corrupt-<millis>.
func (s *JSONFile) quarantine() {
	backup := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixMilli())
	if err := os.Rename(s.path, backup); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("keep unreadable message log")
		}
		return
	}
	s.log.Warn().Str("backup", backup).Msg("unreadable message log moved aside")
}

func (s *JSONFile) read() ([]Message, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	messages := make([]Message, 0)
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return messages, nil
}

func (s *JSONFile) write(messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
