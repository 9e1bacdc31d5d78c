package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

const defaultPebblePath = "data/messages.pebble"

var (
	messagePrefix = []byte("m/")
	idPrefix      = []byte("i/")
)

// Pebble persists messages in a Pebble key-value store.
// Message keys are "m/" plus an 8-byte big-endian sequence number; "i/<id>"
// keys index ids for duplicate detection.
type Pebble struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

// OpenPebble opens (or creates) the store at dir.
func OpenPebble(dir string) (*Pebble, error) {
	if dir == "" {
		dir = defaultPebblePath
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &Pebble{db: db}
	// Discover next sequence by reading the last message key.
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: messagePrefix, UpperBound: prefixEnd(messagePrefix)})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if it.Last() {
		key := it.Key()
		if len(key) == len(messagePrefix)+8 {
			s.next = binary.BigEndian.Uint64(key[len(messagePrefix):]) + 1
		}
	}
	if err := it.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Pebble) Messages(ctx context.Context) ([]Message, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: messagePrefix, UpperBound: prefixEnd(messagePrefix)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	out := make([]Message, 0, 256)
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, it.Error()
}

func (s *Pebble) Append(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idKey := append(append([]byte{}, idPrefix...), msg.ID...)
	_, closer, err := s.db.Get(idKey)
	if err == nil {
		_ = closer.Close()
		return ErrDuplicateID
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	val, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := make([]byte, len(messagePrefix)+8)
	copy(key, messagePrefix)
	binary.BigEndian.PutUint64(key[len(messagePrefix):], s.next)

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(key, val, nil); err != nil {
		return err
	}
	if err := batch.Set(idKey, key, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	s.next++
	return nil
}

// Reset drops both key ranges. The sequence keeps counting up.
func (s *Pebble) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.DeleteRange(messagePrefix, prefixEnd(messagePrefix), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(idPrefix, prefixEnd(idPrefix), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Pebble) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}
