// Package memory provides a thread-safe in-memory content store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/medseal/content"
)

// Store keeps pinned content in a map keyed by CID. Suitable for testing,
// demos and single-process use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	now  func() time.Time
}

var _ content.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte), now: time.Now}
}

func (s *Store) PinJSON(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, data)
}

func (s *Store) PinFile(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, data)
}

func (s *Store) pin(ctx context.Context, data []byte) (content.PinResult, error) {
	if err := ctx.Err(); err != nil {
		return content.PinResult{}, err
	}
	id, err := content.ComputeCID(data)
	if err != nil {
		return content.PinResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), data...)
	return content.PinResult{CID: id, PinSize: int64(len(data)), Timestamp: s.now().UTC()}, nil
}

// Put stores data under an arbitrary id. It lets tests simulate content
// pinned elsewhere.
func (s *Store) Put(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), data...)
}

func (s *Store) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, content.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
