package contextstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore keeps values in a map. Used for tests and when no durable
// backend is configured.
type InMemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: map[string][]byte{}}
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("in-memory context store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("in-memory context store: nil store")
	}
	if key == "" {
		return errors.New("in-memory context store: key is empty")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.values[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("in-memory context store: nil store")
	}
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, errors.New("in-memory context store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryStore) Close() error { return nil }
