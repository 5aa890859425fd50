package storage

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-guarded in-process store with the same semantics
// as BadgerStore. It backs tests and diskless embeddings, and is the
// default when no storage path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	bundle   []byte
	sequence []byte
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveBundle(ctx context.Context, b *Bundle) error {
	raw, err := EncodeBundle(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = raw
	return nil
}

func (s *MemoryStore) LoadBundle(ctx context.Context) (*Bundle, error) {
	s.mu.RLock()
	raw := s.bundle
	s.mu.RUnlock()
	if raw == nil {
		return nil, ErrNotFound
	}
	return DecodeBundle(raw)
}

func (s *MemoryStore) SaveSequence(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = append([]byte(nil), raw...)
	return nil
}

func (s *MemoryStore) LoadSequence(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sequence == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.sequence...), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
