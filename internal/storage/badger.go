package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

var (
	bundleKey   = []byte("insight/bundle")
	sequenceKey = []byte("insight/sequence")
)

// BadgerStore keeps the bundle and sequence artifact in a local BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) SaveBundle(ctx context.Context, b *Bundle) error {
	raw, err := EncodeBundle(b)
	if err != nil {
		return err
	}
	return s.set(bundleKey, raw)
}

func (s *BadgerStore) LoadBundle(ctx context.Context) (*Bundle, error) {
	raw, err := s.get(bundleKey)
	if err != nil {
		return nil, err
	}
	return DecodeBundle(raw)
}

func (s *BadgerStore) SaveSequence(ctx context.Context, raw []byte) error {
	return s.set(sequenceKey, raw)
}

func (s *BadgerStore) LoadSequence(ctx context.Context) ([]byte, error) {
	return s.get(sequenceKey)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return out, nil
}
