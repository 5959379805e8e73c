package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrClosed   = errors.New("store: database is closed")
	ErrNotFound = errors.New("store: key not found")
)

// KV is a mutex-guarded pebble database
type KV struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

// OpenKV opens the database at path. An empty path keeps everything in
// memory.
func OpenKV(path string) (*KV, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
	}
	defer opts.Cache.Unref()

	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	return &KV{db: db}, nil
}

// Get returns a copy of the value stored under key
func (k *KV) Get(key []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, ErrClosed
	}
	value, closer, err := k.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores value under key
func (k *KV) Put(key, value []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	return k.db.Set(key, value, pebble.Sync)
}

// Delete removes key
func (k *KV) Delete(key []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	return k.db.Delete(key, pebble.Sync)
}

// Batch writes several keys atomically
func (k *KV) Batch(fn func(b *pebble.Batch) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	b := k.db.NewBatch()
	defer func() { _ = b.Close() }()

	if err := fn(b); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Scan calls fn for every key with the given prefix, in key order. fn gets
// copies it may retain.
func (k *KV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	iter, err := k.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("failed to get iterator value: %w", err)
		}
		key := append([]byte(nil), iter.Key()...)
		if err := fn(key, append([]byte(nil), val...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the database. Closing twice is a no-op.
func (k *KV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.db.Close()
}

// upperBound returns the smallest key greater than every key with prefix
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
