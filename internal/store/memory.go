package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore[V any] struct {
	mu      sync.Mutex
	entries map[string]Entry[V]
	seq     uint64
	clock   Clock
}

var _ Store[int] = (*MemoryStore[int])(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore[V any](opts ...Option) *MemoryStore[V] {
	o := buildOptions(opts)
	return &MemoryStore[V]{
		entries: make(map[string]Entry[V]),
		clock:   o.clock,
	}
}

// Get returns the value for key if present and unexpired.
func (s *MemoryStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return zero, false, nil
	}
	return entry.Value, true, nil
}

// Put stores value under key with a fresh TTL.
func (s *MemoryStore[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(key, value, ttl)
	return nil
}

// Invalidate removes key. Removing a missing key is not an error.
func (s *MemoryStore[V]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Update applies fn to the current value under the store lock. The TTL is
// refreshed on every successful update.
func (s *MemoryStore[V]) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc[V]) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.live(key)
	next, err := fn(entry.Value, exists)
	if err != nil {
		return zero, err
	}
	s.write(key, next, ttl)
	return next, nil
}

// List returns unexpired entries matching prefix ordered by Seq.
func (s *MemoryStore[V]) List(ctx context.Context, prefix string) ([]Entry[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	out := make([]Entry[V], 0, len(s.entries))
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Len reports the number of entries, including ones not yet pruned.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// live must be called with s.mu held.
func (s *MemoryStore[V]) live(key string) (Entry[V], bool) {
	entry, ok := s.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	if entry.expired(s.clock()) {
		delete(s.entries, key)
		return Entry[V]{}, false
	}
	return entry, true
}

// write must be called with s.mu held.
func (s *MemoryStore[V]) write(key string, value V, ttl time.Duration) {
	entry, ok := s.live(key)
	if !ok {
		s.seq++
		entry = Entry[V]{Key: key, Seq: s.seq}
	}
	entry.Value = value
	entry.ExpiresAt = expiry(s.clock(), ttl)
	s.entries[key] = entry
}
