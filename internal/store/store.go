// Package store provides a keyed store with per-entry expiry. It backs the
// capture cache and the client identity registry.
package store

import (
	"context"
	"time"
)

// Clock returns the current time. Tests inject a fake to drive expiry.
type Clock func() time.Time

// Entry is a stored value with its bookkeeping. Seq is assigned when the key
// is first created and kept across updates, so it records encounter order.
type Entry[V any] struct {
	Key       string    `json:"key"`
	Value     V         `json:"value"`
	Seq       uint64    `json:"seq"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// UpdateFunc computes the new value for a key. exists is false when the key
// is absent or expired, in which case current is the zero value.
type UpdateFunc[V any] func(current V, exists bool) (V, error)

// Store is a keyed store with TTL. A ttl of zero means the entry never
// expires. Update is atomic per key.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc[V]) (V, error)
	// List returns unexpired entries whose key has the given prefix, in
	// encounter order.
	List(ctx context.Context, prefix string) ([]Entry[V], error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock overrides time.Now.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
