package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.etcd.io/bbolt"
)

// BoltStore persists entries as JSON in a single bbolt bucket.
type BoltStore[V any] struct {
	db     *bbolt.DB
	bucket []byte
	clock  Clock
	owned  bool
}

var _ Store[int] = (*BoltStore[int])(nil)

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", sharedErrors.ErrStoreOperation, path, err)
	}
	return db, nil
}

// NewBoltStore opens the database at path and uses the named bucket. The
// returned store owns the database and closes it on Close.
func NewBoltStore[V any](path, bucket string, opts ...Option) (*BoltStore[V], error) {
	db, err := OpenBolt(path)
	if err != nil {
		return nil, err
	}
	s, err := NewBoltStoreFromDB[V](db, bucket, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBoltStoreFromDB shares an already open database. Several stores may use
// one file as long as their buckets differ.
func NewBoltStoreFromDB[V any](db *bbolt.DB, bucket string, opts ...Option) (*BoltStore[V], error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket name cannot be empty", sharedErrors.ErrMissingRequired)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %w", sharedErrors.ErrStoreOperation, bucket, err)
	}

	o := buildOptions(opts)
	return &BoltStore[V]{db: db, bucket: []byte(bucket), clock: o.clock}, nil
}

// Close closes the database if this store opened it.
func (s *BoltStore[V]) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Get returns the value for key if present and unexpired. Expired entries
// are left for the next write to overwrite.
func (s *BoltStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	var (
		entry Entry[V]
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, found, err = s.read(tx.Bucket(s.bucket), key)
		return err
	})
	if err != nil {
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}
	return entry.Value, true, nil
}

// Put stores value under key with a fresh TTL.
func (s *BoltStore[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		current, exists, err := s.read(b, key)
		if err != nil {
			return err
		}
		return s.write(b, key, current, exists, value, ttl)
	})
}

// Invalidate deletes key.
func (s *BoltStore[V]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", sharedErrors.ErrStoreOperation, key, err)
	}
	return nil
}

// Update runs fn inside a single read-write transaction, which bbolt
// serialises, so concurrent updates of a key never lose writes.
func (s *BoltStore[V]) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc[V]) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	var next V
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		current, exists, err := s.read(b, key)
		if err != nil {
			return err
		}
		next, err = fn(current.Value, exists)
		if err != nil {
			return err
		}
		return s.write(b, key, current, exists, next, ttl)
	})
	if err != nil {
		return zero, err
	}
	return next, nil
}

// List returns unexpired entries matching prefix ordered by Seq.
func (s *BoltStore[V]) List(ctx context.Context, prefix string) ([]Entry[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock()
	var out []Entry[V]
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var entry Entry[V]
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("%w: %s: %w", sharedErrors.ErrDeserializationFailed, k, err)
			}
			if entry.expired(now) {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *BoltStore[V]) read(b *bbolt.Bucket, key string) (Entry[V], bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return Entry[V]{}, false, nil
	}
	var entry Entry[V]
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry[V]{}, false, fmt.Errorf("%w: %s: %w", sharedErrors.ErrDeserializationFailed, key, err)
	}
	if entry.expired(s.clock()) {
		return Entry[V]{}, false, nil
	}
	return entry, true, nil
}

func (s *BoltStore[V]) write(b *bbolt.Bucket, key string, current Entry[V], exists bool, value V, ttl time.Duration) error {
	entry := current
	if !exists {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: sequence: %w", sharedErrors.ErrStoreOperation, err)
		}
		entry = Entry[V]{Key: key, Seq: seq}
	}
	entry.Value = value
	entry.ExpiresAt = expiry(s.clock(), ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", sharedErrors.ErrSerializationFailed, key, err)
	}
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("%w: put %s: %w", sharedErrors.ErrStoreOperation, key, err)
	}
	return nil
}
