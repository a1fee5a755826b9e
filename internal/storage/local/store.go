// Package local implements storage.Store on a single bbolt file.
//
// Sorted sets, lists and locks are persisted, so entries scheduled before a
// restart are still found by the recovery pass afterwards. Signals travel
// through an in-process hub and are therefore only seen by subscribers in the
// same process. A bbolt file can be opened by one process at a time, so this
// backend suits single-host deployments and tests; fleets use redisstore.
package local

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/echoat/internal/storage"
)

var bucketLocks = []byte("locks")

func listBucket(key string) []byte { return []byte("l/" + key) }

// Store is the bbolt-backed storage.Store.
type Store struct {
	db     *bbolt.DB
	hub    *hub
	now    func() time.Time
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("local: create dir: %w", err)
		}
	}
	// Timeout stops a second process from blocking forever on the file lock.
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w", err)
	}

	s := &Store{db: db, hub: newHub(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return ctx.Err()
}

// ─── List ────────────────────────────────────────────────────────────────────

// PushTail appends value. Element keys are the bucket's monotonically
// increasing sequence, so cursor order is FIFO order.
func (s *Store) PushTail(ctx context.Context, key, value string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(listBucket(key))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)
		return b.Put(k, []byte(value))
	})
}

// PopHead removes and returns the oldest element. The read and the delete
// happen in one write transaction, so concurrent callers never share an element.
func (s *Store) PopHead(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(listBucket(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		value, ok = string(v), true
		return c.Delete()
	})
	if err != nil {
		return "", false, err
	}
	return value, ok, nil
}

// Len returns the number of elements in the list.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(listBucket(key)); b != nil {
			n = int64(b.Stats().KeyN)
		}
		return nil
	})
	return n, err
}

// ─── Locker ──────────────────────────────────────────────────────────────────
// A lock value is [expiresAtMs: 8 bytes][token].

// SetNX stores token under key for ttl unless an unexpired lock holds key.
func (s *Store) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := s.now()
	var acquired bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if cur := b.Get([]byte(key)); cur != nil && !lockExpired(cur, now) {
			return nil
		}
		val := make([]byte, 8+len(token))
		binary.BigEndian.PutUint64(val, uint64(now.Add(ttl).UnixMilli()))
		copy(val[8:], token)
		acquired = true
		return b.Put([]byte(key), val)
	})
	return acquired, err
}

// DeleteIfEquals deletes key only while it holds token and has not expired.
func (s *Store) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := s.now()
	var deleted bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		cur := b.Get([]byte(key))
		if cur == nil {
			return nil
		}
		if lockExpired(cur, now) {
			// Already gone as far as any other holder is concerned.
			return b.Delete([]byte(key))
		}
		if !bytes.Equal(cur[8:], []byte(token)) {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	return deleted, err
}

func lockExpired(val []byte, now time.Time) bool {
	if len(val) < 8 {
		return true
	}
	return int64(binary.BigEndian.Uint64(val[:8])) <= now.UnixMilli()
}

// ─── PubSub ──────────────────────────────────────────────────────────────────

// Publish delivers payload to every in-process subscriber of topic.
func (s *Store) Publish(ctx context.Context, topic, payload string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.hub.publish(storage.Signal{Topic: topic, Payload: payload})
	return nil
}

// Subscribe returns a subscription to topics, live as soon as it returns.
func (s *Store) Subscribe(ctx context.Context, topics ...string) (storage.Subscription, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.hub.subscribe(topics), nil
}

// Dropped returns how many signals were discarded because a subscriber's
// buffer was full.
func (s *Store) Dropped() int64 { return s.hub.dropped.Load() }

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Ping reports an error once the store is closed or ctx is done.
func (s *Store) Ping(ctx context.Context) error { return s.check(ctx) }

// Close closes every subscription and the bbolt file.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.close()
	return s.db.Close()
}
