// Package storage defines the shared-store abstraction every echoat worker
// coordinates through.
//
// Design principle: the scheduler, lock manager and delivery workers must ONLY
// interact with the shared store through these interfaces. Workers share no
// memory, so anything that must be agreed upon (the time index, the send queue,
// claim locks, signals) lives behind them.
//
// Implementations:
//   - redisstore.Store: Redis, shared by any number of hosts
//   - local.Store: bbolt file plus an in-process signal hub, one process only
//
// All methods must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage: closed")

// Score bounds for ZRangeByScore. ScoreMin is negative infinity and ScoreMax
// positive infinity.
const (
	ScoreMin int64 = math.MinInt64
	ScoreMax int64 = math.MaxInt64
)

// TimeIndex is a sorted set of string members scored by integer milliseconds.
type TimeIndex interface {
	// ZAdd inserts member with score, or updates its score if already present.
	ZAdd(ctx context.Context, key string, score int64, member string) error

	// ZRangeByScore returns members with min <= score <= max in ascending score
	// order. Ties are ordered by member. Use ScoreMin/ScoreMax for open bounds.
	ZRangeByScore(ctx context.Context, key string, min, max int64) ([]string, error)

	// ZRem removes member and reports whether it was present. Removing an
	// absent member is not an error.
	ZRem(ctx context.Context, key, member string) (bool, error)

	// ZScore returns member's score. ok is false when member is absent.
	ZScore(ctx context.Context, key, member string) (score int64, ok bool, err error)

	// ZCard returns the number of members.
	ZCard(ctx context.Context, key string) (int64, error)
}

// List is a FIFO list of strings.
type List interface {
	// PushTail appends value at the tail.
	PushTail(ctx context.Context, key, value string) error

	// PopHead atomically removes and returns the head. ok is false when the
	// list is empty.
	PopHead(ctx context.Context, key string) (value string, ok bool, err error)

	// Len returns the number of elements.
	Len(ctx context.Context, key string) (int64, error)
}

// Signal is a message received on a pub/sub topic.
type Signal struct {
	Topic   string
	Payload string
}

// Subscription delivers signals published after it was established.
// Signals published while no subscription exists are lost.
type Subscription interface {
	// C returns the channel signals arrive on. It is closed after Close or
	// when the store shuts down.
	C() <-chan Signal

	// Close stops delivery and releases resources. Safe to call twice.
	Close() error
}

// PubSub is broadcast, fire-and-forget signalling.
type PubSub interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic, payload string) error

	// Subscribe starts receiving signals on topics.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Locker provides the atomic primitives the lock manager is built on.
type Locker interface {
	// SetNX sets key to token with a ttl only if key does not exist, and
	// reports whether it did. An expired key counts as absent.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// DeleteIfEquals deletes key only if it currently holds token, atomically,
	// and reports whether it did.
	DeleteIfEquals(ctx context.Context, key, token string) (bool, error)
}

// Store is the full shared-store surface.
type Store interface {
	TimeIndex
	List
	PubSub
	Locker

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases connections, file handles and subscriptions.
	Close() error
}
