// Package redisstore implements storage.Store on Redis.
//
// Every echoat process pointed at the same Redis database (and the same key
// names) shares one time index, one send queue, one set of claim locks and
// one pair of signal topics.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/echoat/internal/storage"
)

// Config holds the connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is a storage.Store backed by a go-redis client.
type Store struct {
	rdb *goredis.Client

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	return NewFromClient(rdb), nil
}

// NewFromClient wraps an existing client. The Store takes ownership of it.
func NewFromClient(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb, subs: make(map[*subscription]struct{})}
}

// ─── TimeIndex ───────────────────────────────────────────────────────────────

// ZAdd runs ZADD, replacing the score of an existing member.
func (s *Store) ZAdd(ctx context.Context, key string, score int64, member string) error {
	return s.rdb.ZAdd(ctx, key, goredis.Z{Score: float64(score), Member: member}).Err()
}

// ZRangeByScore runs ZRANGEBYSCORE with inclusive bounds.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: formatBound(min),
		Max: formatBound(max),
	}).Result()
}

// ZRem runs ZREM and reports whether member was present.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	return n > 0, err
}

// ZScore runs ZSCORE; ok is false for a missing member.
func (s *Store) ZScore(ctx context.Context, key, member string) (int64, bool, error) {
	f, err := s.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int64(f), true, nil
}

// ZCard runs ZCARD.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func formatBound(v int64) string {
	switch v {
	case storage.ScoreMin:
		return "-inf"
	case storage.ScoreMax:
		return "+inf"
	}
	return strconv.FormatInt(v, 10)
}

// ─── List ────────────────────────────────────────────────────────────────────

// PushTail runs RPUSH.
func (s *Store) PushTail(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

// PopHead runs LPOP; ok is false when the list is empty.
func (s *Store) PopHead(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Len runs LLEN.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// ─── Locker ──────────────────────────────────────────────────────────────────

// SetNX runs SET key token NX PX ttl.
func (s *Store) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, token, ttl).Result()
}

// DeleteIfEquals deletes key in one script only while it still holds token.
func (s *Store) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ─── PubSub ──────────────────────────────────────────────────────────────────

// Publish runs PUBLISH.
func (s *Store) Publish(ctx context.Context, topic, payload string) error {
	return s.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so signals
// published after Subscribe returns are not missed.
func (s *Store) Subscribe(ctx context.Context, topics ...string) (storage.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	s.mu.Unlock()

	ps := s.rdb.Subscribe(ctx, topics...)
	for range topics {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redisstore: subscribe %v: %w", topics, err)
		}
	}

	sub := &subscription{
		ps:    ps,
		out:   make(chan storage.Signal, 64),
		done:  make(chan struct{}),
		store: s,
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps    *goredis.PubSub
	out   chan storage.Signal
	done  chan struct{}
	once  sync.Once
	store *Store
}

func (sub *subscription) C() <-chan storage.Signal { return sub.out }

func (sub *subscription) pump() {
	defer close(sub.out)
	in := sub.ps.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case sub.out <- storage.Signal{Topic: msg.Channel, Payload: msg.Payload}:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)
		err = sub.ps.Close()
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
	})
	return err
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Ping runs PING.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes every open subscription and then the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return s.rdb.Close()
}
