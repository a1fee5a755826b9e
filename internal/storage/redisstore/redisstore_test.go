package redisstore_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maragudk/is"
	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/storage/redisstore"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	s := redisstore.NewFromClient(goredis.NewClient(&goredis.Options{Addr: m.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func TestNew(t *testing.T) {
	t.Run("connects and pings", func(t *testing.T) {
		m := miniredis.RunT(t)
		s, err := redisstore.New(context.Background(), redisstore.Config{Addr: m.Addr(), DialTimeout: time.Second})
		is.NotError(t, err)
		is.NotError(t, s.Ping(context.Background()))
		is.NotError(t, s.Close())
	})

	t.Run("fails when nothing listens", func(t *testing.T) {
		m, err := miniredis.Run()
		is.NotError(t, err)
		addr := m.Addr()
		m.Close()
		_, err = redisstore.New(context.Background(), redisstore.Config{Addr: addr, DialTimeout: 200 * time.Millisecond})
		is.True(t, err != nil)
	})
}

func TestStore_TimeIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("range is inclusive and ascending", func(t *testing.T) {
		s, _ := newStore(t)
		is.NotError(t, s.ZAdd(ctx, "idx", 300, "c"))
		is.NotError(t, s.ZAdd(ctx, "idx", 100, "a"))
		is.NotError(t, s.ZAdd(ctx, "idx", 200, "b"))

		got, err := s.ZRangeByScore(ctx, "idx", 100, 200)
		is.NotError(t, err)
		is.Equal(t, "a,b", strings.Join(got, ","))

		got, err = s.ZRangeByScore(ctx, "idx", storage.ScoreMin, storage.ScoreMax)
		is.NotError(t, err)
		is.Equal(t, "a,b,c", strings.Join(got, ","))

		n, err := s.ZCard(ctx, "idx")
		is.NotError(t, err)
		is.Equal(t, int64(3), n)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		s, _ := newStore(t)
		is.NotError(t, s.ZAdd(ctx, "idx", 1, "a"))

		removed, err := s.ZRem(ctx, "idx", "a")
		is.NotError(t, err)
		is.True(t, removed)

		removed, err = s.ZRem(ctx, "idx", "a")
		is.NotError(t, err)
		is.True(t, !removed)
	})

	t.Run("real epoch millisecond scores survive", func(t *testing.T) {
		s, _ := newStore(t)
		const due = int64(1_760_000_000_123)
		is.NotError(t, s.ZAdd(ctx, "idx", due, "x"))

		got, err := s.ZRangeByScore(ctx, "idx", due, due)
		is.NotError(t, err)
		is.Equal(t, 1, len(got))

		got, err = s.ZRangeByScore(ctx, "idx", due+1, storage.ScoreMax)
		is.NotError(t, err)
		is.Equal(t, 0, len(got))

		score, ok, err := s.ZScore(ctx, "idx", "x")
		is.NotError(t, err)
		is.True(t, ok)
		is.Equal(t, due, score)

		_, ok, err = s.ZScore(ctx, "idx", "missing")
		is.NotError(t, err)
		is.True(t, !ok)
	})
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, ok, err := s.PopHead(ctx, "q")
	is.NotError(t, err)
	is.True(t, !ok)

	is.NotError(t, s.PushTail(ctx, "q", "1"))
	is.NotError(t, s.PushTail(ctx, "q", "2"))

	n, err := s.Len(ctx, "q")
	is.NotError(t, err)
	is.Equal(t, int64(2), n)

	v, ok, err := s.PopHead(ctx, "q")
	is.NotError(t, err)
	is.True(t, ok)
	is.Equal(t, "1", v)

	v, _, _ = s.PopHead(ctx, "q")
	is.Equal(t, "2", v)
}

func TestStore_Locker(t *testing.T) {
	ctx := context.Background()

	t.Run("only one holder at a time", func(t *testing.T) {
		s, _ := newStore(t)
		ok, err := s.SetNX(ctx, "lock:a", "t1", time.Second)
		is.NotError(t, err)
		is.True(t, ok)

		ok, err = s.SetNX(ctx, "lock:a", "t2", time.Second)
		is.NotError(t, err)
		is.True(t, !ok)
	})

	t.Run("release requires the token", func(t *testing.T) {
		s, _ := newStore(t)
		_, _ = s.SetNX(ctx, "lock:a", "t1", time.Second)

		ok, err := s.DeleteIfEquals(ctx, "lock:a", "t2")
		is.NotError(t, err)
		is.True(t, !ok)

		ok, err = s.DeleteIfEquals(ctx, "lock:a", "t1")
		is.NotError(t, err)
		is.True(t, ok)

		ok, _ = s.SetNX(ctx, "lock:a", "t3", time.Second)
		is.True(t, ok)
	})

	t.Run("expired lock can be taken and not released by the old holder", func(t *testing.T) {
		s, m := newStore(t)
		_, _ = s.SetNX(ctx, "lock:a", "old", time.Second)
		m.FastForward(2 * time.Second)

		ok, err := s.SetNX(ctx, "lock:a", "new", time.Second)
		is.NotError(t, err)
		is.True(t, ok)

		ok, _ = s.DeleteIfEquals(ctx, "lock:a", "old")
		is.True(t, !ok)
		is.True(t, m.Exists("lock:a"))
	})
}

func TestStore_PubSub(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	sub, err := s.Subscribe(ctx, "check_later", "notification")
	is.NotError(t, err)

	is.NotError(t, s.Publish(ctx, "notification", "new"))

	select {
	case sig := <-sub.C():
		is.Equal(t, "notification", sig.Topic)
		is.Equal(t, "new", sig.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not received")
	}

	is.NotError(t, sub.Close())
	is.NotError(t, sub.Close())

	select {
	case _, ok := <-sub.C():
		is.True(t, !ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestStore_SubscribeAfterClose(t *testing.T) {
	s, _ := newStore(t)
	is.NotError(t, s.Close())
	_, err := s.Subscribe(context.Background(), "x")
	is.Error(t, storage.ErrClosed, err)
}
