package local

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/echoat/internal/storage"
)

// A sorted set named key lives in two buckets:
//
//	z/<key>/score   scoreKey(score)+member → nil     ordered scan
//	z/<key>/member  member → 8-byte score            membership and updates
//
// scoreKey flips the sign bit so that big-endian byte order equals signed
// integer order. Ties are ordered by member bytes, the same as Redis.

func scoreBucket(key string) []byte  { return []byte("z/" + key + "/score") }
func memberBucket(key string) []byte { return []byte("z/" + key + "/member") }

func scoreKey(score int64, member string) []byte {
	buf := make([]byte, 8+len(member))
	binary.BigEndian.PutUint64(buf, uint64(score)^(1<<63))
	copy(buf[8:], member)
	return buf
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
}

// ZAdd inserts member with score, or moves it to score if already present.
func (s *Store) ZAdd(ctx context.Context, key string, score int64, member string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		byScore, err := tx.CreateBucketIfNotExists(scoreBucket(key))
		if err != nil {
			return err
		}
		byMember, err := tx.CreateBucketIfNotExists(memberBucket(key))
		if err != nil {
			return err
		}
		if old := byMember.Get([]byte(member)); old != nil {
			if err := byScore.Delete(scoreKey(decodeScore(old), member)); err != nil {
				return err
			}
		}
		sk := scoreKey(score, member)
		if err := byScore.Put(sk, nil); err != nil {
			return err
		}
		return byMember.Put([]byte(member), sk[:8])
	})
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if min > max {
		return nil, nil
	}
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(scoreBucket(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(scoreKey(min, "")); k != nil; k, _ = c.Next() {
			if decodeScore(k) > max {
				break
			}
			out = append(out, string(k[8:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: zrange %s: %w", key, err)
	}
	return out, nil
}

// ZRem removes member. Removing an absent member reports false and no error.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	var removed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		byMember := tx.Bucket(memberBucket(key))
		if byMember == nil {
			return nil
		}
		old := byMember.Get([]byte(member))
		if old == nil {
			return nil
		}
		if err := tx.Bucket(scoreBucket(key)).Delete(scoreKey(decodeScore(old), member)); err != nil {
			return err
		}
		removed = true
		return byMember.Delete([]byte(member))
	})
	return removed, err
}

// ZScore returns member's score, or ok=false when it is absent.
func (s *Store) ZScore(ctx context.Context, key, member string) (int64, bool, error) {
	if err := s.check(ctx); err != nil {
		return 0, false, err
	}
	var (
		score int64
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(memberBucket(key))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(member)); v != nil {
			score, ok = decodeScore(v), true
		}
		return nil
	})
	return score, ok, err
}

// ZCard returns the number of members.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(memberBucket(key)); b != nil {
			n = int64(b.Stats().KeyN)
		}
		return nil
	})
	return n, err
}
