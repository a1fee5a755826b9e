// Package scheduler moves entries from the time index to delivery.
//
// Index wraps the shared sorted set. Scanner runs one scan pass per scan
// signal, claiming every due entry and moving it onto the send queue, then
// re-arms the cadence by publishing the next scan signal. Recovery runs once
// at startup and delivers overdue entries directly. Loop subscribes to both
// signal topics and drives the Scanner and a pool of delivery workers.
//
// Nothing here caches entries between signals; the shared store is the only
// source of truth, because other processes mutate it concurrently.
package scheduler

import (
	"context"
	"fmt"

	"github.com/snehjoshi/echoat/internal/storage"
	"github.com/snehjoshi/echoat/internal/types"
)

// Due is an entry read from the index together with its stored form, which
// is the member that must be used to remove it.
type Due struct {
	Raw   string
	Entry *types.Entry
}

// Index is the time-ordered store: a sorted set of encoded entries scored by
// their due time.
type Index struct {
	store storage.TimeIndex
	key   string
}

// NewIndex returns an Index over the sorted set named key.
func NewIndex(store storage.TimeIndex, key string) *Index {
	return &Index{store: store, key: key}
}

// Enqueue inserts e scored by e.DueAt and returns its stored form.
// The encoding embeds e.ID, so distinct entries never merge into one slot.
func (i *Index) Enqueue(ctx context.Context, e *types.Entry) (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}
	if err := i.store.ZAdd(ctx, i.key, e.DueAt, raw); err != nil {
		return "", fmt.Errorf("index: add %s: %w", e.ID, err)
	}
	return raw, nil
}

// DueEntries returns entries with from <= dueAt <= to in ascending due order.
// Use storage.ScoreMin for an open lower bound. Members that do not decode are
// returned separately in malformed.
func (i *Index) DueEntries(ctx context.Context, from, to int64) (due []Due, malformed []string, err error) {
	members, err := i.store.ZRangeByScore(ctx, i.key, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("index: range [%d, %d]: %w", from, to, err)
	}
	due = make([]Due, 0, len(members))
	for _, raw := range members {
		e, err := types.Decode(raw)
		if err != nil {
			malformed = append(malformed, raw)
			continue
		}
		due = append(due, Due{Raw: raw, Entry: e})
	}
	return due, malformed, nil
}

// Remove deletes raw and reports whether it was present. Removing an entry
// that is already gone is not an error.
func (i *Index) Remove(ctx context.Context, raw string) (bool, error) {
	removed, err := i.store.ZRem(ctx, i.key, raw)
	if err != nil {
		return false, fmt.Errorf("index: remove: %w", err)
	}
	return removed, nil
}

// Contains reports whether raw is still indexed.
func (i *Index) Contains(ctx context.Context, raw string) (bool, error) {
	_, ok, err := i.store.ZScore(ctx, i.key, raw)
	if err != nil {
		return false, fmt.Errorf("index: score: %w", err)
	}
	return ok, nil
}

// Len returns the number of indexed entries.
func (i *Index) Len(ctx context.Context) (int64, error) {
	return i.store.ZCard(ctx, i.key)
}
