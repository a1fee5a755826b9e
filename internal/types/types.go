// Package types contains the core domain types shared across all echoat
// internal packages. It has zero imports of other echoat packages so that the
// storage, scheduler and delivery layers can all depend on it without cycles.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LockPrefix namespaces claim locks in the shared store. The full key for an
// entry is LockPrefix + Entry.ID.
const LockPrefix = "lock:"

// ErrMalformedEntry is returned by Decode when a stored member is not a
// well-formed entry.
var ErrMalformedEntry = errors.New("types: malformed entry")

// Entry is the unit of delayed work.
//
// The JSON encoding of an Entry is used verbatim as both the time-index member
// and the send-queue element, so every field is part of the stored identity:
//   - Entries are never mutated after Encode. DueAt in particular is fixed.
//   - ID is a ULID. Two entries never share an ID, which keeps their encodings
//     and their lock keys distinct.
//   - All timestamps are UTC milliseconds since the Unix epoch.
type Entry struct {
	// ID uniquely identifies the entry and names its claim lock.
	ID string `json:"id"`

	// Payload is the caller-supplied message, opaque to echoat.
	Payload string `json:"message"`

	// DueAt is the earliest UTC millisecond at which the entry may be delivered.
	// It is also the entry's score in the time index.
	DueAt int64 `json:"time"`

	// EnqueuedAt is the UTC millisecond at which the entry was accepted.
	EnqueuedAt int64 `json:"enqueued_at,omitempty"`

	// NodeID is the ID of the worker that accepted the entry.
	NodeID string `json:"node_id,omitempty"`
}

// LockKey returns the resource name contended for when claiming the entry.
func (e *Entry) LockKey() string { return LockPrefix + e.ID }

// DueTime returns DueAt as a time.Time.
func (e *Entry) DueTime() time.Time { return time.UnixMilli(e.DueAt).UTC() }

// IsDue reports whether the entry may be delivered at nowMs.
func (e *Entry) IsDue(nowMs int64) bool { return e.DueAt <= nowMs }

// Encode returns the stored form of the entry.
func (e *Entry) Encode() (string, error) {
	if e.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrMalformedEntry)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("types: encode entry %s: %w", e.ID, err)
	}
	return string(b), nil
}

// Decode parses a stored member back into an Entry.
func Decode(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEntry)
	}
	return &e, nil
}
