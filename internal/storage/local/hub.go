package local

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/echoat/internal/storage"
)

const subscriberBuffer = 128

// hub fans signals out to in-process subscribers. Like Redis pub/sub it never
// blocks the publisher: a subscriber whose buffer is full misses the signal.
type hub struct {
	mu      sync.RWMutex
	subs    map[*hubSub]struct{}
	dropped atomic.Int64
}

func newHub() *hub {
	return &hub{subs: make(map[*hubSub]struct{})}
}

type hubSub struct {
	h      *hub
	topics map[string]struct{}
	ch     chan storage.Signal
	once   sync.Once
}

func (h *hub) subscribe(topics []string) *hubSub {
	sub := &hubSub{
		h:      h,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan storage.Signal, subscriberBuffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) publish(sig storage.Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if _, ok := sub.topics[sig.Topic]; !ok {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (s *hubSub) C() <-chan storage.Signal { return s.ch }

// Close removes the subscription and closes its channel. Holding the write
// lock while closing guarantees no publish is mid-send on the channel.
func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.subs, s)
		close(s.ch)
		s.h.mu.Unlock()
	})
	return nil
}
