package feed

import (
	"context"
	"sync"
)

// Hub is the in-process Broker used when a single API instance serves all
// devices.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan Snapshot
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

var _ Broker = (*Hub)(nil)

func (h *Hub) Publish(_ context.Context, snap Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[snap.DeviceID] {
		deliver(sub.ch, snap)
	}
	return nil
}

// deliver never blocks: when the buffer is full the oldest entry is dropped.
func deliver(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, deviceID string) (<-chan Snapshot, func(), error) {
	sub := &subscriber{ch: make(chan Snapshot, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	if h.subs[deviceID] == nil {
		h.subs[deviceID] = make(map[*subscriber]struct{})
	}
	h.subs[deviceID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			if set := h.subs[deviceID]; set != nil {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, deviceID)
				}
			}
			sub.close()
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deviceID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, id)
	}
	return nil
}
