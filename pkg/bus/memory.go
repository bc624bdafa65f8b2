package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process Bus. Delivery is asynchronous with a bounded
// buffer per subscriber; a full buffer drops events rather than blocking the
// engine.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySubscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			// Buffer full: drop rather than stall a state transition.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:     b.nextID.Add(1),
		bus:    b,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	return nil
}

type memorySubscription struct {
	id     uint64
	bus    *MemoryBus
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) run(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			handler(ev)
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
