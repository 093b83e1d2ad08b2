package messaging

import (
	"errors"
	"sync"
)

// ErrBusClosed is returned by a MemoryBus after Close.
var ErrBusClosed = errors.New("messaging: bus closed")

// MemoryBus is an in-process Transport. Handlers run synchronously on the
// publishing goroutine, in subscription order. It backs single-node
// deployments without NATS and the tests.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[string]map[uint64]func([]byte)
	listeners map[uint64]StatusFunc
	nextID    uint64
	failSub   error
	closed    bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:      make(map[string]map[uint64]func([]byte)),
		listeners: make(map[uint64]StatusFunc),
	}
}

// Publish delivers data to every handler subscribed to subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers handler on subject.
func (b *MemoryBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.failSub != nil {
		return nil, b.failSub
	}
	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]func([]byte))
	}
	b.subs[subject][id] = handler
	return &memorySubscription{bus: b, subject: subject, id: id}, nil
}

// OnStatus registers fn for simulated connection health changes.
func (b *MemoryBus) OnStatus(fn StatusFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// SetStatus reports status to every registered listener, the way a NATS
// disconnect or reconnect would.
func (b *MemoryBus) SetStatus(status Status, err error) {
	b.mu.RLock()
	fns := make([]StatusFunc, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(status, err)
	}
}

// FailSubscribe makes subsequent Subscribe calls return err. A nil err
// restores normal behaviour.
func (b *MemoryBus) FailSubscribe(err error) {
	b.mu.Lock()
	b.failSub = err
	b.mu.Unlock()
}

// Subscribers returns the number of handlers registered on subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

// Close drops every subscription and reports StatusClosed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]map[uint64]func([]byte))
	b.mu.Unlock()

	b.SetStatus(StatusClosed, nil)
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	id      uint64
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if m := s.bus.subs[s.subject]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}
