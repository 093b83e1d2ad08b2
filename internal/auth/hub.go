package auth

import (
	"sync"
)

// SessionEvent is a session lifecycle transition of one user.
type SessionEvent string

const (
	SessionStarted SessionEvent = "started"
	SessionEnded   SessionEvent = "ended"
)

// Hub counts live connections per user and reports a session as started on
// the first connection and ended when the last one goes away.
//
// Transitions of one user are delivered one at a time and in the order they
// happened: a Start that follows an End waits until the End's listeners have
// returned. Listeners must not call Start or End for the same user.
type Hub struct {
	mu        sync.Mutex
	conns     map[string]int
	gates     map[string]*userGate
	listeners map[uint64]func(SessionEvent, Identity)
	nextID    uint64
}

// userGate serializes the transitions of one user.
type userGate struct {
	mu   sync.Mutex
	refs int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]int),
		gates:     make(map[string]*userGate),
		listeners: make(map[uint64]func(SessionEvent, Identity)),
	}
}

func (h *Hub) acquire(userID string) *userGate {
	h.mu.Lock()
	g := h.gates[userID]
	if g == nil {
		g = &userGate{}
		h.gates[userID] = g
	}
	g.refs++
	h.mu.Unlock()

	g.mu.Lock()
	return g
}

func (h *Hub) release(userID string, g *userGate) {
	g.mu.Unlock()

	h.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(h.gates, userID)
	}
	h.mu.Unlock()
}

// OnSessionChange registers fn for session transitions.
func (h *Hub) OnSessionChange(fn func(SessionEvent, Identity)) (remove func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Start records a new connection of id.
func (h *Hub) Start(id Identity) {
	g := h.acquire(id.UserID)
	defer h.release(id.UserID, g)

	h.mu.Lock()
	h.conns[id.UserID]++
	first := h.conns[id.UserID] == 1
	fns := h.listenersLocked(first)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(SessionStarted, id)
	}
}

// End records that a connection of id went away.
func (h *Hub) End(id Identity) {
	g := h.acquire(id.UserID)
	defer h.release(id.UserID, g)

	h.mu.Lock()
	n, ok := h.conns[id.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(h.conns, id.UserID)
	} else {
		h.conns[id.UserID] = n - 1
	}
	fns := h.listenersLocked(last)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(SessionEnded, id)
	}
}

// Active reports the number of live connections of userID.
func (h *Hub) Active(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[userID]
}

func (h *Hub) listenersLocked(notify bool) []func(SessionEvent, Identity) {
	if !notify {
		return nil
	}
	fns := make([]func(SessionEvent, Identity), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	return fns
}
