package transport

import (
	"sync"
	"sync/atomic"

	"SupportChat/engine/wire"

	"github.com/google/uuid"
)

// Subscription is an opaque handle for one per-session handler.
type Subscription struct {
	e *subEntry
}

func (s Subscription) valid() bool { return s.e != nil }

type subEntry struct {
	id        string
	sessionID string
	h         Handler

	// delivery and removal are serialized on mu; closed is checked
	// inside the critical section so that after remove() returns, no
	// handler invocation can still be running or start.
	mu     sync.Mutex
	closed atomic.Bool
}

// subRegistry indexes subscriptions by session and fans inbound events
// out to every handler registered for that session.
type subRegistry struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*subEntry
}

func newSubRegistry() *subRegistry {
	return &subRegistry{bySession: make(map[string]map[string]*subEntry)}
}

func (r *subRegistry) add(sessionID string, h Handler) Subscription {
	e := &subEntry{id: uuid.NewString(), sessionID: sessionID, h: h}
	r.mu.Lock()
	m := r.bySession[sessionID]
	if m == nil {
		m = make(map[string]*subEntry)
		r.bySession[sessionID] = m
	}
	m[e.id] = e
	r.mu.Unlock()
	return Subscription{e: e}
}

func (r *subRegistry) remove(sub Subscription) {
	if !sub.valid() {
		return
	}
	e := sub.e
	e.closed.Store(true)
	// wait out any in-flight delivery
	e.mu.Lock()
	e.mu.Unlock() //nolint:staticcheck // empty section is the point
	r.mu.Lock()
	if m := r.bySession[e.sessionID]; m != nil {
		delete(m, e.id)
		if len(m) == 0 {
			delete(r.bySession, e.sessionID)
		}
	}
	r.mu.Unlock()
}

func (r *subRegistry) dispatch(ev *wire.Event) {
	r.mu.RLock()
	m := r.bySession[ev.SessionID]
	entries := make([]*subEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if e.closed.Load() {
			continue
		}
		e.mu.Lock()
		if !e.closed.Load() {
			e.h(ev)
		}
		e.mu.Unlock()
	}
}

func (r *subRegistry) removeAll() {
	r.mu.Lock()
	old := r.bySession
	r.bySession = make(map[string]map[string]*subEntry)
	r.mu.Unlock()
	for _, m := range old {
		for _, e := range m {
			e.closed.Store(true)
			e.mu.Lock()
			e.mu.Unlock() //nolint:staticcheck
		}
	}
}
