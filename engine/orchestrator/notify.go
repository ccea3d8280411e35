package orchestrator

import (
	"sync"
	"sync/atomic"

	"SupportChat/engine/presence"
	"SupportChat/engine/session"
	"SupportChat/engine/transport"

	"github.com/google/uuid"
)

// NotifKind discriminates the merged notification stream a consumer
// receives: message appends/updates, presence changes, lifecycle
// transitions, and connection status flips.
type NotifKind string

const (
	NotifMessage  NotifKind = "message"
	NotifPresence NotifKind = "presence"
	NotifState    NotifKind = "state"
	NotifStatus   NotifKind = "connection_status"
)

type Notification struct {
	Kind      NotifKind
	SessionID string

	Message  *session.Message   // NotifMessage: appended or updated message
	Presence *presence.Snapshot // NotifPresence
	State    session.State      // NotifState
	Status   transport.Status   // NotifStatus
}

type EventHandler func(n Notification)

// Handle identifies one consumer subscription.
type Handle struct {
	e *notifyEntry
}

func (h Handle) valid() bool { return h.e != nil }

type notifyEntry struct {
	id        string
	sessionID string
	fn        EventHandler

	mu     sync.Mutex
	closed atomic.Bool
}

// notifyHub fans merged notifications out per session. Same
// delivery/removal discipline as the transport subscriptions: after
// Unsubscribe returns no callback runs, enforced by the per-entry lock.
type notifyHub struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*notifyEntry
}

func newNotifyHub() *notifyHub {
	return &notifyHub{bySession: make(map[string]map[string]*notifyEntry)}
}

func (h *notifyHub) add(sessionID string, fn EventHandler) Handle {
	e := &notifyEntry{id: uuid.NewString(), sessionID: sessionID, fn: fn}
	h.mu.Lock()
	m := h.bySession[sessionID]
	if m == nil {
		m = make(map[string]*notifyEntry)
		h.bySession[sessionID] = m
	}
	m[e.id] = e
	h.mu.Unlock()
	return Handle{e: e}
}

func (h *notifyHub) remove(hd Handle) {
	if !hd.valid() {
		return
	}
	e := hd.e
	e.closed.Store(true)
	e.mu.Lock()
	e.mu.Unlock() //nolint:staticcheck // barrier for in-flight delivery
	h.mu.Lock()
	if m := h.bySession[e.sessionID]; m != nil {
		delete(m, e.id)
		if len(m) == 0 {
			delete(h.bySession, e.sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *notifyHub) notify(n Notification) {
	h.mu.RLock()
	m := h.bySession[n.SessionID]
	entries := make([]*notifyEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	for _, e := range entries {
		if e.closed.Load() {
			continue
		}
		e.mu.Lock()
		if !e.closed.Load() {
			e.fn(n)
		}
		e.mu.Unlock()
	}
}
