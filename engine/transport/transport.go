package transport

import (
	"context"
	"sync"

	"SupportChat/engine/wire"
)

// Status of the shared streaming connection.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PublishResult tells the caller whether the frame was handed to the
// stream. Unavailable means: use the REST fallback; the channel never
// retries across that boundary itself.
type PublishResult int

const (
	PublishSent PublishResult = iota
	PublishUnavailable
)

// Handler receives inbound events for one session subscription.
type Handler func(ev *wire.Event)

// StatusHandler observes connection status transitions.
type StatusHandler func(s Status)

// Channel is the streaming transport shared by all sessions of one
// engine instance. Implementations reconnect on their own; they do NOT
// replay missed history (the registry re-fetches on reconnect).
type Channel interface {
	// Connect establishes the stream, blocking until the first successful
	// connection or ctx expiry. Reconnection continues in the background
	// afterwards until Close.
	Connect(ctx context.Context) error
	Close() error
	Status() Status

	// Subscribe registers an additive per-session handler; every
	// subscription is independently revocable.
	Subscribe(sessionID string, h Handler) Subscription
	// Unsubscribe removes the subscription; once it returns no further
	// callbacks run, even for events already in flight. Must not be
	// called from inside the handler being removed.
	Unsubscribe(sub Subscription)

	Publish(sessionID string, ev *wire.Event) PublishResult

	// OnStatus registers a status watcher; the returned func cancels it.
	OnStatus(h StatusHandler) func()
}

// statusHub is the shared watcher set used by both channel
// implementations.
type statusHub struct {
	mu   sync.RWMutex
	next int
	subs map[int]StatusHandler
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]StatusHandler)}
}

func (h *statusHub) add(f StatusHandler) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = f
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *statusHub) notify(s Status) {
	h.mu.RLock()
	fs := make([]StatusHandler, 0, len(h.subs))
	for _, f := range h.subs {
		fs = append(fs, f)
	}
	h.mu.RUnlock()
	for _, f := range fs {
		f(s)
	}
}
