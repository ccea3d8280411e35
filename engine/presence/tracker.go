package presence

import (
	"sort"
	"sync"
	"time"

	"SupportChat/engine/transport"
	"SupportChat/global"
)

// Snapshot is the ephemeral signal state of one session. Never
// persisted; rebuilt from live events after a reload.
type Snapshot struct {
	ConnectionStatus   transport.Status
	AgentJoined        bool
	TypingParticipants []string
	UnreadCount        int
}

// Tracker keeps per-session presence: who is typing (entries expire on
// their own), whether an agent has joined (one-way latch while the
// session is open), and the viewer's unread counter.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*state

	typingTTL time.Duration
	status    transport.Status // engine-wide, the stream is shared

	// onChange fires after any presence mutation; onRead fires when the
	// viewer marks a session read (the orchestrator emits the outbound
	// Read event from it). Both may be nil.
	onChange func(sessionID string)
	onRead   func(sessionID string)
}

type state struct {
	agentJoined bool
	unread      int
	typing      map[string]*time.Timer // participant -> expiry timer
}

func NewTracker(cfg global.EngineConfig, onChange, onRead func(sessionID string)) *Tracker {
	cfg.Norm()
	return &Tracker{
		sessions:  make(map[string]*state),
		typingTTL: cfg.TypingTTL,
		onChange:  onChange,
		onRead:    onRead,
	}
}

// caller holds t.mu
func (t *Tracker) get(sessionID string) *state {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &state{typing: make(map[string]*time.Timer)}
		t.sessions[sessionID] = s
	}
	return s
}

// SetTyping adds the participant to the typing set and schedules its
// automatic removal unless refreshed; isTyping=false removes at once.
// Rescheduling replaces the pending timer, it never stacks.
func (t *Tracker) SetTyping(sessionID, participantID string, isTyping bool) {
	t.mu.Lock()
	s := t.get(sessionID)
	if tm, ok := s.typing[participantID]; ok {
		tm.Stop()
		delete(s.typing, participantID)
	}
	if isTyping {
		s.typing[participantID] = time.AfterFunc(t.typingTTL, func() {
			t.expireTyping(sessionID, participantID)
		})
	}
	t.mu.Unlock()
	t.changed(sessionID)
}

func (t *Tracker) expireTyping(sessionID, participantID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if ok {
		delete(s.typing, participantID)
	}
	t.mu.Unlock()
	if ok {
		t.changed(sessionID)
	}
}

// MarkJoined latches agentJoined; it never resets while the session is
// open.
func (t *Tracker) MarkJoined(sessionID string) {
	t.mu.Lock()
	s := t.get(sessionID)
	already := s.agentJoined
	s.agentJoined = true
	t.mu.Unlock()
	if !already {
		t.changed(sessionID)
	}
}

func (t *Tracker) Joined(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	return ok && s.agentJoined
}

// IncrUnread bumps the viewer's unread counter for an inbound message.
func (t *Tracker) IncrUnread(sessionID string) int {
	t.mu.Lock()
	s := t.get(sessionID)
	s.unread++
	n := s.unread
	t.mu.Unlock()
	t.changed(sessionID)
	return n
}

// SetUnread overrides the counter with a server-reported value.
func (t *Tracker) SetUnread(sessionID string, n int) {
	if n < 0 {
		n = 0
	}
	t.mu.Lock()
	t.get(sessionID).unread = n
	t.mu.Unlock()
	t.changed(sessionID)
}

// MarkRead zeroes the counter and notifies the read hook so other
// viewers of the same session converge.
func (t *Tracker) MarkRead(sessionID string) {
	t.mu.Lock()
	s := t.get(sessionID)
	had := s.unread != 0
	s.unread = 0
	t.mu.Unlock()
	if t.onRead != nil {
		t.onRead(sessionID)
	}
	if had {
		t.changed(sessionID)
	}
}

// SetConnectionStatus records the shared stream status (one stream
// serves every session).
func (t *Tracker) SetConnectionStatus(s transport.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Tracker) Get(sessionID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{ConnectionStatus: t.status}
	s, ok := t.sessions[sessionID]
	if !ok {
		return snap
	}
	snap.AgentJoined = s.agentJoined
	snap.UnreadCount = s.unread
	for p := range s.typing {
		snap.TypingParticipants = append(snap.TypingParticipants, p)
	}
	sort.Strings(snap.TypingParticipants)
	return snap
}

// Release drops a session's state and stops its typing timers; called
// once the session is terminal.
func (t *Tracker) Release(sessionID string) {
	t.mu.Lock()
	if s, ok := t.sessions[sessionID]; ok {
		for _, tm := range s.typing {
			tm.Stop()
		}
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
}

func (t *Tracker) changed(sessionID string) {
	if t.onChange != nil {
		t.onChange(sessionID)
	}
}
