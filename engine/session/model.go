package session

import (
	"time"

	"SupportChat/engine/wire"
)

// State of one support conversation. Transitions only move forward
// along BotOnly -> AwaitingAgent -> AgentJoined -> Closed (skipping is
// allowed); Expired is reachable from any non-terminal state. Closed
// and Expired are terminal.
type State string

const (
	StateBotOnly       State = "bot_only"
	StateAwaitingAgent State = "awaiting_agent"
	StateAgentJoined   State = "agent_joined"
	StateClosed        State = "closed"
	StateExpired       State = "expired"
)

var stateRank = map[State]int{
	StateBotOnly:       0,
	StateAwaitingAgent: 1,
	StateAgentJoined:   2,
	StateClosed:        3,
	StateExpired:       3,
}

func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateExpired
}

// CanTransition reports whether from -> to is on the forward-only graph.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StateExpired {
		return true
	}
	return stateRank[to] > stateRank[from]
}

// Origin records where a message entered the engine. Internal
// bookkeeping only; it is never written to the wire or the cache.
type Origin int

const (
	OriginLocalOptimistic Origin = iota
	OriginRemoteEcho
	OriginHistoryReplay
)

// Delivery is the user-visible delivery state of an outbound message.
// Failed messages stay visible so the sender can retry them.
type Delivery string

const (
	DeliverySending Delivery = "sending"
	DeliverySent    Delivery = "sent"
	DeliveryFailed  Delivery = "failed"
)

type Message struct {
	ID            string            `json:"message_id"`
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id,omitempty"`
	Sender        wire.Sender       `json:"sender"`
	Body          string            `json:"body,omitempty"`
	Attachments   []wire.Attachment `json:"attachments,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Delivery      Delivery          `json:"delivery,omitempty"`
	Origin        Origin            `json:"-"`

	seq int64 // insertion order, tie-break for equal CreatedAt
}

type Session struct {
	ID             string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UnreadCount    int       `json:"unread_count"`
}

// Snapshot is an immutable copy of a session plus its ordered messages;
// safe to read concurrently with registry mutations.
type Snapshot struct {
	Session
	Messages []Message
}
