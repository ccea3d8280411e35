package wire

import (
	"encoding/json"
	"time"

	"SupportChat/tools/errs"
)

// Kind is the closed set of event types carried on the stream.
// Decode rejects anything outside this set, so downstream code can
// switch on Kind without a default error path per call site.
type Kind string

const (
	KindMessage     Kind = "message"
	KindTyping      Kind = "typing"
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindRead        Kind = "read"
	KindUnreadCount Kind = "unread_count"
)

func (k Kind) valid() bool {
	switch k {
	case KindMessage, KindTyping, KindJoin, KindLeave, KindRead, KindUnreadCount:
		return true
	}
	return false
}

// Sender is the category of a message author.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
	SenderBot   Sender = "bot"
)

type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	URL       string `json:"url"`
}

// Event is one frame on the streaming transport. Which optional fields
// are meaningful depends on Type; MessageID is the client-generated id
// echoed back when the backend preserves it (it often does not, which is
// why the dedup engine also has a content heuristic).
type Event struct {
	Type          Kind         `json:"type"`
	SessionID     string       `json:"sessionId"`
	ParticipantID string       `json:"participantId,omitempty"`
	MessageID     string       `json:"messageId,omitempty"`
	Sender        Sender       `json:"sender,omitempty"`
	Body          string       `json:"body,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	IsTyping      *bool        `json:"isTyping,omitempty"`
	UnreadCount   *int         `json:"unreadCount,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Decode parses one wire frame. Unknown event types and frames without a
// session id are rejected rather than passed through half-formed.
func Decode(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal wire event")
	}
	if !ev.Type.valid() {
		return nil, errs.New("unknown wire event type", "type", string(ev.Type))
	}
	if ev.SessionID == "" {
		return nil, errs.New("wire event missing sessionId", "type", string(ev.Type))
	}
	return &ev, nil
}

func (e *Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal wire event", "type", string(e.Type))
	}
	return b, nil
}

// ---- builders for outbound frames ----

func NewMessageEvent(sessionID, participantID, messageID string, sender Sender, body string, atts []Attachment, ts time.Time) *Event {
	return &Event{
		Type:          KindMessage,
		SessionID:     sessionID,
		ParticipantID: participantID,
		MessageID:     messageID,
		Sender:        sender,
		Body:          body,
		Attachments:   atts,
		Timestamp:     ts,
	}
}

func NewTypingEvent(sessionID, participantID string, isTyping bool, ts time.Time) *Event {
	return &Event{
		Type:          KindTyping,
		SessionID:     sessionID,
		ParticipantID: participantID,
		IsTyping:      &isTyping,
		Timestamp:     ts,
	}
}

func NewReadEvent(sessionID, participantID string, ts time.Time) *Event {
	return &Event{
		Type:          KindRead,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Timestamp:     ts,
	}
}

func NewJoinEvent(sessionID, participantID string, ts time.Time) *Event {
	return &Event{
		Type:          KindJoin,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Timestamp:     ts,
	}
}

func NewUnreadCountEvent(sessionID string, n int, ts time.Time) *Event {
	return &Event{
		Type:        KindUnreadCount,
		SessionID:   sessionID,
		UnreadCount: &n,
		Timestamp:   ts,
	}
}
