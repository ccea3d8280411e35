package dedup

import (
	"sync"
	"time"

	"SupportChat/engine/session"
	"SupportChat/engine/wire"
	"SupportChat/global"
)

// Engine decides whether an inbound message is the echo of one this
// client already holds, most commonly our own just-sent message coming
// back over the stream or a history replay.
//
// Matching is a bounded heuristic, not identity: the transport cannot
// guarantee id correlation end to end, so after the id check a
// content+timestamp fallback applies. Two genuinely distinct messages
// with identical text from the same sender inside the window will be
// collapsed; that tradeoff is deliberate and must not be tightened here
// without a product decision.
type Engine struct {
	mu     sync.Mutex
	recent map[string]recentEntry // local message id -> sender identity

	ttl    time.Duration // recently-sent id expiry
	window time.Duration // content-match timestamp tolerance
	clock  func() time.Time
}

type recentEntry struct {
	participantID string
	at            time.Time
}

func New(cfg global.EngineConfig) *Engine {
	cfg.Norm()
	return &Engine{
		recent: make(map[string]recentEntry),
		ttl:    cfg.RecentSendTTL,
		window: cfg.EchoWindow,
		clock:  cfg.Clock,
	}
}

// NoteSent records a locally-originated message id so its echo can be
// matched by id. Entries expire after the ttl and can no longer match.
func (e *Engine) NoteSent(messageID, participantID string) {
	now := e.clock()
	e.mu.Lock()
	e.sweep(now)
	e.recent[messageID] = recentEntry{participantID: participantID, at: now}
	e.mu.Unlock()
}

// caller holds e.mu
func (e *Engine) sweep(now time.Time) {
	for id, ent := range e.recent {
		if now.Sub(ent.at) > e.ttl {
			delete(e.recent, id)
		}
	}
}

// recentlySent reports whether id is still inside the sent window for
// the given participant.
func (e *Engine) recentlySent(id, participantID string) bool {
	if id == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.recent[id]
	if !ok {
		return false
	}
	if e.clock().Sub(ent.at) > e.ttl {
		delete(e.recent, id)
		return false
	}
	return ent.participantID == participantID
}

// Match implements session.Matcher. A candidate is a duplicate when all
// hold: same session (implied by the candidate list), same sender
// bucket, and either the inbound id is in the recently-sent set for the
// same participant, or the content matches (identical non-empty
// attachment URL list, order-sensitive, or identical body) with
// timestamps within the window.
func (e *Engine) Match(existing []*session.Message, incoming *session.Message) (*session.Message, bool) {
	if incoming.Origin == session.OriginLocalOptimistic {
		return nil, false
	}

	// exact id hit: the backend preserved an id we already hold (echo of
	// a recent send, or a history replay of a known message)
	if incoming.ID != "" {
		for _, c := range existing {
			if c.ID == incoming.ID {
				if c.Sender != incoming.Sender {
					continue
				}
				if c.Origin != session.OriginLocalOptimistic ||
					e.recentlySent(incoming.ID, incoming.ParticipantID) {
					return c, true
				}
			}
		}
	}

	// no id correlation: fall back to bounded content matching, newest
	// candidates first since echoes trail their original closely
	for i := len(existing) - 1; i >= 0; i-- {
		c := existing[i]
		if c.Sender != incoming.Sender {
			continue
		}
		dt := incoming.CreatedAt.Sub(c.CreatedAt)
		if dt < 0 {
			dt = -dt
		}
		if dt >= e.window {
			continue
		}
		if sameAttachments(c.Attachments, incoming.Attachments) || (c.Body != "" && c.Body == incoming.Body) {
			return c, true
		}
	}
	return nil, false
}

func sameAttachments(a, b []wire.Attachment) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}
