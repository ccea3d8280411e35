package dedup

import (
	"testing"
	"time"

	"SupportChat/engine/session"
	"SupportChat/engine/wire"
	"SupportChat/global"
)

func newTestEngine(now *time.Time) *Engine {
	cfg := global.DefaultEngine()
	cfg.Clock = func() time.Time { return *now }
	return New(cfg)
}

func userMsg(id, participant, body string, at time.Time, origin session.Origin) *session.Message {
	return &session.Message{
		ID:            id,
		ParticipantID: participant,
		Sender:        wire.SenderUser,
		Body:          body,
		CreatedAt:     at,
		Origin:        origin,
	}
}

func TestEchoOfRecentSendIsDuplicate(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	sent := userMsg("m1", "u1", "hello", now, session.OriginLocalOptimistic)
	e.NoteSent("m1", "u1")

	echo := userMsg("m1", "u1", "hello", now.Add(200*time.Millisecond), session.OriginRemoteEcho)
	prev, dup := e.Match([]*session.Message{sent}, echo)
	if !dup || prev != sent {
		t.Fatal("echo carrying the sent id must match the original")
	}
}

func TestRecentSentSetExpires(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	sent := userMsg("m1", "u1", "hello", now, session.OriginLocalOptimistic)
	e.NoteSent("m1", "u1")

	now = now.Add(6 * time.Second) // past the 5s ttl
	// same id, but the window closed and the content timestamps are far
	// apart, so nothing matches anymore
	late := userMsg("m1", "u1", "different body", now, session.OriginRemoteEcho)
	if _, dup := e.Match([]*session.Message{sent}, late); dup {
		t.Fatal("expired recently-sent entry must no longer match by id")
	}
}

func TestContentFallbackInsideWindow(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	// backend reassigned the id, so only content can correlate
	sent := userMsg("local-1", "u1", "hello there", now, session.OriginLocalOptimistic)
	echo := userMsg("backend-9", "u1", "hello there", now.Add(2*time.Second), session.OriginRemoteEcho)
	prev, dup := e.Match([]*session.Message{sent}, echo)
	if !dup || prev != sent {
		t.Fatal("same sender, same body, 2s apart: must match")
	}
}

func TestContentFallbackOutsideWindow(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	sent := userMsg("local-1", "u1", "hello there", now, session.OriginLocalOptimistic)
	echo := userMsg("backend-9", "u1", "hello there", now.Add(3*time.Second), session.OriginRemoteEcho)
	if _, dup := e.Match([]*session.Message{sent}, echo); dup {
		t.Fatal("3s apart is outside the echo window")
	}
}

func TestDifferentSenderNeverMatches(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	sent := userMsg("local-1", "u1", "ok", now, session.OriginLocalOptimistic)
	agent := &session.Message{
		ID: "backend-9", ParticipantID: "agent_1", Sender: wire.SenderAgent,
		Body: "ok", CreatedAt: now.Add(time.Second), Origin: session.OriginRemoteEcho,
	}
	if _, dup := e.Match([]*session.Message{sent}, agent); dup {
		t.Fatal("agent repeating the user's text is not an echo")
	}
}

func TestAttachmentURLsMatchOrderSensitive(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	atts := []wire.Attachment{{URL: "/files/a"}, {URL: "/files/b"}}
	sent := userMsg("local-1", "u1", "", now, session.OriginLocalOptimistic)
	sent.Attachments = atts

	echo := userMsg("backend-9", "u1", "", now.Add(time.Second), session.OriginRemoteEcho)
	echo.Attachments = []wire.Attachment{{URL: "/files/a"}, {URL: "/files/b"}}
	if _, dup := e.Match([]*session.Message{sent}, echo); !dup {
		t.Fatal("identical attachment URL lists must match")
	}

	reordered := userMsg("backend-10", "u1", "", now.Add(time.Second), session.OriginRemoteEcho)
	reordered.Attachments = []wire.Attachment{{URL: "/files/b"}, {URL: "/files/a"}}
	if _, dup := e.Match([]*session.Message{sent}, reordered); dup {
		t.Fatal("reordered attachment lists are distinct messages")
	}
}

// Two genuinely different messages with identical text inside the window
// collapse. That is the documented cost of content matching without
// end-to-end id correlation; this test pins the behavior so a change to
// it is a conscious one.
func TestIdenticalTextsInsideWindowCollapse(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	first := userMsg("backend-1", "u1", "yes", now, session.OriginRemoteEcho)
	second := userMsg("backend-2", "u1", "yes", now.Add(time.Second), session.OriginRemoteEcho)
	if _, dup := e.Match([]*session.Message{first}, second); !dup {
		t.Fatal("identical texts inside the window are expected to collapse")
	}
}

func TestLocalOptimisticNeverDeduped(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	existing := userMsg("m1", "u1", "yes", now, session.OriginRemoteEcho)
	// the user intentionally sends the same text twice in a row
	again := userMsg("m2", "u1", "yes", now.Add(time.Second), session.OriginLocalOptimistic)
	if _, dup := e.Match([]*session.Message{existing}, again); dup {
		t.Fatal("locally originated sends must never be suppressed")
	}
}

func TestHistoryReplayOfKnownIDIsDuplicate(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&now)
	held := userMsg("backend-1", "u1", "hello", now.Add(-time.Hour), session.OriginRemoteEcho)
	replay := userMsg("backend-1", "u1", "hello", now.Add(-time.Hour), session.OriginHistoryReplay)
	prev, dup := e.Match([]*session.Message{held}, replay)
	if !dup || prev != held {
		t.Fatal("history replay of an already-held id must dedup regardless of age")
	}
}
