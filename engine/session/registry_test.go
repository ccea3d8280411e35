package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"SupportChat/engine/wire"
	"SupportChat/global"
	"SupportChat/tools/errs"
)

func testConfig(now time.Time) global.EngineConfig {
	cfg := global.DefaultEngine()
	cfg.Clock = func() time.Time { return now }
	return cfg
}

// matchNever lets everything through; tests that need dedup use matchByID.
type matchNever struct{}

func (matchNever) Match([]*Message, *Message) (*Message, bool) { return nil, false }

// matchByID flags incoming messages whose id already exists.
type matchByID struct{}

func (matchByID) Match(existing []*Message, in *Message) (*Message, bool) {
	for _, c := range existing {
		if in.ID != "" && c.ID == in.ID {
			return c, true
		}
	}
	return nil, false
}

func newTestRegistry(t *testing.T, m Matcher) *Registry {
	t.Helper()
	r := NewRegistry(m, NewMemoryCache(), testConfig(time.Now()))
	if err := r.Insert(Session{ID: "s1", ParticipantID: "u1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return r
}

func TestInsertDuplicateFails(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	if err := r.Insert(Session{ID: "s1"}); err == nil {
		t.Fatal("duplicate insert must fail")
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	if _, err := r.Get("nope"); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestAppendKeepsTimestampOrder(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// arrive out of order: t+2, t, t+1
	for _, d := range []time.Duration{2 * time.Second, 0, time.Second} {
		if _, err := r.Append("s1", &Message{Sender: wire.SenderUser, Body: "m", CreatedAt: base.Add(d)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snap, err := r.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("want 3 messages, got %d", len(snap.Messages))
	}
	for i := 1; i < len(snap.Messages); i++ {
		if snap.Messages[i].CreatedAt.Before(snap.Messages[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v before %v",
				i, snap.Messages[i].CreatedAt, snap.Messages[i-1].CreatedAt)
		}
	}
}

func TestAppendEqualTimestampsKeepInsertionOrder(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for _, body := range []string{"first", "second", "third"} {
		if _, err := r.Append("s1", &Message{Sender: wire.SenderUser, Body: body, CreatedAt: ts}); err != nil {
			t.Fatalf("append %s: %v", body, err)
		}
	}
	snap, _ := r.Get("s1")
	got := []string{snap.Messages[0].Body, snap.Messages[1].Body, snap.Messages[2].Body}
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("equal-timestamp order not stable: %v", got)
	}
}

func TestAppendDuplicateAbsorbsBackendID(t *testing.T) {
	r := newTestRegistry(t, matchByID{})
	orig, err := r.Append("s1", &Message{
		ID: "local-1", Sender: wire.SenderUser, Body: "hi",
		Origin: OriginLocalOptimistic, Delivery: DeliverySending,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	echo := &Message{ID: "local-1", Sender: wire.SenderUser, Body: "hi", Origin: OriginRemoteEcho}
	survivor, err := r.Append("s1", echo)
	if !errors.Is(err, errs.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if survivor.ID != orig.ID {
		t.Fatalf("survivor id changed unexpectedly: %s", survivor.ID)
	}
	if survivor.Delivery != DeliverySent {
		t.Fatalf("echo must confirm delivery, got %s", survivor.Delivery)
	}
	snap, _ := r.Get("s1")
	if len(snap.Messages) != 1 {
		t.Fatalf("duplicate append grew the list: %d messages", len(snap.Messages))
	}
}

func TestTransitionForwardOnly(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	if _, changed, err := r.Transition("s1", StateAwaitingAgent); err != nil || !changed {
		t.Fatalf("bot_only -> awaiting_agent: changed=%v err=%v", changed, err)
	}
	if _, changed, err := r.Transition("s1", StateAgentJoined); err != nil || !changed {
		t.Fatalf("awaiting_agent -> agent_joined: changed=%v err=%v", changed, err)
	}
	if _, _, err := r.Transition("s1", StateAwaitingAgent); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("backward transition must fail, got %v", err)
	}
	if _, _, err := r.Transition("s1", StateClosed); err != nil {
		t.Fatalf("agent_joined -> closed: %v", err)
	}
	if _, _, err := r.Transition("s1", StateAgentJoined); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("transition out of terminal must fail, got %v", err)
	}
}

func TestTransitionToCurrentStateIsNoop(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	if _, changed, err := r.Transition("s1", StateAgentJoined); err != nil || !changed {
		t.Fatalf("first transition: changed=%v err=%v", changed, err)
	}
	// the repeat succeeds but reports nothing changed, so racing callers
	// can tell who actually performed the transition
	if _, changed, err := r.Transition("s1", StateAgentJoined); err != nil || changed {
		t.Fatalf("repeat transition: changed=%v err=%v, want no-op", changed, err)
	}
}

func TestTransitionSkipAndExpire(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	// skipping intermediate states is allowed
	if _, _, err := r.Transition("s1", StateAgentJoined); err != nil {
		t.Fatalf("bot_only -> agent_joined (skip): %v", err)
	}
	if err := r.Insert(Session{ID: "s2"}); err != nil {
		t.Fatalf("insert s2: %v", err)
	}
	if _, _, err := r.Transition("s2", StateExpired); err != nil {
		t.Fatalf("expire from bot_only: %v", err)
	}
	if _, _, err := r.Transition("s2", StateClosed); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expired is terminal, got %v", err)
	}
}

func TestCloseAppendsSystemMessageAtomically(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	sess, msg, err := r.Close("s1", StateClosed, &Message{Sender: wire.SenderBot, Body: "closed"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if sess.State != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State)
	}
	if msg.Body != "closed" || msg.ID == "" {
		t.Fatalf("system message not appended: %+v", msg)
	}
	// second close is rejected, no second system message
	if _, _, err := r.Close("s1", StateClosed, &Message{Sender: wire.SenderBot, Body: "again"}); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("double close must fail, got %v", err)
	}
	snap, _ := r.Get("s1")
	if len(snap.Messages) != 1 {
		t.Fatalf("want exactly one system message, got %d", len(snap.Messages))
	}
}

func TestAppendAfterTerminalFails(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	if _, _, err := r.Close("s1", StateClosed, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := r.Append("s1", &Message{Sender: wire.SenderUser, Body: "late"})
	if !errors.Is(err, errs.ErrSessionTerminal) {
		t.Fatalf("want ErrSessionTerminal, got %v", err)
	}
}

func TestReconcileSwapsIDInPlace(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	first, _ := r.Append("s1", &Message{Sender: wire.SenderUser, Body: "a", Origin: OriginLocalOptimistic, Delivery: DeliverySending})
	r.Append("s1", &Message{Sender: wire.SenderUser, Body: "b"}) //nolint:errcheck

	if err := r.Reconcile("s1", first.ID, "backend-99"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	snap, _ := r.Get("s1")
	if snap.Messages[0].ID != "backend-99" {
		t.Fatalf("id not swapped: %s", snap.Messages[0].ID)
	}
	if snap.Messages[0].Body != "a" {
		t.Fatal("reconcile moved the message")
	}
	if snap.Messages[0].Delivery != DeliverySent {
		t.Fatalf("reconcile must confirm delivery, got %s", snap.Messages[0].Delivery)
	}
	if err := r.Reconcile("s1", "missing", "x"); err == nil {
		t.Fatal("reconcile of unknown id must fail")
	}
}

func TestMarkDelivery(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	m, _ := r.Append("s1", &Message{Sender: wire.SenderUser, Body: "a", Delivery: DeliverySending})
	if err := r.MarkDelivery("s1", m.ID, DeliveryFailed); err != nil {
		t.Fatalf("mark delivery: %v", err)
	}
	snap, _ := r.Get("s1")
	if snap.Messages[0].Delivery != DeliveryFailed {
		t.Fatalf("delivery = %s, want failed", snap.Messages[0].Delivery)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry(t, matchNever{})
	r.Append("s1", &Message{Sender: wire.SenderUser, Body: "a"}) //nolint:errcheck
	snap, _ := r.Get("s1")
	snap.Messages[0].Body = "mutated"
	again, _ := r.Get("s1")
	if again.Messages[0].Body != "a" {
		t.Fatal("snapshot mutation leaked into the registry")
	}
}

func TestCacheRoundtrip(t *testing.T) {
	cache := NewMemoryCache()
	cfg := testConfig(time.Now())
	r := NewRegistry(matchNever{}, cache, cfg)
	if err := r.Insert(Session{ID: "s1", ParticipantID: "u1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r.Append("s1", &Message{Sender: wire.SenderUser, Body: "hello", Delivery: DeliverySent})  //nolint:errcheck
	r.Append("s1", &Message{Sender: wire.SenderAgent, Body: "hi back", Delivery: DeliverySent}) //nolint:errcheck
	r.Transition("s1", StateAgentJoined)                                                      //nolint:errcheck

	// a fresh registry sharing the cache sees the session after a reload
	r2 := NewRegistry(matchNever{}, cache, cfg)
	ok, err := r2.LoadFromCache(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("load from cache: ok=%v err=%v", ok, err)
	}
	snap, err := r2.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.State != StateAgentJoined {
		t.Fatalf("state lost: %s", snap.State)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Body != "hello" || snap.Messages[1].Body != "hi back" {
		t.Fatalf("messages lost or reordered: %+v", snap.Messages)
	}
	for _, m := range snap.Messages {
		if m.Origin != OriginHistoryReplay {
			t.Fatalf("restored messages must be history replays, got origin %d", m.Origin)
		}
	}
}

func TestCorruptCacheIsAMiss(t *testing.T) {
	cache := NewMemoryCache()
	cache.Save(context.Background(), "s1", []byte(`{"session_id":"s1","state":"no_such_state"}`)) //nolint:errcheck
	r := NewRegistry(matchNever{}, cache, testConfig(time.Now()))
	ok, err := r.LoadFromCache(context.Background(), "s1")
	if ok {
		t.Fatal("corrupt record must not load")
	}
	if !errors.Is(err, errs.ErrCacheCorrupt) {
		t.Fatalf("want ErrCacheCorrupt, got %v", err)
	}
	if _, gerr := r.Get("s1"); !errors.Is(gerr, errs.ErrSessionNotFound) {
		t.Fatalf("corrupt load must leave no session behind, got %v", gerr)
	}
}

func TestCacheMiss(t *testing.T) {
	r := NewRegistry(matchNever{}, NewMemoryCache(), testConfig(time.Now()))
	ok, err := r.LoadFromCache(context.Background(), "absent")
	if err != nil || ok {
		t.Fatalf("want clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestLiveStateWinsOverCache(t *testing.T) {
	cache := NewMemoryCache()
	cfg := testConfig(time.Now())
	r := NewRegistry(matchNever{}, cache, cfg)
	r.Insert(Session{ID: "s1", ParticipantID: "u1"}) //nolint:errcheck
	ok, err := r.LoadFromCache(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("cache must not replace a live session")
	}
}
