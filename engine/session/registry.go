package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/tools/decode"
	"SupportChat/tools/errs"
	"SupportChat/tools/ids"

	"go.uber.org/zap"
)

// Matcher decides whether an incoming message duplicates one already in
// the registry (implemented by the dedup engine; split out to keep the
// registry free of the heuristic).
type Matcher interface {
	Match(existing []*Message, incoming *Message) (*Message, bool)
}

// Registry is the authoritative in-process store of sessions and their
// ordered message lists. All mutations for a given session are
// serialized on that session's lock; reads return copies and never
// block mutations for long.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	matcher Matcher
	cache   Cache
	clock   func() time.Time
	log     *zap.Logger
}

type entry struct {
	mu      sync.Mutex
	sess    Session
	msgs    []*Message
	byID    map[string]*Message
	nextSeq int64
}

func NewRegistry(matcher Matcher, cache Cache, cfg global.EngineConfig) *Registry {
	cfg.Norm()
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Registry{
		entries: make(map[string]*entry),
		matcher: matcher,
		cache:   cache,
		clock:   cfg.Clock,
		log:     logger.With(zap.String("component", "session_registry")),
	}
}

// Insert registers a new session. Fails if the id is already known.
func (r *Registry) Insert(s Session) error {
	if s.State == "" {
		s.State = StateBotOnly
	}
	now := r.clock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.ID]; ok {
		return errs.New("session already registered", "session_id", s.ID)
	}
	e := &entry{sess: s, byID: make(map[string]*Message)}
	r.entries[s.ID] = e
	r.save(e)
	return nil
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.ErrSessionNotFound.WrapMsg("", "session_id", sessionID)
	}
	return e, nil
}

// Get returns an immutable snapshot of the session and its messages.
func (r *Registry) Get(sessionID string) (Snapshot, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (e *entry) snapshot() Snapshot {
	msgs := make([]Message, len(e.msgs))
	for i, m := range e.msgs {
		msgs[i] = *m
	}
	return Snapshot{Session: e.sess, Messages: msgs}
}

// Sessions lists a snapshot of every registered session (no messages).
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()
	out := make([]Session, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	return out
}

// Append inserts a message keeping the (CreatedAt, insertionOrder)
// ordering invariant. When the matcher flags the message as a duplicate
// of an existing one, nothing visible changes: the survivor absorbs a
// backend-assigned id if the incoming copy carried one, and ErrDuplicate
// is returned together with the surviving message.
func (r *Registry) Append(sessionID string, m *Message) (Message, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Message{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.State.Terminal() {
		return Message{}, errs.ErrSessionTerminal.WrapMsg("", "session_id", sessionID, "state", string(e.sess.State))
	}

	m.SessionID = sessionID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.clock()
	}

	if r.matcher != nil {
		if prev, dup := r.matcher.Match(e.msgs, m); dup {
			if m.ID != "" && prev.ID != m.ID {
				// the echo carries the backend-assigned id; absorb it
				delete(e.byID, prev.ID)
				prev.ID = m.ID
				e.byID[prev.ID] = prev
			}
			if prev.Origin == OriginLocalOptimistic {
				prev.Origin = OriginRemoteEcho
				prev.Delivery = DeliverySent
			}
			r.save(e)
			return *prev, errs.ErrDuplicate.WrapMsg("", "session_id", sessionID, "message_id", prev.ID)
		}
	}

	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	m.seq = e.nextSeq
	e.nextSeq++

	// common case: append at the tail; otherwise insert at the sort
	// position so reads always see (CreatedAt, seq) non-decreasing
	n := len(e.msgs)
	if n == 0 || !m.CreatedAt.Before(e.msgs[n-1].CreatedAt) {
		e.msgs = append(e.msgs, m)
	} else {
		i := sort.Search(n, func(i int) bool {
			return e.msgs[i].CreatedAt.After(m.CreatedAt)
		})
		e.msgs = append(e.msgs, nil)
		copy(e.msgs[i+1:], e.msgs[i:])
		e.msgs[i] = m
	}
	e.byID[m.ID] = m

	if at := m.CreatedAt; at.After(e.sess.LastActivityAt) {
		e.sess.LastActivityAt = at
	}
	r.save(e)
	return *m, nil
}

// Transition validates against the forward-only graph; an invalid
// request fails with ErrInvalidTransition and leaves the session
// untouched. The bool reports whether the state actually changed, so
// racing callers can agree on who performed the transition: a request
// for the current state is a no-op, not an error.
func (r *Registry) Transition(sessionID string, to State) (Session, bool, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.State == to {
		return e.sess, false, nil
	}
	if !CanTransition(e.sess.State, to) {
		return e.sess, false, errs.ErrInvalidTransition.WrapMsg("",
			"session_id", sessionID, "from", string(e.sess.State), "to", string(to))
	}
	e.sess.State = to
	r.save(e)
	return e.sess, true, nil
}

// Close atomically appends a final system message and moves the
// session to a terminal state, so racing closers produce exactly one
// system message and one transition. The message skips dedup (it is
// synthesized locally, never echoed).
func (r *Registry) Close(sessionID string, to State, sys *Message) (Session, Message, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, Message{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !CanTransition(e.sess.State, to) {
		return e.sess, Message{}, errs.ErrInvalidTransition.WrapMsg("",
			"session_id", sessionID, "from", string(e.sess.State), "to", string(to))
	}
	var appended Message
	if sys != nil {
		sys.SessionID = sessionID
		if sys.ID == "" {
			sys.ID = ids.GenerateString()
		}
		if sys.CreatedAt.IsZero() {
			sys.CreatedAt = r.clock()
		}
		sys.seq = e.nextSeq
		e.nextSeq++
		e.msgs = append(e.msgs, sys)
		e.byID[sys.ID] = sys
		appended = *sys
	}
	e.sess.State = to
	r.save(e)
	return e.sess, appended, nil
}

// Reconcile replaces a message's provisional local id with the
// backend-assigned one, without changing its position or visibility.
// The message is considered confirmed from then on.
func (r *Registry) Reconcile(sessionID, localID, remoteID string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[localID]
	if !ok {
		return errs.New("unknown local message id", "session_id", sessionID, "message_id", localID)
	}
	if remoteID != "" && remoteID != localID {
		delete(e.byID, localID)
		m.ID = remoteID
		e.byID[remoteID] = m
	}
	if m.Origin == OriginLocalOptimistic {
		m.Origin = OriginRemoteEcho
	}
	m.Delivery = DeliverySent
	r.save(e)
	return nil
}

// MarkDelivery updates the delivery state of one message (e.g. marking
// a send that failed on both paths as DeliveryFailed).
func (r *Registry) MarkDelivery(sessionID, messageID string, d Delivery) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[messageID]
	if !ok {
		return errs.New("unknown message id", "session_id", sessionID, "message_id", messageID)
	}
	m.Delivery = d
	r.save(e)
	return nil
}

// Touch records non-message activity (view/scroll signals).
func (r *Registry) Touch(sessionID string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if now := r.clock(); now.After(e.sess.LastActivityAt) {
		e.sess.LastActivityAt = now
	}
	r.save(e)
	return nil
}

// SetUnread mirrors the viewer's unread counter onto the session record.
func (r *Registry) SetUnread(sessionID string, n int) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.sess.UnreadCount = n
	r.save(e)
	return nil
}

// ---- cache ----

// save writes the session through to the cache. Best effort: a cache
// failure is logged and never surfaces to the mutation that caused it.
// Caller holds e.mu.
func (r *Registry) save(e *entry) {
	rec := Record{
		SessionID:      e.sess.ID,
		ParticipantID:  e.sess.ParticipantID,
		State:          string(e.sess.State),
		CreatedAt:      e.sess.CreatedAt,
		LastActivityAt: e.sess.LastActivityAt,
		UnreadCount:    e.sess.UnreadCount,
		Messages:       make([]Message, len(e.msgs)),
	}
	for i, m := range e.msgs {
		rec.Messages[i] = *m
	}
	b, err := json.Marshal(rec)
	if err != nil {
		r.log.Warn("cache marshal failed", zap.String("session_id", e.sess.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.cache.Save(ctx, e.sess.ID, b); err != nil {
		r.log.Warn("cache save failed", zap.String("session_id", e.sess.ID), zap.Error(err))
	}
}

// LoadFromCache seeds a session from the local cache. Returns false on
// miss; a corrupt record is reported as ErrCacheCorrupt but treated as
// a miss (the caller rebuilds from a backend history fetch).
func (r *Registry) LoadFromCache(ctx context.Context, sessionID string) (bool, error) {
	b, ok, err := r.cache.Load(ctx, sessionID)
	if err != nil {
		return false, errs.ErrCacheCorrupt.WrapMsg("cache load", "session_id", sessionID, "err", err)
	}
	if !ok {
		return false, nil
	}

	var loose map[string]any
	if err := json.Unmarshal(b, &loose); err != nil {
		return false, errs.ErrCacheCorrupt.WrapMsg("cache unmarshal", "session_id", sessionID, "err", err)
	}
	rec, err := decode.DecodeMap[Record](loose)
	if err != nil {
		return false, errs.ErrCacheCorrupt.WrapMsg("cache decode", "session_id", sessionID, "err", err)
	}
	st := State(rec.State)
	if rec.SessionID != sessionID || !st.Valid() {
		return false, errs.ErrCacheCorrupt.WrapMsg("cache record inconsistent",
			"session_id", sessionID, "state", rec.State)
	}

	e := &entry{
		sess: Session{
			ID:             sessionID,
			ParticipantID:  rec.ParticipantID,
			State:          st,
			CreatedAt:      rec.CreatedAt,
			LastActivityAt: rec.LastActivityAt,
			UnreadCount:    rec.UnreadCount,
		},
		byID: make(map[string]*Message),
	}
	for i := range rec.Messages {
		m := rec.Messages[i]
		m.Origin = OriginHistoryReplay
		if m.Delivery != DeliveryFailed {
			m.Delivery = DeliverySent
		}
		m.seq = e.nextSeq
		e.nextSeq++
		e.msgs = append(e.msgs, &m)
		e.byID[m.ID] = &m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[sessionID]; exists {
		// live state wins over the cached copy
		return false, nil
	}
	r.entries[sessionID] = e
	return true, nil
}

// DropCache removes the cached copy (used once a session is terminal
// and fully synced server-side).
func (r *Registry) DropCache(ctx context.Context, sessionID string) {
	if err := r.cache.Delete(ctx, sessionID); err != nil {
		r.log.Warn("cache delete failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
