package orchestrator

import (
	"context"
	stderr "errors"
	"strings"
	"sync"

	"SupportChat/engine/dedup"
	"SupportChat/engine/idle"
	"SupportChat/engine/presence"
	"SupportChat/engine/restapi"
	"SupportChat/engine/session"
	"SupportChat/engine/transport"
	"SupportChat/engine/wire"
	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/tools/errs"
	"SupportChat/tools/ids"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

// BotResponder produces the automated acknowledgment for a user message
// while no agent has joined. Return "" to stay silent. What the bot
// says is the caller's business; the orchestrator only enforces that it
// stops once an agent is in the session.
type BotResponder func(sessionID, userBody string) string

// DefaultBotResponder is the stock acknowledgment used when the caller
// does not supply one.
func DefaultBotResponder(string, string) string {
	return "Thanks for your message! A support agent will be with you shortly."
}

// Outgoing is one attachment handed to Send. When URL is set the file
// is already hosted; otherwise Data is uploaded first and the send is
// aborted if that upload fails.
type Outgoing struct {
	Filename  string
	MimeType  string
	SizeBytes int64
	URL       string
	Data      []byte
}

// Orchestrator is the engine's public API: it composes the transport
// channel, session registry, dedup engine, presence tracker, inactivity
// scheduler and REST fallback behind one surface. Consumers talk to
// nothing else.
type Orchestrator struct {
	cfg           global.EngineConfig
	participantID string
	ch            transport.Channel
	api           *restapi.Client
	reg           *session.Registry
	ded           *dedup.Engine
	pres          *presence.Tracker
	idle          *idle.Scheduler
	hub           *notifyHub
	bot           BotResponder
	log           *zap.Logger

	mu           sync.Mutex
	attached     map[string]transport.Subscription
	lastStatus   transport.Status
	statusCancel func()
	closed       bool
}

// New builds an orchestrator for one viewer identity (the participant
// the identity provider authenticated). cache may be nil (in-memory).
func New(cfg global.EngineConfig, ch transport.Channel, api *restapi.Client, cache session.Cache, participantID string, bot BotResponder) *Orchestrator {
	cfg.Norm()
	safe.MustNotNil(ch, "transport channel")
	safe.MustNotNil(api, "restapi client")
	if bot == nil {
		bot = DefaultBotResponder
	}
	o := &Orchestrator{
		cfg:           cfg,
		participantID: participantID,
		ch:            ch,
		api:           api,
		bot:           bot,
		hub:           newNotifyHub(),
		attached:      make(map[string]transport.Subscription),
		log:           logger.With(zap.String("component", "orchestrator"), zap.String("participant_id", participantID)),
	}
	o.ded = dedup.New(cfg)
	o.reg = session.NewRegistry(o.ded, cache, cfg)
	o.pres = presence.NewTracker(cfg, o.presenceChanged, o.emitRead)
	o.idle = idle.NewScheduler(cfg, o.autoClose)
	o.statusCancel = ch.OnStatus(o.onStatus)
	return o
}

// Connect brings the stream up, blocking until connected or ctx expiry.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.ch.Connect(ctx)
}

// StartSession creates a new backend session and registers it locally
// in BotOnly state.
func (o *Orchestrator) StartSession(ctx context.Context, participantID string) (session.Snapshot, error) {
	if participantID == "" {
		participantID = o.participantID
	}
	id, err := o.api.CreateSession(ctx, participantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := o.reg.Insert(session.Session{ID: id, ParticipantID: participantID, State: session.StateBotOnly}); err != nil {
		return session.Snapshot{}, err
	}
	o.attach(id)
	o.idle.Reset(id)
	o.log.Info("session started", zap.String("session_id", id))
	return o.reg.Get(id)
}

// Subscribe delivers the merged stream of message appends/updates,
// presence changes, state transitions and connection status flips for
// one session, already deduplicated and ordered.
func (o *Orchestrator) Subscribe(sessionID string, fn EventHandler) Handle {
	return o.hub.add(sessionID, fn)
}

// Unsubscribe is effective immediately: no callback runs after it
// returns. Must not be called from inside the handler being removed.
func (o *Orchestrator) Unsubscribe(h Handle) {
	o.hub.remove(h)
}

// Session returns an immutable snapshot; reads never block mutations.
func (o *Orchestrator) Session(sessionID string) (session.Snapshot, error) {
	return o.reg.Get(sessionID)
}

func (o *Orchestrator) Sessions() []session.Session { return o.reg.Sessions() }

func (o *Orchestrator) Presence(sessionID string) presence.Snapshot {
	return o.pres.Get(sessionID)
}

// Send appends an optimistic message, then delivers it over the stream
// or, when that is unavailable, over the REST fallback. If both fail
// the message stays visible marked failed and ErrSendFailed is
// returned; the caller may Retry.
func (o *Orchestrator) Send(ctx context.Context, sessionID, body string, atts []Outgoing) (session.Message, error) {
	if strings.TrimSpace(body) == "" && len(atts) == 0 {
		return session.Message{}, errs.ErrEmptySend.WrapMsg("", "session_id", sessionID)
	}
	snap, err := o.reg.Get(sessionID)
	if err != nil {
		return session.Message{}, err
	}
	if snap.State.Terminal() {
		return session.Message{}, errs.ErrSessionTerminal.WrapMsg("", "session_id", sessionID, "state", string(snap.State))
	}

	wireAtts, err := o.resolveAttachments(ctx, atts)
	if err != nil {
		return session.Message{}, err // upload failed: no partial message
	}

	m := &session.Message{
		ID:            ids.GenerateString(),
		ParticipantID: snap.ParticipantID,
		Sender:        wire.SenderUser,
		Body:          body,
		Attachments:   wireAtts,
		CreatedAt:     o.cfg.Clock(),
		Origin:        session.OriginLocalOptimistic,
		Delivery:      session.DeliverySending,
	}
	o.ded.NoteSent(m.ID, m.ParticipantID)
	appended, err := o.reg.Append(sessionID, m)
	if err != nil {
		return session.Message{}, err
	}
	o.notifyMessage(sessionID, appended)
	o.idle.Reset(sessionID)

	if snap.State == session.StateBotOnly {
		// first user message: the session is now waiting for a human
		if s2, changed, terr := o.reg.Transition(sessionID, session.StateAwaitingAgent); terr == nil && changed {
			o.notifyState(sessionID, s2.State)
		}
	}

	delivered, derr := o.deliver(ctx, sessionID, appended)
	if derr != nil {
		return delivered, derr
	}
	o.maybeBotAck(sessionID, body)
	return delivered, nil
}

// Retry re-attempts delivery of a message previously marked failed.
func (o *Orchestrator) Retry(ctx context.Context, sessionID, messageID string) (session.Message, error) {
	snap, err := o.reg.Get(sessionID)
	if err != nil {
		return session.Message{}, err
	}
	var target *session.Message
	for i := range snap.Messages {
		if snap.Messages[i].ID == messageID {
			target = &snap.Messages[i]
			break
		}
	}
	if target == nil {
		return session.Message{}, errs.New("unknown message id", "session_id", sessionID, "message_id", messageID)
	}
	if target.Delivery != session.DeliveryFailed {
		return *target, nil
	}
	_ = o.reg.MarkDelivery(sessionID, messageID, session.DeliverySending)
	o.ded.NoteSent(messageID, target.ParticipantID)
	o.idle.Reset(sessionID)
	retry := *target
	retry.Delivery = session.DeliverySending
	return o.deliver(ctx, sessionID, retry)
}

// SetTyping publishes the viewer's typing state. Ephemeral: dropped
// silently when the stream is down, no REST fallback.
func (o *Orchestrator) SetTyping(sessionID string, isTyping bool) {
	ev := wire.NewTypingEvent(sessionID, o.participantID, isTyping, o.cfg.Clock())
	_ = o.ch.Publish(sessionID, ev)
}

// MarkRead zeroes the viewer's unread counter and emits a Read event so
// other viewers of the session converge. Counts as activity.
func (o *Orchestrator) MarkRead(sessionID string) {
	o.pres.MarkRead(sessionID)
	_ = o.reg.SetUnread(sessionID, 0)
	_ = o.reg.Touch(sessionID)
	o.idle.Reset(sessionID)
}

// Activity records a non-message activity signal (scroll, view) that
// keeps the session from idling out.
func (o *Orchestrator) Activity(sessionID string) {
	_ = o.reg.Touch(sessionID)
	o.idle.Reset(sessionID)
}

// Close ends the session now: cancels the idle timer, appends a final
// system message, transitions to Closed and informs the backend.
func (o *Orchestrator) Close(ctx context.Context, sessionID, reason string) error {
	o.idle.Cancel(sessionID)
	sess, msg, err := o.reg.Close(sessionID, session.StateClosed, o.systemMessage("Conversation closed: "+reason))
	if err != nil {
		return err
	}
	o.notifyMessage(sessionID, msg)
	o.notifyState(sessionID, sess.State)
	o.pres.Release(sessionID)
	o.detach(sessionID)
	if cerr := o.api.CloseSession(ctx, sessionID, reason); cerr != nil {
		// local state is already terminal; backend converges on its own
		o.log.Warn("backend close failed", zap.String("session_id", sessionID), zap.Error(cerr))
	}
	return nil
}

// Expire marks a session expired (backend-driven termination), same
// mechanics as Close but terminal state Expired.
func (o *Orchestrator) Expire(sessionID, reason string) error {
	o.idle.Cancel(sessionID)
	sess, msg, err := o.reg.Close(sessionID, session.StateExpired, o.systemMessage("Conversation expired: "+reason))
	if err != nil {
		return err
	}
	o.notifyMessage(sessionID, msg)
	o.notifyState(sessionID, sess.State)
	o.pres.Release(sessionID)
	o.detach(sessionID)
	return nil
}

// Resume rebuilds a session after a reload: cache first (advisory),
// then an authoritative history fetch, then a fresh stream
// subscription. Suspends on the fetch; cancellable via ctx.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if _, err := o.reg.Get(sessionID); err != nil {
		if ok, cerr := o.reg.LoadFromCache(ctx, sessionID); cerr != nil {
			o.log.Warn("cache unusable, rebuilding from history",
				zap.String("session_id", sessionID), zap.Error(cerr))
		} else if ok {
			o.log.Info("session restored from cache", zap.String("session_id", sessionID))
		}
		if _, err2 := o.reg.Get(sessionID); err2 != nil {
			if ierr := o.reg.Insert(session.Session{ID: sessionID, ParticipantID: o.participantID, State: session.StateBotOnly}); ierr != nil {
				return session.Snapshot{}, ierr
			}
		}
	}
	if err := o.resync(ctx, sessionID); err != nil {
		return session.Snapshot{}, err
	}
	snap, err := o.reg.Get(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if !snap.State.Terminal() {
		o.attach(sessionID)
		o.idle.Reset(sessionID)
	}
	return snap, nil
}

// Shutdown releases every engine resource. Consumer handles stay valid
// to Unsubscribe; they just never fire again.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.statusCancel()
	o.idle.Close()
	_ = o.ch.Close()
}

// ---- internals ----

func (o *Orchestrator) attach(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.attached[sessionID]; ok {
		return
	}
	o.attached[sessionID] = o.ch.Subscribe(sessionID, o.onWire)
}

func (o *Orchestrator) detach(sessionID string) {
	o.mu.Lock()
	sub, ok := o.attached[sessionID]
	delete(o.attached, sessionID)
	o.mu.Unlock()
	if ok {
		o.ch.Unsubscribe(sub)
	}
}

func (o *Orchestrator) resolveAttachments(ctx context.Context, atts []Outgoing) ([]wire.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make([]wire.Attachment, 0, len(atts))
	for _, a := range atts {
		if a.URL != "" {
			out = append(out, wire.Attachment{Filename: a.Filename, MimeType: a.MimeType, SizeBytes: a.SizeBytes, URL: a.URL})
			continue
		}
		up, err := o.api.Upload(ctx, a.Filename, a.MimeType, a.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

// deliver pushes an already-appended message over the stream, falling
// back to REST. The optimistic entry is never removed: on total failure
// it is marked failed so the sender is not misled about delivery.
func (o *Orchestrator) deliver(ctx context.Context, sessionID string, m session.Message) (session.Message, error) {
	ev := wire.NewMessageEvent(sessionID, m.ParticipantID, m.ID, m.Sender, m.Body, m.Attachments, m.CreatedAt)
	if o.ch.Publish(sessionID, ev) == transport.PublishSent {
		_ = o.reg.MarkDelivery(sessionID, m.ID, session.DeliverySent)
		m.Delivery = session.DeliverySent
		o.notifyMessage(sessionID, m)
		return m, nil
	}

	remoteID, err := o.api.PostMessage(ctx, sessionID, m.Body, m.Attachments)
	if err != nil {
		_ = o.reg.MarkDelivery(sessionID, m.ID, session.DeliveryFailed)
		m.Delivery = session.DeliveryFailed
		o.notifyMessage(sessionID, m)
		return m, errs.ErrSendFailed.WrapMsg("stream down and fallback failed",
			"session_id", sessionID, "message_id", m.ID, "err", err)
	}
	if rerr := o.reg.Reconcile(sessionID, m.ID, remoteID); rerr != nil {
		o.log.Warn("reconcile failed", zap.String("session_id", sessionID), zap.Error(rerr))
	}
	if remoteID != "" {
		m.ID = remoteID
	}
	m.Delivery = session.DeliverySent
	m.Origin = session.OriginRemoteEcho
	o.notifyMessage(sessionID, m)
	return m, nil
}

func (o *Orchestrator) maybeBotAck(sessionID, userBody string) {
	if o.pres.Joined(sessionID) {
		return // a human owns the conversation now
	}
	txt := o.bot(sessionID, userBody)
	if txt == "" {
		return
	}
	m := &session.Message{
		ID:        ids.GenerateString(),
		Sender:    wire.SenderBot,
		Body:      txt,
		CreatedAt: o.cfg.Clock(),
		Origin:    session.OriginLocalOptimistic,
		Delivery:  session.DeliverySent,
	}
	appended, err := o.reg.Append(sessionID, m)
	if err != nil {
		o.log.Warn("bot ack dropped", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	o.pres.IncrUnread(sessionID)
	o.mirrorUnread(sessionID)
	o.notifyMessage(sessionID, appended)
}

func (o *Orchestrator) onWire(ev *wire.Event) {
	switch ev.Type {
	case wire.KindMessage:
		o.onInboundMessage(ev)
	case wire.KindTyping:
		if ev.ParticipantID == o.participantID {
			return // our own typing echoed from another device
		}
		o.pres.SetTyping(ev.SessionID, ev.ParticipantID, ev.IsTyping != nil && *ev.IsTyping)
	case wire.KindJoin:
		o.markAgentJoined(ev.SessionID)
	case wire.KindLeave:
		o.pres.SetTyping(ev.SessionID, ev.ParticipantID, false)
	case wire.KindRead:
		if ev.ParticipantID == o.participantID {
			// the viewer read the session on another device
			o.pres.SetUnread(ev.SessionID, 0)
			_ = o.reg.SetUnread(ev.SessionID, 0)
		} else {
			o.presenceChanged(ev.SessionID)
		}
	case wire.KindUnreadCount:
		if ev.UnreadCount != nil {
			o.pres.SetUnread(ev.SessionID, *ev.UnreadCount)
			_ = o.reg.SetUnread(ev.SessionID, *ev.UnreadCount)
		}
	}
}

func (o *Orchestrator) onInboundMessage(ev *wire.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = o.cfg.Clock()
	}
	m := &session.Message{
		ID:            ev.MessageID,
		ParticipantID: ev.ParticipantID,
		Sender:        ev.Sender,
		Body:          ev.Body,
		Attachments:   ev.Attachments,
		CreatedAt:     ts,
		Origin:        session.OriginRemoteEcho,
		Delivery:      session.DeliverySent,
	}
	appended, err := o.reg.Append(ev.SessionID, m)
	switch {
	case err == nil:
		o.idle.Reset(ev.SessionID)
		if ev.ParticipantID != o.participantID {
			o.pres.IncrUnread(ev.SessionID)
			o.mirrorUnread(ev.SessionID)
		}
		o.notifyMessage(ev.SessionID, appended)
	case stderr.Is(err, errs.ErrDuplicate):
		// echo of a message we already show; surface the reconciled copy
		o.notifyMessage(ev.SessionID, appended)
	default:
		o.log.Warn("drop inbound message", zap.String("session_id", ev.SessionID), zap.Error(err))
		return
	}
	if ev.Sender == wire.SenderAgent {
		o.markAgentJoined(ev.SessionID)
	}
}

// markAgentJoined latches presence and advances the lifecycle; an
// agent's first message counts the same as an explicit join event.
// The registry serializes the transition, so of any number of racing
// callers exactly one sees changed=true and appends the join notice.
func (o *Orchestrator) markAgentJoined(sessionID string) {
	o.pres.MarkJoined(sessionID)
	s2, changed, err := o.reg.Transition(sessionID, session.StateAgentJoined)
	if err != nil || !changed {
		return
	}
	o.notifyState(sessionID, s2.State)
	if m, aerr := o.reg.Append(sessionID, o.systemMessage("A support agent joined the conversation.")); aerr == nil {
		o.notifyMessage(sessionID, m)
	}
}

func (o *Orchestrator) resync(ctx context.Context, sessionID string) error {
	hist, err := o.api.History(ctx, sessionID)
	if err != nil {
		return errs.WrapMsg(err, "history fetch", "session_id", sessionID)
	}
	agentSeen := false
	for _, h := range hist {
		m := &session.Message{
			ID:            h.MessageID,
			ParticipantID: h.ParticipantID,
			Sender:        h.Sender,
			Body:          h.Body,
			Attachments:   h.Attachments,
			CreatedAt:     h.CreatedAt,
			Origin:        session.OriginHistoryReplay,
			Delivery:      session.DeliverySent,
		}
		appended, aerr := o.reg.Append(sessionID, m)
		if aerr == nil {
			o.notifyMessage(sessionID, appended)
		} else if !stderr.Is(aerr, errs.ErrDuplicate) {
			o.log.Warn("history replay drop", zap.String("session_id", sessionID), zap.Error(aerr))
		}
		if h.Sender == wire.SenderAgent {
			agentSeen = true
		}
	}
	if agentSeen {
		o.markAgentJoined(sessionID)
	}
	return nil
}

func (o *Orchestrator) onStatus(s transport.Status) {
	o.pres.SetConnectionStatus(s)
	o.mu.Lock()
	prev := o.lastStatus
	o.lastStatus = s
	attached := make([]string, 0, len(o.attached))
	for id := range o.attached {
		attached = append(attached, id)
	}
	o.mu.Unlock()

	for _, id := range attached {
		o.hub.notify(Notification{Kind: NotifStatus, SessionID: id, Status: s})
	}
	if s == transport.StatusConnected && prev != transport.StatusConnected {
		// the channel does not replay missed events; pull history instead
		for _, id := range attached {
			sessionID := id
			safe.SafeGo("reconnect-resync", func() {
				ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
				defer cancel()
				if err := o.resync(ctx, sessionID); err != nil {
					o.log.Warn("resync after reconnect failed",
						zap.String("session_id", sessionID), zap.Error(err))
				}
			})
		}
	}
}

func (o *Orchestrator) autoClose(sessionID string) {
	sess, msg, err := o.reg.Close(sessionID, session.StateClosed,
		o.systemMessage("Conversation closed automatically after a period of inactivity."))
	if err != nil {
		o.log.Debug("auto-close skipped", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	o.notifyMessage(sessionID, msg)
	o.notifyState(sessionID, sess.State)
	o.pres.Release(sessionID)
	o.detach(sessionID)
	safe.SafeGo("auto-close-backend", func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
		defer cancel()
		if cerr := o.api.CloseSession(ctx, sessionID, "auto_expired"); cerr != nil {
			o.log.Warn("backend auto-close failed", zap.String("session_id", sessionID), zap.Error(cerr))
		}
	})
}

func (o *Orchestrator) systemMessage(body string) *session.Message {
	return &session.Message{
		Sender:    wire.SenderBot,
		Body:      body,
		CreatedAt: o.cfg.Clock(),
		Origin:    session.OriginLocalOptimistic,
		Delivery:  session.DeliverySent,
	}
}

func (o *Orchestrator) mirrorUnread(sessionID string) {
	_ = o.reg.SetUnread(sessionID, o.pres.Get(sessionID).UnreadCount)
}

func (o *Orchestrator) notifyMessage(sessionID string, m session.Message) {
	o.hub.notify(Notification{Kind: NotifMessage, SessionID: sessionID, Message: &m})
}

func (o *Orchestrator) notifyState(sessionID string, s session.State) {
	o.hub.notify(Notification{Kind: NotifState, SessionID: sessionID, State: s})
}

func (o *Orchestrator) presenceChanged(sessionID string) {
	p := o.pres.Get(sessionID)
	o.hub.notify(Notification{Kind: NotifPresence, SessionID: sessionID, Presence: &p})
}

// emitRead is the presence tracker's outbound hook for markRead.
func (o *Orchestrator) emitRead(sessionID string) {
	ev := wire.NewReadEvent(sessionID, o.participantID, o.cfg.Clock())
	if o.ch.Publish(sessionID, ev) == transport.PublishUnavailable {
		safe.SafeGo("mark-read-fallback", func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
			defer cancel()
			if err := o.api.MarkRead(ctx, sessionID); err != nil {
				o.log.Warn("read fallback failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		})
	}
}
