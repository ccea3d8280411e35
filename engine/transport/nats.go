package transport

import (
	"context"
	"sync/atomic"

	"SupportChat/engine/wire"
	"SupportChat/global"
	"SupportChat/logger"

	"SupportChat/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const sessionSubjectPrefix = "support.session."

// NATSChannel is an alternative Channel implementation for deployments
// where the backend fans events out over NATS instead of a websocket.
// One wildcard subscription covers every session; reconnection is
// delegated to the nats client.
type NATSChannel struct {
	url  string
	cfg  global.EngineConfig
	log  *zap.Logger
	conn *nats.Conn
	sub  *nats.Subscription

	status atomic.Int32
	subs   *subRegistry
	hub    *statusHub
}

func NewNATSChannel(url string, cfg global.EngineConfig) *NATSChannel {
	cfg.Norm()
	return &NATSChannel{
		url:  url,
		cfg:  cfg,
		log:  logger.With(zap.String("channel", "nats")),
		subs: newSubRegistry(),
		hub:  newStatusHub(),
	}
}

func (c *NATSChannel) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	conn, err := nats.Connect(c.url,
		nats.ReconnectWait(c.cfg.ReconnectBase),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", zap.Error(err))
			c.setStatus(StatusDisconnected)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.log.Info("nats reconnected")
			c.setStatus(StatusConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
	)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errs.ErrTransportUnavailable.WrapMsg("nats connect", "url", c.url, "err", err)
	}

	sub, err := conn.Subscribe(sessionSubjectPrefix+">", func(m *nats.Msg) {
		ev, derr := wire.Decode(m.Data)
		if derr != nil {
			c.log.Warn("drop malformed frame", zap.Error(derr))
			return
		}
		c.subs.dispatch(ev)
	})
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errs.ErrTransportUnavailable.WrapMsg("nats subscribe", "err", err)
	}

	c.conn = conn
	c.sub = sub
	c.setStatus(StatusConnected)
	_ = ctx // nats.Connect has its own timeout handling
	return nil
}

func (c *NATSChannel) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.subs.removeAll()
	c.setStatus(StatusDisconnected)
	return nil
}

func (c *NATSChannel) Status() Status { return Status(c.status.Load()) }

func (c *NATSChannel) Subscribe(sessionID string, h Handler) Subscription {
	return c.subs.add(sessionID, h)
}

func (c *NATSChannel) Unsubscribe(sub Subscription) { c.subs.remove(sub) }

func (c *NATSChannel) OnStatus(h StatusHandler) func() { return c.hub.add(h) }

func (c *NATSChannel) Publish(sessionID string, ev *wire.Event) PublishResult {
	if c.conn == nil || !c.conn.IsConnected() {
		return PublishUnavailable
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	b, err := ev.Encode()
	if err != nil {
		c.log.Error("encode outbound frame", zap.Error(err))
		return PublishUnavailable
	}
	if err := c.conn.Publish(sessionSubjectPrefix+sessionID, b); err != nil {
		c.log.Warn("nats publish failed", zap.Error(err))
		return PublishUnavailable
	}
	return PublishSent
}

func (c *NATSChannel) setStatus(s Status) {
	if old := c.status.Swap(int32(s)); Status(old) != s {
		c.hub.notify(s)
	}
}
