package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"SupportChat/engine/wire"
	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/tools/errs"
	"SupportChat/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 75 * time.Second
	pingPeriod   = 25 * time.Second
	maxFrameSize = 1 << 20
)

// WSChannel is the primary Channel implementation: one websocket shared
// by every session, a single writer goroutine draining a send queue,
// and a background loop that redials with exponential backoff whenever
// the connection drops.
type WSChannel struct {
	url    string
	header http.Header
	cfg    global.EngineConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	upCh chan struct{} // closed while connected, replaced on drop

	sendCh chan []byte
	status atomic.Int32
	subs   *subRegistry
	hub    *statusHub

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewWSChannel(url, token string, cfg global.EngineConfig) *WSChannel {
	cfg.Norm()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &WSChannel{
		url:    url,
		header: h,
		cfg:    cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		log:    logger.With(zap.String("channel", "ws")),
		upCh:   make(chan struct{}),
		sendCh: make(chan []byte, cfg.SendQueueSize),
		subs:   newSubRegistry(),
		hub:    newStatusHub(),
	}
}

func (c *WSChannel) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		safe.SafeGo("ws-channel-run", c.runLoop)
	})
	for {
		c.mu.Lock()
		up := c.upCh
		c.mu.Unlock()
		if c.Status() == StatusConnected {
			return nil
		}
		select {
		case <-up:
		case <-ctx.Done():
			return errs.ErrTransportUnavailable.WrapMsg("connect cancelled", "err", ctx.Err())
		case <-c.stopChan():
			return errs.ErrTransportUnavailable.WrapMsg("channel closed")
		}
	}
}

func (c *WSChannel) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan()) })
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.subs.removeAll()
	c.setStatus(StatusDisconnected)
	return nil
}

func (c *WSChannel) Status() Status {
	return Status(c.status.Load())
}

func (c *WSChannel) Subscribe(sessionID string, h Handler) Subscription {
	return c.subs.add(sessionID, h)
}

func (c *WSChannel) Unsubscribe(sub Subscription) {
	c.subs.remove(sub)
}

func (c *WSChannel) OnStatus(h StatusHandler) func() {
	return c.hub.add(h)
}

// Publish enqueues one frame for the writer goroutine. A full queue is
// reported as Unavailable so the caller falls over to REST instead of
// blocking a send path on a stalled socket.
func (c *WSChannel) Publish(sessionID string, ev *wire.Event) PublishResult {
	if c.Status() != StatusConnected {
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
	select {
	case c.sendCh <- b:
		return PublishSent
	default:
		c.log.Warn("send queue full", zap.String("session_id", sessionID))
		return PublishUnavailable
	}
}

// ---- internals ----

func (c *WSChannel) stopChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh == nil {
		c.stopCh = make(chan struct{})
	}
	return c.stopCh
}

func (c *WSChannel) setStatus(s Status) {
	if old := c.status.Swap(int32(s)); Status(old) != s {
		c.hub.notify(s)
	}
}

func (c *WSChannel) runLoop() {
	stop := c.stopChan()
	bo := backoff{base: c.cfg.ReconnectBase, cap: c.cfg.ReconnectCap, jitter: c.cfg.ReconnectJitter}
	for {
		select {
		case <-stop:
			return
		default:
		}

		c.setStatus(StatusConnecting)
		dctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		conn, _, err := c.dialer.DialContext(dctx, c.url, c.header)
		cancel()
		if err != nil {
			c.setStatus(StatusDisconnected)
			d := bo.next()
			c.log.Debug("dial failed, backing off",
				zap.Error(err), zap.Duration("retry_in", d))
			select {
			case <-time.After(d):
			case <-stop:
				return
			}
			continue
		}
		bo.reset()

		c.mu.Lock()
		c.conn = conn
		close(c.upCh)
		c.mu.Unlock()
		c.setStatus(StatusConnected)
		c.log.Info("stream connected", zap.String("url", c.url))

		done := make(chan struct{})
		safe.SafeGo("ws-channel-write", func() { c.writePump(conn, done) })
		c.readLoop(conn)
		close(done)
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.upCh = make(chan struct{})
		c.mu.Unlock()
		c.setStatus(StatusDisconnected)
	}
}

// readLoop: only reads, never writes; any error ends the connection and
// hands control back to runLoop for the reconnect.
func (c *WSChannel) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Info("peer closed stream", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("stream read timeout", zap.Error(err))
			} else {
				c.log.Warn("stream read error", zap.Error(err))
			}
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("drop malformed frame", zap.Error(err))
			continue
		}
		c.subs.dispatch(ev)
	}
}

func (c *WSChannel) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case b := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Warn("stream write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
