package backendsrv

import (
	"net/http"
	"sync"
	"time"

	"SupportChat/engine/restapi"
	"SupportChat/engine/wire"
	"SupportChat/logger"
	"SupportChat/tools/ids"
	"SupportChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server is the thin reference persistence backend: the REST endpoints
// the engine's fallback client consumes, plus a websocket endpoint that
// echoes published events back to every subscriber of the session.
// In-memory on purpose; it exists to run the engine end to end and to
// back integration tests, not to be a product backend.
type Server struct {
	secret []byte
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*srvSession
	conns    map[*client]struct{}
}

type srvSession struct {
	ID            string
	ParticipantID string
	Closed        bool
	Messages      []restapi.HistoryMessage
}

// client is one websocket subscriber, with a dedicated send queue
// drained by a single writer goroutine.
type client struct {
	participantID string
	ws            *websocket.Conn
	send          chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func NewServer(secret []byte) *Server {
	return &Server{
		secret:   secret,
		log:      logger.With(zap.String("component", "backendsrv")),
		sessions: make(map[string]*srvSession),
		conns:    make(map[*client]struct{}),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWS)

	api := r.Group("/", AuthMiddleware(s.secret))
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.POST("/sessions/:id/messages", s.postMessage)
	api.POST("/sessions/:id/read", s.markRead)
	api.PATCH("/sessions/:id/close", s.closeSession)
	api.POST("/uploads", s.upload)
	return r
}

// ---- REST handlers ----

func (s *Server) createSession(c *gin.Context) {
	var in struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&in); err != nil || in.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId required"})
		return
	}
	id := ids.GenerateString()
	s.mu.Lock()
	s.sessions[id] = &srvSession{ID: id, ParticipantID: in.ParticipantID}
	s.mu.Unlock()
	s.log.Info("session created", zap.String("session_id", id), zap.String("participant_id", in.ParticipantID))
	c.JSON(http.StatusOK, gin.H{"sessionId": id})
}

func (s *Server) listMessages(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var msgs []restapi.HistoryMessage
	if ok {
		msgs = append(msgs, sess.Messages...)
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) postMessage(c *gin.Context) {
	id := c.Param("id")
	var in struct {
		Body        string            `json:"body"`
		Attachments []wire.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	pid := c.GetString(CtxParticipantKey)

	m := restapi.HistoryMessage{
		MessageID:     ids.GenerateString(), // REST path assigns a fresh id
		ParticipantID: pid,
		Sender:        wire.SenderUser,
		Body:          in.Body,
		Attachments:   in.Attachments,
		CreatedAt:     time.Now(),
	}
	if bad := s.store(id, m); bad {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or closed session"})
		return
	}
	s.broadcast(wire.NewMessageEvent(id, pid, m.MessageID, m.Sender, m.Body, m.Attachments, m.CreatedAt))
	c.JSON(http.StatusOK, gin.H{"messageId": m.MessageID})
}

func (s *Server) markRead(c *gin.Context) {
	id := c.Param("id")
	pid := c.GetString(CtxParticipantKey)
	s.broadcast(wire.NewReadEvent(id, pid, time.Now()))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) closeSession(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.Closed = true
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	s.broadcast(&wire.Event{Type: wire.KindLeave, SessionID: id, Timestamp: time.Now()})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	mime := c.PostForm("mimeType")
	if mime == "" {
		mime = "application/octet-stream"
	}
	att := wire.Attachment{
		Filename:  fh.Filename,
		MimeType:  mime,
		SizeBytes: fh.Size,
		URL:       "/files/" + ids.GenerateString() + "/" + fh.Filename,
	}
	c.JSON(http.StatusOK, att)
}

// ---- websocket ----

func (s *Server) handleWS(c *gin.Context) {
	token := parseBearer(c.Request)
	if token == "" {
		token = c.Query("token")
	}
	pid, err := verifyToken(token, s.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	cl := &client{participantID: pid, ws: ws, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.conns[cl] = struct{}{}
	s.mu.Unlock()
	s.log.Info("stream subscriber connected", zap.String("participant_id", pid))

	safe.SafeGo("backendsrv-write", func() { s.writeLoop(cl) })
	s.readLoop(cl)

	s.mu.Lock()
	delete(s.conns, cl)
	s.mu.Unlock()
	close(cl.send)
	_ = ws.Close()
}

// readLoop only reads; a publish from any client is stored and echoed
// to every subscriber, the sender included (that echo is exactly what
// the engine's dedup handles).
func (s *Server) readLoop(cl *client) {
	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			s.log.Warn("drop malformed frame", zap.Error(err))
			continue
		}
		if ev.ParticipantID == "" {
			ev.ParticipantID = cl.participantID
		}
		if ev.Type == wire.KindMessage {
			if ev.MessageID == "" {
				ev.MessageID = ids.GenerateString()
			}
			m := restapi.HistoryMessage{
				MessageID:     ev.MessageID,
				ParticipantID: ev.ParticipantID,
				Sender:        ev.Sender,
				Body:          ev.Body,
				Attachments:   ev.Attachments,
				CreatedAt:     ev.Timestamp,
			}
			if bad := s.store(ev.SessionID, m); bad {
				continue
			}
		}
		s.broadcast(ev)
	}
}

func (s *Server) writeLoop(cl *client) {
	for b := range cl.send {
		_ = cl.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// store appends to session history; returns true when the session is
// unknown or closed.
func (s *Server) store(sessionID string, m restapi.HistoryMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Closed {
		return true
	}
	sess.Messages = append(sess.Messages, m)
	return false
}

func (s *Server) broadcast(ev *wire.Event) {
	b, err := ev.Encode()
	if err != nil {
		s.log.Error("encode broadcast", zap.Error(err))
		return
	}
	s.mu.Lock()
	for cl := range s.conns {
		select {
		case cl.send <- b:
		default:
			// slow subscriber: skip rather than block the fan-out
		}
	}
	s.mu.Unlock()
}
