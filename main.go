package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SupportChat/backendsrv"
	"SupportChat/engine/orchestrator"
	"SupportChat/engine/restapi"
	"SupportChat/engine/session"
	"SupportChat/engine/transport"
	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

const listenAddr = "127.0.0.1:8080"

// Demo wiring: reference backend plus one engine instance talking to
// it, so the whole send/echo/dedup/presence loop can be watched live.
func main() {
	global.ConfigAll()
	defer logger.Sync()

	srv := backendsrv.NewServer(global.GetJwtSecret())
	httpSrv := &http.Server{Addr: listenAddr, Handler: srv.Router()}
	safe.SafeGo("backendsrv", func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("backend serve", zap.Error(err))
		}
	})
	time.Sleep(200 * time.Millisecond) // let the listener come up

	token, err := backendsrv.IssueToken("user_10001", global.GetJwtSecret(), time.Hour)
	if err != nil {
		logger.Error("issue token", zap.Error(err))
		return
	}

	cfg := global.DefaultEngine()
	ch := transport.NewWSChannel("ws://"+listenAddr+"/ws", token, cfg)
	api := restapi.NewClient("http://"+listenAddr, token, cfg)
	eng := orchestrator.New(cfg, ch, api, session.NewMemoryCache(), "user_10001", nil)
	defer eng.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Connect(ctx); err != nil {
		logger.Error("connect", zap.Error(err))
		return
	}

	snap, err := eng.StartSession(ctx, "user_10001")
	if err != nil {
		logger.Error("start session", zap.Error(err))
		return
	}

	sub := eng.Subscribe(snap.ID, func(n orchestrator.Notification) {
		switch n.Kind {
		case orchestrator.NotifMessage:
			logger.Info("message",
				zap.String("session_id", n.SessionID),
				zap.String("sender", string(n.Message.Sender)),
				zap.String("body", n.Message.Body),
				zap.String("delivery", string(n.Message.Delivery)))
		case orchestrator.NotifState:
			logger.Info("state", zap.String("session_id", n.SessionID), zap.String("state", string(n.State)))
		case orchestrator.NotifPresence:
			logger.Info("presence",
				zap.String("session_id", n.SessionID),
				zap.Bool("agent_joined", n.Presence.AgentJoined),
				zap.Int("unread", n.Presence.UnreadCount))
		case orchestrator.NotifStatus:
			logger.Info("connection", zap.String("status", n.Status.String()))
		}
	})
	defer eng.Unsubscribe(sub)

	if _, err := eng.Send(ctx, snap.ID, "Hello, I need help with my order.", nil); err != nil {
		logger.Error("send", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
}
