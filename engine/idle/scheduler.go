package idle

import (
	"sync"
	"time"

	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

// Scheduler auto-closes sessions after a quiet period. At most one
// timer exists per session; Reset atomically replaces the pending one,
// so timers never stack or leak across reschedules.
type Scheduler struct {
	mu         sync.Mutex
	timers     map[string]*pending
	genCounter uint64 // monotonic under mu
	d          time.Duration
	expire     func(sessionID string)
	closed     bool
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler wires the expiry callback (the orchestrator's auto-close
// path). The callback runs on a timer goroutine, panic-guarded.
func NewScheduler(cfg global.EngineConfig, expire func(sessionID string)) *Scheduler {
	cfg.Norm()
	safe.MustNotNil(expire, "expire callback")
	return &Scheduler{
		timers: make(map[string]*pending),
		d:      cfg.IdleTimeout,
		expire: expire,
	}
}

// Reset cancels any pending timer for the session and schedules a fresh
// one at the full quiet period. Call it on every activity signal.
func (s *Scheduler) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if p, ok := s.timers[sessionID]; ok {
		p.timer.Stop()
	}
	s.genCounter++
	gen := s.genCounter
	p := &pending{gen: gen}
	p.timer = time.AfterFunc(s.d, func() { s.fire(sessionID, gen) })
	s.timers[sessionID] = p
}

// Cancel releases the session's timer without firing (manual close).
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	if p, ok := s.timers[sessionID]; ok {
		p.timer.Stop()
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(sessionID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.timers[sessionID]
	if !ok || p.gen != gen || s.closed {
		// a Reset raced the timer goroutine; this firing is stale
		s.mu.Unlock()
		return
	}
	delete(s.timers, sessionID)
	s.mu.Unlock()

	logger.Info("session idle timeout", zap.String("session_id", sessionID))
	defer safe.Recover("idle-expire")
	s.expire(sessionID)
}

// Close stops every pending timer; no expiry fires afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}
