package idle

import (
	"sync"
	"testing"
	"time"

	"SupportChat/global"
)

type expiryLog struct {
	mu    sync.Mutex
	fired []string
}

func (l *expiryLog) expire(id string) {
	l.mu.Lock()
	l.fired = append(l.fired, id)
	l.mu.Unlock()
}

func (l *expiryLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.fired {
		if f == id {
			n++
		}
	}
	return n
}

func newTestScheduler(d time.Duration) (*Scheduler, *expiryLog) {
	cfg := global.DefaultEngine()
	cfg.IdleTimeout = d
	l := &expiryLog{}
	return NewScheduler(cfg, l.expire), l
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFiresOnceAfterQuietPeriod(t *testing.T) {
	s, l := newTestScheduler(30 * time.Millisecond)
	defer s.Close()
	s.Reset("s1")
	waitFor(t, func() bool { return l.count("s1") == 1 }, "expiry never fired")
	time.Sleep(80 * time.Millisecond)
	if l.count("s1") != 1 {
		t.Fatalf("fired %d times, want exactly 1", l.count("s1"))
	}
}

func TestResetDefersExpiry(t *testing.T) {
	s, l := newTestScheduler(80 * time.Millisecond)
	defer s.Close()
	s.Reset("s1")
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		s.Reset("s1")
		if l.count("s1") != 0 {
			t.Fatal("expired despite continuous activity")
		}
	}
	waitFor(t, func() bool { return l.count("s1") == 1 }, "never expired once activity stopped")
}

func TestCancelStopsTimer(t *testing.T) {
	s, l := newTestScheduler(30 * time.Millisecond)
	defer s.Close()
	s.Reset("s1")
	s.Cancel("s1")
	time.Sleep(80 * time.Millisecond)
	if l.count("s1") != 0 {
		t.Fatal("cancelled timer still fired")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s, l := newTestScheduler(30 * time.Millisecond)
	defer s.Close()
	s.Reset("s1")
	s.Reset("s2")
	s.Cancel("s1")
	waitFor(t, func() bool { return l.count("s2") == 1 }, "s2 never expired")
	if l.count("s1") != 0 {
		t.Fatal("cancelling s1 must not affect s2 only")
	}
}

func TestSchedulersShareNoState(t *testing.T) {
	s1, l1 := newTestScheduler(40 * time.Millisecond)
	defer s1.Close()
	s2, l2 := newTestScheduler(40 * time.Millisecond)
	defer s2.Close()

	// hammer both from separate goroutines; generation counters are
	// per-scheduler, so the concurrent resets must not interfere
	var wg sync.WaitGroup
	for _, s := range []*Scheduler{s1, s2} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Reset("s1")
			}
		}(s)
	}
	wg.Wait()

	waitFor(t, func() bool { return l1.count("s1") == 1 && l2.count("s1") == 1 }, "expiry lost after concurrent resets")
	time.Sleep(80 * time.Millisecond)
	if l1.count("s1") != 1 || l2.count("s1") != 1 {
		t.Fatalf("stale timers fired: s1=%d s2=%d", l1.count("s1"), l2.count("s1"))
	}
}

func TestCloseSilencesEverything(t *testing.T) {
	s, l := newTestScheduler(30 * time.Millisecond)
	s.Reset("s1")
	s.Reset("s2")
	s.Close()
	time.Sleep(80 * time.Millisecond)
	if l.count("s1") != 0 || l.count("s2") != 0 {
		t.Fatal("timers fired after Close")
	}
	s.Reset("s3") // no-op after Close
	time.Sleep(80 * time.Millisecond)
	if l.count("s3") != 0 {
		t.Fatal("Reset after Close scheduled a timer")
	}
}
