package session

import (
	"context"
	"sync"
	"time"
)

// Cache is the durable local store used to resume a session across a
// reload. It is advisory: every error degrades to a miss and the
// session is rebuilt from a backend history fetch.
type Cache interface {
	Load(ctx context.Context, sessionID string) (data []byte, ok bool, err error)
	Save(ctx context.Context, sessionID string, data []byte) error
	Delete(ctx context.Context, sessionID string) error
}

// Record is the cache wire shape: session snapshot plus messages.
// Decoded leniently (see tools/decode) so records written by older
// builds still load.
type Record struct {
	SessionID      string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	State          string    `json:"state"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UnreadCount    int       `json:"unread_count"`
}

// MemoryCache is the in-process Cache used by tests and as the default
// when no durable store is configured.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string][]byte)}
}

func (c *MemoryCache) Load(_ context.Context, sessionID string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.m[sessionID]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true, nil
}

func (c *MemoryCache) Save(_ context.Context, sessionID string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.m[sessionID] = cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.m, sessionID)
	c.mu.Unlock()
	return nil
}
