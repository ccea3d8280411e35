package global

import (
	"time"

	"SupportChat/tools/ids"
)

// EngineConfig carries every tunable of the session messaging engine.
// Zero values are normalized to the defaults below, so an empty struct
// is a valid configuration.
type EngineConfig struct {
	// transport reconnect backoff
	ReconnectBase   time.Duration // default 1s
	ReconnectCap    time.Duration // default 30s
	ReconnectJitter float64       // fraction, default 0.2 (±20%)

	// deduplication windows
	RecentSendTTL time.Duration // "recently sent by me" id expiry, default 5s
	EchoWindow    time.Duration // content-match timestamp tolerance, default 3s

	// presence
	TypingTTL time.Duration // typing entry auto-expiry, default 3s

	// session lifecycle
	IdleTimeout time.Duration // quiet period before auto-close, default 5m

	// queues
	SendQueueSize int // per-connection outbound queue, default 256

	// REST fallback
	RequestTimeout time.Duration // default 10s

	Clock func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *EngineConfig) Norm() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = 0.2
	}
	if c.RecentSendTTL <= 0 {
		c.RecentSendTTL = 5 * time.Second
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = 3 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 3 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// DefaultEngine returns a normalized default configuration.
func DefaultEngine() EngineConfig {
	var c EngineConfig
	c.Norm()
	return c
}

func ConfigAll() {
	ConfigIds()
}

func ConfigIds() {
	ids.SetNodeID(100)
}

// GetJwtSecret returns the HS256 secret shared with the reference backend.
func GetJwtSecret() []byte {
	return []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=")
}
