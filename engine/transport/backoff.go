package transport

import (
	"math/rand"
	"time"
)

// backoff produces exponential reconnect delays with jitter:
// base, 2*base, 4*base ... capped, each randomized by ±jitter.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	jitter  float64
	attempt int
}

func (b *backoff) next() time.Duration {
	d := b.base << uint(b.attempt)
	if d > b.cap || d <= 0 { // <=0 guards shift overflow
		d = b.cap
	} else {
		b.attempt++
	}
	if b.jitter > 0 {
		j := float64(d) * b.jitter
		d = time.Duration(float64(d) - j + rand.Float64()*2*j)
	}
	return d
}

func (b *backoff) reset() { b.attempt = 0 }
