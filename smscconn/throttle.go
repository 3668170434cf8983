package smscconn

import (
	"sync"
	"time"
)

// Throttle caps a connection's MT rate with a token bucket refilled at
// the configured messages-per-second.
type Throttle struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewThrottle returns a bucket for rate messages/sec, or nil for rate 0,
// which means unlimited.
func NewThrottle(rate float64) *Throttle {
	if rate <= 0 {
		return nil
	}
	burst := rate
	if burst < 1 {
		burst = 1
	}
	return &Throttle{rate: rate, burst: burst, tokens: burst, last: time.Now()}
}

func (t *Throttle) refill(now time.Time) {
	t.tokens += now.Sub(t.last).Seconds() * t.rate
	if t.tokens > t.burst {
		t.tokens = t.burst
	}
	t.last = now
}

// Allow consumes one token if available.
func (t *Throttle) Allow() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refill(time.Now())
	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// Delay returns how long until the next token, for sleep-based senders.
func (t *Throttle) Delay() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refill(time.Now())
	if t.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - t.tokens) / t.rate * float64(time.Second))
}
