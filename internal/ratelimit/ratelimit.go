// Package ratelimit provides a token bucket rate limiter for throttling
// uploads over slow links.
package ratelimit

import (
	"sync"
	"time"
)

// Clock is the time source the limiter waits on.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Limiter limits the rate of data transfer to a fixed number of bytes per
// second. Bursts up to one second worth of data go through immediately.
type Limiter struct {
	clock      Clock
	rate       float64   // bytes per second
	burst      float64   // bucket capacity (max tokens)
	tokens     float64   // current available tokens
	lastUpdate time.Time // last time tokens were updated
	mu         sync.Mutex
}

// New creates a limiter for bytesPerSecond. A rate of zero or less means
// no limit and yields a nil limiter, which is safe to use.
func New(bytesPerSecond int64, clock Clock) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	rate := float64(bytesPerSecond)
	return &Limiter{
		clock:      clock,
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: clock.Now(),
	}
}

// Wait blocks until n bytes may be sent. A request larger than the bucket
// drives it into debt, and the caller sleeps until the debt is paid, so
// the average rate holds for any chunk size.
func (rl *Limiter) Wait(n int) {
	if rl == nil || n <= 0 {
		return
	}

	rl.mu.Lock()
	rl.refill()
	rl.tokens -= float64(n)
	if rl.tokens >= 0 {
		rl.mu.Unlock()
		return
	}
	wait := time.Duration(-rl.tokens / rl.rate * float64(time.Second))
	rl.mu.Unlock()

	rl.clock.Sleep(wait)
}

// refill adds the tokens earned since the last update. Callers hold mu.
func (rl *Limiter) refill() {
	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastUpdate = now
}
