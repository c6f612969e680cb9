package channel

import (
	"time"
)

// reconnectPolicy decides whether and when to re-attempt connection after a
// non-clean close. Delays grow exponentially from the floor up to the
// ceiling; the attempt counter and delay reset on every successful
// connection and on an explicit Connect.
type reconnectPolicy struct {
	attempts    int
	delay       time.Duration
	floor       time.Duration
	ceiling     time.Duration
	maxAttempts int
}

func newReconnectPolicy(floor, ceiling time.Duration, maxAttempts int) *reconnectPolicy {
	return &reconnectPolicy{
		delay:       floor,
		floor:       floor,
		ceiling:     ceiling,
		maxAttempts: maxAttempts,
	}
}

// canRetry reports whether another attempt is allowed for this identity.
func (p *reconnectPolicy) canRetry() bool {
	return p.attempts < p.maxAttempts
}

// next records an attempt and returns the delay to wait before it. The
// delay doubles after each call, capped at the ceiling.
func (p *reconnectPolicy) next() time.Duration {
	d := p.delay
	p.delay *= 2
	if p.delay > p.ceiling {
		p.delay = p.ceiling
	}
	p.attempts++
	return d
}

// reset returns the policy to its floor after a successful connection.
func (p *reconnectPolicy) reset() {
	p.attempts = 0
	p.delay = p.floor
}
