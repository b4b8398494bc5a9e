package channel

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.10
)

// Backoff produces reconnect delays: base 1s, doubled per attempt, capped at
// 60s, with ±10% jitter. MaxAttempts 0 means retry forever.
type Backoff struct {
	MaxAttempts int

	attempt int
	rand    *rand.Rand
}

// NewBackoff creates a Backoff with the given attempt cap (0 = unlimited).
func NewBackoff(maxAttempts int) *Backoff {
	return &Backoff{
		MaxAttempts: maxAttempts,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt, or false once the attempt
// cap is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := backoffBase << b.attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	b.attempt++

	jitter := 1 + backoffJitter*(2*b.rand.Float64()-1)
	return time.Duration(float64(delay) * jitter), true
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
