package mjpeg

import (
	"math/rand"
	"time"
)

// Backoff is the reconnect delay state. The zero value is not usable; use
// NewBackoff.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	Jitter  time.Duration

	current time.Duration
	rand    func(n int64) int64
}

// NewBackoff returns a backoff starting at floor
func NewBackoff(floor, ceiling, jitter time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{
		Floor:   floor,
		Ceiling: ceiling,
		Jitter:  jitter,
		current: floor,
		rand:    rand.Int63n,
	}
}

// Next returns the delay to sleep now (current plus jitter) and doubles the
// base delay, capped at the ceiling
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.Jitter > 0 {
		d += time.Duration(b.rand(int64(b.Jitter) + 1))
	}
	b.current = min(max(b.Floor, b.current*2), b.Ceiling)
	return d
}

// Current returns the base delay the next call to Next will use
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Reset puts the delay back to the floor
func (b *Backoff) Reset() {
	b.current = b.Floor
}
