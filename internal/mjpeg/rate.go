package mjpeg

import (
	"sync"
	"time"
)

const rateWindow = 20

// RateMeter estimates frames per second over the last 20 arrivals
type RateMeter struct {
	mu    sync.Mutex
	times []time.Time
}

// Observe records an arrival and returns the current estimate
func (r *RateMeter) Observe(at time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, at)
	if len(r.times) > rateWindow {
		r.times = r.times[len(r.times)-rateWindow:]
	}
	return r.rateLocked()
}

// Rate returns the current estimate, 0 with fewer than two arrivals
func (r *RateMeter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLocked()
}

func (r *RateMeter) rateLocked() float64 {
	if len(r.times) < 2 {
		return 0
	}
	ms := r.times[len(r.times)-1].Sub(r.times[0]).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return float64(len(r.times)-1) * 1000 / float64(ms)
}
