package rtmp

import "sync"

// sessionGapUs separates the last sample of one publish session from the
// first sample of the next
const sessionGapUs = 33_333

// timeline keeps decode times monotonic across publish sessions.
// Every session restarts its RTMP clock near zero, so each new session is
// shifted past the last time already handed to the pipeline.
type timeline struct {
	mu      sync.Mutex
	started bool
	lastUs  int64
}

// begin returns the offset for a new session
func (t *timeline) begin() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		return 0
	}
	return t.lastUs + sessionGapUs
}

// stamp applies offset to a session-relative time and records the result
func (t *timeline) stamp(offset, us int64) int64 {
	ts := offset + us
	t.mu.Lock()
	if ts > t.lastUs {
		t.lastUs = ts
	}
	t.mu.Unlock()
	return ts
}

func (t *timeline) last() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUs
}
