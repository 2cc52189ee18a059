package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a log line with the same key is emitted.
// Keys are typically "<event>:<subject>" (e.g. "ack.decode:dev-1").
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lims  map[string]*rate.Limiter
}

// NewThrottle allows burst lines per key, refilling one every interval.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, lims: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.lims[key]
	if lim == nil {
		// bound memory for high-cardinality keys
		if len(t.lims) >= 1024 {
			t.lims = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Warn logs at warn level unless key is currently throttled.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	if t.Allow(key) {
		l.Warn(msg, fields...)
	}
}
