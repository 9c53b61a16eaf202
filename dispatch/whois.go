package dispatch

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/opd-ai/tunnelcore/crypto"
)

// whoisLimiter suppresses repeated WHOIS for one address within interval
// and caps the global WHOIS rate with a token bucket.
type whoisLimiter struct {
	interval time.Duration
	bucket   *ratelimit.Bucket

	mu   sync.Mutex
	last map[crypto.Address]time.Time
}

func newWhoisLimiter(interval time.Duration, rate float64) *whoisLimiter {
	capacity := int64(rate)
	if capacity < 1 {
		capacity = 1
	}
	return &whoisLimiter{
		interval: interval,
		bucket:   ratelimit.NewBucketWithRate(rate, capacity),
		last:     make(map[crypto.Address]time.Time),
	}
}

// allow reports whether a WHOIS for addr may be sent now and records it.
func (w *whoisLimiter) allow(addr crypto.Address, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.last[addr]; ok && now.Sub(last) < w.interval {
		return false
	}
	if w.bucket.TakeAvailable(1) == 0 {
		return false
	}
	w.last[addr] = now
	return true
}

// forget drops suppression state older than the interval.
func (w *whoisLimiter) forget(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for a, t := range w.last {
		if now.Sub(t) >= w.interval {
			delete(w.last, a)
		}
	}
}
