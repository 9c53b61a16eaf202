package dispatch

import (
	"sync"
	"time"

	"github.com/opd-ai/tunnelcore/transport"
)

type outstanding struct {
	verb transport.Verb
	sent time.Time
}

// RequestTracker remembers the requests this node sent so OK and ERROR
// replies can be matched to them.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[uint64]outstanding
}

// NewRequestTracker creates an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[uint64]outstanding)}
}

// Track records a sent request.
func (t *RequestTracker) Track(packetID uint64, verb transport.Verb, now time.Time) {
	t.mu.Lock()
	t.requests[packetID] = outstanding{verb: verb, sent: now}
	t.mu.Unlock()
}

// Acknowledge removes the request and reports whether a request with this
// id and verb was outstanding.
func (t *RequestTracker) Acknowledge(packetID uint64, verb transport.Verb) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[packetID]
	if !ok || r.verb != verb {
		return false
	}
	delete(t.requests, packetID)
	return true
}

// Expire forgets requests older than maxAge and returns how many were dropped.
func (t *RequestTracker) Expire(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.requests {
		if now.Sub(r.sent) > maxAge {
			delete(t.requests, id)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding requests.
func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
