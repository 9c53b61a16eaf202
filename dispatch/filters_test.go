package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/transport"
)

func TestReplayFilter(t *testing.T) {
	f := NewReplayFilter(0)
	a := crypto.Address(0x0102030405)
	b := crypto.Address(0x0a0b0c0d0e)

	assert.False(t, f.CheckAndAdd(a, 1))
	assert.True(t, f.CheckAndAdd(a, 1))
	assert.False(t, f.CheckAndAdd(b, 1))
	assert.False(t, f.CheckAndAdd(a, 2))
	assert.True(t, f.CheckAndAdd(b, 1))
}

func TestReplayFilter_Rotates(t *testing.T) {
	f := NewReplayFilter(64)
	for i := uint64(0); i < 1000; i++ {
		f.CheckAndAdd(crypto.Address(1), i)
	}
	f.mu.Lock()
	assert.LessOrEqual(t, f.current.Count(), uint(64))
	f.mu.Unlock()
	assert.True(t, f.CheckAndAdd(crypto.Address(1), 999))
}

func TestRequestTracker(t *testing.T) {
	tr := NewRequestTracker()
	now := time.Unix(100, 0)
	tr.Track(1, transport.VerbWhois, now)
	tr.Track(2, transport.VerbHello, now.Add(time.Minute))

	assert.False(t, tr.Acknowledge(1, transport.VerbHello))
	assert.True(t, tr.Acknowledge(1, transport.VerbWhois))
	assert.False(t, tr.Acknowledge(1, transport.VerbWhois))

	tr.Track(3, transport.VerbWhois, now)
	assert.Equal(t, 1, tr.Expire(now.Add(45*time.Second), 30*time.Second))
	assert.Equal(t, 1, tr.Len())
}

func TestWhoisLimiter(t *testing.T) {
	w := newWhoisLimiter(time.Second, 2)
	now := time.Unix(100, 0)
	assert.True(t, w.allow(1, now))
	assert.False(t, w.allow(1, now.Add(500*time.Millisecond)))
	assert.True(t, w.allow(2, now))
	assert.False(t, w.allow(3, now), "bucket drained")

	w.forget(now.Add(2 * time.Second))
	w.mu.Lock()
	assert.Empty(t, w.last)
	w.mu.Unlock()
}
