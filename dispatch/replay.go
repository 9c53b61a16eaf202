package dispatch

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/opd-ai/tunnelcore/crypto"
)

// DefaultReplayCapacity is the number of packet ids remembered per generation.
const DefaultReplayCapacity = 1 << 18

// ReplayFilter remembers (source, packet id) pairs of authenticated packets.
// Two filter generations are kept and rotated when the current one fills.
// A false positive drops a fresh packet, which the sender's retransmission
// logic absorbs.
type ReplayFilter struct {
	capacity uint

	mu       sync.Mutex
	current  *cuckoo.Filter
	previous *cuckoo.Filter
}

// NewReplayFilter creates a filter. A zero capacity selects DefaultReplayCapacity.
func NewReplayFilter(capacity uint) *ReplayFilter {
	if capacity == 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayFilter{
		capacity: capacity,
		current:  cuckoo.NewFilter(capacity),
		previous: cuckoo.NewFilter(capacity),
	}
}

// CheckAndAdd reports whether the pair was seen before and records it otherwise.
func (f *ReplayFilter) CheckAndAdd(source crypto.Address, packetID uint64) bool {
	var key [crypto.AddressSize + 8]byte
	source.PutBytes(key[:crypto.AddressSize])
	binary.BigEndian.PutUint64(key[crypto.AddressSize:], packetID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Lookup(key[:]) || f.previous.Lookup(key[:]) {
		return true
	}
	if f.current.Count() >= f.capacity || !f.current.Insert(key[:]) {
		f.previous = f.current
		f.current = cuckoo.NewFilter(f.capacity)
		f.current.Insert(key[:])
	}
	return false
}
