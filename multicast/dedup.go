package multicast

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"lukechampine.com/blake3"
)

// DefaultDedupCapacity is the number of frame fingerprints remembered before rotation.
const DefaultDedupCapacity = 1 << 16

// Deduplicator remembers recently seen multicast frames. Two filters are kept;
// when the active one fills, the older one is discarded so memory stays
// bounded while recent history survives the rotation.
type Deduplicator struct {
	capacity uint

	mu       sync.Mutex
	current  *cuckoo.Filter
	previous *cuckoo.Filter
}

// NewDeduplicator creates a filter that holds roughly capacity fingerprints per generation.
func NewDeduplicator(capacity uint) *Deduplicator {
	if capacity == 0 {
		capacity = DefaultDedupCapacity
	}
	return &Deduplicator{
		capacity: capacity,
		current:  cuckoo.NewFilter(capacity),
		previous: cuckoo.NewFilter(capacity),
	}
}

// FrameGUID fingerprints the signed portion of a multicast frame.
func FrameGUID(signed []byte) [32]byte {
	return blake3.Sum256(signed)
}

// CheckAndAdd reports whether guid was already seen, recording it if not.
func (d *Deduplicator) CheckAndAdd(guid [32]byte) bool {
	key := guid[:]
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current.Lookup(key) || d.previous.Lookup(key) {
		return true
	}
	if d.current.Count() >= d.capacity || !d.current.Insert(key) {
		d.previous = d.current
		d.current = cuckoo.NewFilter(d.capacity)
		d.current.Insert(key)
	}
	return false
}
