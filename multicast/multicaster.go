package multicast

import "time"

// Multicaster combines the subscription table with frame de-duplication.
type Multicaster struct {
	*Likes
	*Deduplicator
}

// New creates a Multicaster. Zero arguments select the defaults.
func New(likeTTL time.Duration, dedupCapacity uint) *Multicaster {
	return &Multicaster{
		Likes:        NewLikes(likeTTL),
		Deduplicator: NewDeduplicator(dedupCapacity),
	}
}
