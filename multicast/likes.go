package multicast

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/network"
)

// DefaultLikeTTL is how long a subscription announcement stays valid.
const DefaultLikeTTL = 10 * time.Minute

type groupKey struct {
	nwid  network.NetworkID
	group network.MulticastGroup
}

// Likes records which peers announced interest in which multicast groups.
type Likes struct {
	ttl time.Duration

	mu     sync.RWMutex
	groups map[groupKey]map[crypto.Address]time.Time
}

// NewLikes creates an empty table. A zero ttl selects DefaultLikeTTL.
func NewLikes(ttl time.Duration) *Likes {
	if ttl <= 0 {
		ttl = DefaultLikeTTL
	}
	return &Likes{
		ttl:    ttl,
		groups: make(map[groupKey]map[crypto.Address]time.Time),
	}
}

// AddLike records or refreshes peer's subscription to group on nwid.
func (l *Likes) AddLike(nwid network.NetworkID, group network.MulticastGroup, peer crypto.Address, now time.Time) {
	k := groupKey{nwid: nwid, group: group}
	l.mu.Lock()
	defer l.mu.Unlock()
	members, ok := l.groups[k]
	if !ok {
		members = make(map[crypto.Address]time.Time)
		l.groups[k] = members
	}
	members[peer] = now
}

// Members returns the peers subscribed to group, most recently announced first.
func (l *Likes) Members(nwid network.NetworkID, group network.MulticastGroup, now time.Time) []crypto.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	members := l.groups[groupKey{nwid: nwid, group: group}]
	out := make([]crypto.Address, 0, len(members))
	for a, seen := range members {
		if now.Sub(seen) <= l.ttl {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := members[out[i]], members[out[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i] < out[j]
	})
	return out
}

// Expire drops announcements older than the TTL and returns how many were removed.
func (l *Likes) Expire(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, members := range l.groups {
		for a, seen := range members {
			if now.Sub(seen) > l.ttl {
				delete(members, a)
				removed++
			}
		}
		if len(members) == 0 {
			delete(l.groups, k)
		}
	}
	return removed
}
