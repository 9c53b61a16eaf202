package topology

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/transport"
)

// maxPaths bounds the number of remembered endpoints per peer.
const maxPaths = 4

// Path is one physical endpoint at which a peer has been reached.
type Path struct {
	Local       transport.LocalInterface
	Remote      netip.AddrPort
	LastReceive time.Time
	LastSend    time.Time
	Fixed       bool
}

// Version is the software version a peer announced in HELLO.
type Version struct {
	Protocol byte
	Major    byte
	Minor    byte
	Revision uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d/p%d", v.Major, v.Minor, v.Revision, v.Protocol)
}

// Peer is a known remote node. The identity and shared secret are fixed at
// creation; reachability data is guarded by mu.
type Peer struct {
	identity *crypto.Identity
	secret   [32]byte

	mu          sync.RWMutex
	paths       []Path
	lastReceive time.Time
	lastHello   time.Time
	latency     time.Duration
	version     Version
}

func newPeer(self, id *crypto.Identity) (*Peer, error) {
	secret, err := self.Agree(id)
	if err != nil {
		return nil, fmt.Errorf("agree with %s: %w", id.Address(), err)
	}
	return &Peer{identity: id.PublicOnly(), secret: secret}, nil
}

// Identity returns the peer's public identity.
func (p *Peer) Identity() *crypto.Identity {
	return p.identity
}

// Address returns the peer's address.
func (p *Peer) Address() crypto.Address {
	return p.identity.Address()
}

// Key returns the long-term secret shared with this peer.
func (p *Peer) Key() [32]byte {
	return p.secret
}

// ReceivedPacket records an authenticated packet arriving over local from remote.
func (p *Peer) ReceivedPacket(local transport.LocalInterface, remote netip.AddrPort, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastReceive = now
	if !remote.IsValid() {
		return
	}
	for i := range p.paths {
		if p.paths[i].Remote == remote && p.paths[i].Local == local {
			p.paths[i].LastReceive = now
			return
		}
	}
	p.addPathLocked(Path{Local: local, Remote: remote, LastReceive: now})
}

// AddFixedPath records an endpoint that is never evicted, such as a
// configured supernode address.
func (p *Peer) AddFixedPath(local transport.LocalInterface, remote netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.paths {
		if p.paths[i].Remote == remote {
			p.paths[i].Fixed = true
			return
		}
	}
	p.addPathLocked(Path{Local: local, Remote: remote, Fixed: true})
}

// addPathLocked appends a path, evicting the least recently heard
// non-fixed path when full.
func (p *Peer) addPathLocked(path Path) {
	if len(p.paths) < maxPaths {
		p.paths = append(p.paths, path)
		return
	}
	victim := -1
	for i := range p.paths {
		if p.paths[i].Fixed {
			continue
		}
		if victim < 0 || p.paths[i].LastReceive.Before(p.paths[victim].LastReceive) {
			victim = i
		}
	}
	if victim >= 0 {
		p.paths[victim] = path
	}
}

// BestPath returns the most recently heard path.
func (p *Peer) BestPath() (Path, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	best := -1
	for i := range p.paths {
		if best < 0 || p.paths[i].LastReceive.After(p.paths[best].LastReceive) {
			best = i
		}
	}
	if best < 0 {
		return Path{}, false
	}
	return p.paths[best], true
}

// Paths returns a copy of all known paths.
func (p *Peer) Paths() []Path {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// SentPacket records an outbound packet on remote.
func (p *Peer) SentPacket(remote netip.AddrPort, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.paths {
		if p.paths[i].Remote == remote {
			p.paths[i].LastSend = now
		}
	}
}

// LastReceive returns when the last authenticated packet arrived.
func (p *Peer) LastReceive() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReceive
}

// SetRemoteVersion stores the version announced in HELLO or OK(HELLO).
func (p *Peer) SetRemoteVersion(v Version) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

// RemoteVersion returns the last announced version.
func (p *Peer) RemoteVersion() Version {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// SetLatency records a round trip measured from OK(HELLO).
func (p *Peer) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// Latency returns the last measured round trip.
func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latency
}

// ReceivedHello records a HELLO timestamp so replayed HELLOs can be spotted.
// It returns false when ts is not newer than the last one seen.
func (p *Peer) ReceivedHello(ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ts.After(p.lastHello) {
		return false
	}
	p.lastHello = ts
	return true
}
