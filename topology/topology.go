// Package topology keeps the table of known peers: their identities, the
// secrets shared with them, and where they were last reached.
//
// The table is shared by every packet being decoded. Lookups take a read
// lock and return *Peer values whose identity never changes; reachability
// updates go through the Peer's own lock so a reader never sees a half
// written identity.
package topology

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/transport"
)

var (
	// ErrIdentityCollision indicates a second identity claiming a known address.
	ErrIdentityCollision = errors.New("identity collision")

	// ErrInvalidIdentity indicates an identity that fails local validation.
	ErrInvalidIdentity = errors.New("identity failed validation")

	// ErrSelf indicates an attempt to add our own address as a peer.
	ErrSelf = errors.New("identity is our own address")
)

// Supernode is a statically configured, always trusted peer.
type Supernode struct {
	Identity *crypto.Identity
	Endpoint netip.AddrPort
}

// Topology is the shared peer table.
type Topology struct {
	self *crypto.Identity

	mu         sync.RWMutex
	peers      map[crypto.Address]*Peer
	supernodes []crypto.Address
}

// New creates a table for the local identity self, which must hold private keys.
func New(self *crypto.Identity) *Topology {
	return &Topology{
		self:  self,
		peers: make(map[crypto.Address]*Peer),
	}
}

// Self returns the local identity.
func (t *Topology) Self() *crypto.Identity {
	return t.self
}

// AddPeer stores id and returns its Peer. Adding an identity already known
// returns the existing Peer; a different identity for a known address is a
// collision.
func (t *Topology) AddPeer(id *crypto.Identity) (*Peer, error) {
	if !id.LocallyValidate() {
		return nil, ErrInvalidIdentity
	}
	if id.Address() == t.self.Address() {
		return nil, ErrSelf
	}

	t.mu.RLock()
	existing := t.peers[id.Address()]
	t.mu.RUnlock()
	if existing != nil {
		return checkSame(existing, id)
	}

	// Key agreement runs outside the lock.
	p, err := newPeer(t.self, id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.peers[id.Address()]; existing != nil {
		return checkSame(existing, id)
	}
	t.peers[id.Address()] = p

	logrus.WithFields(logrus.Fields{
		"function": "AddPeer",
		"address":  id.Address().String(),
		"peers":    len(t.peers),
	}).Debug("Learned peer identity")

	return p, nil
}

func checkSame(existing *Peer, id *crypto.Identity) (*Peer, error) {
	if existing.Identity().Equal(id) {
		return existing, nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "AddPeer",
		"address":  id.Address().String(),
	}).Warn("Rejected identity colliding with known peer")
	return nil, ErrIdentityCollision
}

// GetPeer returns the peer for addr, or nil.
func (t *Topology) GetPeer(addr crypto.Address) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[addr]
}

// Identity returns the identity for addr, or nil. Our own address resolves
// to the public half of the local identity.
func (t *Topology) Identity(addr crypto.Address) *crypto.Identity {
	if addr == t.self.Address() {
		return t.self.PublicOnly()
	}
	if p := t.GetPeer(addr); p != nil {
		return p.Identity()
	}
	return nil
}

// RemovePeer forgets a non-supernode peer.
func (t *Topology) RemovePeer(addr crypto.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isSupernodeLocked(addr) {
		return false
	}
	if _, ok := t.peers[addr]; !ok {
		return false
	}
	delete(t.peers, addr)
	return true
}

// SetSupernodes installs the configured supernodes, replacing any previous set.
func (t *Topology) SetSupernodes(local transport.LocalInterface, nodes []Supernode) error {
	addrs := make([]crypto.Address, 0, len(nodes))
	for _, sn := range nodes {
		p, err := t.AddPeer(sn.Identity)
		if err != nil {
			return err
		}
		if sn.Endpoint.IsValid() {
			p.AddFixedPath(local, sn.Endpoint)
		}
		addrs = append(addrs, sn.Identity.Address())
	}

	t.mu.Lock()
	t.supernodes = addrs
	t.mu.Unlock()
	return nil
}

// IsSupernode reports whether addr is a configured supernode.
func (t *Topology) IsSupernode(addr crypto.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isSupernodeLocked(addr)
}

func (t *Topology) isSupernodeLocked(addr crypto.Address) bool {
	for _, a := range t.supernodes {
		if a == addr {
			return true
		}
	}
	return false
}

// Supernodes returns the supernode peers in configuration order.
func (t *Topology) Supernodes() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Peer, 0, len(t.supernodes))
	for _, a := range t.supernodes {
		if p := t.peers[a]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

// BestSupernode returns the first supernode with a known path.
func (t *Topology) BestSupernode() *Peer {
	for _, p := range t.Supernodes() {
		if _, ok := p.BestPath(); ok {
			return p
		}
	}
	return nil
}

// Count returns the number of known peers.
func (t *Topology) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Peers returns a snapshot of all peers.
func (t *Topology) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
