package decoder

import (
	"net/netip"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// PeerTable is the shared identity and reachability table.
type PeerTable interface {
	GetPeer(addr crypto.Address) *topology.Peer
	AddPeer(id *crypto.Identity) (*topology.Peer, error)
	Identity(addr crypto.Address) *crypto.Identity
}

// SupernodeSet reports which peers may introduce other peers.
type SupernodeSet interface {
	IsSupernode(addr crypto.Address) bool
}

// NetworkTable looks up joined networks.
type NetworkTable interface {
	Get(id network.NetworkID) (*network.Network, bool)
}

// MulticastTable records subscriptions and filters duplicate frames.
type MulticastTable interface {
	AddLike(nwid network.NetworkID, group network.MulticastGroup, peer crypto.Address, now time.Time)
	CheckAndAdd(guid [32]byte) bool
}

// Sender transmits replies. Send encrypts for dest and returns the packet id.
type Sender interface {
	Send(dest crypto.Address, verb transport.Verb, payload []byte) (uint64, error)
	SendHello(dest crypto.Address, local transport.LocalInterface, remote netip.AddrPort) error
}

// IdentityResolver fetches unknown identities. RequestIdentity must not
// block; IdentityResolved is called when a handler learns a new identity.
type IdentityResolver interface {
	RequestIdentity(addr crypto.Address)
	IdentityResolved(addr crypto.Address)
}

// ReplayFilter reports whether (source, packetID) was seen before,
// recording it otherwise.
type ReplayFilter interface {
	CheckAndAdd(source crypto.Address, packetID uint64) bool
}

// RequestTracker correlates OK and ERROR replies with requests this node
// sent. Acknowledge removes the request and reports whether it existed.
type RequestTracker interface {
	Acknowledge(packetID uint64, verb transport.Verb) bool
}

// ConfigRequestHandler passes NETWORK_CONFIG_REQUEST to the configuration
// authority. It must not block; the answer is sent asynchronously.
type ConfigRequestHandler interface {
	Request(peer *crypto.Identity, nwid network.NetworkID, meta netconf.Dictionary, packetID uint64) error
}

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Environment carries the collaborators a decode needs. Config may be nil
// on nodes that do not control any network.
type Environment struct {
	Self       *crypto.Identity
	Peers      PeerTable
	Supernodes SupernodeSet
	Networks   NetworkTable
	Multicast  MulticastTable
	Sender     Sender
	Resolver   IdentityResolver
	Replay     ReplayFilter
	Requests   RequestTracker
	Config     ConfigRequestHandler
	Clock      TimeProvider
}

func (e *Environment) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}
