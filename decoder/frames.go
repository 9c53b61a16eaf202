package decoder

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/multicast"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

func lookupNetwork(env *Environment, r *transport.PayloadReader) (*network.Network, bool) {
	nwid := network.NetworkID(r.Uint64())
	if r.Err() != nil || env.Networks == nil {
		return nil, false
	}
	return env.Networks.Get(nwid)
}

// admit checks that peer may send frames on n, asking it for a certificate
// when it may not.
func (d *PacketDecoder) admit(env *Environment, n *network.Network, peer *topology.Peer) bool {
	if n.IsAllowed(peer.Address()) {
		return true
	}
	logrus.WithFields(logrus.Fields{
		"function": "admit",
		"network":  n.ID().String(),
		"peer":     peer.Address().String(),
		"verb":     d.verb.String(),
	}).Debug("Peer not allowed on network, requesting certificate")
	d.replyError(env, peer, transport.ErrorNeedMembershipCertificate, EncodeNetworkID(n.ID()))
	return false
}

func deliver(n *network.Network, f network.Frame) {
	if err := n.Deliver(f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"network":  n.ID().String(),
			"error":    err.Error(),
		}).Debug("Frame dropped by virtual interface")
	}
}

func handleFrame(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	n, ok := lookupNetwork(env, r)
	etherType := r.Uint16()
	frame := r.Rest()
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if !ok || !d.admit(env, n, peer) {
		return completed, nil
	}
	deliver(n, network.Frame{
		From:      network.MACFromAddress(peer.Address()),
		To:        n.MAC(),
		EtherType: etherType,
		Data:      frame,
	})
	return completed, nil
}

func handleBridgedFrame(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	n, ok := lookupNetwork(env, r)
	to := network.MACFromBytes(r.Bytes(network.MACSize))
	from := network.MACFromBytes(r.Bytes(network.MACSize))
	etherType := r.Uint16()
	frame := r.Rest()
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if !ok || !d.admit(env, n, peer) {
		return completed, nil
	}
	if from.IsMulticast() {
		return Result{}, protocolError("bridged frame with multicast source %s", from)
	}
	if from != network.MACFromAddress(peer.Address()) && !n.IsActiveBridge(peer.Address()) {
		return Result{}, protocolError("%s is not a bridge on %s but sent from %s", peer.Address(), n.ID(), from)
	}
	deliver(n, network.Frame{From: from, To: to, EtherType: etherType, Data: frame})
	return completed, nil
}

// multicastFrame is a parsed MULTICAST_FRAME payload.
type multicastFrame struct {
	nwid      network.NetworkID
	origin    crypto.Address
	group     network.MulticastGroup
	from      network.MAC
	etherType uint16
	frame     []byte
	signed    []byte
	signature []byte
}

func parseMulticastFrame(payload []byte) (*multicastFrame, error) {
	r := transport.NewPayloadReader(payload)
	_ = r.Byte() // flags, reserved
	start := r.Offset()
	m := &multicastFrame{
		nwid:   network.NetworkID(r.Uint64()),
		origin: r.Address(),
	}
	m.group.MAC = network.MACFromBytes(r.Bytes(network.MACSize))
	m.group.ADI = r.Uint32()
	m.from = network.MACFromBytes(r.Bytes(network.MACSize))
	m.etherType = r.Uint16()
	m.frame = r.Bytes(int(r.Uint16()))
	end := r.Offset()
	m.signature = r.Bytes(int(r.Uint16()))
	if err := r.Err(); err != nil {
		return nil, malformed(err)
	}
	m.signed = payload[start:end]
	return m, nil
}

// handleMulticastFrame delivers a signed multicast frame. The relaying
// peer must be a member; the origin's signature is checked once its
// identity is known, suspending in AwaitingMulticastOriginalSenderIdentity
// until then.
func handleMulticastFrame(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	m, err := parseMulticastFrame(d.payload)
	if err != nil {
		return Result{}, err
	}
	n, ok := env.Networks.Get(m.nwid)
	if !ok {
		return completed, nil
	}
	if d.state != AwaitingMulticastOriginalSenderIdentity && !d.admit(env, n, peer) {
		return completed, nil
	}

	origin := env.Peers.Identity(m.origin)
	if origin == nil {
		d.state = AwaitingMulticastOriginalSenderIdentity
		env.Resolver.RequestIdentity(m.origin)
		return retry(m.origin), nil
	}
	if !origin.Verify(m.signed, m.signature) {
		return Result{}, protocolError("multicast frame signature from %s invalid", m.origin)
	}
	if m.from != network.MACFromAddress(m.origin) && !n.IsActiveBridge(m.origin) {
		return Result{}, protocolError("multicast source %s does not belong to origin %s", m.from, m.origin)
	}
	if env.Multicast != nil && env.Multicast.CheckAndAdd(multicast.FrameGUID(m.signed)) {
		return completed, nil
	}
	if m.origin == env.Self.Address() {
		return completed, nil
	}
	if n.IsSubscribed(m.group) || m.group.MAC == network.BroadcastMAC {
		deliver(n, network.Frame{From: m.from, To: m.group.MAC, EtherType: m.etherType, Data: m.frame})
	}
	return completed, nil
}

func handleMulticastLike(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	now := env.now()
	for r.Remaining() > 0 {
		nwid := network.NetworkID(r.Uint64())
		var g network.MulticastGroup
		g.MAC = network.MACFromBytes(r.Bytes(network.MACSize))
		g.ADI = r.Uint32()
		if err := r.Err(); err != nil {
			return Result{}, malformed(err)
		}
		n, ok := env.Networks.Get(nwid)
		if !ok || !n.IsAllowed(peer.Address()) || env.Multicast == nil {
			continue
		}
		env.Multicast.AddLike(nwid, g, peer.Address(), now)
	}
	return completed, nil
}
