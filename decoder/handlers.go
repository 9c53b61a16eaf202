package decoder

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// handlerFunc runs a verb against an authenticated payload.
type handlerFunc func(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error)

// handlers covers every verb except HELLO, which authenticates itself and
// is handled by decodeHello.
var handlers = map[transport.Verb]handlerFunc{
	transport.VerbError:                        handleError,
	transport.VerbOK:                           handleOK,
	transport.VerbWhois:                        handleWhois,
	transport.VerbRendezvous:                   handleRendezvous,
	transport.VerbFrame:                        handleFrame,
	transport.VerbBridgedFrame:                 handleBridgedFrame,
	transport.VerbMulticastFrame:               handleMulticastFrame,
	transport.VerbMulticastLike:                handleMulticastLike,
	transport.VerbNetworkMembershipCertificate: handleCertificate,
	transport.VerbNetworkConfigRequest:         handleConfigRequest,
	transport.VerbNetworkConfigRefresh:         handleConfigRefresh,
}

// IsRequest reports whether replies to verb are correlated with a tracked request.
func IsRequest(v transport.Verb) bool {
	switch v {
	case transport.VerbHello, transport.VerbWhois, transport.VerbNetworkConfigRequest:
		return true
	}
	return false
}

// decodeHello handles an unencrypted HELLO. The sender's identity travels in
// the payload, so the packet is authenticated with a key agreed from it and
// the decode never waits.
func (d *PacketDecoder) decodeHello(env *Environment) (Result, error) {
	source := d.packet.Source()
	r := transport.NewPayloadReader(d.packet.Payload())
	var v topology.Version
	v.Protocol = r.Byte()
	v.Major = r.Byte()
	v.Minor = r.Byte()
	v.Revision = r.Uint16()
	ts := r.Uint64()
	id := r.Identity()
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if id.Address() != source {
		return Result{}, protocolError("HELLO identity %s sent from %s", id.Address(), source)
	}
	if !id.LocallyValidate() {
		return Result{}, protocolError("HELLO identity %s failed validation", id.Address())
	}
	secret, err := env.Self.Agree(id)
	if err != nil {
		return Result{}, protocolError("key agreement with %s: %v", source, err)
	}
	if !d.packet.Authenticate(secret) {
		return Result{}, transport.ErrAuthenticationFailure
	}
	d.verb = transport.VerbHello
	d.payload = d.packet.Payload()
	d.unwrapped = true

	if env.Replay != nil && env.Replay.CheckAndAdd(source, d.packet.PacketID()) {
		return completed, nil
	}

	isNew := env.Peers.GetPeer(source) == nil
	peer, err := env.Peers.AddPeer(id)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	d.peer = peer
	peer.ReceivedPacket(d.local, d.remote, d.received)
	if isNew {
		env.Resolver.IdentityResolved(source)
	}
	if !peer.ReceivedHello(time.UnixMilli(int64(ts))) {
		logrus.WithFields(logrus.Fields{
			"function": "decodeHello",
			"source":   source.String(),
		}).Debug("Ignoring stale HELLO")
		return completed, nil
	}
	peer.SetRemoteVersion(v)

	if v.Protocol != ProtocolVersion {
		d.replyError(env, peer, transport.ErrorBadProtocolVersion)
		return completed, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "decodeHello",
		"source":   source.String(),
		"version":  v.String(),
		"new":      isNew,
	}).Debug("HELLO accepted")

	echo := binary.BigEndian.AppendUint64(nil, ts)
	echo = append(echo, LocalVersion.Protocol, LocalVersion.Major, LocalVersion.Minor)
	echo = binary.BigEndian.AppendUint16(echo, LocalVersion.Revision)
	d.reply(env, peer, transport.VerbOK, EncodeOK(transport.VerbHello, d.packet.PacketID(), echo))
	return completed, nil
}

func unsolicited(env *Environment, inReVerb transport.Verb, inReID uint64) bool {
	return IsRequest(inReVerb) && env.Requests != nil && !env.Requests.Acknowledge(inReID, inReVerb)
}

func handleOK(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	inReVerb := transport.Verb(r.Byte())
	inReID := r.Uint64()
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if unsolicited(env, inReVerb, inReID) {
		logrus.WithFields(logrus.Fields{
			"function": "handleOK",
			"peer":     peer.Address().String(),
			"in_re":    inReVerb.String(),
		}).Debug("Dropping unsolicited OK")
		return completed, nil
	}

	switch inReVerb {
	case transport.VerbHello:
		ts := r.Uint64()
		var v topology.Version
		v.Protocol = r.Byte()
		v.Major = r.Byte()
		v.Minor = r.Byte()
		v.Revision = r.Uint16()
		if err := r.Err(); err != nil {
			return Result{}, malformed(err)
		}
		if rtt := env.now().Sub(time.UnixMilli(int64(ts))); rtt >= 0 {
			peer.SetLatency(rtt)
		}
		peer.SetRemoteVersion(v)

	case transport.VerbWhois:
		id := r.Identity()
		if err := r.Err(); err != nil {
			return Result{}, malformed(err)
		}
		if env.Peers.GetPeer(id.Address()) != nil {
			return completed, nil
		}
		if _, err := env.Peers.AddPeer(id); err != nil {
			return Result{}, fmt.Errorf("%w: WHOIS answer: %v", ErrProtocolError, err)
		}
		env.Resolver.IdentityResolved(id.Address())

	case transport.VerbNetworkConfigRequest:
		nwid, dict, err := readNetworkDictionary(r)
		if err != nil {
			return Result{}, err
		}
		n, ok := env.Networks.Get(nwid)
		if !ok {
			return completed, nil
		}
		if peer.Address() != nwid.Controller() {
			return Result{}, protocolError("configuration for %s from non-controller %s", nwid, peer.Address())
		}
		if err := n.SetConfiguration(dict, env.now()); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
		}
	}
	return completed, nil
}

func handleError(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	inReVerb := transport.Verb(r.Byte())
	inReID := r.Uint64()
	code := transport.ErrorCode(r.Byte())
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if unsolicited(env, inReVerb, inReID) {
		return completed, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleError",
		"peer":     peer.Address().String(),
		"in_re":    inReVerb.String(),
		"code":     code.String(),
	}).Debug("Received ERROR")

	switch code {
	case transport.ErrorNeedMembershipCertificate:
		n, ok := lookupNetwork(env, r)
		if err := r.Err(); err != nil {
			return Result{}, malformed(err)
		}
		if !ok {
			return completed, nil
		}
		if cert := n.Certificate(); cert != nil {
			d.reply(env, peer, transport.VerbNetworkMembershipCertificate, cert.MarshalBinary())
		}

	case transport.ErrorObjectNotFound:
		if inReVerb != transport.VerbNetworkConfigRequest {
			break
		}
		n, ok := lookupNetwork(env, r)
		if err := r.Err(); err != nil {
			return Result{}, malformed(err)
		}
		if ok && peer.Address() == n.Controller() {
			n.SetNotFound()
		}
	}
	return completed, nil
}

func handleWhois(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	addr := r.Address()
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if id := env.Peers.Identity(addr); id != nil {
		d.reply(env, peer, transport.VerbOK, EncodeOK(transport.VerbWhois, d.packet.PacketID(), id.MarshalBinary()))
		return completed, nil
	}
	d.replyError(env, peer, transport.ErrorObjectNotFound, EncodeAddress(addr))
	return completed, nil
}

func handleRendezvous(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	if env.Supernodes == nil || !env.Supernodes.IsSupernode(peer.Address()) {
		return Result{}, protocolError("RENDEZVOUS from non-supernode %s", peer.Address())
	}
	r := transport.NewPayloadReader(d.payload)
	_ = r.Byte() // flags, reserved
	addr := r.Address()
	port := r.Uint16()
	ipLen := int(r.Byte())
	ip := r.Bytes(ipLen)
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if ipLen != rendezvousIPv4Len && ipLen != rendezvousIPv6Len {
		return Result{}, malformed(fmt.Errorf("rendezvous address length %d", ipLen))
	}
	if env.Peers.GetPeer(addr) == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRendezvous",
			"peer":     addr.String(),
		}).Debug("Ignoring RENDEZVOUS for unknown peer")
		return completed, nil
	}
	ipAddr, _ := netip.AddrFromSlice(ip)
	endpoint := netip.AddrPortFrom(ipAddr.Unmap(), port)
	if err := env.Sender.SendHello(addr, d.local, endpoint); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRendezvous",
			"peer":     addr.String(),
			"endpoint": endpoint.String(),
			"error":    err.Error(),
		}).Debug("Rendezvous HELLO failed")
	}
	return completed, nil
}
