package decoder

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// handleCertificate accepts a certificate of membership for the sender. The
// signer must be the network's controller; when its identity is unknown
// the decode suspends in AwaitingCertificateSignerIdentity.
func handleCertificate(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	cert, err := network.ReadCertificate(r)
	if err != nil {
		return Result{}, malformed(err)
	}
	if cert.IssuedTo != peer.Address() {
		return Result{}, protocolError("certificate issued to %s presented by %s", cert.IssuedTo, peer.Address())
	}
	if cert.SignedBy != cert.Network.Controller() {
		return Result{}, protocolError("certificate for %s signed by %s, not its controller", cert.Network, cert.SignedBy)
	}
	n, ok := env.Networks.Get(cert.Network)
	if !ok {
		return completed, nil
	}

	signer := env.Peers.Identity(cert.SignedBy)
	if signer == nil {
		d.state = AwaitingCertificateSignerIdentity
		env.Resolver.RequestIdentity(cert.SignedBy)
		return retry(cert.SignedBy), nil
	}
	if err := cert.Verify(signer); err != nil {
		return Result{}, protocolError("%v", err)
	}
	if err := n.AddMembershipCertificate(cert); err != nil {
		return Result{}, protocolError("%v", err)
	}
	return completed, nil
}

// handleConfigRequest hands a configuration request for a network this
// node controls to the configuration authority.
func handleConfigRequest(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	nwid, meta, err := readNetworkDictionary(r)
	if err != nil {
		return Result{}, err
	}
	if env.Config == nil {
		d.replyError(env, peer, transport.ErrorUnsupportedOperation, EncodeNetworkID(nwid))
		return completed, nil
	}
	if nwid.Controller() != env.Self.Address() {
		d.replyError(env, peer, transport.ErrorObjectNotFound, EncodeNetworkID(nwid))
		return completed, nil
	}
	if err := env.Config.Request(peer.Identity(), nwid, meta, d.packet.PacketID()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConfigRequest",
			"network":  nwid.String(),
			"peer":     peer.Address().String(),
			"error":    err.Error(),
		}).Warn("Configuration authority did not accept request")
	}
	return completed, nil
}

// handleConfigRefresh makes this node re-request a network's configuration.
// Only the controller may ask.
func handleConfigRefresh(env *Environment, d *PacketDecoder, peer *topology.Peer) (Result, error) {
	r := transport.NewPayloadReader(d.payload)
	nwid := network.NetworkID(r.Uint64())
	if err := r.Err(); err != nil {
		return Result{}, malformed(err)
	}
	if peer.Address() != nwid.Controller() {
		return Result{}, protocolError("refresh for %s from non-controller %s", nwid, peer.Address())
	}
	n, ok := env.Networks.Get(nwid)
	if !ok {
		return completed, nil
	}
	if err := n.RequestConfiguration(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConfigRefresh",
			"network":  nwid.String(),
			"error":    err.Error(),
		}).Debug("Configuration refresh failed")
	}
	return completed, nil
}
