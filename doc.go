// Package tunnelcore implements a peer-to-peer virtual Ethernet node.
//
// Nodes are identified by 40-bit addresses derived from their public keys.
// They exchange authenticated, optionally encrypted packets over UDP and
// carry Ethernet frames for the virtual networks they have joined. Each
// network is owned by a controller node, which answers configuration
// requests through an attached configuration authority.
//
// # Getting Started
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := tunnelcore.New(tunnelcore.Options{
//	    Identity:   id,
//	    ListenAddr: "0.0.0.0:9993",
//	    Supernodes: supernodes,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Kill()
//
//	tap := network.NewChanInterface(256)
//	node.Join(nwid, tap)
//
//	go node.Run(ctx)
//
// # Core Types
//
//   - [Node]: wires the peer table, joined networks, multicast state and
//     the packet switch together
//   - [Options]: settings for a new Node
//
// # Packet Flow
//
// Datagrams arrive through a [transport.Transport] and are queued on the
// [dispatch.Switch]. Each one is decoded by a [decoder.PacketDecoder],
// which may suspend while the identity of the sender, of a multicast
// origin or of a certificate signer is fetched with WHOIS. Suspended
// decodes are resumed when the identity arrives and discarded after the
// decode TTL.
//
// # Network Configuration
//
// Joining a network sends NETWORK_CONFIG_REQUEST to its controller. A node
// that controls networks attaches a [netconf.Client], usually connected to
// the netconf-service binary, and answers with OK or ERROR. Members of
// private networks receive a signed certificate of membership with their
// configuration.
//
// # Subpackages
//
//   - crypto: identities, addresses, packet ciphers and the one-time MAC
//   - transport: packet layout, armoring and the UDP transport
//   - topology: peers, paths and supernodes
//   - network: joined networks, certificates and virtual interfaces
//   - multicast: group subscriptions and duplicate suppression
//   - decoder: the resumable per-packet decoder and verb handlers
//   - dispatch: the switch that drives decoders
//   - netconf: the configuration authority protocol, service and store
//   - config: TOML configuration and logging setup
package tunnelcore
