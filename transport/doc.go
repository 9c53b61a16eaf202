// Package transport implements the wire packet and datagram transport of the
// tunnel protocol.
//
// # Packet Layout
//
// Every packet starts with a 36 byte header:
//
//	[0:8]   packet id (random)
//	[8:13]  destination address
//	[13:18] source address
//	[18]    flags: 0x80 encrypted, 0x40 compressed, low 3 bits hop count
//	[19:35] Poly1305 tag
//	[35]    verb
//	[36:]   payload
//
// The tag covers the verb and payload. The key for a packet is the long-term
// secret of the two peers mixed with the packet's own header, and the
// one-time MAC key is taken from the first block of its Salsa20 keystream.
// The hop count is excluded from the mixed header so relays may increment it.
//
//	p := transport.NewPacket(peer.Address(), self.Address(), transport.VerbWhois)
//	p.AppendAddress(target)
//	p.Armor(secret, true)
//	err := t.Send(p.Bytes(), remote)
//
// A received packet is checked with [Packet.Authenticate] before anything
// else and then opened with [Packet.DecryptAndDecompress]. Payloads are
// compressed with s2 when that saves space.
//
// # Payload Parsing
//
// [PayloadReader] reads fixed-width fields and records the first short read
// as a sticky error wrapping [ErrMalformedPacket], so handlers check once at
// the end.
//
// # Transports
//
// The [Transport] interface carries raw datagrams. [UDPTransport] is the
// production implementation; tests use in-memory transports.
package transport
