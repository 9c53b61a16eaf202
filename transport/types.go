package transport

import (
	"net"
	"net/netip"
)

// LocalInterface identifies the local socket a packet arrived on, so replies
// leave through the same one.
type LocalInterface int

// ReceiveHandler is invoked for every datagram. data is only valid for the
// duration of the call.
type ReceiveHandler func(data []byte, local LocalInterface, remote netip.AddrPort)

// Transport defines the interface for datagram transports.
// This abstraction lets the dispatch driver run over real sockets or an
// in-memory network in tests.
type Transport interface {
	// Send sends raw packet bytes to the specified address.
	Send(data []byte, addr netip.AddrPort) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// Interface returns the identifier stamped on received packets.
	Interface() LocalInterface

	// SetHandler registers the receive callback.
	SetHandler(handler ReceiveHandler)
}
