package decoder

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// ProtocolVersion is the wire protocol revision spoken by this node.
const ProtocolVersion byte = 1

// LocalVersion is announced in HELLO.
var LocalVersion = topology.Version{Protocol: ProtocolVersion, Major: 0, Minor: 4, Revision: 0}

// rendezvousIPv4Len and rendezvousIPv6Len are the accepted address sizes.
const (
	rendezvousIPv4Len = 4
	rendezvousIPv6Len = 16
)

// EncodeHello builds a HELLO payload announcing self.
func EncodeHello(self *crypto.Identity, v topology.Version, ts time.Time) []byte {
	b := make([]byte, 0, 13+crypto.IdentityBinarySize)
	b = append(b, v.Protocol, v.Major, v.Minor)
	b = binary.BigEndian.AppendUint16(b, v.Revision)
	b = binary.BigEndian.AppendUint64(b, uint64(ts.UnixMilli()))
	return append(b, self.MarshalBinary()...)
}

// EncodeOK builds an OK payload answering packet inReID of verb inReVerb.
func EncodeOK(inReVerb transport.Verb, inReID uint64, data ...[]byte) []byte {
	b := make([]byte, 0, 9)
	b = append(b, byte(inReVerb))
	b = binary.BigEndian.AppendUint64(b, inReID)
	for _, part := range data {
		b = append(b, part...)
	}
	return b
}

// EncodeError builds an ERROR payload answering packet inReID of verb inReVerb.
func EncodeError(inReVerb transport.Verb, inReID uint64, code transport.ErrorCode, data ...[]byte) []byte {
	b := make([]byte, 0, 10)
	b = append(b, byte(inReVerb))
	b = binary.BigEndian.AppendUint64(b, inReID)
	b = append(b, byte(code))
	for _, part := range data {
		b = append(b, part...)
	}
	return b
}

// EncodeNetworkID returns the 8-byte wire form of nwid.
func EncodeNetworkID(nwid network.NetworkID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(nwid))
}

// EncodeAddress returns the 5-byte wire form of a.
func EncodeAddress(a crypto.Address) []byte {
	b := a.Bytes()
	return b[:]
}

// EncodeWhois builds a WHOIS payload.
func EncodeWhois(a crypto.Address) []byte {
	return EncodeAddress(a)
}

// EncodeRendezvous introduces peer at endpoint.
func EncodeRendezvous(peer crypto.Address, endpoint netip.AddrPort) []byte {
	ip := endpoint.Addr().Unmap().AsSlice()
	b := make([]byte, 0, 9+len(ip))
	b = append(b, 0)
	b = append(b, EncodeAddress(peer)...)
	b = binary.BigEndian.AppendUint16(b, endpoint.Port())
	b = append(b, byte(len(ip)))
	return append(b, ip...)
}

// EncodeFrame builds a FRAME payload.
func EncodeFrame(nwid network.NetworkID, etherType uint16, frame []byte) []byte {
	b := make([]byte, 0, 10+len(frame))
	b = binary.BigEndian.AppendUint64(b, uint64(nwid))
	b = binary.BigEndian.AppendUint16(b, etherType)
	return append(b, frame...)
}

// EncodeBridgedFrame builds a BRIDGED_FRAME payload.
func EncodeBridgedFrame(nwid network.NetworkID, to, from network.MAC, etherType uint16, frame []byte) []byte {
	b := make([]byte, 0, 22+len(frame))
	b = binary.BigEndian.AppendUint64(b, uint64(nwid))
	b = append(b, to[:]...)
	b = append(b, from[:]...)
	b = binary.BigEndian.AppendUint16(b, etherType)
	return append(b, frame...)
}

// EncodeMulticastFrame builds and signs a MULTICAST_FRAME payload originated by origin.
func EncodeMulticastFrame(origin *crypto.Identity, nwid network.NetworkID, group network.MulticastGroup, from network.MAC, etherType uint16, frame []byte) ([]byte, error) {
	if len(frame) > 0xffff {
		return nil, fmt.Errorf("multicast frame of %d bytes too large", len(frame))
	}
	b := make([]byte, 0, 36+len(frame)+crypto.SignatureSize)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, uint64(nwid))
	b = append(b, EncodeAddress(origin.Address())...)
	b = group.AppendTo(b)
	b = append(b, from[:]...)
	b = binary.BigEndian.AppendUint16(b, etherType)
	b = binary.BigEndian.AppendUint16(b, uint16(len(frame)))
	b = append(b, frame...)
	sig, err := origin.Sign(b[1:])
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(sig)))
	return append(b, sig[:]...), nil
}

// EncodeMulticastLike announces subscriptions to groups on nwid.
func EncodeMulticastLike(nwid network.NetworkID, groups ...network.MulticastGroup) []byte {
	b := make([]byte, 0, len(groups)*(8+network.MulticastGroupSize))
	for _, g := range groups {
		b = binary.BigEndian.AppendUint64(b, uint64(nwid))
		b = g.AppendTo(b)
	}
	return b
}

// EncodeConfigRequest builds a NETWORK_CONFIG_REQUEST payload.
func EncodeConfigRequest(nwid network.NetworkID, meta netconf.Dictionary) ([]byte, error) {
	return encodeNetworkDictionary(nwid, meta)
}

// EncodeConfigResponse builds the data that follows the OK header of an
// answered NETWORK_CONFIG_REQUEST.
func EncodeConfigResponse(nwid network.NetworkID, config netconf.Dictionary) ([]byte, error) {
	return encodeNetworkDictionary(nwid, config)
}

func encodeNetworkDictionary(nwid network.NetworkID, d netconf.Dictionary) ([]byte, error) {
	s := ""
	if len(d) > 0 {
		s = d.String()
	}
	if len(s) > 0xffff {
		return nil, fmt.Errorf("dictionary of %d bytes too large", len(s))
	}
	b := make([]byte, 0, 10+len(s))
	b = binary.BigEndian.AppendUint64(b, uint64(nwid))
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func readNetworkDictionary(r *transport.PayloadReader) (network.NetworkID, netconf.Dictionary, error) {
	nwid := network.NetworkID(r.Uint64())
	n := int(r.Uint16())
	raw := r.Bytes(n)
	if err := r.Err(); err != nil {
		return 0, nil, err
	}
	d, err := netconf.ParseDictionary(string(raw))
	if err != nil {
		return 0, nil, malformed(err)
	}
	return nwid, d, nil
}
