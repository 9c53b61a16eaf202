// Package limits provides centralized wire size constants and validation functions
// for the tunnel protocol. Every component that accepts bytes from the network
// checks them against these limits before slicing or allocating.
//
// # Size Hierarchy
//
//   - PacketHeaderSize (36 bytes): packet id, destination, source, flags,
//     the 16 byte Poly1305 tag and the verb.
//
//   - MaxPayloadSize (2800 bytes): the largest verb payload after decompression.
//     Compressed payloads that claim to expand beyond this are rejected before
//     any allocation happens.
//
//   - MaxPacketSize: header plus the largest payload the transport carries in one
//     datagram. Reassembly of fragments is handled outside this module.
//
//   - MaxFrameSize (1 MiB): the absolute maximum for one configuration authority
//     frame. It bounds memory use on the authority's stdin.
//
// # Validation Functions
//
//	if err := limits.ValidatePacket(raw); err != nil {
//	    // ErrPacketTooShort or ErrPacketTooLarge
//	}
//
// For custom limits use ValidateMessageSize.
package limits
