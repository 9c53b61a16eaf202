package limits

import (
	"errors"
	"fmt"
)

const (
	// PacketIDSize is the size of the packet id (IV) at the start of every packet.
	PacketIDSize = 8

	// AddressSize is the size of a peer address on the wire.
	AddressSize = 5

	// MACSize is the size of the Poly1305 tag carried in the header.
	MACSize = 16

	// PacketHeaderSize is the full fixed header including the verb byte.
	PacketHeaderSize = PacketIDSize + AddressSize + AddressSize + 1 + MACSize + 1

	// MaxTransportPayload is the largest datagram body the UDP transport carries.
	MaxTransportPayload = 1500

	// MaxPacketSize is the largest packet accepted from the wire.
	MaxPacketSize = PacketHeaderSize + MaxTransportPayload

	// MaxPayloadSize is the largest verb payload after decompression.
	MaxPayloadSize = 2800

	// MaxFrameSize bounds one configuration authority frame (1 MiB).
	MaxFrameSize = 1024 * 1024

	// MaxEthernetFrame bounds an encapsulated data-link frame body.
	MaxEthernetFrame = 2800
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrPacketTooShort indicates a packet shorter than the fixed header
	ErrPacketTooShort = errors.New("packet shorter than header")

	// ErrPacketTooLarge indicates a packet larger than MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket checks a raw packet against the header size and MaxPacketSize.
func ValidatePacket(raw []byte) error {
	if len(raw) < PacketHeaderSize {
		return fmt.Errorf("%w: size %d, need %d", ErrPacketTooShort, len(raw), PacketHeaderSize)
	}
	if len(raw) > MaxPacketSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(raw), MaxPacketSize)
	}
	return nil
}

// ValidatePayload checks a decrypted, decompressed payload size.
// Empty payloads are allowed; some verbs carry none.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}
	return nil
}

// ValidateFrameLength checks a length prefix read from a framed stream.
func ValidateFrameLength(n uint32) error {
	if n == 0 {
		return ErrMessageEmpty
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, n, MaxFrameSize)
	}
	return nil
}
