package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/tunnelcore/crypto"
)

// PayloadReader reads fields from an untrusted payload. Every read is bounds
// checked; the first failure is sticky and reported by Err.
type PayloadReader struct {
	buf []byte
	off int
	err error
}

// NewPayloadReader wraps b.
func NewPayloadReader(b []byte) *PayloadReader {
	return &PayloadReader{buf: b}
}

func (r *PayloadReader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, payload is %d", ErrMalformedPacket, what, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Byte reads one byte.
func (r *PayloadReader) Byte() byte {
	b := r.take(1, "byte")
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a big-endian uint16.
func (r *PayloadReader) Uint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Uint32 reads a big-endian uint32.
func (r *PayloadReader) Uint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint64 reads a big-endian uint64.
func (r *PayloadReader) Uint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Address reads a 5 byte address.
func (r *PayloadReader) Address() crypto.Address {
	b := r.take(crypto.AddressSize, "address")
	if b == nil {
		return 0
	}
	a, _ := crypto.AddressFromBytes(b)
	return a
}

// Bytes reads n bytes. The result aliases the payload.
func (r *PayloadReader) Bytes(n int) []byte {
	return r.take(n, "bytes")
}

// Identity reads a serialized public identity.
func (r *PayloadReader) Identity() *crypto.Identity {
	if r.err != nil {
		return nil
	}
	id, n, err := crypto.UnmarshalIdentity(r.buf[r.off:])
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		return nil
	}
	r.off += n
	return id
}

// Rest returns everything not yet read.
func (r *PayloadReader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// Remaining returns the number of unread bytes.
func (r *PayloadReader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset returns the read position.
func (r *PayloadReader) Offset() int {
	return r.off
}

// Err returns the first read error.
func (r *PayloadReader) Err() error {
	return r.err
}
