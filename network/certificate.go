package network

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/transport"
)

// certificateBodySize is nwid(8) issuedTo(5) timestamp(8) maxDelta(8) signedBy(5).
const certificateBodySize = 8 + crypto.AddressSize + 8 + 8 + crypto.AddressSize

// maxDeltaMillis is the largest max delta that fits a time.Duration.
const maxDeltaMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

var (
	// ErrBadCertificate indicates a certificate that fails structural or signature checks.
	ErrBadCertificate = errors.New("bad membership certificate")
)

// Certificate asserts that IssuedTo belongs to Network. It is signed by the
// network's controller.
type Certificate struct {
	Network   NetworkID
	IssuedTo  crypto.Address
	Timestamp time.Time
	MaxDelta  time.Duration
	SignedBy  crypto.Address
	Signature []byte
}

// body returns the signed portion.
func (c *Certificate) body() []byte {
	b := make([]byte, 0, certificateBodySize)
	b = binary.BigEndian.AppendUint64(b, uint64(c.Network))
	issued := c.IssuedTo.Bytes()
	b = append(b, issued[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(c.Timestamp.UnixMilli()))
	b = binary.BigEndian.AppendUint64(b, uint64(c.MaxDelta.Milliseconds()))
	signer := c.SignedBy.Bytes()
	return append(b, signer[:]...)
}

// Sign signs the certificate with the controller identity.
func (c *Certificate) Sign(controller *crypto.Identity) error {
	c.SignedBy = controller.Address()
	sig, err := controller.Sign(c.body())
	if err != nil {
		return fmt.Errorf("sign certificate: %w", err)
	}
	c.Signature = sig[:]
	return nil
}

// Verify checks the signature against signer, who must be the network's controller.
func (c *Certificate) Verify(signer *crypto.Identity) error {
	if c.SignedBy != c.Network.Controller() {
		return fmt.Errorf("%w: signed by %s, controller is %s", ErrBadCertificate, c.SignedBy, c.Network.Controller())
	}
	if signer.Address() != c.SignedBy {
		return fmt.Errorf("%w: signer identity mismatch", ErrBadCertificate)
	}
	if !signer.Verify(c.body(), c.Signature) {
		return fmt.Errorf("%w: signature invalid", ErrBadCertificate)
	}
	return nil
}

// AgreesWith reports whether two certificates for the same network were
// issued close enough in time, using the tighter of the two deltas.
func (c *Certificate) AgreesWith(other *Certificate) bool {
	if other == nil || c.Network != other.Network {
		return false
	}
	delta := c.Timestamp.Sub(other.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	limit := c.MaxDelta
	if other.MaxDelta < limit {
		limit = other.MaxDelta
	}
	return delta <= limit
}

// MarshalBinary returns the wire form.
func (c *Certificate) MarshalBinary() []byte {
	b := c.body()
	b = binary.BigEndian.AppendUint16(b, uint16(len(c.Signature)))
	return append(b, c.Signature...)
}

// ReadCertificate reads a certificate from an untrusted payload.
func ReadCertificate(r *transport.PayloadReader) (*Certificate, error) {
	nwid := NetworkID(r.Uint64())
	issuedTo := r.Address()
	ts := r.Uint64()
	delta := r.Uint64()
	signedBy := r.Address()
	if r.Err() == nil && (ts > math.MaxInt64 || delta > maxDeltaMillis) {
		return nil, fmt.Errorf("%w: timestamp %d or max delta %d out of range", ErrBadCertificate, ts, delta)
	}
	c := &Certificate{
		Network:   nwid,
		IssuedTo:  issuedTo,
		Timestamp: time.UnixMilli(int64(ts)),
		MaxDelta:  time.Duration(delta) * time.Millisecond,
		SignedBy:  signedBy,
	}
	sigLen := int(r.Uint16())
	if r.Err() == nil && sigLen != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrBadCertificate, sigLen)
	}
	sig := r.Bytes(sigLen)
	if err := r.Err(); err != nil {
		return nil, err
	}
	c.Signature = append([]byte(nil), sig...)
	return c, nil
}

// String returns the hex text form used in configuration dictionaries.
func (c *Certificate) String() string {
	return hex.EncodeToString(c.MarshalBinary())
}

// ParseCertificate parses the hex text form.
func ParseCertificate(s string) (*Certificate, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	r := transport.NewPayloadReader(b)
	c, err := ReadCertificate(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadCertificate, r.Remaining())
	}
	return c, nil
}
