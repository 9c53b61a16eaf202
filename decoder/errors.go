package decoder

import (
	"errors"
	"fmt"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/transport"
)

var (
	// ErrProtocolError indicates a well-formed packet that is semantically
	// invalid for its verb. The packet is discarded.
	ErrProtocolError = errors.New("protocol error")

	// ErrUnknownVerb indicates a verb this node does not implement.
	ErrUnknownVerb = fmt.Errorf("%w: unknown verb", ErrProtocolError)

	// ErrDecodeFinished is returned when TryDecode is called on a decoder
	// that already completed or failed.
	ErrDecodeFinished = errors.New("decode already finished")
)

// DecodeError is returned by TryDecode for every discarded packet.
type DecodeError struct {
	Verb   transport.Verb
	Source crypto.Address
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Verb == 0 {
		return fmt.Sprintf("decode packet from %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("decode %s from %s: %v", e.Verb, e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolError, fmt.Sprintf(format, args...))
}

func malformed(err error) error {
	if errors.Is(err, transport.ErrMalformedPacket) {
		return err
	}
	return fmt.Errorf("%w: %v", transport.ErrMalformedPacket, err)
}
