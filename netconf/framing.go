package netconf

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/tunnelcore/limits"
)

// frameHeaderSize is the 4-byte big-endian length prefix.
const frameHeaderSize = 4

// FrameWriter writes length-prefixed dictionaries to a shared stream. The
// prefix and body of one frame are written under a single lock so frames
// from concurrent writers never interleave.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame serializes d and writes it as one frame.
func (fw *FrameWriter) WriteFrame(d Dictionary) error {
	body := d.String()
	if len(body) > limits.MaxFrameSize {
		return fmt.Errorf("write frame: %w", limits.ErrMessageTooLarge)
	}
	if err := limits.ValidateFrameLength(uint32(len(body))); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. It returns io.EOF only when the stream
// ends cleanly between frames. A body that does not parse yields an error
// wrapping ErrMalformedDictionary; the stream stays aligned on the next frame.
func ReadFrame(r io.Reader) (Dictionary, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := limits.ValidateFrameLength(n); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return ParseDictionary(string(body))
}
