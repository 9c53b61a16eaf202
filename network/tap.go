package network

import (
	"errors"
	"sync"
)

// Frame is an Ethernet frame delivered to or emitted by a virtual interface.
type Frame struct {
	From      MAC
	To        MAC
	EtherType uint16
	Data      []byte
}

// VirtualInterface is the local end of a network. Implementations must not
// block the caller for long.
type VirtualInterface interface {
	Put(frame Frame) error
}

// ErrInterfaceFull is returned when a ChanInterface cannot accept a frame.
var ErrInterfaceFull = errors.New("virtual interface queue full")

// ChanInterface delivers frames to a buffered channel. Frames are dropped
// rather than blocking the decoder when the reader falls behind.
type ChanInterface struct {
	frames chan Frame
	once   sync.Once
}

// NewChanInterface creates an interface with the given queue depth.
func NewChanInterface(depth int) *ChanInterface {
	return &ChanInterface{frames: make(chan Frame, depth)}
}

// Put queues a copy of frame.
func (c *ChanInterface) Put(frame Frame) error {
	frame.Data = append([]byte(nil), frame.Data...)
	select {
	case c.frames <- frame:
		return nil
	default:
		return ErrInterfaceFull
	}
}

// Frames returns the receive side of the queue.
func (c *ChanInterface) Frames() <-chan Frame {
	return c.frames
}

// Close closes the queue. Put must not be called afterwards.
func (c *ChanInterface) Close() {
	c.once.Do(func() { close(c.frames) })
}
