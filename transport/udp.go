package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/limits"
)

// UDPTransport implements datagram communication over a UDP socket.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn    *net.UDPConn
	iface   LocalInterface
	handler ReceiveHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUDPTransport creates a UDP listener and starts its receive loop.
func NewUDPTransport(listenAddr string, iface LocalInterface) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:   conn,
		iface:  iface,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function":  "NewUDPTransport",
		"local":     conn.LocalAddr().String(),
		"interface": iface,
	}).Info("UDP transport listening")

	return t, nil
}

// SetHandler registers the receive callback.
func (t *UDPTransport) SetHandler(handler ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// Send sends raw bytes to addr.
func (t *UDPTransport) Send(data []byte, addr netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// Close shuts down the transport and waits for the receive loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Interface returns the identifier stamped on received packets.
func (t *UDPTransport) Interface() LocalInterface {
	return t.iface
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxPacketSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads a single datagram and hands it to the handler.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}
	if n > limits.MaxPacketSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"remote":   addr.String(),
		}).Debug("Dropping oversized datagram")
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler != nil {
		handler(buffer[:n], t.iface, addr)
	}
}

// handleReadError logs read errors other than deadline expiry and shutdown.
func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}
