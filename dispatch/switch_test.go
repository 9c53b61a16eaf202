package dispatch

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/decoder"
	"github.com/opd-ai/tunnelcore/multicast"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type datagram struct {
	data []byte
	to   netip.AddrPort
}

// memNetwork connects memTransports by address.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[netip.AddrPort]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[netip.AddrPort]*memTransport)}
}

type memTransport struct {
	net     *memNetwork
	addr    netip.AddrPort
	mu      sync.Mutex
	handler transport.ReceiveHandler
	sent    []datagram
}

func (n *memNetwork) attach(addr string) *memTransport {
	t := &memTransport{net: n, addr: netip.MustParseAddrPort(addr)}
	n.mu.Lock()
	n.nodes[t.addr] = t
	n.mu.Unlock()
	return t
}

func (t *memTransport) Send(data []byte, addr netip.AddrPort) error {
	t.mu.Lock()
	t.sent = append(t.sent, datagram{data: append([]byte(nil), data...), to: addr})
	t.mu.Unlock()

	t.net.mu.Lock()
	dst := t.net.nodes[addr]
	t.net.mu.Unlock()
	if dst == nil {
		return nil
	}
	dst.mu.Lock()
	h := dst.handler
	dst.mu.Unlock()
	if h != nil {
		h(append([]byte(nil), data...), 0, t.addr)
	}
	return nil
}

func (t *memTransport) Close() error { return nil }

func (t *memTransport) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(t.addr) }

func (t *memTransport) Interface() transport.LocalInterface { return 0 }

func (t *memTransport) SetHandler(h transport.ReceiveHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *memTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type node struct {
	id    *crypto.Identity
	topo  *topology.Topology
	nets  *network.Table
	tr    *memTransport
	sw    *Switch
	clock *testClock
}

func newNode(t *testing.T, mem *memNetwork, addr string, clock *testClock) *node {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	n := &node{
		id:    id,
		topo:  topology.New(id),
		nets:  network.NewTable(id.Address(), nil),
		tr:    mem.attach(addr),
		clock: clock,
	}
	n.sw = New(n.topo, n.tr, decoder.Environment{
		Networks:  n.nets,
		Multicast: multicast.New(0, 0),
		Clock:     clock,
	}, Config{ReplayCapacity: 1 << 12})
	n.tr.SetHandler(n.sw.OnReceive)
	return n
}

// drain runs queued decodes on the calling goroutine.
func (s *Switch) drain() int {
	n := 0
	for {
		select {
		case j := <-s.work:
			s.decode(j)
			n++
		default:
			return n
		}
	}
}

func frameFrom(t *testing.T, from *crypto.Identity, to *crypto.Identity, nwid network.NetworkID, data []byte) []byte {
	t.Helper()
	key, err := from.Agree(to.PublicOnly())
	require.NoError(t, err)
	p := transport.NewPacket(to.Address(), from.Address(), transport.VerbFrame)
	p.Append(decoder.EncodeFrame(nwid, 0x0800, data)...)
	p.Armor(key, true)
	return p.Bytes()
}

type fixture struct {
	local     *node
	supernode *crypto.Identity
	alice     *crypto.Identity
	nwid      network.NetworkID
	tap       *network.ChanInterface
	clock     *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := newMemNetwork()
	f := &fixture{clock: clock}
	f.local = newNode(t, mem, "10.0.0.1:9993", clock)

	var err error
	f.supernode, err = crypto.GenerateIdentity()
	require.NoError(t, err)
	f.alice, err = crypto.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, f.local.topo.SetSupernodes(0, []topology.Supernode{{
		Identity: f.supernode.PublicOnly(),
		Endpoint: netip.MustParseAddrPort("10.0.0.254:9993"),
	}}))

	f.nwid = network.NetworkID(uint64(f.supernode.Address())<<24 | 1)
	f.tap = network.NewChanInterface(4)
	n := f.local.nets.Join(f.nwid, f.tap)
	require.NoError(t, n.SetConfiguration((&network.Config{Network: f.nwid, Open: true}).Dictionary(), clock.Now()))
	return f
}

func (f *fixture) receiveFrame(t *testing.T, data []byte) {
	t.Helper()
	raw := frameFrom(t, f.alice, f.local.id, f.nwid, data)
	f.local.sw.OnReceive(raw, 0, netip.MustParseAddrPort("10.0.0.2:9993"))
}

func TestSwitch_ResumesOnIdentityResolved(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw

	f.receiveFrame(t, []byte("hello"))
	assert.Equal(t, 1, sw.drain())
	assert.Equal(t, 1, sw.Pending())
	assert.Equal(t, 1, f.local.tr.sentCount(), "one WHOIS to the supernode")

	_, err := f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	sw.IdentityResolved(f.alice.Address())
	assert.Equal(t, 0, sw.Pending())
	assert.Equal(t, 1, sw.drain())

	require.Len(t, f.tap.Frames(), 1)
	assert.Equal(t, []byte("hello"), (<-f.tap.Frames()).Data)
	assert.Equal(t, uint64(1), sw.Stats().Completed)
}

func TestSwitch_WhoisDeduplicated(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw

	f.receiveFrame(t, []byte("one"))
	f.receiveFrame(t, []byte("two"))
	assert.Equal(t, 2, sw.drain())
	assert.Equal(t, 2, sw.Pending())
	assert.Equal(t, 1, f.local.tr.sentCount())

	f.clock.Advance(2 * DefaultWhoisInterval)
	sw.Sweep(f.clock.Now())
	assert.Equal(t, 2, sw.drain())
	assert.Equal(t, 2, sw.Pending(), "still waiting after re-attempt")
	assert.Equal(t, 2, f.local.tr.sentCount(), "WHOIS repeated once per interval")
}

func TestSwitch_ExpiredDecodeNeverResumes(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw

	f.receiveFrame(t, []byte("late"))
	sw.drain()
	require.Equal(t, 1, sw.Pending())

	f.clock.Advance(DefaultDecodeTTL + time.Second)
	assert.Equal(t, 1, sw.Sweep(f.clock.Now()))
	assert.Equal(t, 0, sw.Pending())
	assert.Equal(t, uint64(1), sw.Stats().Expired)

	_, err := f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	sw.IdentityResolved(f.alice.Address())
	assert.Equal(t, 0, sw.drain())
	assert.Empty(t, f.tap.Frames())
}

func TestSwitch_ExpiredDecodeDroppedWhenResolvedBeforeSweep(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw

	f.receiveFrame(t, []byte("late"))
	sw.drain()
	require.Equal(t, 1, sw.Pending())

	f.clock.Advance(DefaultDecodeTTL + time.Second)
	_, err := f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	sw.IdentityResolved(f.alice.Address())
	assert.Equal(t, 1, sw.drain())
	assert.Empty(t, f.tap.Frames())
	assert.Equal(t, 0, sw.Pending())
	assert.Equal(t, uint64(1), sw.Stats().Expired)
	assert.Zero(t, sw.Stats().Completed)
}

func TestSwitch_ParkAfterIdentityArrived(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw
	raw := frameFrom(t, f.alice, f.local.id, f.nwid, []byte("race"))
	d, err := decoder.New(raw, 0, netip.MustParseAddrPort("10.0.0.2:9993"), f.clock.Now())
	require.NoError(t, err)

	res, err := d.TryDecode(sw.env)
	require.NoError(t, err)
	require.Equal(t, decoder.Retry, res.Outcome)

	// The identity lands before the decoder is parked.
	_, err = f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	sw.park(0, d, res.WaitingFor)
	assert.Equal(t, 0, sw.Pending())
	assert.Equal(t, 1, sw.drain())
	assert.Len(t, f.tap.Frames(), 1)
}

func TestSwitch_DiscardsGarbage(t *testing.T) {
	f := newFixture(t)
	sw := f.local.sw
	sw.OnReceive([]byte{1, 2, 3}, 0, netip.MustParseAddrPort("10.0.0.2:9993"))
	assert.Equal(t, 0, sw.drain())

	_, err := f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	raw := frameFrom(t, f.alice, f.local.id, f.nwid, []byte("x"))
	raw[len(raw)-1] ^= 0xff
	sw.OnReceive(raw, 0, netip.MustParseAddrPort("10.0.0.2:9993"))
	assert.Equal(t, 1, sw.drain())
	assert.Equal(t, uint64(2), sw.Stats().Discarded)
}

func TestSwitch_SendErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.local.sw.Send(f.alice.Address(), transport.VerbWhois, decoder.EncodeWhois(1))
	assert.True(t, errors.Is(err, ErrUnknownPeer))

	_, err = f.local.topo.AddPeer(f.alice.PublicOnly())
	require.NoError(t, err)
	_, err = f.local.sw.Send(f.alice.Address(), transport.VerbWhois, decoder.EncodeWhois(1))
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestSwitch_HelloRoundTrip(t *testing.T) {
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := newMemNetwork()
	a := newNode(t, mem, "10.0.0.1:9993", clock)
	b := newNode(t, mem, "10.0.0.2:9993", clock)

	require.NoError(t, a.topo.SetSupernodes(0, []topology.Supernode{{Identity: b.id.PublicOnly(), Endpoint: b.tr.addr}}))
	a.sw.Ping()
	assert.Equal(t, 1, a.sw.requests.Len())

	clock.Advance(20 * time.Millisecond)
	assert.Equal(t, 1, b.sw.drain())
	peerA := b.topo.GetPeer(a.id.Address())
	require.NotNil(t, peerA)
	assert.Equal(t, decoder.LocalVersion, peerA.RemoteVersion())

	assert.Equal(t, 1, a.sw.drain())
	assert.Equal(t, 0, a.sw.requests.Len())
	peerB := a.topo.GetPeer(b.id.Address())
	assert.Equal(t, 20*time.Millisecond, peerB.Latency())
	assert.Equal(t, decoder.LocalVersion, peerB.RemoteVersion())
}

func TestSwitch_WhoisRoundTrip(t *testing.T) {
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := newMemNetwork()
	a := newNode(t, mem, "10.0.0.1:9993", clock)
	sn := newNode(t, mem, "10.0.0.254:9993", clock)
	carol, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	require.NoError(t, a.topo.SetSupernodes(0, []topology.Supernode{{Identity: sn.id.PublicOnly(), Endpoint: sn.tr.addr}}))
	_, err = sn.topo.AddPeer(carol.PublicOnly())
	require.NoError(t, err)
	_, err = sn.topo.AddPeer(a.id.PublicOnly())
	require.NoError(t, err)

	a.sw.RequestIdentity(carol.Address())
	assert.Equal(t, 1, sn.sw.drain())
	assert.Equal(t, 1, a.sw.drain())
	got := a.topo.Identity(carol.Address())
	require.NotNil(t, got)
	assert.True(t, got.Equal(carol))
}
