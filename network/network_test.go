package network

import (
	"encoding/binary"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/transport"
)

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func networkOf(controller *crypto.Identity, low uint32) NetworkID {
	return NetworkID(uint64(controller.Address())<<24 | uint64(low&0xffffff))
}

func issue(t *testing.T, controller *crypto.Identity, nwid NetworkID, to crypto.Address, ts time.Time) *Certificate {
	t.Helper()
	c := &Certificate{
		Network:   nwid,
		IssuedTo:  to,
		Timestamp: ts,
		MaxDelta:  time.Hour,
	}
	require.NoError(t, c.Sign(controller))
	return c
}

func TestNetworkID(t *testing.T) {
	id, err := ParseNetworkID("8056c2e21c000001")
	require.NoError(t, err)
	assert.Equal(t, "8056c2e21c000001", id.String())
	assert.Equal(t, crypto.Address(0x8056c2e21c), id.Controller())

	_, err = ParseNetworkID("8056c2e21c")
	assert.ErrorIs(t, err, ErrInvalidNetworkID)
	_, err = ParseNetworkID("zz56c2e21c000001")
	assert.ErrorIs(t, err, ErrInvalidNetworkID)
}

func TestMACFromAddress(t *testing.T) {
	m := MACFromAddress(crypto.Address(0x0102030405))
	assert.Equal(t, "32:01:02:03:04:05", m.String())
	assert.False(t, m.IsMulticast())
	assert.True(t, BroadcastMAC.IsMulticast())

	a, ok := m.Address()
	require.True(t, ok)
	assert.Equal(t, crypto.Address(0x0102030405), a)

	_, ok = BroadcastMAC.Address()
	assert.False(t, ok)
}

func TestCertificate_SignVerify(t *testing.T) {
	controller := newIdentity(t)
	member := newIdentity(t)
	nwid := networkOf(controller, 1)

	c := issue(t, controller, nwid, member.Address(), time.UnixMilli(1_700_000_000_000))
	require.NoError(t, c.Verify(controller.PublicOnly()))

	parsed, err := ParseCertificate(c.String())
	require.NoError(t, err)
	assert.Equal(t, c.MarshalBinary(), parsed.MarshalBinary())
	require.NoError(t, parsed.Verify(controller.PublicOnly()))

	parsed.IssuedTo = controller.Address()
	assert.ErrorIs(t, parsed.Verify(controller.PublicOnly()), ErrBadCertificate)
}

func TestReadCertificate_RejectsOverflowingDelta(t *testing.T) {
	controller := newIdentity(t)
	nwid := networkOf(controller, 1)
	c := issue(t, controller, nwid, controller.Address(), time.UnixMilli(1_700_000_000_000))
	raw := c.MarshalBinary()

	// maxDelta sits after nwid(8) issuedTo(5) timestamp(8).
	off := 8 + crypto.AddressSize + 8
	binary.BigEndian.PutUint64(raw[off:], math.MaxUint64)
	_, err := ReadCertificate(transport.NewPayloadReader(raw))
	assert.ErrorIs(t, err, ErrBadCertificate)

	binary.BigEndian.PutUint64(raw[off:], uint64(math.MaxInt64/int64(time.Millisecond))+1)
	_, err = ReadCertificate(transport.NewPayloadReader(raw))
	assert.ErrorIs(t, err, ErrBadCertificate)

	binary.BigEndian.PutUint64(raw[off:], uint64(time.Hour/time.Millisecond))
	parsed, err := ReadCertificate(transport.NewPayloadReader(raw))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, parsed.MaxDelta)
}

func TestCertificate_WrongSigner(t *testing.T) {
	controller := newIdentity(t)
	impostor := newIdentity(t)
	nwid := networkOf(controller, 1)

	c := issue(t, impostor, nwid, impostor.Address(), time.Now())
	assert.ErrorIs(t, c.Verify(impostor.PublicOnly()), ErrBadCertificate)
}

func TestCertificate_AgreesWith(t *testing.T) {
	controller := newIdentity(t)
	nwid := networkOf(controller, 7)
	base := time.UnixMilli(1_700_000_000_000)

	a := &Certificate{Network: nwid, Timestamp: base, MaxDelta: time.Minute}
	b := &Certificate{Network: nwid, Timestamp: base.Add(30 * time.Second), MaxDelta: time.Hour}
	c := &Certificate{Network: nwid, Timestamp: base.Add(2 * time.Minute), MaxDelta: time.Hour}
	other := &Certificate{Network: nwid + 1, Timestamp: base, MaxDelta: time.Hour}

	assert.True(t, a.AgreesWith(b))
	assert.True(t, b.AgreesWith(a))
	assert.False(t, a.AgreesWith(c))
	assert.False(t, a.AgreesWith(other))
	assert.False(t, a.AgreesWith(nil))
}

func TestParseConfig(t *testing.T) {
	controller := newIdentity(t)
	member := newIdentity(t)
	bridge := newIdentity(t)
	nwid := networkOf(controller, 2)

	cfg := &Config{
		Network:       nwid,
		IssuedTo:      member.Address(),
		Name:          "lab",
		IPv4Static:    []netip.Prefix{netip.MustParsePrefix("10.1.2.3/24")},
		ActiveBridges: []crypto.Address{bridge.Address()},
		Certificate:   issue(t, controller, nwid, member.Address(), time.UnixMilli(1_700_000_000_000)),
	}
	parsed, err := ParseConfig(cfg.Dictionary())
	require.NoError(t, err)
	assert.Equal(t, cfg.Network, parsed.Network)
	assert.Equal(t, cfg.IssuedTo, parsed.IssuedTo)
	assert.Equal(t, cfg.Name, parsed.Name)
	assert.False(t, parsed.Open)
	assert.Equal(t, cfg.IPv4Static, parsed.IPv4Static)
	assert.Equal(t, cfg.ActiveBridges, parsed.ActiveBridges)
	assert.Equal(t, cfg.Certificate.MarshalBinary(), parsed.Certificate.MarshalBinary())
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		dict netconf.Dictionary
	}{
		{"missing nwid", netconf.Dictionary{"isOpen": "1"}},
		{"private without certificate", netconf.Dictionary{"nwid": "8056c2e21c000001", "isOpen": "0"}},
		{"bad ipv4", netconf.Dictionary{"nwid": "8056c2e21c000001", "isOpen": "1", "ipv4Static": "10.0.0.300/8"}},
		{"ipv6 in ipv4 list", netconf.Dictionary{"nwid": "8056c2e21c000001", "isOpen": "1", "ipv4Static": "fd00::1/64"}},
		{"bad bridge", netconf.Dictionary{"nwid": "8056c2e21c000001", "isOpen": "1", "activeBridges": "xyz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.dict)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNetwork_IsAllowed(t *testing.T) {
	controller := newIdentity(t)
	self := newIdentity(t)
	peer := newIdentity(t)
	stranger := newIdentity(t)
	nwid := networkOf(controller, 3)
	now := time.UnixMilli(1_700_000_000_000)

	var requested []NetworkID
	table := NewTable(self.Address(), func(id NetworkID) error {
		requested = append(requested, id)
		return nil
	})
	n := table.Join(nwid, nil)
	assert.Equal(t, []NetworkID{nwid}, requested)
	assert.Equal(t, StatusRequesting, n.Status())
	assert.False(t, n.IsAllowed(peer.Address()), "nothing is allowed before configuration")

	cfg := &Config{
		Network:     nwid,
		IssuedTo:    self.Address(),
		Certificate: issue(t, controller, nwid, self.Address(), now),
	}
	require.NoError(t, n.SetConfiguration(cfg.Dictionary(), now))
	assert.Equal(t, StatusOK, n.Status())
	assert.Equal(t, now, n.ConfiguredAt())
	assert.False(t, n.IsAllowed(peer.Address()))
	assert.True(t, n.IsAllowed(controller.Address()))

	require.NoError(t, n.AddMembershipCertificate(issue(t, controller, nwid, peer.Address(), now.Add(time.Minute))))
	require.NoError(t, n.AddMembershipCertificate(issue(t, controller, nwid, stranger.Address(), now.Add(2*time.Hour))))
	assert.True(t, n.IsAllowed(peer.Address()))
	assert.False(t, n.IsAllowed(stranger.Address()), "certificate too far apart")
}

func TestNetwork_SetConfigurationRejectsForeign(t *testing.T) {
	controller := newIdentity(t)
	self := newIdentity(t)
	other := newIdentity(t)
	nwid := networkOf(controller, 4)

	n := NewTable(self.Address(), nil).Join(nwid, nil)
	err := n.SetConfiguration((&Config{Network: nwid, IssuedTo: other.Address(), Open: true}).Dictionary(), time.Now())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	err = n.SetConfiguration((&Config{Network: nwid + 1, Open: true}).Dictionary(), time.Now())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, StatusRequesting, n.Status())

	n.SetNotFound()
	assert.Equal(t, StatusNotFound, n.Status())
}

func TestNetwork_SubscriptionsAndDelivery(t *testing.T) {
	self := newIdentity(t)
	tap := NewChanInterface(1)
	n := NewTable(self.Address(), nil).Join(NetworkID(0x1122334455000001), tap)

	assert.True(t, n.IsSubscribed(BroadcastGroup))
	g := MulticastGroup{MAC: MAC{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, ADI: 7}
	assert.False(t, n.IsSubscribed(g))
	n.Subscribe(g)
	assert.True(t, n.IsSubscribed(g))
	assert.Len(t, n.Subscriptions(), 2)
	n.Unsubscribe(g)
	n.Unsubscribe(BroadcastGroup)
	assert.False(t, n.IsSubscribed(g))
	assert.True(t, n.IsSubscribed(BroadcastGroup))

	data := []byte{1, 2, 3}
	require.NoError(t, n.Deliver(Frame{To: n.MAC(), EtherType: 0x0800, Data: data}))
	data[0] = 9
	assert.ErrorIs(t, n.Deliver(Frame{}), ErrInterfaceFull)

	got := <-tap.Frames()
	assert.Equal(t, []byte{1, 2, 3}, got.Data)
	assert.Equal(t, uint16(0x0800), got.EtherType)

	bare := NewTable(self.Address(), nil).Join(NetworkID(0x1122334455000002), nil)
	assert.ErrorIs(t, bare.Deliver(Frame{}), ErrNoInterface)
}

func TestTable_JoinLeave(t *testing.T) {
	self := newIdentity(t)
	table := NewTable(self.Address(), nil)
	a := table.Join(NetworkID(1<<24|1), nil)
	assert.Same(t, a, table.Join(NetworkID(1<<24|1), nil))

	got, ok := table.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, table.Networks(), 1)

	assert.True(t, table.Leave(a.ID()))
	assert.False(t, table.Leave(a.ID()))
	_, ok = table.Get(a.ID())
	assert.False(t, ok)
}
