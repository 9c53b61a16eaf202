package netconf

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/crypto"
)

const testNetwork = uint64(0x8056c2e21c000001)

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func requestFor(id *crypto.Identity, nwid, requestID string) Dictionary {
	return Dictionary{
		FieldType:      TypeRequest,
		FieldPeerID:    id.Serialize(false),
		FieldNetworkID: nwid,
		FieldRequestID: requestID,
	}
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestService_UnknownNetworkNotFound(t *testing.T) {
	id := newIdentity(t)
	svc := NewService(NewMemoryStore(), ServiceConfig{Now: fixedNow})

	resp, ok := svc.Handle(context.Background(), requestFor(id, "8056c2e21c000001", "1"))
	require.True(t, ok)

	want := Dictionary{
		"type":      "netconf-response",
		"error":     "NOT_FOUND",
		"requestId": "1",
		"nwid":      "8056c2e21c000001",
		"peer":      id.Address().String(),
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestService_RecordsNodeAndLastSeen(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	svc := NewService(store, ServiceConfig{Now: fixedNow})

	_, ok := svc.Handle(context.Background(), requestFor(id, "8056c2e21c000001", "1"))
	require.True(t, ok)

	stored, err := store.NodeIdentity(context.Background(), id.Address())
	require.NoError(t, err)
	assert.Equal(t, id.Serialize(false), stored)
	seen, ok := store.LastSeen(id.Address())
	require.True(t, ok)
	assert.Equal(t, fixedNow(), seen)
}

func TestService_IdentityCollisionGetsNoResponse(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	require.NoError(t, store.InsertNode(context.Background(), id.Address(), "someone-else", fixedNow()))
	svc := NewService(store, ServiceConfig{Now: fixedNow})

	_, ok := svc.Handle(context.Background(), requestFor(id, "8056c2e21c000001", "1"))
	assert.False(t, ok)
}

func TestService_InvalidIdentityGetsNoResponse(t *testing.T) {
	id := newIdentity(t)
	other := newIdentity(t)
	forged := other.Address().String() + strings.TrimPrefix(id.Serialize(false), id.Address().String())

	svc := NewService(NewMemoryStore(), ServiceConfig{Now: fixedNow})
	d := requestFor(id, "8056c2e21c000001", "1")
	d[FieldPeerID] = forged
	_, ok := svc.Handle(context.Background(), d)
	assert.False(t, ok)
}

func TestService_MalformedRequestsGetNoResponse(t *testing.T) {
	id := newIdentity(t)
	svc := NewService(NewMemoryStore(), ServiceConfig{Now: fixedNow})

	for name, d := range map[string]Dictionary{
		"wrong type": {FieldType: "hello"},
		"bad peer":   {FieldType: TypeRequest, FieldPeerID: "nope", FieldNetworkID: "01", FieldRequestID: "1"},
		"bad nwid":   requestFor(id, "zz", "1"),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := svc.Handle(context.Background(), d)
			assert.False(t, ok)
		})
	}
}

func TestService_OpenNetworkAutoAssigns(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork, Name: "lab", Open: true})
	pool := netip.MustParsePrefix("10.147.0.0/16")
	store.AddAutoAssignPool(testNetwork, pool)
	svc := NewService(store, ServiceConfig{Now: fixedNow})

	d, ok := svc.Handle(context.Background(), requestFor(id, "8056c2e21c000001", "7"))
	require.True(t, ok)
	resp, err := ParseResponse(d)
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "7", resp.RequestID)
	assert.Equal(t, id.Address(), resp.Peer)

	assert.Equal(t, "1", resp.Config.Get("isOpen"))
	assert.Equal(t, "lab", resp.Config.Get("name"))
	assert.Equal(t, "8056c2e21c000001", resp.Config.Get("nwid"))
	assert.Equal(t, id.Address().String(), resp.Config.Get("peer"))

	assigned, err := netip.ParsePrefix(resp.Config.Get("ipv4Static"))
	require.NoError(t, err)
	assert.True(t, pool.Contains(assigned.Addr()))
	assert.Equal(t, 16, assigned.Bits())

	// A second request returns the stored assignment.
	d, ok = svc.Handle(context.Background(), requestFor(id, "8056c2e21c000001", "8"))
	require.True(t, ok)
	resp, err = ParseResponse(d)
	require.NoError(t, err)
	assert.Equal(t, assigned.String(), resp.Config.Get("ipv4Static"))
}

func TestService_StaticAssignmentsListed(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork})
	ctx := context.Background()
	require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, id.Address(), netip.MustParsePrefix("10.0.0.9/24")))
	require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, id.Address(), netip.MustParsePrefix("10.0.0.2/24")))
	svc := NewService(store, ServiceConfig{Now: fixedNow})

	d, ok := svc.Handle(ctx, requestFor(id, "8056c2e21c000001", "1"))
	require.True(t, ok)
	resp, err := ParseResponse(d)
	require.NoError(t, err)
	assert.Equal(t, "0", resp.Config.Get("isOpen"))
	assert.Equal(t, "10.0.0.2/24,10.0.0.9/24", resp.Config.Get("ipv4Static"))
}

func TestService_ExhaustedPoolStillAnswers(t *testing.T) {
	id := newIdentity(t)
	filler := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork, Open: true})
	pool := netip.MustParsePrefix("192.168.7.0/30")
	store.AddAutoAssignPool(testNetwork, pool)
	ctx := context.Background()
	for _, ip := range []string{"192.168.7.0", "192.168.7.1", "192.168.7.2", "192.168.7.3"} {
		require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, filler.Address(), netip.PrefixFrom(netip.MustParseAddr(ip), 30)))
	}
	svc := NewService(store, ServiceConfig{Now: fixedNow})

	d, ok := svc.Handle(ctx, requestFor(id, "8056c2e21c000001", "1"))
	require.True(t, ok)
	resp, err := ParseResponse(d)
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.False(t, resp.Config.Contains("ipv4Static"))
}

func TestService_ServeAnswersEachFrame(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork, Open: true})
	svc := NewService(store, ServiceConfig{Now: fixedNow, Workers: 2})

	var in, out bytes.Buffer
	fw := NewFrameWriter(&in)
	require.NoError(t, fw.WriteFrame(requestFor(id, "8056c2e21c000001", "a")))
	require.NoError(t, fw.WriteFrame(Dictionary{FieldType: "noise"}))
	require.NoError(t, fw.WriteFrame(requestFor(id, "0000000000000042", "b")))

	require.NoError(t, svc.Serve(context.Background(), &in, &out))

	got := map[string]*Response{}
	for {
		d, err := ReadFrame(&out)
		if err != nil {
			break
		}
		resp, err := ParseResponse(d)
		require.NoError(t, err)
		got[resp.RequestID] = resp
	}
	require.Len(t, got, 2)
	assert.Empty(t, got["a"].Error)
	assert.Equal(t, ErrorNotFound, got["b"].Error)
	assert.Equal(t, "0000000000000042", got["b"].NetworkID)
}

// writeRawFrame writes body behind a length prefix without validating it.
func writeRawFrame(t *testing.T, w *bytes.Buffer, body string) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	w.Write(hdr[:])
	w.WriteString(body)
}

func TestService_ServeSkipsUnparseableFrame(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork, Open: true})
	svc := NewService(store, ServiceConfig{Now: fixedNow, Workers: 1})

	var in, out bytes.Buffer
	writeRawFrame(t, &in, "garbage-without-separator\n")
	writeRawFrame(t, &in, "type=bad\\xescape\n")
	require.NoError(t, NewFrameWriter(&in).WriteFrame(requestFor(id, "8056c2e21c000001", "after")))

	require.NoError(t, svc.Serve(context.Background(), &in, &out))

	d, err := ReadFrame(&out)
	require.NoError(t, err)
	resp, err := ParseResponse(d)
	require.NoError(t, err)
	assert.Equal(t, "after", resp.RequestID)
	assert.Empty(t, resp.Error)
}
