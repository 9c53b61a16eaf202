package netconf

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeAuthority connects a Client to a Service over in-memory pipes.
func pipeAuthority(t *testing.T, svc *Service) (*Client, <-chan error) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		svc.Serve(context.Background(), reqR, respW)
		respW.Close()
	}()

	c := NewClient(respR, reqW, reqW)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return c, done
}

func TestClient_RequestResponseCorrelation(t *testing.T) {
	id := newIdentity(t)
	store := NewMemoryStore()
	store.AddNetwork(NetworkRecord{ID: testNetwork, Open: true})
	c, done := pipeAuthority(t, NewService(store, ServiceConfig{Now: fixedNow}))

	got := make(chan *Response, 2)
	known, err := c.Request(&Request{Peer: id, NetworkID: testNetwork}, func(r *Response) { got <- r })
	require.NoError(t, err)
	assert.Len(t, known, 36)
	unknown, err := c.Request(&Request{Peer: id, NetworkID: 0x42, Meta: Dictionary{"v": "1"}}, func(r *Response) { got <- r })
	require.NoError(t, err)

	byID := map[string]*Response{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			byID[r.RequestID] = r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}
	assert.Equal(t, "1", byID[known].Config.Get("isOpen"))
	assert.Equal(t, ErrorNotFound, byID[unknown].Error)
	assert.Zero(t, c.Pending())

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}

	_, err = c.Request(&Request{Peer: id, NetworkID: testNetwork}, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_ExpireDropsStaleRequests(t *testing.T) {
	id := newIdentity(t)
	c := NewClient(eofReader{}, io.Discard, nil)
	_, err := c.Request(&Request{Peer: id, NetworkID: testNetwork, RequestID: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Expire(time.Now(), time.Minute))
	assert.Equal(t, 1, c.Expire(time.Now().Add(2*time.Minute), time.Minute))
	assert.Zero(t, c.Pending())
}

func TestRequest_DictionaryRoundTrip(t *testing.T) {
	id := newIdentity(t)
	req := &Request{Peer: id, NetworkID: testNetwork, RequestID: "9", Meta: Dictionary{"majv": "1"}}
	parsed, err := ParseRequest(req.Dictionary())
	require.NoError(t, err)
	assert.True(t, parsed.Peer.Equal(id))
	assert.Equal(t, testNetwork, parsed.NetworkID)
	assert.Equal(t, "9", parsed.RequestID)
	assert.Equal(t, "1", parsed.Meta.Get("majv"))
	assert.Equal(t, "8056c2e21c000001", req.Dictionary().Get(FieldNetworkID))
}

func TestParseResponse_RequiresPayload(t *testing.T) {
	_, err := ParseResponse(Dictionary{FieldType: TypeResponse, FieldRequestID: "1"})
	assert.ErrorIs(t, err, ErrBadMessage)
	_, err = ParseResponse(Dictionary{FieldType: TypeRequest})
	assert.ErrorIs(t, err, ErrBadMessage)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestClient_RunSkipsUnparseableFrame(t *testing.T) {
	id := newIdentity(t)
	var in bytes.Buffer
	writeRawFrame(t, &in, "no separator here\n")
	ok := &Response{Peer: id.Address(), NetworkID: FormatNetworkID(testNetwork), RequestID: "r1", Config: Dictionary{"isOpen": "1"}}
	require.NoError(t, NewFrameWriter(&in).WriteFrame(ok.Dictionary()))

	c := NewClient(&in, io.Discard, nil)
	var got *Response
	_, err := c.Request(&Request{Peer: id, NetworkID: testNetwork, RequestID: "r1"}, func(r *Response) { got = r })
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background()))
	require.NotNil(t, got)
	assert.Equal(t, "1", got.Config.Get("isOpen"))
	assert.Zero(t, c.Pending())
}
