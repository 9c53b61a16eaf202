package netconf

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/opd-ai/tunnelcore/crypto"
)

// Message types and fields of the authority protocol.
const (
	TypeRequest  = "netconf-request"
	TypeResponse = "netconf-response"

	FieldType      = "type"
	FieldPeerID    = "peerId"
	FieldNetworkID = "nwid"
	FieldRequestID = "requestId"
	FieldMeta      = "meta"
	FieldPeer      = "peer"
	FieldNetconf   = "netconf"
	FieldError     = "error"

	// ErrorNotFound is the response error for an unknown network.
	ErrorNotFound = "NOT_FOUND"
)

// ErrBadMessage indicates a dictionary that is not a valid protocol message.
var ErrBadMessage = errors.New("bad netconf message")

// FormatNetworkID renders a network id as 16 hex digits.
func FormatNetworkID(nwid uint64) string {
	return fmt.Sprintf("%016x", nwid)
}

// Request asks the authority for a member's network configuration.
type Request struct {
	Peer      *crypto.Identity
	NetworkID uint64
	RequestID string
	Meta      Dictionary
}

// Dictionary renders the request in wire form.
func (r *Request) Dictionary() Dictionary {
	d := Dictionary{
		FieldType:      TypeRequest,
		FieldPeerID:    r.Peer.Serialize(false),
		FieldNetworkID: FormatNetworkID(r.NetworkID),
		FieldRequestID: r.RequestID,
	}
	if len(r.Meta) > 0 {
		d[FieldMeta] = r.Meta.String()
	}
	return d
}

// ParseRequest decodes a request. The peer identity is parsed but not validated.
func ParseRequest(d Dictionary) (*Request, error) {
	if d.Get(FieldType) != TypeRequest {
		return nil, fmt.Errorf("%w: type %q", ErrBadMessage, d.Get(FieldType))
	}
	id, err := crypto.ParseIdentity(d.Get(FieldPeerID))
	if err != nil {
		return nil, fmt.Errorf("%w: peerId: %v", ErrBadMessage, err)
	}
	nwid, err := strconv.ParseUint(d.Get(FieldNetworkID), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: nwid: %v", ErrBadMessage, err)
	}
	r := &Request{Peer: id, NetworkID: nwid, RequestID: d.Get(FieldRequestID)}
	if d.Contains(FieldMeta) {
		if r.Meta, err = d.GetDictionary(FieldMeta); err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrBadMessage, err)
		}
	}
	return r, nil
}

// Response carries either a configuration or an error.
type Response struct {
	Peer      crypto.Address
	NetworkID string
	RequestID string
	Config    Dictionary
	Error     string
}

// Dictionary renders the response in wire form.
func (r *Response) Dictionary() Dictionary {
	d := Dictionary{
		FieldType:      TypeResponse,
		FieldPeer:      r.Peer.String(),
		FieldNetworkID: r.NetworkID,
		FieldRequestID: r.RequestID,
	}
	if r.Error != "" {
		d[FieldError] = r.Error
	} else {
		d[FieldNetconf] = r.Config.String()
	}
	return d
}

// ParseResponse decodes a response.
func ParseResponse(d Dictionary) (*Response, error) {
	if d.Get(FieldType) != TypeResponse {
		return nil, fmt.Errorf("%w: type %q", ErrBadMessage, d.Get(FieldType))
	}
	r := &Response{
		NetworkID: d.Get(FieldNetworkID),
		RequestID: d.Get(FieldRequestID),
		Error:     d.Get(FieldError),
	}
	if d.Contains(FieldPeer) {
		a, err := crypto.ParseAddress(d.Get(FieldPeer))
		if err != nil {
			return nil, fmt.Errorf("%w: peer: %v", ErrBadMessage, err)
		}
		r.Peer = a
	}
	if r.Error == "" {
		if !d.Contains(FieldNetconf) {
			return nil, fmt.Errorf("%w: neither netconf nor error", ErrBadMessage)
		}
		c, err := d.GetDictionary(FieldNetconf)
		if err != nil {
			return nil, fmt.Errorf("%w: netconf: %v", ErrBadMessage, err)
		}
		r.Config = c
	}
	return r, nil
}
