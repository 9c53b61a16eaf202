package decoder

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// Outcome is the non-error result of a decode attempt.
type Outcome int

const (
	// Complete means processing finished, whether the packet was accepted or
	// rejected. The decoder must not be called again.
	Complete Outcome = iota + 1

	// Retry means the decode is waiting for an identity named in WaitingFor.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "Complete"
	case Retry:
		return "Retry"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result reports the outcome of TryDecode.
type Result struct {
	Outcome    Outcome
	WaitingFor crypto.Address
}

var completed = Result{Outcome: Complete}

func retry(addr crypto.Address) Result {
	return Result{Outcome: Retry, WaitingFor: addr}
}

// State records which lookup a suspended decode is waiting for.
type State int

const (
	AwaitingSenderIdentity State = iota
	AwaitingMulticastOriginalSenderIdentity
	AwaitingCertificateSignerIdentity
	Finished
)

func (s State) String() string {
	switch s {
	case AwaitingSenderIdentity:
		return "AwaitingSenderIdentity"
	case AwaitingMulticastOriginalSenderIdentity:
		return "AwaitingMulticastOriginalSenderIdentity"
	case AwaitingCertificateSignerIdentity:
		return "AwaitingCertificateSignerIdentity"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PacketDecoder is a received packet plus its decode progress. A decoder is
// single-writer: callers must not overlap TryDecode calls on one instance.
type PacketDecoder struct {
	packet   *transport.Packet
	local    transport.LocalInterface
	remote   netip.AddrPort
	received time.Time
	state    State

	// Set once the packet has been authenticated and unwrapped.
	unwrapped bool
	peer      *topology.Peer
	verb      transport.Verb
	payload   []byte
}

// New parses the header of raw and creates a decoder in AwaitingSenderIdentity.
func New(raw []byte, local transport.LocalInterface, remote netip.AddrPort, now time.Time) (*PacketDecoder, error) {
	p, err := transport.ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	return &PacketDecoder{
		packet:   p,
		local:    local,
		remote:   remote,
		received: now,
		state:    AwaitingSenderIdentity,
	}, nil
}

// ReceiveTime returns the time the packet arrived.
func (d *PacketDecoder) ReceiveTime() time.Time { return d.received }

// State returns the current decode state.
func (d *PacketDecoder) State() State { return d.state }

// Source returns the claimed, unauthenticated source address.
func (d *PacketDecoder) Source() crypto.Address { return d.packet.Source() }

// PacketID returns the packet id.
func (d *PacketDecoder) PacketID() uint64 { return d.packet.PacketID() }

// Remote returns the transport address the packet came from.
func (d *PacketDecoder) Remote() netip.AddrPort { return d.remote }

// TryDecode advances the decode. It returns Retry when an identity must be
// fetched first, Complete when processing is over, or an error when the
// packet is to be discarded. After Complete or an error every further call
// fails with ErrDecodeFinished.
func (d *PacketDecoder) TryDecode(env *Environment) (Result, error) {
	if d.state == Finished {
		return Result{}, ErrDecodeFinished
	}
	res, err := d.tryDecode(env)
	if err != nil {
		d.state = Finished
		verb := transport.Verb(0)
		if d.unwrapped {
			verb = d.verb
		}
		return Result{}, &DecodeError{Verb: verb, Source: d.packet.Source(), Err: err}
	}
	if res.Outcome == Complete {
		d.state = Finished
	}
	return res, nil
}

func (d *PacketDecoder) tryDecode(env *Environment) (Result, error) {
	if !d.unwrapped {
		if d.packet.Destination() != env.Self.Address() {
			logrus.WithFields(logrus.Fields{
				"function":    "TryDecode",
				"destination": d.packet.Destination().String(),
				"source":      d.packet.Source().String(),
			}).Debug("Dropping packet not addressed to this node")
			return completed, nil
		}
		if d.packet.Source() == env.Self.Address() {
			return completed, nil
		}
		if !d.packet.Encrypted() && d.packet.Verb() == transport.VerbHello {
			return d.decodeHello(env)
		}
		res, done, err := d.unwrap(env)
		if err != nil || done {
			return res, err
		}
	}

	h, ok := handlers[d.verb]
	if !ok {
		return Result{}, fmt.Errorf("%w %s", ErrUnknownVerb, d.verb)
	}
	return h(env, d, d.peer)
}

// unwrap looks up the sender, authenticates and decrypts. done is true when
// the decode cannot proceed to a verb handler yet or at all.
func (d *PacketDecoder) unwrap(env *Environment) (res Result, done bool, err error) {
	source := d.packet.Source()
	peer := env.Peers.GetPeer(source)
	if peer == nil {
		d.state = AwaitingSenderIdentity
		env.Resolver.RequestIdentity(source)
		logrus.WithFields(logrus.Fields{
			"function": "TryDecode",
			"source":   source.String(),
		}).Debug("Sender unknown, waiting for identity")
		return retry(source), true, nil
	}

	key := peer.Key()
	if !d.packet.Authenticate(key) {
		logrus.WithFields(logrus.Fields{
			"function": "TryDecode",
			"source":   source.String(),
			"remote":   d.remote.String(),
		}).Warn("Packet from known peer failed authentication")
		return Result{}, true, transport.ErrAuthenticationFailure
	}
	if !d.packet.Encrypted() {
		return Result{}, true, protocolError("unencrypted packet")
	}
	if env.Replay != nil && env.Replay.CheckAndAdd(source, d.packet.PacketID()) {
		logrus.WithFields(logrus.Fields{
			"function":  "TryDecode",
			"source":    source.String(),
			"packet_id": d.packet.PacketID(),
		}).Debug("Dropping replayed packet")
		return completed, true, nil
	}
	if err := d.packet.DecryptAndDecompress(key); err != nil {
		return Result{}, true, malformed(err)
	}
	if d.packet.Verb() == transport.VerbHello {
		return Result{}, true, protocolError("encrypted HELLO")
	}

	peer.ReceivedPacket(d.local, d.remote, d.received)
	d.peer = peer
	d.verb = d.packet.Verb()
	d.payload = d.packet.Payload()
	d.unwrapped = true
	return Result{}, false, nil
}

// reply sends an encrypted reply to the sender and logs send failures.
func (d *PacketDecoder) reply(env *Environment, peer *topology.Peer, verb transport.Verb, payload []byte) {
	if _, err := env.Sender.Send(peer.Address(), verb, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reply",
			"peer":     peer.Address().String(),
			"verb":     verb.String(),
			"error":    err.Error(),
		}).Debug("Failed to send reply")
	}
}

func (d *PacketDecoder) replyError(env *Environment, peer *topology.Peer, code transport.ErrorCode, data ...[]byte) {
	d.reply(env, peer, transport.VerbError, EncodeError(d.verb, d.packet.PacketID(), code, data...))
}
