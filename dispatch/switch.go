package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/decoder"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultDecodeTTL     = 10 * time.Second
	DefaultSweepInterval = time.Second
	DefaultWhoisInterval = time.Second
	DefaultWhoisRate     = 50.0
	DefaultWorkers       = 4
	DefaultQueueSize     = 1024
	DefaultRequestTTL    = 30 * time.Second

	// compressThreshold is the payload size above which compression is tried.
	compressThreshold = 64
)

var (
	// ErrUnknownPeer indicates a send to a peer whose identity is not known.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNoPath indicates a send to a peer with no known endpoint.
	ErrNoPath = errors.New("no path to peer")
)

// Config tunes the Switch.
type Config struct {
	DecodeTTL      time.Duration
	SweepInterval  time.Duration
	WhoisInterval  time.Duration
	WhoisRate      float64
	Workers        int
	QueueSize      int
	RequestTTL     time.Duration
	ReplayCapacity uint
}

func (c Config) withDefaults() Config {
	if c.DecodeTTL <= 0 {
		c.DecodeTTL = DefaultDecodeTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WhoisInterval <= 0 {
		c.WhoisInterval = DefaultWhoisInterval
	}
	if c.WhoisRate <= 0 {
		c.WhoisRate = DefaultWhoisRate
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = DefaultRequestTTL
	}
	return c
}

// Handle names a parked decode.
type Handle uint64

type job struct {
	handle  Handle
	decoder *decoder.PacketDecoder
}

type parked struct {
	decoder    *decoder.PacketDecoder
	waitingFor crypto.Address
}

// Stats are running counters.
type Stats struct {
	Received  uint64
	Completed uint64
	Discarded uint64
	Expired   uint64
	Dropped   uint64
}

// Switch drives decoding. It owns every decoder that returned Retry: such a
// decoder lives in the pending arena until the identity it waits for is
// resolved, a sweep re-attempts it, or it outlives the decode TTL. An entry
// is removed from the arena before TryDecode runs on it, so no decoder is
// ever decoded by two goroutines at once.
type Switch struct {
	cfg       Config
	self      *crypto.Identity
	topo      *topology.Topology
	transport transport.Transport
	env       *decoder.Environment
	replay    *ReplayFilter
	requests  *RequestTracker
	whois     *whoisLimiter

	mu         sync.Mutex
	nextHandle Handle
	pending    map[Handle]*parked
	waiters    map[crypto.Address]map[Handle]struct{}

	work chan job

	received, completed, discarded, expired, dropped atomic.Uint64
}

// New creates a Switch. env supplies the network, multicast and
// configuration collaborators; its Self, Peers, Supernodes, Sender,
// Resolver, Replay and Requests fields are filled in by the Switch.
func New(topo *topology.Topology, tr transport.Transport, env decoder.Environment, cfg Config) *Switch {
	cfg = cfg.withDefaults()
	s := &Switch{
		cfg:       cfg,
		self:      topo.Self(),
		topo:      topo,
		transport: tr,
		replay:    NewReplayFilter(cfg.ReplayCapacity),
		requests:  NewRequestTracker(),
		whois:     newWhoisLimiter(cfg.WhoisInterval, cfg.WhoisRate),
		pending:   make(map[Handle]*parked),
		waiters:   make(map[crypto.Address]map[Handle]struct{}),
		work:      make(chan job, cfg.QueueSize),
	}
	env.Self = s.self
	env.Peers = topo
	env.Supernodes = topo
	env.Sender = s
	env.Resolver = s
	env.Replay = s.replay
	env.Requests = s.requests
	if env.Clock == nil {
		env.Clock = decoder.SystemClock{}
	}
	s.env = &env
	return s
}

// SetConfigHandler installs the handler for configuration requests of
// networks this node controls. It must be called before Run.
func (s *Switch) SetConfigHandler(h decoder.ConfigRequestHandler) {
	s.env.Config = h
}

func (s *Switch) now() time.Time {
	return s.env.Clock.Now()
}

// Stats returns a snapshot of the counters.
func (s *Switch) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Completed: s.completed.Load(),
		Discarded: s.discarded.Load(),
		Expired:   s.expired.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// OnReceive is the transport.ReceiveHandler. It queues a new decode.
func (s *Switch) OnReceive(data []byte, local transport.LocalInterface, remote netip.AddrPort) {
	s.received.Add(1)
	d, err := decoder.New(data, local, remote, s.now())
	if err != nil {
		s.discarded.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "OnReceive",
			"remote":   remote.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Discarding unparseable packet")
		return
	}
	select {
	case s.work <- job{decoder: d}:
	default:
		s.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "OnReceive",
			"remote":   remote.String(),
		}).Warn("Decode queue full, dropping packet")
	}
}

// decode runs one attempt and parks the decoder on Retry.
func (s *Switch) decode(j job) {
	if s.now().Sub(j.decoder.ReceiveTime()) > s.cfg.DecodeTTL {
		s.expired.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "decode",
			"remote":   j.decoder.Remote().String(),
		}).Debug("Discarding expired decode")
		return
	}
	res, err := j.decoder.TryDecode(s.env)
	switch {
	case err != nil:
		s.discarded.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "decode",
			"remote":   j.decoder.Remote().String(),
			"error":    err.Error(),
		}).Debug("Discarding packet")
	case res.Outcome == decoder.Retry:
		s.park(j.handle, j.decoder, res.WaitingFor)
	default:
		s.completed.Add(1)
	}
}

func (s *Switch) park(h Handle, d *decoder.PacketDecoder, addr crypto.Address) {
	s.mu.Lock()
	if h == 0 {
		s.nextHandle++
		h = s.nextHandle
	}
	s.pending[h] = &parked{decoder: d, waitingFor: addr}
	w, ok := s.waiters[addr]
	if !ok {
		w = make(map[Handle]struct{})
		s.waiters[addr] = w
	}
	w[h] = struct{}{}
	s.mu.Unlock()

	// The identity may have arrived while this decode was running.
	if s.topo.Identity(addr) != nil {
		s.IdentityResolved(addr)
	}
}

// claimLocked removes h from the arena and its waiter index.
func (s *Switch) claimLocked(h Handle) (*parked, bool) {
	p, ok := s.pending[h]
	if !ok {
		return nil, false
	}
	delete(s.pending, h)
	if w := s.waiters[p.waitingFor]; w != nil {
		delete(w, h)
		if len(w) == 0 {
			delete(s.waiters, p.waitingFor)
		}
	}
	return p, true
}

// schedule queues claimed entries, parking back those that do not fit so
// the next sweep picks them up.
func (s *Switch) schedule(jobs []job, waiting []crypto.Address) {
	for i, j := range jobs {
		select {
		case s.work <- j:
		default:
			s.mu.Lock()
			s.pending[j.handle] = &parked{decoder: j.decoder, waitingFor: waiting[i]}
			w, ok := s.waiters[waiting[i]]
			if !ok {
				w = make(map[Handle]struct{})
				s.waiters[waiting[i]] = w
			}
			w[j.handle] = struct{}{}
			s.mu.Unlock()
		}
	}
}

// IdentityResolved resumes every decode waiting for addr.
func (s *Switch) IdentityResolved(addr crypto.Address) {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.waiters[addr]))
	for h := range s.waiters[addr] {
		handles = append(handles, h)
	}
	jobs := make([]job, 0, len(handles))
	waiting := make([]crypto.Address, 0, len(handles))
	for _, h := range handles {
		if p, ok := s.claimLocked(h); ok {
			jobs = append(jobs, job{handle: h, decoder: p.decoder})
			waiting = append(waiting, p.waitingFor)
		}
	}
	s.mu.Unlock()

	if len(jobs) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "IdentityResolved",
			"address":  addr.String(),
			"resumed":  len(jobs),
		}).Debug("Resuming decodes")
	}
	s.schedule(jobs, waiting)
}

// Sweep discards parked decodes older than the decode TTL and queues the
// rest for another attempt. It returns the number discarded.
func (s *Switch) Sweep(now time.Time) int {
	s.mu.Lock()
	var jobs []job
	var waiting []crypto.Address
	expired := 0
	for h, p := range s.pending {
		s.claimLocked(h)
		if now.Sub(p.decoder.ReceiveTime()) > s.cfg.DecodeTTL {
			expired++
			continue
		}
		jobs = append(jobs, job{handle: h, decoder: p.decoder})
		waiting = append(waiting, p.waitingFor)
	}
	s.mu.Unlock()

	if expired > 0 {
		s.expired.Add(uint64(expired))
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"expired":  expired,
		}).Debug("Discarded expired decodes")
	}
	s.requests.Expire(now, s.cfg.RequestTTL)
	s.whois.forget(now)
	s.schedule(jobs, waiting)
	return expired
}

// Pending returns the number of parked decodes.
func (s *Switch) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RequestIdentity sends a WHOIS for addr to the best supernode.
func (s *Switch) RequestIdentity(addr crypto.Address) {
	now := s.now()
	if !s.whois.allow(addr, now) {
		return
	}
	sn := s.topo.BestSupernode()
	if sn == nil || sn.Address() == addr {
		logrus.WithFields(logrus.Fields{
			"function": "RequestIdentity",
			"address":  addr.String(),
		}).Debug("No supernode to ask")
		return
	}
	if _, err := s.Send(sn.Address(), transport.VerbWhois, decoder.EncodeWhois(addr)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "RequestIdentity",
			"address":   addr.String(),
			"supernode": sn.Address().String(),
			"error":     err.Error(),
		}).Warn("WHOIS failed")
	}
}

// Send encrypts payload for dest and transmits it on dest's best path.
func (s *Switch) Send(dest crypto.Address, verb transport.Verb, payload []byte) (uint64, error) {
	peer := s.topo.GetPeer(dest)
	if peer == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, dest)
	}
	path, ok := peer.BestPath()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPath, dest)
	}
	p := transport.NewPacket(dest, s.self.Address(), verb)
	p.Append(payload...)
	if len(payload) > compressThreshold {
		p.Compress()
	}
	p.Armor(peer.Key(), true)
	return p.PacketID(), s.transmit(peer, p, verb, path.Remote)
}

// SendHello announces this node to dest at remote. HELLO is authenticated
// but not encrypted so a peer that does not know us can read it.
func (s *Switch) SendHello(dest crypto.Address, local transport.LocalInterface, remote netip.AddrPort) error {
	peer := s.topo.GetPeer(dest)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, dest)
	}
	p := transport.NewPacket(dest, s.self.Address(), transport.VerbHello)
	p.Append(decoder.EncodeHello(s.self, decoder.LocalVersion, s.now())...)
	p.Armor(peer.Key(), false)
	return s.transmit(peer, p, transport.VerbHello, remote)
}

// transmit sends an armored packet. verb is passed in because the verb
// byte of an encrypted packet is ciphertext.
func (s *Switch) transmit(peer *topology.Peer, p *transport.Packet, verb transport.Verb, remote netip.AddrPort) error {
	now := s.now()
	if decoder.IsRequest(verb) {
		s.requests.Track(p.PacketID(), verb, now)
	}
	if err := s.transport.Send(p.Bytes(), remote); err != nil {
		return fmt.Errorf("send %s to %s: %w", verb, remote, err)
	}
	peer.SentPacket(remote, now)
	return nil
}

// Ping sends HELLO to every supernode on its configured endpoint.
func (s *Switch) Ping() {
	for _, sn := range s.topo.Supernodes() {
		path, ok := sn.BestPath()
		if !ok {
			continue
		}
		if err := s.SendHello(sn.Address(), path.Local, path.Remote); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Ping",
				"supernode": sn.Address().String(),
				"error":     err.Error(),
			}).Warn("HELLO to supernode failed")
		}
	}
}

// Run receives and decodes until ctx is cancelled.
func (s *Switch) Run(ctx context.Context) error {
	s.transport.SetHandler(s.OnReceive)
	defer s.transport.SetHandler(nil)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-s.work:
					s.decode(j)
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Sweep(s.now())
			}
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"address":  s.self.Address().String(),
		"workers":  s.cfg.Workers,
	}).Info("Switch running")
	s.Ping()
	return g.Wait()
}
