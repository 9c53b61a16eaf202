package tunnelcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/decoder"
	"github.com/opd-ai/tunnelcore/dispatch"
	"github.com/opd-ai/tunnelcore/multicast"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
	"github.com/opd-ai/tunnelcore/transport"
)

// Defaults for Options fields left zero.
const (
	DefaultHousekeepingInterval = 5 * time.Second
	DefaultConfigRefresh        = 30 * time.Minute
	DefaultCertificateMaxDelta  = time.Hour
	DefaultPingInterval         = time.Minute
)

var (
	// ErrNoIdentity indicates Options without a private identity.
	ErrNoIdentity = errors.New("node identity with private keys required")

	// ErrNoAuthority indicates a configuration request for a network this
	// node controls while no authority is attached.
	ErrNoAuthority = errors.New("no configuration authority attached")

	// ErrNodeClosed is returned by Run after Kill.
	ErrNodeClosed = errors.New("node closed")
)

// Options configures a Node.
type Options struct {
	Identity *crypto.Identity

	// ListenAddr is the UDP address to bind when Transport is nil.
	ListenAddr string
	Transport  transport.Transport

	Supernodes []topology.Supernode
	Switch     dispatch.Config

	LikeTTL       time.Duration
	DedupCapacity uint

	// Authority answers configuration requests for networks whose
	// controller is this node. The Node takes ownership of it.
	Authority *netconf.Client

	CertificateMaxDelta  time.Duration
	ConfigRefresh        time.Duration
	HousekeepingInterval time.Duration

	// PingInterval spaces HELLOs to the supernodes.
	PingInterval time.Duration
	Clock        decoder.TimeProvider
}

// Node is one participant of the virtual networks: it owns the peer table,
// joined networks, the multicast state and the packet switch.
type Node struct {
	opts      Options
	self      *crypto.Identity
	clock     decoder.TimeProvider
	transport transport.Transport
	ownsTr    bool
	topo      *topology.Topology
	networks  *network.Table
	mcast     *multicast.Multicaster
	sw        *dispatch.Switch
	authority *netconf.Client

	mu       sync.Mutex
	closed   bool
	lastPing time.Time
}

// New builds a Node. A UDP transport is opened unless Options.Transport is set.
func New(opts Options) (*Node, error) {
	if opts.Identity == nil || !opts.Identity.HasPrivate() {
		return nil, ErrNoIdentity
	}
	if opts.CertificateMaxDelta <= 0 {
		opts.CertificateMaxDelta = DefaultCertificateMaxDelta
	}
	if opts.ConfigRefresh <= 0 {
		opts.ConfigRefresh = DefaultConfigRefresh
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Clock == nil {
		opts.Clock = decoder.SystemClock{}
	}

	n := &Node{
		opts:      opts,
		self:      opts.Identity,
		clock:     opts.Clock,
		transport: opts.Transport,
		authority: opts.Authority,
	}
	if n.transport == nil {
		tr, err := transport.NewUDPTransport(opts.ListenAddr, 0)
		if err != nil {
			return nil, fmt.Errorf("open transport: %w", err)
		}
		n.transport = tr
		n.ownsTr = true
	}

	n.topo = topology.New(n.self)
	if err := n.topo.SetSupernodes(n.transport.Interface(), opts.Supernodes); err != nil {
		n.closeTransport()
		return nil, fmt.Errorf("install supernodes: %w", err)
	}
	n.mcast = multicast.New(opts.LikeTTL, opts.DedupCapacity)
	n.networks = network.NewTable(n.self.Address(), n.requestConfiguration)
	n.sw = dispatch.New(n.topo, n.transport, decoder.Environment{
		Networks:  n.networks,
		Multicast: n.mcast,
		Clock:     opts.Clock,
	}, opts.Switch)
	if n.authority != nil {
		n.sw.SetConfigHandler(&authorityBridge{node: n})
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"address":    n.self.Address().String(),
		"supernodes": len(opts.Supernodes),
		"authority":  n.authority != nil,
	}).Info("Node created")
	return n, nil
}

// Address returns this node's address.
func (n *Node) Address() crypto.Address { return n.self.Address() }

// Identity returns this node's identity.
func (n *Node) Identity() *crypto.Identity { return n.self }

// Topology returns the peer table.
func (n *Node) Topology() *topology.Topology { return n.topo }

// Networks returns the joined networks.
func (n *Node) Networks() *network.Table { return n.networks }

// Multicast returns the multicast subscription state.
func (n *Node) Multicast() *multicast.Multicaster { return n.mcast }

// Switch returns the packet switch.
func (n *Node) Switch() *dispatch.Switch { return n.sw }

// Join joins nwid, delivering its frames to tap, and requests its
// configuration from the controller.
func (n *Node) Join(nwid network.NetworkID, tap network.VirtualInterface) *network.Network {
	return n.networks.Join(nwid, tap)
}

// Leave leaves nwid.
func (n *Node) Leave(nwid network.NetworkID) bool {
	return n.networks.Leave(nwid)
}

// SendFrame sends an Ethernet frame on nwid to the member at dest.
func (n *Node) SendFrame(nwid network.NetworkID, dest crypto.Address, etherType uint16, frame []byte) error {
	if _, ok := n.networks.Get(nwid); !ok {
		return fmt.Errorf("%w: %s", network.ErrNotJoined, nwid)
	}
	_, err := n.sw.Send(dest, transport.VerbFrame, decoder.EncodeFrame(nwid, etherType, frame))
	return err
}

// Subscribe joins a multicast group on nwid and announces it to the
// supernodes.
func (n *Node) Subscribe(nwid network.NetworkID, group network.MulticastGroup) error {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return fmt.Errorf("%w: %s", network.ErrNotJoined, nwid)
	}
	nw.Subscribe(group)
	var errs []error
	for _, sn := range n.topo.Supernodes() {
		if _, err := n.sw.Send(sn.Address(), transport.VerbMulticastLike, decoder.EncodeMulticastLike(nwid, group)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requestMeta describes this node to the authority.
func requestMeta() netconf.Dictionary {
	v := decoder.LocalVersion
	return netconf.Dictionary{
		"majv": strconv.Itoa(int(v.Major)),
		"minv": strconv.Itoa(int(v.Minor)),
		"revv": strconv.Itoa(int(v.Revision)),
	}
}

// requestConfiguration is the network.ConfigRequester of this node.
func (n *Node) requestConfiguration(nwid network.NetworkID) error {
	controller := nwid.Controller()
	if controller == n.self.Address() {
		if n.authority == nil {
			return ErrNoAuthority
		}
		_, err := n.authority.Request(&netconf.Request{
			Peer:      n.self.PublicOnly(),
			NetworkID: uint64(nwid),
			Meta:      requestMeta(),
		}, func(resp *netconf.Response) {
			n.applyOwnConfiguration(nwid, resp)
		})
		return err
	}

	if n.topo.Identity(controller) == nil {
		n.sw.RequestIdentity(controller)
		return fmt.Errorf("%w: controller %s", dispatch.ErrUnknownPeer, controller)
	}
	payload, err := decoder.EncodeConfigRequest(nwid, requestMeta())
	if err != nil {
		return err
	}
	_, err = n.sw.Send(controller, transport.VerbNetworkConfigRequest, payload)
	return err
}

// applyOwnConfiguration handles the authority's answer for a network this
// node controls.
func (n *Node) applyOwnConfiguration(nwid network.NetworkID, resp *netconf.Response) {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return
	}
	if resp.Error != "" {
		nw.SetNotFound()
		return
	}
	conf, err := n.completeConfiguration(nwid, n.self.Address(), resp.Config)
	if err == nil {
		err = nw.SetConfiguration(conf, n.clock.Now())
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyOwnConfiguration",
			"network":  nwid.String(),
			"error":    err.Error(),
		}).Warn("Rejected own network configuration")
	}
}

// completeConfiguration adds a signed certificate of membership to the
// configuration of a private network.
func (n *Node) completeConfiguration(nwid network.NetworkID, member crypto.Address, conf netconf.Dictionary) (netconf.Dictionary, error) {
	if conf.GetBool(network.ConfigKeyIsOpen) {
		return conf, nil
	}
	cert := &network.Certificate{
		Network:   nwid,
		IssuedTo:  member,
		Timestamp: n.clock.Now(),
		MaxDelta:  n.opts.CertificateMaxDelta,
	}
	if err := cert.Sign(n.self); err != nil {
		return nil, err
	}
	out := make(netconf.Dictionary, len(conf)+1)
	for k, v := range conf {
		out[k] = v
	}
	out[network.ConfigKeyCertificate] = cert.String()
	return out, nil
}

// authorityBridge forwards NETWORK_CONFIG_REQUEST to the attached
// authority and answers the requester with OK or ERROR.
type authorityBridge struct {
	node *Node
}

func (b *authorityBridge) Request(peer *crypto.Identity, nwid network.NetworkID, meta netconf.Dictionary, packetID uint64) error {
	member := peer.Address()
	_, err := b.node.authority.Request(&netconf.Request{
		Peer:      peer,
		NetworkID: uint64(nwid),
		Meta:      meta,
	}, func(resp *netconf.Response) {
		b.node.answerConfigRequest(member, nwid, packetID, resp)
	})
	return err
}

func (n *Node) answerConfigRequest(member crypto.Address, nwid network.NetworkID, packetID uint64, resp *netconf.Response) {
	log := logrus.WithFields(logrus.Fields{
		"function": "answerConfigRequest",
		"network":  nwid.String(),
		"member":   member.String(),
	})

	if resp.Error != "" {
		code := transport.ErrorInvalidRequest
		if resp.Error == netconf.ErrorNotFound {
			code = transport.ErrorObjectNotFound
		}
		payload := decoder.EncodeError(transport.VerbNetworkConfigRequest, packetID, code, decoder.EncodeNetworkID(nwid))
		if _, err := n.sw.Send(member, transport.VerbError, payload); err != nil {
			log.WithError(err).Warn("Failed to send configuration error")
		}
		return
	}

	conf, err := n.completeConfiguration(nwid, member, resp.Config)
	if err != nil {
		log.WithError(err).Warn("Failed to complete configuration")
		return
	}
	body, err := decoder.EncodeConfigResponse(nwid, conf)
	if err != nil {
		log.WithError(err).Warn("Configuration too large")
		return
	}
	if _, err := n.sw.Send(member, transport.VerbOK, decoder.EncodeOK(transport.VerbNetworkConfigRequest, packetID, body)); err != nil {
		log.WithError(err).Warn("Failed to send configuration")
		return
	}
	log.Debug("Sent configuration")
}

// housekeep pings the supernodes, expires multicast likes and stale
// authority requests, and re-requests configurations that are missing or old.
func (n *Node) housekeep(now time.Time) {
	n.mu.Lock()
	ping := now.Sub(n.lastPing) >= n.opts.PingInterval
	if ping {
		n.lastPing = now
	}
	n.mu.Unlock()
	if ping {
		n.sw.Ping()
	}

	n.mcast.Expire(now)
	if n.authority != nil {
		n.authority.Expire(now, dispatch.DefaultRequestTTL)
	}
	for _, nw := range n.networks.Networks() {
		switch nw.Status() {
		case network.StatusRequesting:
		case network.StatusOK:
			if now.Sub(nw.ConfiguredAt()) < n.opts.ConfigRefresh {
				continue
			}
		default:
			continue
		}
		if err := nw.RequestConfiguration(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "housekeep",
				"network":  nw.ID().String(),
				"error":    err.Error(),
			}).Debug("Configuration request failed")
		}
	}
}

// Run drives the switch, the authority client and housekeeping until ctx
// is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrNodeClosed
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.sw.Run(ctx) })
	if n.authority != nil {
		// The authority read loop only ends when its stream closes, which
		// Kill does, so it is not part of the group.
		go func() {
			if err := n.authority.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Error("Configuration authority stream failed")
			}
		}()
	}
	g.Go(func() error {
		ticker := time.NewTicker(n.opts.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n.housekeep(n.clock.Now())
			}
		}
	})
	return g.Wait()
}

// Kill releases the transport, when owned, and the authority.
func (n *Node) Kill() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var errs []error
	if n.authority != nil {
		errs = append(errs, n.authority.Close())
	}
	errs = append(errs, n.closeTransport())
	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"address":  n.self.Address().String(),
	}).Info("Node stopped")
	return errors.Join(errs...)
}

func (n *Node) closeTransport() error {
	if !n.ownsTr {
		return nil
	}
	return n.transport.Close()
}
