package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/netconf"
)

// Status is the configuration state of a joined network.
type Status int

const (
	StatusRequesting Status = iota
	StatusOK
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusRequesting:
		return "REQUESTING_CONFIGURATION"
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// ConfigRequester sends a configuration request for a network to its controller.
type ConfigRequester func(nwid NetworkID) error

var (
	// ErrNotJoined is returned for operations on a network this node is not a member of.
	ErrNotJoined = errors.New("network not joined")

	// ErrNoInterface indicates a network without a virtual interface attached.
	ErrNoInterface = errors.New("no virtual interface")
)

// Network is this node's membership in one virtual network.
type Network struct {
	id        NetworkID
	self      crypto.Address
	requester ConfigRequester

	mu            sync.RWMutex
	status        Status
	config        *Config
	configuredAt  time.Time
	certificates  map[crypto.Address]*Certificate
	subscriptions map[MulticastGroup]struct{}
	tap           VirtualInterface
}

func newNetwork(id NetworkID, self crypto.Address, tap VirtualInterface, requester ConfigRequester) *Network {
	return &Network{
		id:            id,
		self:          self,
		requester:     requester,
		status:        StatusRequesting,
		certificates:  make(map[crypto.Address]*Certificate),
		subscriptions: map[MulticastGroup]struct{}{BroadcastGroup: {}},
		tap:           tap,
	}
}

// ID returns the network identifier.
func (n *Network) ID() NetworkID {
	return n.id
}

// Controller returns the address of the controller.
func (n *Network) Controller() crypto.Address {
	return n.id.Controller()
}

// MAC returns this node's hardware address on the network.
func (n *Network) MAC() MAC {
	return MACFromAddress(n.self)
}

// Status returns the configuration state.
func (n *Network) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Config returns the current configuration, or nil before one arrives.
func (n *Network) Config() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// IsOpen reports whether the network admits any peer.
func (n *Network) IsOpen() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config != nil && n.config.Open
}

// Certificate returns this node's own certificate of membership.
func (n *Network) Certificate() *Certificate {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.config == nil {
		return nil
	}
	return n.config.Certificate
}

// IsAllowed reports whether peer may exchange frames on this network. Open
// networks admit everyone; private networks require a certificate from the
// peer that agrees with this node's own.
func (n *Network) IsAllowed(peer crypto.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.config == nil {
		return false
	}
	if n.config.Open || peer == n.id.Controller() {
		return true
	}
	theirs, ok := n.certificates[peer]
	if !ok || n.config.Certificate == nil {
		return false
	}
	return n.config.Certificate.AgreesWith(theirs)
}

// IsActiveBridge reports whether peer may inject frames with foreign source MACs.
func (n *Network) IsActiveBridge(peer crypto.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.config == nil {
		return false
	}
	for _, a := range n.config.ActiveBridges {
		if a == peer {
			return true
		}
	}
	return false
}

// AddMembershipCertificate records a certificate whose signature the caller
// has already verified. A newer certificate replaces an older one.
func (n *Network) AddMembershipCertificate(c *Certificate) error {
	if c.Network != n.id {
		return fmt.Errorf("certificate for %s added to %s", c.Network, n.id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.certificates[c.IssuedTo]; ok && old.Timestamp.After(c.Timestamp) {
		return nil
	}
	n.certificates[c.IssuedTo] = c
	logrus.WithFields(logrus.Fields{
		"function":  "AddMembershipCertificate",
		"network":   n.id.String(),
		"issued_to": c.IssuedTo.String(),
	}).Debug("Stored membership certificate")
	return nil
}

// MembershipCertificate returns the certificate on file for peer.
func (n *Network) MembershipCertificate(peer crypto.Address) (*Certificate, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.certificates[peer]
	return c, ok
}

// SetConfiguration applies a dictionary returned by the controller.
func (n *Network) SetConfiguration(d netconf.Dictionary, now time.Time) error {
	c, err := ParseConfig(d)
	if err != nil {
		return err
	}
	if c.Network != n.id {
		return fmt.Errorf("%w: configuration for %s applied to %s", ErrInvalidConfig, c.Network, n.id)
	}
	if c.IssuedTo != 0 && c.IssuedTo != n.self {
		return fmt.Errorf("%w: configuration issued to %s", ErrInvalidConfig, c.IssuedTo)
	}
	n.mu.Lock()
	n.config = c
	n.configuredAt = now
	n.status = StatusOK
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetConfiguration",
		"network":  n.id.String(),
		"open":     c.Open,
		"ipv4":     len(c.IPv4Static),
	}).Info("Network configuration applied")
	return nil
}

// ConfiguredAt returns when the last configuration was applied.
func (n *Network) ConfiguredAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.configuredAt
}

// SetNotFound records that the controller does not know this network.
func (n *Network) SetNotFound() {
	n.mu.Lock()
	n.status = StatusNotFound
	n.mu.Unlock()
}

// RequestConfiguration asks the controller for a fresh configuration.
func (n *Network) RequestConfiguration() error {
	if n.requester == nil {
		return nil
	}
	return n.requester(n.id)
}

// Subscribe adds a local multicast subscription.
func (n *Network) Subscribe(g MulticastGroup) {
	n.mu.Lock()
	n.subscriptions[g] = struct{}{}
	n.mu.Unlock()
}

// Unsubscribe removes a local multicast subscription.
func (n *Network) Unsubscribe(g MulticastGroup) {
	if g == BroadcastGroup {
		return
	}
	n.mu.Lock()
	delete(n.subscriptions, g)
	n.mu.Unlock()
}

// IsSubscribed reports whether the local interface listens to g.
func (n *Network) IsSubscribed(g MulticastGroup) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.subscriptions[g]
	return ok
}

// Subscriptions returns the local multicast subscriptions.
func (n *Network) Subscriptions() []MulticastGroup {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]MulticastGroup, 0, len(n.subscriptions))
	for g := range n.subscriptions {
		out = append(out, g)
	}
	return out
}

// Deliver hands a frame to the local virtual interface.
func (n *Network) Deliver(f Frame) error {
	n.mu.RLock()
	tap := n.tap
	n.mu.RUnlock()
	if tap == nil {
		return ErrNoInterface
	}
	return tap.Put(f)
}
