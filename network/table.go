package network

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
)

// Table holds the networks this node has joined.
type Table struct {
	self      crypto.Address
	requester ConfigRequester

	mu       sync.RWMutex
	networks map[NetworkID]*Network
}

// NewTable creates an empty table. requester may be nil.
func NewTable(self crypto.Address, requester ConfigRequester) *Table {
	return &Table{
		self:      self,
		requester: requester,
		networks:  make(map[NetworkID]*Network),
	}
}

// SetRequester replaces the configuration requester used by networks joined later.
func (t *Table) SetRequester(r ConfigRequester) {
	t.mu.Lock()
	t.requester = r
	t.mu.Unlock()
}

// Join adds a network, or returns the existing membership. A configuration
// request is issued for new memberships.
func (t *Table) Join(id NetworkID, tap VirtualInterface) *Network {
	t.mu.Lock()
	if n, ok := t.networks[id]; ok {
		t.mu.Unlock()
		return n
	}
	n := newNetwork(id, t.self, tap, t.requester)
	t.networks[id] = n
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Join",
		"network":    id.String(),
		"controller": id.Controller().String(),
	}).Info("Joined network")

	if err := n.RequestConfiguration(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Join",
			"network":  id.String(),
			"error":    err.Error(),
		}).Warn("Initial configuration request failed")
	}
	return n
}

// Leave removes a network. It reports whether the network was joined.
func (t *Table) Leave(id NetworkID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.networks[id]; !ok {
		return false
	}
	delete(t.networks, id)
	return true
}

// Get returns a joined network.
func (t *Table) Get(id NetworkID) (*Network, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.networks[id]
	return n, ok
}

// Networks returns all joined networks.
func (t *Table) Networks() []*Network {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Network, 0, len(t.networks))
	for _, n := range t.networks {
		out = append(out, n)
	}
	return out
}
