package netconf

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/tunnelcore/crypto"
)

var (
	// ErrNotFound indicates a missing node or network row.
	ErrNotFound = errors.New("netconf: not found")

	// ErrAddressInUse indicates an IPv4 assignment violated uniqueness.
	ErrAddressInUse = errors.New("netconf: address in use")

	// ErrStoreUnavailable indicates the store connection is down.
	ErrStoreUnavailable = errors.New("netconf: store unavailable")

	// ErrIdentityCollision indicates a stored identity differs from the requester's.
	ErrIdentityCollision = errors.New("netconf: identity collision")

	// ErrAddressSpaceExhausted indicates no auto-assign pool had a free address.
	ErrAddressSpaceExhausted = errors.New("netconf: address space exhausted")
)

// NetworkRecord is the stored view of one network.
type NetworkRecord struct {
	ID   uint64
	Name string
	Open bool
}

// Store is the relational backing of the authority.
type Store interface {
	// NodeIdentity returns the serialized identity of addr or ErrNotFound.
	NodeIdentity(ctx context.Context, addr crypto.Address) (string, error)
	InsertNode(ctx context.Context, addr crypto.Address, identity string, now time.Time) error
	TouchNode(ctx context.Context, addr crypto.Address, now time.Time) error
	// Network returns the network row or ErrNotFound.
	Network(ctx context.Context, nwid uint64) (*NetworkRecord, error)
	IPv4Static(ctx context.Context, nwid uint64, addr crypto.Address) ([]netip.Prefix, error)
	AutoAssignPools(ctx context.Context, nwid uint64) ([]netip.Prefix, error)
	// InsertIPv4Static records an assignment or returns ErrAddressInUse.
	InsertIPv4Static(ctx context.Context, nwid uint64, addr crypto.Address, p netip.Prefix) error
	Close() error
}

type memoryNode struct {
	identity string
	created  time.Time
	lastSeen time.Time
}

type memoryAssignment struct {
	node   crypto.Address
	prefix netip.Prefix
}

// MemoryStore is an in-process Store for tests and single-host setups.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[crypto.Address]*memoryNode
	networks map[uint64]NetworkRecord
	pools    map[uint64][]netip.Prefix
	assigned map[uint64]map[netip.Addr]memoryAssignment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[crypto.Address]*memoryNode),
		networks: make(map[uint64]NetworkRecord),
		pools:    make(map[uint64][]netip.Prefix),
		assigned: make(map[uint64]map[netip.Addr]memoryAssignment),
	}
}

// AddNetwork creates or replaces a network row.
func (m *MemoryStore) AddNetwork(rec NetworkRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks[rec.ID] = rec
}

// AddAutoAssignPool adds an IPv4 pool to a network.
func (m *MemoryStore) AddAutoAssignPool(nwid uint64, pool netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[nwid] = append(m.pools[nwid], pool.Masked())
}

// LastSeen reports when addr last requested a configuration.
func (m *MemoryStore) LastSeen(addr crypto.Address) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	if !ok {
		return time.Time{}, false
	}
	return n.lastSeen, true
}

func (m *MemoryStore) NodeIdentity(_ context.Context, addr crypto.Address) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	if !ok {
		return "", ErrNotFound
	}
	return n.identity, nil
}

func (m *MemoryStore) InsertNode(_ context.Context, addr crypto.Address, identity string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[addr]; ok {
		return ErrIdentityCollision
	}
	m.nodes[addr] = &memoryNode{identity: identity, created: now}
	return nil
}

func (m *MemoryStore) TouchNode(_ context.Context, addr crypto.Address, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	if !ok {
		return ErrNotFound
	}
	n.lastSeen = now
	return nil
}

func (m *MemoryStore) Network(_ context.Context, nwid uint64) (*NetworkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.networks[nwid]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) IPv4Static(_ context.Context, nwid uint64, addr crypto.Address) ([]netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []netip.Prefix
	for _, a := range m.assigned[nwid] {
		if a.node == addr {
			out = append(out, a.prefix)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr().Less(out[j].Addr()) })
	return out, nil
}

func (m *MemoryStore) AutoAssignPools(_ context.Context, nwid uint64) ([]netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.Prefix(nil), m.pools[nwid]...), nil
}

func (m *MemoryStore) InsertIPv4Static(_ context.Context, nwid uint64, addr crypto.Address, p netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byIP := m.assigned[nwid]
	if byIP == nil {
		byIP = make(map[netip.Addr]memoryAssignment)
		m.assigned[nwid] = byIP
	}
	if _, taken := byIP[p.Addr()]; taken {
		return ErrAddressInUse
	}
	byIP[p.Addr()] = memoryAssignment{node: addr, prefix: p}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
