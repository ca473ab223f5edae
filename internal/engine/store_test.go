package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// memStore is a minimal in-memory storage.Store used only by this
// package's tests. Transaction has no real isolation — good enough to
// exercise the engine's control flow without a database.
type memStore struct {
	mu        sync.Mutex
	devices   map[lorawan.EUI64]*models.Device
	nodes     map[lorawan.DevAddr]*models.Node
	profiles  map[uuid.UUID]*models.Profile
	networks  map[string]*models.Network
	multicast map[lorawan.DevAddr]*models.MulticastChannel
	ignored   []models.IgnoredNode
	pending   map[lorawan.DevAddr][]*models.Pending
}

func newMemStore() *memStore {
	return &memStore{
		devices:   make(map[lorawan.EUI64]*models.Device),
		nodes:     make(map[lorawan.DevAddr]*models.Node),
		profiles:  make(map[uuid.UUID]*models.Profile),
		networks:  make(map[string]*models.Network),
		multicast: make(map[lorawan.DevAddr]*models.MulticastChannel),
		pending:   make(map[lorawan.DevAddr][]*models.Pending),
	}
}

func (m *memStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64, lock storage.LockMode) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[devEUI]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) PutDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.DevEUI] = &cp
	return nil
}

func (m *memStore) GetNode(ctx context.Context, addr lorawan.DevAddr, lock storage.LockMode) (*models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) PutNode(ctx context.Context, n *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.DevAddr] = &cp
	return nil
}

func (m *memStore) NodeExists(ctx context.Context, addr lorawan.DevAddr) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[addr]
	return ok, nil
}

func (m *memStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) PutProfile(ctx context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *memStore) GetNetwork(ctx context.Context, name string) (*models.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) PutNetwork(ctx context.Context, n *models.Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	m.networks[n.Name] = &cp
	return nil
}

func (m *memStore) ListNetworks(ctx context.Context) ([]*models.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Network
	for _, n := range m.networks {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) GetMulticastChannel(ctx context.Context, addr lorawan.DevAddr, lock storage.LockMode) (*models.MulticastChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.multicast[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *mc
	return &cp, nil
}

func (m *memStore) PutMulticastChannel(ctx context.Context, mc *models.MulticastChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mc
	m.multicast[mc.DevAddr] = &cp
	return nil
}

func (m *memStore) DirtyAllIgnoredNodes(ctx context.Context) ([]models.IgnoredNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.IgnoredNode(nil), m.ignored...), nil
}

func (m *memStore) PutIgnoredNode(ctx context.Context, n *models.IgnoredNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored = append(m.ignored, *n)
	return nil
}

func (m *memStore) DirtyDeletePending(ctx context.Context, addr lorawan.DevAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, addr)
	return nil
}

func (m *memStore) PutPending(ctx context.Context, p *models.Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.pending[p.DevAddr] = append(m.pending[p.DevAddr], p)
	return nil
}

func (m *memStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	return fn(ctx, m)
}

func (m *memStore) Close() error { return nil }
