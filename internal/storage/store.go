// Package storage defines the transactional store adapter the frame
// engine reads and mutates through, and a PostgreSQL implementation of
// it. The engine itself depends only on the Store interface, never on
// database/sql or lib/pq directly, so an embedded or remote KV backend
// can satisfy the same contract without touching internal/engine.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

var (
	// ErrNotFound is returned by any Get* method when the key is absent.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict signals a transaction should be retried by the caller
	// after a serialization failure.
	ErrConflict = errors.New("storage: conflict, retry")
)

// LockMode selects whether a read takes a row-level write lock, matching
// spec §6's read(family, key, lock={read|write}).
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

// Store is the only interface into persistence the frame engine depends
// on. All mutating access happens through Transaction; the Dirty*
// methods are unlocked reads used only where the data model explicitly
// tolerates non-linearizable access (the ignored-nodes scan, the pending
// purge).
type Store interface {
	GetDevice(ctx context.Context, devEUI lorawan.EUI64, lock LockMode) (*models.Device, error)
	PutDevice(ctx context.Context, d *models.Device) error

	GetNode(ctx context.Context, addr lorawan.DevAddr, lock LockMode) (*models.Node, error)
	PutNode(ctx context.Context, n *models.Node) error
	NodeExists(ctx context.Context, addr lorawan.DevAddr) (bool, error)

	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	PutProfile(ctx context.Context, p *models.Profile) error

	GetNetwork(ctx context.Context, name string) (*models.Network, error)
	PutNetwork(ctx context.Context, n *models.Network) error
	ListNetworks(ctx context.Context) ([]*models.Network, error)

	GetMulticastChannel(ctx context.Context, addr lorawan.DevAddr, lock LockMode) (*models.MulticastChannel, error)
	PutMulticastChannel(ctx context.Context, m *models.MulticastChannel) error

	DirtyAllIgnoredNodes(ctx context.Context) ([]models.IgnoredNode, error)
	PutIgnoredNode(ctx context.Context, n *models.IgnoredNode) error

	DirtyDeletePending(ctx context.Context, addr lorawan.DevAddr) error
	PutPending(ctx context.Context, p *models.Pending) error

	// Transaction runs fn against a Store scoped to a single database
	// transaction, committing on a nil return and rolling back
	// otherwise. fn may be invoked more than once if the underlying
	// transaction reports a serialization conflict; engine code is
	// written to be idempotent on retry, per spec §5.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Close releases any pooled connections. A no-op on a Store handed
	// to Transaction's callback.
	Close() error
}
