package chain

import (
	"sync"

	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/ledger"
)

// Registry owns one Chain per device, created lazily on first append.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

// NewRegistry returns an empty device-chain registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]*Chain)}
}

// ChainFor returns the chain for deviceID, creating it if absent.
func (r *Registry) ChainFor(deviceID string) *Chain {
	r.mu.RLock()
	c, ok := r.chains[deviceID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chains[deviceID]; ok {
		return c
	}
	c = NewChain(deviceID)
	r.chains[deviceID] = c
	return c
}

// Rebuild replays every persisted row for deviceID, in sequence order, into
// a fresh Chain and installs it in the registry in place of whatever chain
// was there before. Chain state is never itself persisted; this is the only
// way a device's in-memory chain comes to exist after a node restart.
func (r *Registry) Rebuild(deviceID string, store *ledger.Store) (*Chain, error) {
	c := NewChain(deviceID)
	err := store.Iterate(deviceID, func(row *ledger.Row) error {
		_, err := c.Append(row.Event)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.chains[deviceID] = c
	r.mu.Unlock()
	return c, nil
}

// Append routes e to its device's chain and appends it there.
func (r *Registry) Append(e *event.CanonicalEvent) (*Link, error) {
	return r.ChainFor(e.DeviceID).Append(e)
}

// Devices returns the set of device IDs with a chain in this registry.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]string, 0, len(r.chains))
	for d := range r.chains {
		devices = append(devices, d)
	}
	return devices
}
