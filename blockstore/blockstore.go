// Package blockstore defines the content-addressed storage capability the
// VM uses to resolve CID-qualified predicates against their backing
// InputTuple, and an in-memory implementation for tests and the demo
// driver.
package blockstore

import (
	"sync"

	"github.com/rhizomedb/rhizome-go/rherr"
	"github.com/rhizomedb/rhizome-go/tuple"
	"github.com/rhizomedb/rhizome-go/value"
)

// Blockstore resolves an InputTuple's CID back to the tuple itself, and
// records new InputTuples as they're pushed.
type Blockstore interface {
	Get(id value.CID) (tuple.InputTuple, bool, error)
	Put(t tuple.InputTuple) error
}

// MemStore is an in-memory Blockstore, sufficient for tests and the demo
// driver; a production deployment would swap in a real content-addressed
// store behind the same interface.
type MemStore struct {
	mu    sync.RWMutex
	store map[string]tuple.InputTuple
}

func NewMemStore() *MemStore {
	return &MemStore{store: make(map[string]tuple.InputTuple)}
}

func (m *MemStore) Get(id value.CID) (tuple.InputTuple, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.store[id.String()]
	return t, ok, nil
}

func (m *MemStore) Put(t tuple.InputTuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.CID().String() == "" {
		return rherr.New(rherr.BlockstoreError, "tuple has no CID")
	}
	m.store[t.CID().String()] = t
	return nil
}
