// Package state provides the local, already-materialised state a shard reads
// from underneath the cross-shard overlay.
package state

import (
	"sync"

	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// Reader is the state-read interface the executor calls. ok is false when
// the key holds no value.
type Reader interface {
	GetState(key protocol.StateKey) (protocol.StateValue, bool, error)
}

// Writer applies committed write sets
type Writer interface {
	Apply(ws protocol.WriteSet) error
}

// MemoryStore is a map-backed Reader/Writer
type MemoryStore struct {
	mu   sync.RWMutex
	data map[protocol.StateKey]protocol.StateValue
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[protocol.StateKey]protocol.StateValue)}
}

func (m *MemoryStore) GetState(key protocol.StateKey) (protocol.StateValue, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores a single value
func (m *MemoryStore) Set(key protocol.StateKey, value protocol.StateValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MemoryStore) Apply(ws protocol.WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, op := range ws {
		if v, ok := op.AsStateValue(); ok {
			m.data[key] = v
		} else {
			delete(m.data, key)
		}
	}
	return nil
}

// Snapshot copies the store contents
func (m *MemoryStore) Snapshot() map[protocol.StateKey]protocol.StateValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[protocol.StateKey]protocol.StateValue, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Versioned holds the writes committed by this shard during the current
// round on top of a parent Reader. Deleted keys shadow the parent.
type Versioned struct {
	parent Reader

	mu      sync.RWMutex
	writes  map[protocol.StateKey]protocol.WriteOp
	commits int
}

// NewVersioned layers an empty round-local write buffer over parent
func NewVersioned(parent Reader) *Versioned {
	return &Versioned{
		parent: parent,
		writes: make(map[protocol.StateKey]protocol.WriteOp),
	}
}

func (v *Versioned) GetState(key protocol.StateKey) (protocol.StateValue, bool, error) {
	v.mu.RLock()
	op, ok := v.writes[key]
	v.mu.RUnlock()
	if ok {
		val, present := op.AsStateValue()
		return val, present, nil
	}
	return v.parent.GetState(key)
}

// Apply records a committed write set
func (v *Versioned) Apply(ws protocol.WriteSet) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, op := range ws {
		v.writes[key] = op
	}
	v.commits++
	return nil
}

// Writes returns the accumulated round-local writes
func (v *Versioned) Writes() protocol.WriteSet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(protocol.WriteSet, len(v.writes))
	for k, op := range v.writes {
		out[k] = op
	}
	return out
}
