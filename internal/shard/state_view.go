package shard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/state"
)

// CellState is the resolution state of an overlay cell
type CellState uint8

const (
	CellUnresolved CellState = iota
	CellPresent
	CellAbsent
)

func (c CellState) String() string {
	switch c {
	case CellUnresolved:
		return "unresolved"
	case CellPresent:
		return "present"
	case CellAbsent:
		return "absent"
	default:
		return "invalid"
	}
}

// overlayCell holds one remotely produced key. state and value are written
// once, before done is closed; readers only look at them after done.
type overlayCell struct {
	producer protocol.ShardID
	state    CellState
	value    protocol.StateValue
	done     chan struct{}
}

// CrossShardStateView is the read overlay a shard's executor consults. Keys
// in the wait set block until the producing shard's value arrives; every
// other key is served from the local base state.
type CrossShardStateView struct {
	shardID protocol.ShardID
	base    state.Reader
	cells   map[protocol.StateKey]*overlayCell // key set frozen at construction

	mu         sync.Mutex // serialises resolutions
	unresolved int

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// NewCrossShardStateView builds the overlay for one round. Every key of
// waitSet starts unresolved. A key may only be declared once.
func NewCrossShardStateView(shardID protocol.ShardID, waitSet []protocol.WaitKey, base state.Reader) (*CrossShardStateView, error) {
	v := &CrossShardStateView{
		shardID: shardID,
		base:    base,
		cells:   make(map[protocol.StateKey]*overlayCell, len(waitSet)),
		aborted: make(chan struct{}),
	}
	for _, wk := range waitSet {
		if wk.Producer == shardID {
			return nil, fatal(shardID, fmt.Errorf("%w: shard waits on itself", ErrInvalidEdge)).withKey(wk.Key)
		}
		if prev, ok := v.cells[wk.Key]; ok {
			if prev.producer == wk.Producer {
				continue
			}
			return nil, fatal(shardID, fmt.Errorf("%w: producers %d and %d", ErrInvalidEdge, prev.producer, wk.Producer)).withKey(wk.Key)
		}
		v.cells[wk.Key] = &overlayCell{producer: wk.Producer, done: make(chan struct{})}
	}
	v.unresolved = len(v.cells)
	return v, nil
}

// GetValue returns the value of key. For an unresolved overlay key the call
// blocks until the key is resolved, the round is aborted, or ctx ends.
// ok is false when the key holds no value.
func (v *CrossShardStateView) GetValue(ctx context.Context, key protocol.StateKey) (protocol.StateValue, bool, error) {
	cell, ok := v.cells[key]
	if !ok {
		return v.base.GetState(key)
	}

	select {
	case <-cell.done:
		return cell.read()
	default:
	}

	select {
	case <-cell.done:
		return cell.read()
	case <-v.aborted:
		// a resolution racing with the abort still wins
		select {
		case <-cell.done:
			return cell.read()
		default:
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRoundAborted, v.abortErr)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *overlayCell) read() (protocol.StateValue, bool, error) {
	return c.value, c.state == CellPresent, nil
}

// GetState makes the view usable as a state.Reader
func (v *CrossShardStateView) GetState(key protocol.StateKey) (protocol.StateValue, bool, error) {
	return v.GetValue(context.Background(), key)
}

// SetValue resolves key with the producer's value, or with absence when ok
// is false, and releases every reader waiting on it. Each key is resolved
// exactly once per round.
func (v *CrossShardStateView) SetValue(key protocol.StateKey, value protocol.StateValue, ok bool) error {
	cell, declared := v.cells[key]
	if !declared {
		return fatal(v.shardID, ErrUndeclaredKey).withKey(key)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cell.state != CellUnresolved {
		return fatal(v.shardID, fmt.Errorf("%w (already %s)", ErrDoubleResolution, cell.state)).withKey(key)
	}
	if ok {
		cell.state = CellPresent
		cell.value = value
	} else {
		cell.state = CellAbsent
	}
	v.unresolved--
	close(cell.done)
	return nil
}

// State reports the resolution state of an overlay key. ok is false for
// keys outside the wait set.
func (v *CrossShardStateView) State(key protocol.StateKey) (CellState, bool) {
	cell, declared := v.cells[key]
	if !declared {
		return 0, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return cell.state, true
}

// IsOverlayKey reports whether reads of key go through the overlay
func (v *CrossShardStateView) IsOverlayKey(key protocol.StateKey) bool {
	_, ok := v.cells[key]
	return ok
}

// NumUnresolved returns how many overlay keys still wait for a value
func (v *CrossShardStateView) NumUnresolved() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unresolved
}

// Unresolved lists the overlay keys that have not been resolved, sorted
func (v *CrossShardStateView) Unresolved() []protocol.StateKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	var keys []protocol.StateKey
	for key, cell := range v.cells {
		if cell.state == CellUnresolved {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Abort fails the round: blocked and future reads of unresolved keys return
// ErrRoundAborted. Only the first call has an effect.
func (v *CrossShardStateView) Abort(err error) {
	v.abortOnce.Do(func() {
		v.abortErr = err
		close(v.aborted)
	})
}

// Aborted reports whether Abort has been called
func (v *CrossShardStateView) Aborted() bool {
	select {
	case <-v.aborted:
		return true
	default:
		return false
	}
}
