package shard

import (
	"errors"
	"fmt"

	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// Fatal conditions. Each of them means the planner and the executor
// disagree about the round, and the round must be aborted.
var (
	ErrDoubleResolution  = errors.New("overlay cell resolved twice")
	ErrUndeclaredKey     = errors.New("remote write for a key outside the wait set")
	ErrMissingDependency = errors.New("dependency index entry missing")
	ErrInvalidEdge       = errors.New("invalid cross-shard edge")
	ErrChannelClosed     = errors.New("cross-shard channel closed unexpectedly")
	ErrUnexpectedStop    = errors.New("unexpected stop signal")
	ErrUnresolvedOnStop  = errors.New("all stop signals received with dependencies unresolved")
	ErrSendAfterStop     = errors.New("commit notification after stop")
	ErrRoundAborted      = errors.New("round aborted")
)

// FatalError locates a fatal round condition by shard, transaction and key
// when they are known.
type FatalError struct {
	Shard  protocol.ShardID
	Txn    protocol.TxnIndex
	HasTxn bool
	Key    protocol.StateKey
	HasKey bool
	Err    error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("shard %d", e.Shard)
	if e.HasTxn {
		msg += fmt.Sprintf(" txn %d", e.Txn)
	}
	if e.HasKey {
		msg += fmt.Sprintf(" key %s", e.Key)
	}
	return msg + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(shard protocol.ShardID, err error) *FatalError {
	return &FatalError{Shard: shard, Err: err}
}

func (e *FatalError) withTxn(txn protocol.TxnIndex) *FatalError {
	e.Txn, e.HasTxn = txn, true
	return e
}

func (e *FatalError) withKey(key protocol.StateKey) *FatalError {
	e.Key, e.HasKey = key, true
	return e
}
