package protocol

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OpCode is one instruction of the transaction programs run by the executor
type OpCode uint8

const (
	OpSet    OpCode = iota // Key = Value
	OpAdd                  // Key += Amount
	OpSub                  // Key -= Amount, aborts on underflow
	OpCopy                 // Key = Src
	OpDelete               // delete Key
	OpHalt                 // commit, then skip the rest of the sub-block
)

// Op is a single state operation
type Op struct {
	Code   OpCode     `json:"code"`
	Key    StateKey   `json:"key"`
	Src    StateKey   `json:"src,omitempty"`
	Value  StateValue `json:"value,omitempty"`
	Amount uint64     `json:"amount,omitempty"`
}

// Transaction is a small program over state keys. It stands in for a VM
// transaction: the executor interprets the ops in order.
type Transaction struct {
	ID     string         `json:"id"`
	Sender common.Address `json:"sender"`
	Ops    []Op           `json:"ops"`
}

// ReadKeys returns the keys whose prior value the program observes
func (tx *Transaction) ReadKeys() []StateKey {
	var keys []StateKey
	seen := make(map[StateKey]bool)
	add := func(k StateKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, op := range tx.Ops {
		switch op.Code {
		case OpAdd, OpSub:
			add(op.Key)
		case OpCopy:
			add(op.Src)
		}
	}
	return keys
}

// WriteKeys returns the keys the program may write
func (tx *Transaction) WriteKeys() []StateKey {
	var keys []StateKey
	seen := make(map[StateKey]bool)
	for _, op := range tx.Ops {
		if op.Code == OpHalt || seen[op.Key] {
			continue
		}
		seen[op.Key] = true
		keys = append(keys, op.Key)
	}
	return keys
}

// Halts reports whether the program ends the sub-block when it succeeds
func (tx *Transaction) Halts() bool {
	for _, op := range tx.Ops {
		if op.Code == OpHalt {
			return true
		}
	}
	return false
}

// Hash returns the transaction hash
func (tx *Transaction) Hash() common.Hash {
	data, _ := json.Marshal(tx)
	return crypto.Keccak256Hash(data)
}

// CrossShardEdge names a remote transaction and the keys flowing across
type CrossShardEdge struct {
	Txn  ShardTxn   `json:"txn"`
	Keys []StateKey `json:"keys"`
}

// CrossShardDependencies are the planner annotations of one transaction.
// RequiredEdges point at producers this transaction reads from;
// DependentEdges point at consumers reading this transaction's writes.
// Raw declarations may repeat keys.
type CrossShardDependencies struct {
	RequiredEdges  []CrossShardEdge `json:"required_edges,omitempty"`
	DependentEdges []CrossShardEdge `json:"dependent_edges,omitempty"`
}

// IsEmpty reports whether the transaction has no cross-shard edges at all
func (d *CrossShardDependencies) IsEmpty() bool {
	return len(d.RequiredEdges) == 0 && len(d.DependentEdges) == 0
}

// TransactionWithDeps is a transaction as placed into a shard's sub-block
type TransactionWithDeps struct {
	Txn                    Transaction            `json:"txn"`
	CrossShardDependencies CrossShardDependencies `json:"cross_shard_dependencies"`
}

// SubBlock is the contiguous slice of the block assigned to one shard.
// Global index of the i-th transaction is StartIndex + i.
type SubBlock struct {
	StartIndex   TxnIndex              `json:"start_index"`
	Transactions []TransactionWithDeps `json:"transactions"`
}

// Len returns the number of transactions in the sub-block
func (sb *SubBlock) Len() int {
	return len(sb.Transactions)
}

// EndIndex returns one past the last global index
func (sb *SubBlock) EndIndex() TxnIndex {
	return sb.StartIndex + TxnIndex(len(sb.Transactions))
}

// GlobalIndex converts a local position to a global index
func (sb *SubBlock) GlobalIndex(local TxnIndex) TxnIndex {
	return local + sb.StartIndex
}

// TxnWithIndex calls fn for every transaction with its global index
func (sb *SubBlock) TxnWithIndex(fn func(global TxnIndex, txn *TransactionWithDeps)) {
	for i := range sb.Transactions {
		fn(sb.StartIndex+TxnIndex(i), &sb.Transactions[i])
	}
}

// WaitKey is one cross-shard read a consumer shard blocks on
type WaitKey struct {
	Producer ShardID  `json:"producer"`
	Key      StateKey `json:"key"`
}

// ShardPlan is the planner output for one shard: its sub-block and the keys
// it must wait on this round.
type ShardPlan struct {
	Shard    ShardID   `json:"shard"`
	SubBlock SubBlock  `json:"sub_block"`
	WaitSet  []WaitKey `json:"wait_set,omitempty"`
}

// ShardedBlock is the immutable per-round input: one plan per shard.
// Sub-blocks cover consecutive global index ranges in shard order; Order
// lists the global indices in the block's serialization order.
type ShardedBlock struct {
	Shards    []ShardPlan `json:"shards"`
	Order     []TxnIndex  `json:"order"`
	Discarded []string    `json:"discarded,omitempty"` // IDs of transactions the planner could not place
}

// NumShards returns S
func (b *ShardedBlock) NumShards() int {
	return len(b.Shards)
}

// NumTransactions counts the placed transactions
func (b *ShardedBlock) NumTransactions() int {
	n := 0
	for i := range b.Shards {
		n += b.Shards[i].SubBlock.Len()
	}
	return n
}

// Locate maps a global index to its shard and local index
func (b *ShardedBlock) Locate(global TxnIndex) (ShardID, TxnIndex, bool) {
	for i := range b.Shards {
		sb := &b.Shards[i].SubBlock
		if global >= sb.StartIndex && global < sb.EndIndex() {
			return b.Shards[i].Shard, global - sb.StartIndex, true
		}
	}
	return 0, 0, false
}
