package shard

import (
	"fmt"
	"sort"

	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// KeyConsumers is one outgoing edge group: a key and the shards reading it
type KeyConsumers struct {
	Key       protocol.StateKey
	Consumers []protocol.ShardID // sorted, unique
}

// DependencyIndex maps a committing transaction (by global index) to the
// keys other shards read from it. It is built once per round and never
// mutated afterwards, so it is read without locking.
type DependencyIndex struct {
	shardID  protocol.ShardID
	edges    map[protocol.TxnIndex][]KeyConsumers
	rawEdges int
	edgesOut int
}

// BuildDependencyIndex collects the dependent edges declared on the
// sub-block. Transactions without edges are left out. Duplicate (key,
// consumer) declarations collapse into one edge.
func BuildDependencyIndex(shardID protocol.ShardID, numShards int, subBlock *protocol.SubBlock) (*DependencyIndex, error) {
	idx := &DependencyIndex{
		shardID: shardID,
		edges:   make(map[protocol.TxnIndex][]KeyConsumers),
	}

	var buildErr error
	subBlock.TxnWithIndex(func(global protocol.TxnIndex, txn *protocol.TransactionWithDeps) {
		if buildErr != nil {
			return
		}
		targets := make(map[protocol.StateKey]map[protocol.ShardID]struct{})
		for _, edge := range txn.CrossShardDependencies.DependentEdges {
			consumer := edge.Txn.Shard
			if consumer == shardID || consumer < 0 || int(consumer) >= numShards {
				buildErr = fatal(shardID, fmt.Errorf("%w: consumer %s", ErrInvalidEdge, edge.Txn)).withTxn(global)
				return
			}
			for _, key := range edge.Keys {
				if targets[key] == nil {
					targets[key] = make(map[protocol.ShardID]struct{})
				}
				targets[key][consumer] = struct{}{}
				idx.rawEdges++
			}
		}
		if len(targets) == 0 {
			return
		}

		groups := make([]KeyConsumers, 0, len(targets))
		for key, set := range targets {
			consumers := make([]protocol.ShardID, 0, len(set))
			for s := range set {
				consumers = append(consumers, s)
			}
			sort.Slice(consumers, func(i, j int) bool { return consumers[i] < consumers[j] })
			groups = append(groups, KeyConsumers{Key: key, Consumers: consumers})
			idx.edgesOut += len(consumers)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Key.Less(groups[j].Key) })
		idx.edges[global] = groups
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return idx, nil
}

// Lookup returns the edge groups of a global index
func (d *DependencyIndex) Lookup(global protocol.TxnIndex) ([]KeyConsumers, bool) {
	groups, ok := d.edges[global]
	return groups, ok
}

// NumTxns is the number of transactions with at least one dependent edge
func (d *DependencyIndex) NumTxns() int {
	return len(d.edges)
}

// NumRawEdges counts (key, consumer) declarations before deduplication
func (d *DependencyIndex) NumRawEdges() int {
	return d.rawEdges
}

// NumEdges counts deduplicated (txn, key, consumer) edges, which is the
// number of RemoteWrite messages the round will send
func (d *DependencyIndex) NumEdges() int {
	return d.edgesOut
}
