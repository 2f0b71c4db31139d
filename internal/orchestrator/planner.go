package orchestrator

import (
	"fmt"
	"log"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// ShardOf picks the home shard of a transaction
type ShardOf func(tx *protocol.Transaction) protocol.ShardID

// ShardBySender homes a transaction on the shard owning its sender, using
// the last address byte like the state layout does.
func ShardBySender(numShards int) ShardOf {
	return func(tx *protocol.Transaction) protocol.ShardID {
		return AccountShard(tx.Sender, numShards)
	}
}

// AccountShard returns the shard owning addr
func AccountShard(addr common.Address, numShards int) protocol.ShardID {
	return protocol.ShardID(int(addr[common.AddressLength-1]) % numShards)
}

// placement is a transaction as positioned by the planner, before global
// indices are known
type placement struct {
	origin   int
	shard    protocol.ShardID
	local    int
	requires map[int][]protocol.StateKey // producer origin -> keys read from it
}

type cellKey struct {
	shard protocol.ShardID
	key   protocol.StateKey
}

// planner tracks, in block order, who last wrote every key and how each
// shard has already touched it
type planner struct {
	numShards  int
	placed     []*placement
	byOrigin   map[int]*placement
	perShard   [][]*placement
	lastWriter map[protocol.StateKey]int // key -> origin of last placed writer
	localWrite map[cellKey]bool          // shard wrote key itself
	baseRead   map[cellKey]bool          // shard read key before anyone wrote it
	cells      map[cellKey]int           // overlay cell -> producer origin
}

// Partition builds the sharded block of one round. Transactions keep their
// relative order inside each shard. A read of a key last written on another
// shard becomes a cross-shard edge from that writer; a transaction whose
// reads cannot be served on its home shard moves to the shard of the
// conflicting producer, or is discarded when that fails too. Every edge
// points from an earlier to a later transaction of the block, so the
// dependency graph of the round is acyclic.
func Partition(numShards int, txns []protocol.Transaction, shardOf ShardOf) (*protocol.ShardedBlock, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("invalid shard count %d", numShards)
	}
	p := &planner{
		numShards:  numShards,
		byOrigin:   make(map[int]*placement),
		perShard:   make([][]*placement, numShards),
		lastWriter: make(map[protocol.StateKey]int),
		localWrite: make(map[cellKey]bool),
		baseRead:   make(map[cellKey]bool),
		cells:      make(map[cellKey]int),
	}

	block := &protocol.ShardedBlock{}
	for i := range txns {
		tx := &txns[i]
		shard := shardOf(tx)
		if shard < 0 || int(shard) >= numShards {
			return nil, fmt.Errorf("txn %s homed on shard %d of %d", tx.ID, shard, numShards)
		}

		ok, conflict := p.fits(tx, shard)
		if !ok {
			shard = conflict
			ok, _ = p.fits(tx, shard)
		}
		if !ok {
			block.Discarded = append(block.Discarded, tx.ID)
			continue
		}
		p.place(i, tx, shard)
	}

	p.layout(txns, block)
	log.Printf("Planner: %d txns over %d shards, %d discarded", block.NumTransactions(), numShards, len(block.Discarded))
	return block, nil
}

// fits reports whether tx can run on shard. When it cannot, conflict is the
// shard of the producer whose value could not be delivered.
func (p *planner) fits(tx *protocol.Transaction, shard protocol.ShardID) (bool, protocol.ShardID) {
	for _, key := range tx.ReadKeys() {
		w, written := p.lastWriter[key]
		if !written {
			continue
		}
		producer := p.byOrigin[w]
		if producer.shard == shard {
			continue
		}
		ck := cellKey{shard: shard, key: key}
		if cur, waiting := p.cells[ck]; waiting {
			if cur != w {
				return false, producer.shard
			}
			continue
		}
		// a new overlay cell would hide what the shard already read or wrote
		if p.localWrite[ck] || p.baseRead[ck] {
			return false, producer.shard
		}
	}
	return true, shard
}

func (p *planner) place(origin int, tx *protocol.Transaction, shard protocol.ShardID) {
	pl := &placement{
		origin:   origin,
		shard:    shard,
		local:    len(p.perShard[shard]),
		requires: make(map[int][]protocol.StateKey),
	}
	for _, key := range tx.ReadKeys() {
		ck := cellKey{shard: shard, key: key}
		w, written := p.lastWriter[key]
		if !written {
			p.baseRead[ck] = true
			continue
		}
		if p.byOrigin[w].shard == shard {
			continue
		}
		p.cells[ck] = w
		pl.requires[w] = append(pl.requires[w], key)
	}
	for _, key := range tx.WriteKeys() {
		p.lastWriter[key] = origin
		p.localWrite[cellKey{shard: shard, key: key}] = true
	}
	p.byOrigin[origin] = pl
	p.placed = append(p.placed, pl)
	p.perShard[shard] = append(p.perShard[shard], pl)
}

// layout assigns consecutive global index ranges in shard order and turns
// the recorded reads into edges and wait sets
func (p *planner) layout(txns []protocol.Transaction, block *protocol.ShardedBlock) {
	global := make(map[int]protocol.TxnIndex, len(p.placed))
	start := protocol.TxnIndex(0)
	block.Shards = make([]protocol.ShardPlan, p.numShards)
	for s := 0; s < p.numShards; s++ {
		for _, pl := range p.perShard[s] {
			global[pl.origin] = start + protocol.TxnIndex(pl.local)
		}
		block.Shards[s] = protocol.ShardPlan{
			Shard: protocol.ShardID(s),
			SubBlock: protocol.SubBlock{
				StartIndex:   start,
				Transactions: make([]protocol.TransactionWithDeps, len(p.perShard[s])),
			},
		}
		start += protocol.TxnIndex(len(p.perShard[s]))
	}

	// consumers of each producer, in block order
	consumers := make(map[int][]*placement)
	for _, pl := range p.placed {
		for w := range pl.requires {
			consumers[w] = append(consumers[w], pl)
		}
	}

	for _, pl := range p.placed {
		deps := protocol.CrossShardDependencies{}
		for _, w := range sortedOrigins(pl.requires) {
			producer := p.byOrigin[w]
			deps.RequiredEdges = append(deps.RequiredEdges, protocol.CrossShardEdge{
				Txn:  protocol.ShardTxn{Shard: producer.shard, Txn: global[w]},
				Keys: pl.requires[w],
			})
		}
		for _, c := range consumers[pl.origin] {
			deps.DependentEdges = append(deps.DependentEdges, protocol.CrossShardEdge{
				Txn:  protocol.ShardTxn{Shard: c.shard, Txn: global[c.origin]},
				Keys: c.requires[pl.origin],
			})
		}
		block.Shards[pl.shard].SubBlock.Transactions[pl.local] = protocol.TransactionWithDeps{
			Txn:                    txns[pl.origin],
			CrossShardDependencies: deps,
		}
		block.Order = append(block.Order, global[pl.origin])
	}

	for ck, w := range p.cells {
		plan := &block.Shards[ck.shard]
		plan.WaitSet = append(plan.WaitSet, protocol.WaitKey{Producer: p.byOrigin[w].shard, Key: ck.key})
	}
	for s := range block.Shards {
		ws := block.Shards[s].WaitSet
		sort.Slice(ws, func(i, j int) bool { return ws[i].Key.Less(ws[j].Key) })
	}
}

func sortedOrigins(m map[int][]protocol.StateKey) []int {
	out := make([]int, 0, len(m))
	for w := range m {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}
