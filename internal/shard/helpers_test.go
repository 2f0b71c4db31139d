package shard

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sharding-experiment/crossshard/internal/network"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// recordingOutbox captures sent messages
type recordingOutbox struct {
	mu   sync.Mutex
	msgs []protocol.CrossShardMsg
	err  error
}

func (o *recordingOutbox) Send(msg protocol.CrossShardMsg) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *recordingOutbox) writes() []*protocol.RemoteTxnWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*protocol.RemoteTxnWrite
	for _, m := range o.msgs {
		if w, ok := m.(*protocol.RemoteTxnWrite); ok {
			out = append(out, w)
		}
	}
	return out
}

func (o *recordingOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

func recordingOutboxes(n int, self protocol.ShardID) ([]network.Outbox, []*recordingOutbox) {
	handles := make([]network.Outbox, n)
	recs := make([]*recordingOutbox, n)
	for i := 0; i < n; i++ {
		if protocol.ShardID(i) == self {
			continue
		}
		recs[i] = &recordingOutbox{}
		handles[i] = recs[i]
	}
	return handles, recs
}

func slotKey(name string) protocol.StateKey {
	return protocol.StorageKey(common.HexToAddress("0xc0ffee"), common.BytesToHash([]byte(name)))
}

// producerTxn declares that consumers read keys from this transaction
func producerTxn(id string, edges ...protocol.CrossShardEdge) protocol.TransactionWithDeps {
	return protocol.TransactionWithDeps{
		Txn:                    protocol.Transaction{ID: id},
		CrossShardDependencies: protocol.CrossShardDependencies{DependentEdges: edges},
	}
}

func edgeTo(shard protocol.ShardID, txn protocol.TxnIndex, keys ...protocol.StateKey) protocol.CrossShardEdge {
	return protocol.CrossShardEdge{Txn: protocol.ShardTxn{Shard: shard, Txn: txn}, Keys: keys}
}

// subBlockWith places txns at the given local positions of an n-long
// sub-block starting at start
func subBlockWith(start protocol.TxnIndex, n int, at map[int]protocol.TransactionWithDeps) *protocol.SubBlock {
	sb := &protocol.SubBlock{StartIndex: start, Transactions: make([]protocol.TransactionWithDeps, n)}
	for i := range sb.Transactions {
		sb.Transactions[i] = protocol.TransactionWithDeps{Txn: protocol.Transaction{ID: "plain"}}
	}
	for pos, txn := range at {
		sb.Transactions[pos] = txn
	}
	return sb
}
