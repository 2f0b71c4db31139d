package shard

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sharding-experiment/crossshard/internal/network"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// destination is the exclusive send handle of one remote shard
type destination struct {
	mu  sync.Mutex
	out network.Outbox
}

func (d *destination) send(msg protocol.CrossShardMsg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.Send(msg)
}

// SenderStats are the counters a sender accumulates over one round
type SenderStats struct {
	MessagesSent    uint64
	AbsentSent      uint64
	TxnsNotified    uint64
	AbortsForwarded uint64
}

// CommitSender fans the committed writes of this shard's transactions out
// to the shards that declared a dependency on them. It runs on the
// executor's commit path: it never waits on a consumer.
type CommitSender struct {
	shardID     protocol.ShardID
	index       *DependencyIndex
	dests       []*destination // indexed by shard id, nil for self
	indexOffset protocol.TxnIndex
	stopped     atomic.Bool

	messagesSent    atomic.Uint64
	absentSent      atomic.Uint64
	txnsNotified    atomic.Uint64
	abortsForwarded atomic.Uint64
}

// BuildSender creates the commit sender of shardID for one round.
// outbound holds one handle per shard (entry shardID unused); the sub-block
// supplies the dependent edges and the index offset.
func BuildSender(shardID protocol.ShardID, outbound []network.Outbox, subBlock *protocol.SubBlock) (*CommitSender, error) {
	if shardID < 0 || int(shardID) >= len(outbound) {
		return nil, fmt.Errorf("shard %d out of range for %d outbound handles", shardID, len(outbound))
	}
	index, err := BuildDependencyIndex(shardID, len(outbound), subBlock)
	if err != nil {
		return nil, err
	}

	dests := make([]*destination, len(outbound))
	for i, out := range outbound {
		if protocol.ShardID(i) == shardID {
			continue
		}
		if out == nil {
			return nil, fmt.Errorf("shard %d: missing outbound handle for shard %d", shardID, i)
		}
		dests[i] = &destination{out: out}
	}

	log.Printf("Shard %d: CommitSender built, %d txns with %d dependent edges (%d declared), offset %d",
		shardID, index.NumTxns(), index.NumEdges(), index.NumRawEdges(), subBlock.StartIndex)

	return &CommitSender{
		shardID:     shardID,
		index:       index,
		dests:       dests,
		indexOffset: subBlock.StartIndex,
	}, nil
}

// Index exposes the round's dependency index
func (s *CommitSender) Index() *DependencyIndex {
	return s.index
}

// GlobalIndex converts an executor-local index into the block-wide index
func (s *CommitSender) GlobalIndex(local protocol.TxnIndex) protocol.TxnIndex {
	return local + s.indexOffset
}

// OnTransactionCommitted sends one RemoteWrite per (key, consumer) edge of
// the transaction. Keys the transaction did not write, and every key of an
// aborted transaction, are sent as absent so no consumer waits forever.
func (s *CommitSender) OnTransactionCommitted(local protocol.TxnIndex, output *protocol.TransactionOutput) error {
	global := s.GlobalIndex(local)
	groups, ok := s.index.Lookup(global)
	if !ok {
		return nil
	}
	if s.stopped.Load() {
		return fatal(s.shardID, ErrSendAfterStop).withTxn(global)
	}

	writes, committed := output.CommittedWrites()
	if !committed {
		s.abortsForwarded.Add(1)
	}

	for _, group := range groups {
		var (
			value   protocol.StateValue
			present bool
		)
		if committed {
			if op, written := writes.Get(group.Key); written {
				value, present = op.AsStateValue()
			}
		}
		for _, consumer := range group.Consumers {
			msg := protocol.NewRemoteTxnWrite(group.Key, value, present)
			if err := s.dests[consumer].send(msg); err != nil {
				return fatal(s.shardID, fmt.Errorf("%w: send to shard %d: %v", ErrChannelClosed, consumer, err)).
					withTxn(global).withKey(group.Key)
			}
			s.messagesSent.Add(1)
			if !present {
				s.absentSent.Add(1)
			}
		}
	}
	s.txnsNotified.Add(1)
	return nil
}

// SendStop ends the round on every outbound channel. It must be called once,
// after the last local transaction has committed.
func (s *CommitSender) SendStop() error {
	if s.stopped.Swap(true) {
		return fatal(s.shardID, fmt.Errorf("%w: stop sent twice", ErrUnexpectedStop))
	}
	for i, d := range s.dests {
		if d == nil {
			continue
		}
		if err := d.send(&protocol.StopMsg{From: s.shardID}); err != nil {
			return fatal(s.shardID, fmt.Errorf("%w: stop to shard %d: %v", ErrChannelClosed, i, err))
		}
	}
	return nil
}

// Stats returns the round counters
func (s *CommitSender) Stats() SenderStats {
	return SenderStats{
		MessagesSent:    s.messagesSent.Load(),
		AbsentSent:      s.absentSent.Load(),
		TxnsNotified:    s.txnsNotified.Load(),
		AbortsForwarded: s.abortsForwarded.Load(),
	}
}
