package shard

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sharding-experiment/crossshard/internal/network"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// ReceiverStats are the counters of one receiver loop
type ReceiverStats struct {
	Writes int
	Absent int
	Stops  int
}

// CommitReceiver drains a shard's inbound channel into its state view. It
// runs on one dedicated goroutine per shard.
type CommitReceiver struct {
	shardID   protocol.ShardID
	numShards int
	inbound   network.Inbox
	view      *CrossShardStateView

	stops map[protocol.ShardID]bool
	stats ReceiverStats
}

// BuildReceiver creates the receiver of shardID. It expects one stop from
// every other shard.
func BuildReceiver(shardID protocol.ShardID, numShards int, inbound network.Inbox, view *CrossShardStateView) *CommitReceiver {
	return &CommitReceiver{
		shardID:   shardID,
		numShards: numShards,
		inbound:   inbound,
		view:      view,
		stops:     make(map[protocol.ShardID]bool),
	}
}

// Run receives until every remote shard has sent its stop. Any error is
// fatal for the round; before returning one, Run aborts the view so that no
// reader stays blocked.
func (r *CommitReceiver) Run(ctx context.Context) error {
	err := r.loop(ctx)
	if err != nil {
		log.Printf("Shard %d: CommitReceiver failed: %v", r.shardID, err)
		r.view.Abort(err)
		return err
	}
	log.Printf("Shard %d: CommitReceiver done, %d writes (%d absent), %d stops",
		r.shardID, r.stats.Writes, r.stats.Absent, r.stats.Stops)
	return nil
}

func (r *CommitReceiver) loop(ctx context.Context) error {
	expected := r.numShards - 1
	for len(r.stops) < expected {
		msg, err := r.inbound.Recv(ctx)
		if err != nil {
			if errors.Is(err, network.ErrClosed) {
				return fatal(r.shardID, fmt.Errorf("%w after %d of %d stops", ErrChannelClosed, len(r.stops), expected))
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.RemoteTxnWrite:
			key, value, ok := m.Take()
			if err := r.view.SetValue(key, value, ok); err != nil {
				return err
			}
			r.stats.Writes++
			if !ok {
				r.stats.Absent++
			}
		case *protocol.StopMsg:
			if err := r.acceptStop(m.From); err != nil {
				return err
			}
		default:
			return fatal(r.shardID, fmt.Errorf("%w: %T", protocol.ErrUnknownMessage, msg))
		}
	}

	if pending := r.view.Unresolved(); len(pending) > 0 {
		return fatal(r.shardID, fmt.Errorf("%w: %d keys", ErrUnresolvedOnStop, len(pending))).withKey(pending[0])
	}
	return nil
}

func (r *CommitReceiver) acceptStop(from protocol.ShardID) error {
	if from == r.shardID || from < 0 || int(from) >= r.numShards {
		return fatal(r.shardID, fmt.Errorf("%w: from shard %d", ErrUnexpectedStop, from))
	}
	if r.stops[from] {
		return fatal(r.shardID, fmt.Errorf("%w: duplicate stop from shard %d", ErrUnexpectedStop, from))
	}
	r.stops[from] = true
	r.stats.Stops++
	return nil
}

// Stats returns the counters. Only meaningful once Run has returned.
func (r *CommitReceiver) Stats() ReceiverStats {
	return r.stats
}
