package network

import (
	"context"
	"fmt"

	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// Outbox is the sending half of a point-to-point channel to one shard.
// Send must not block.
type Outbox interface {
	Send(msg protocol.CrossShardMsg) error
}

// Inbox is the single receiving end of a shard. Messages from all remote
// shards are merged into it.
type Inbox interface {
	Recv(ctx context.Context) (protocol.CrossShardMsg, error)
}

// Fabric hands out the channel endpoints of one round
type Fabric interface {
	// Outboxes returns one handle per destination shard, indexed by shard id.
	// The entry for the source shard itself is nil.
	Outboxes(from protocol.ShardID) ([]Outbox, error)
	Inbox(shard protocol.ShardID) (Inbox, error)
	Close() error
}

// ChannelFabric is the in-process full mesh: one mailbox per shard
type ChannelFabric struct {
	mailboxes []*Mailbox
}

// NewChannelFabric creates a mesh for numShards shards
func NewChannelFabric(numShards int) *ChannelFabric {
	boxes := make([]*Mailbox, numShards)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	return &ChannelFabric{mailboxes: boxes}
}

type mailboxOutbox struct {
	box *Mailbox
}

func (o mailboxOutbox) Send(msg protocol.CrossShardMsg) error {
	return o.box.Put(msg)
}

func (f *ChannelFabric) checkShard(shard protocol.ShardID) error {
	if shard < 0 || int(shard) >= len(f.mailboxes) {
		return fmt.Errorf("shard %d out of range [0,%d)", shard, len(f.mailboxes))
	}
	return nil
}

func (f *ChannelFabric) Outboxes(from protocol.ShardID) ([]Outbox, error) {
	if err := f.checkShard(from); err != nil {
		return nil, err
	}
	out := make([]Outbox, len(f.mailboxes))
	for i, box := range f.mailboxes {
		if protocol.ShardID(i) == from {
			continue
		}
		out[i] = mailboxOutbox{box: box}
	}
	return out, nil
}

func (f *ChannelFabric) Inbox(shard protocol.ShardID) (Inbox, error) {
	if err := f.checkShard(shard); err != nil {
		return nil, err
	}
	return f.mailboxes[shard], nil
}

// Close closes every mailbox; pending receivers see ErrClosed once drained
func (f *ChannelFabric) Close() error {
	for _, box := range f.mailboxes {
		box.Close()
	}
	return nil
}
