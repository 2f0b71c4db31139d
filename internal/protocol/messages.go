package protocol

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// CrossShardMsg is what travels between shards during a round.
// It is either a *RemoteTxnWrite or a *StopMsg.
type CrossShardMsg interface {
	isCrossShardMsg()
}

// RemoteTxnWrite carries the committed value of one key to a consumer
// shard. Present=false means the producer did not leave a value behind
// (no write, deletion, or abort).
type RemoteTxnWrite struct {
	Key     StateKey
	Value   StateValue
	Present bool
}

// StopMsg marks the end of the round on one source shard
type StopMsg struct {
	From ShardID
}

func (*RemoteTxnWrite) isCrossShardMsg() {}
func (*StopMsg) isCrossShardMsg() {}

// NewRemoteTxnWrite builds a write message; ok=false encodes absence
func NewRemoteTxnWrite(key StateKey, value StateValue, ok bool) *RemoteTxnWrite {
	if !ok {
		value = nil
	}
	return &RemoteTxnWrite{Key: key, Value: value, Present: ok}
}

// Take returns the message contents
func (m *RemoteTxnWrite) Take() (StateKey, StateValue, bool) {
	return m.Key, m.Value, m.Present
}

func (m *RemoteTxnWrite) String() string {
	if !m.Present {
		return fmt.Sprintf("RemoteTxnWrite(%s, absent)", m.Key)
	}
	return fmt.Sprintf("RemoteTxnWrite(%s, %x)", m.Key, []byte(m.Value))
}

const (
	wireRemoteWrite uint8 = 1
	wireStop        uint8 = 2
)

// wireMsg is the RLP layout of a CrossShardMsg
type wireMsg struct {
	Kind      uint8
	KeyKind   uint8
	Address   common.Address
	Slot      common.Hash
	Present   bool
	Value     []byte
	FromShard uint64
}

var (
	ErrUnknownMessage = errors.New("unknown cross-shard message")
	ErrSerialization  = errors.New("cross-shard message serialization failed")
)

func toWire(msg CrossShardMsg) (wireMsg, error) {
	switch m := msg.(type) {
	case *RemoteTxnWrite:
		return wireMsg{
			Kind:    wireRemoteWrite,
			KeyKind: uint8(m.Key.Kind),
			Address: m.Key.Address,
			Slot:    m.Key.Slot,
			Present: m.Present,
			Value:   m.Value,
		}, nil
	case *StopMsg:
		if m.From < 0 {
			return wireMsg{}, fmt.Errorf("stop from negative shard %d", m.From)
		}
		return wireMsg{Kind: wireStop, FromShard: uint64(m.From)}, nil
	default:
		return wireMsg{}, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

func fromWire(w wireMsg) (CrossShardMsg, error) {
	switch w.Kind {
	case wireRemoteWrite:
		key := StateKey{Kind: KeyKind(w.KeyKind), Address: w.Address, Slot: w.Slot}
		return NewRemoteTxnWrite(key, w.Value, w.Present), nil
	case wireStop:
		return &StopMsg{From: ShardID(w.FromShard)}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownMessage, w.Kind)
	}
}

// EncodeMsgs serializes a batch of messages with RLP
func EncodeMsgs(msgs []CrossShardMsg) ([]byte, error) {
	batch := make([]wireMsg, 0, len(msgs))
	for _, msg := range msgs {
		w, err := toWire(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		batch = append(batch, w)
	}
	data, err := rlp.EncodeToBytes(batch)
	if err != nil {
		return nil, fmt.Errorf("%w: encode batch: %w", ErrSerialization, err)
	}
	return data, nil
}

// DecodeMsgs parses a batch produced by EncodeMsgs
func DecodeMsgs(data []byte) ([]CrossShardMsg, error) {
	var batch []wireMsg
	if err := rlp.DecodeBytes(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: decode batch: %w", ErrSerialization, err)
	}
	msgs := make([]CrossShardMsg, 0, len(batch))
	for _, w := range batch {
		msg, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
