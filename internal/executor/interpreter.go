package executor

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/state"
)

// Word encodes n as a 32-byte big-endian state value
func Word(n uint64) protocol.StateValue {
	return WordOf(uint256.NewInt(n))
}

// WordOf encodes a uint256 as a 32-byte big-endian state value
func WordOf(n *uint256.Int) protocol.StateValue {
	w := n.Bytes32()
	return protocol.StateValue(w[:])
}

// txnView layers a transaction's own pending writes over the shard reader
type txnView struct {
	reader state.Reader
	writes protocol.WriteSet
}

func (v *txnView) get(key protocol.StateKey) (protocol.StateValue, bool, error) {
	if op, ok := v.writes[key]; ok {
		val, present := op.AsStateValue()
		return val, present, nil
	}
	return v.reader.GetState(key)
}

func (v *txnView) word(key protocol.StateKey) (*uint256.Int, error) {
	val, ok, err := v.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	if len(val) > 32 {
		return nil, fmt.Errorf("value of %s is %d bytes, not a word", key, len(val))
	}
	return new(uint256.Int).SetBytes(val), nil
}

// Interpret runs a transaction program against reader. Failed arithmetic
// aborts the transaction; a read error is returned as is, since it means the
// round itself is failing.
func Interpret(tx *protocol.Transaction, reader state.Reader) (*protocol.TransactionOutput, error) {
	view := &txnView{reader: reader, writes: make(protocol.WriteSet)}
	halts := false

	for i, op := range tx.Ops {
		switch op.Code {
		case protocol.OpSet:
			view.writes[op.Key] = protocol.Modify(op.Value)

		case protocol.OpAdd, protocol.OpSub:
			cur, err := view.word(op.Key)
			if err != nil {
				return nil, fmt.Errorf("txn %s op %d: %w", tx.ID, i, err)
			}
			amount := uint256.NewInt(op.Amount)
			var (
				next     uint256.Int
				overflow bool
			)
			if op.Code == protocol.OpAdd {
				_, overflow = next.AddOverflow(cur, amount)
			} else {
				_, overflow = next.SubOverflow(cur, amount)
			}
			if overflow {
				return protocol.AbortOutput(fmt.Sprintf("op %d: arithmetic overflow on %s", i, op.Key)), nil
			}
			view.writes[op.Key] = protocol.Modify(WordOf(&next))

		case protocol.OpCopy:
			val, ok, err := view.get(op.Src)
			if err != nil {
				return nil, fmt.Errorf("txn %s op %d: %w", tx.ID, i, err)
			}
			if ok {
				view.writes[op.Key] = protocol.Modify(val)
			} else {
				view.writes[op.Key] = protocol.Delete()
			}

		case protocol.OpDelete:
			view.writes[op.Key] = protocol.Delete()

		case protocol.OpHalt:
			halts = true

		default:
			return protocol.AbortOutput(fmt.Sprintf("op %d: unknown opcode %d", i, op.Code)), nil
		}
	}

	if halts {
		return protocol.SkipRestOutput(view.writes), nil
	}
	return protocol.SuccessOutput(view.writes), nil
}
