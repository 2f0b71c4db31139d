package protocol

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEncodeMsgs_RoundTripKeepsAbsence(t *testing.T) {
	key := StorageKey(common.HexToAddress("0x42"), common.HexToHash("0x07"))
	msgs := []CrossShardMsg{
		NewRemoteTxnWrite(key, StateValue{0xde, 0xad}, true),
		NewRemoteTxnWrite(key, StateValue{}, true),
		NewRemoteTxnWrite(key, StateValue{0xff}, false),
		&StopMsg{From: 3},
	}

	data, err := EncodeMsgs(msgs)
	if err != nil {
		t.Fatalf("EncodeMsgs failed: %v", err)
	}
	decoded, err := DecodeMsgs(data)
	if err != nil {
		t.Fatalf("DecodeMsgs failed: %v", err)
	}
	if len(decoded) != len(msgs) {
		t.Fatalf("Expected %d messages, got %d", len(msgs), len(decoded))
	}

	present := decoded[0].(*RemoteTxnWrite)
	if k, v, ok := present.Take(); k != key || !ok || !v.Equal(StateValue{0xde, 0xad}) {
		t.Errorf("Present write decoded as (%s, %x, %v)", k, v, ok)
	}
	// An empty present value must stay distinguishable from absence
	if _, _, ok := decoded[1].(*RemoteTxnWrite).Take(); !ok {
		t.Errorf("Empty value decoded as absent")
	}
	if _, v, ok := decoded[2].(*RemoteTxnWrite).Take(); ok || v != nil {
		t.Errorf("Absent write decoded as present (%x)", v)
	}
	if stop, ok := decoded[3].(*StopMsg); !ok || stop.From != 3 {
		t.Errorf("Expected StopMsg from shard 3, got %#v", decoded[3])
	}
}

func TestDecodeMsgs_Garbage(t *testing.T) {
	_, err := DecodeMsgs([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("Expected ErrSerialization decoding garbage, got %v", err)
	}
}

type bogusMsg struct{}

func (bogusMsg) isCrossShardMsg() {}

func TestEncodeMsgs_UnknownMessage(t *testing.T) {
	_, err := EncodeMsgs([]CrossShardMsg{bogusMsg{}})
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage, got %v", err)
	}
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("Expected ErrSerialization, got %v", err)
	}
}
