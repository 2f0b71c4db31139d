package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestStateKey_MapIdentity(t *testing.T) {
	addr := common.HexToAddress("0x1234")
	slot := common.HexToHash("0x01")

	m := map[StateKey]int{StorageKey(addr, slot): 1}
	if m[StorageKey(addr, slot)] != 1 {
		t.Errorf("Expected equal keys to address the same map entry")
	}
	if _, ok := m[BalanceKey(addr)]; ok {
		t.Errorf("Balance key must not collide with storage key")
	}
	if StorageKey(addr, slot).Hash() == BalanceKey(addr).Hash() {
		t.Errorf("Expected distinct hashes for distinct key kinds")
	}
}

func TestStateKey_Less(t *testing.T) {
	a := BalanceKey(common.HexToAddress("0x01"))
	b := BalanceKey(common.HexToAddress("0x02"))
	s := StorageKey(common.HexToAddress("0x01"), common.Hash{})

	if !a.Less(b) || b.Less(a) {
		t.Errorf("Expected address ordering within a kind")
	}
	if !s.Less(a) {
		t.Errorf("Expected storage keys to sort before balance keys")
	}
	if a.Less(a) {
		t.Errorf("Key must not be less than itself")
	}
}

func TestWriteOp_AsStateValue(t *testing.T) {
	tests := []struct {
		name    string
		op      WriteOp
		wantOK  bool
		wantVal StateValue
	}{
		{"creation", Create(StateValue{0x01}), true, StateValue{0x01}},
		{"modification", Modify(StateValue{0x02}), true, StateValue{0x02}},
		{"empty modification is present", Modify(StateValue{}), true, StateValue{}},
		{"deletion", Delete(), false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := tt.op.AsStateValue()
			if ok != tt.wantOK {
				t.Fatalf("AsStateValue() ok = %v, want %v", ok, tt.wantOK)
			}
			if !v.Equal(tt.wantVal) {
				t.Errorf("AsStateValue() = %x, want %x", v, tt.wantVal)
			}
		})
	}
}

func TestTransactionOutput_CommittedWrites(t *testing.T) {
	key := BalanceKey(common.HexToAddress("0x01"))
	ws := WriteSet{key: Modify(StateValue{0x05})}

	if got, ok := SuccessOutput(ws).CommittedWrites(); !ok || len(got) != 1 {
		t.Errorf("Success output should expose its write set")
	}
	if got, ok := SkipRestOutput(ws).CommittedWrites(); !ok || len(got) != 1 {
		t.Errorf("SkipRest output should expose its write set")
	}
	if _, ok := AbortOutput("out of funds").CommittedWrites(); ok {
		t.Errorf("Abort output must not expose a write set")
	}
	if got, ok := SuccessOutput(nil).CommittedWrites(); !ok || got == nil {
		t.Errorf("Success with nil writes should yield an empty write set")
	}
}

func TestWriteSet_KeysSorted(t *testing.T) {
	ws := WriteSet{
		BalanceKey(common.HexToAddress("0x03")): Delete(),
		BalanceKey(common.HexToAddress("0x01")): Delete(),
		StorageKey(common.HexToAddress("0x09"), common.Hash{}): Delete(),
	}
	keys := ws.Keys()
	for i := 1; i < len(keys); i++ {
		if !keys[i-1].Less(keys[i]) {
			t.Errorf("Keys() not sorted at %d: %s >= %s", i, keys[i-1], keys[i])
		}
	}
}

func TestTransaction_ReadWriteKeys(t *testing.T) {
	from := BalanceKey(common.HexToAddress("0xaa"))
	to := BalanceKey(common.HexToAddress("0xbb"))
	slot := StorageKey(common.HexToAddress("0xcc"), common.HexToHash("0x01"))

	tx := Transaction{
		ID: "transfer",
		Ops: []Op{
			{Code: OpSub, Key: from, Amount: 10},
			{Code: OpAdd, Key: to, Amount: 10},
			{Code: OpCopy, Key: slot, Src: to},
			{Code: OpAdd, Key: to, Amount: 1},
		},
	}

	reads := tx.ReadKeys()
	if len(reads) != 2 || reads[0] != from || reads[1] != to {
		t.Errorf("ReadKeys() = %v, want [%s %s]", reads, from, to)
	}
	writes := tx.WriteKeys()
	if len(writes) != 3 {
		t.Errorf("WriteKeys() = %v, want 3 unique keys", writes)
	}
	if tx.Halts() {
		t.Errorf("Transaction without OpHalt should not halt")
	}
}

func TestSubBlock_GlobalIndex(t *testing.T) {
	sb := SubBlock{StartIndex: 100, Transactions: make([]TransactionWithDeps, 10)}

	if got := sb.GlobalIndex(7); got != 107 {
		t.Errorf("GlobalIndex(7) = %d, want 107", got)
	}
	if sb.EndIndex() != 110 {
		t.Errorf("EndIndex() = %d, want 110", sb.EndIndex())
	}

	var seen []TxnIndex
	sb.TxnWithIndex(func(global TxnIndex, _ *TransactionWithDeps) {
		seen = append(seen, global)
	})
	if len(seen) != 10 || seen[0] != 100 || seen[9] != 109 {
		t.Errorf("TxnWithIndex yielded %v", seen)
	}
}
