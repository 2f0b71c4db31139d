package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	slot1 = common.HexToHash("0x01")
)

func word(n uint64) protocol.StateValue {
	w := uint256.NewInt(n).Bytes32()
	return protocol.StateValue(w[:])
}

func TestMemoryStore_ApplyAndDelete(t *testing.T) {
	m := NewMemoryStore()
	key := protocol.BalanceKey(alice)

	m.Apply(protocol.WriteSet{key: protocol.Modify(word(5))})
	if v, ok, _ := m.GetState(key); !ok || !v.Equal(word(5)) {
		t.Fatalf("Expected balance 5, got %x (ok=%v)", v, ok)
	}

	m.Apply(protocol.WriteSet{key: protocol.Delete()})
	if _, ok, _ := m.GetState(key); ok {
		t.Errorf("Expected key to be absent after deletion")
	}
}

func TestVersioned_ShadowsParent(t *testing.T) {
	base := NewMemoryStore()
	bal := protocol.BalanceKey(alice)
	st := protocol.StorageKey(alice, slot1)
	base.Set(bal, word(100))
	base.Set(st, word(7))

	v := NewVersioned(base)
	if got, ok, _ := v.GetState(bal); !ok || !got.Equal(word(100)) {
		t.Errorf("Expected parent value before any commit")
	}

	v.Apply(protocol.WriteSet{bal: protocol.Modify(word(40)), st: protocol.Delete()})
	if got, _, _ := v.GetState(bal); !got.Equal(word(40)) {
		t.Errorf("Expected round-local write to shadow parent, got %x", got)
	}
	if _, ok, _ := v.GetState(st); ok {
		t.Errorf("Expected round-local deletion to shadow parent value")
	}
	if got, _, _ := base.GetState(bal); !got.Equal(word(100)) {
		t.Errorf("Parent must not be modified by Versioned.Apply")
	}
	if len(v.Writes()) != 2 {
		t.Errorf("Expected 2 accumulated writes, got %d", len(v.Writes()))
	}
}

func TestGethView_RoundTrip(t *testing.T) {
	g, err := NewMemoryGethView()
	if err != nil {
		t.Fatalf("NewMemoryGethView failed: %v", err)
	}
	defer g.Close()

	bal := protocol.BalanceKey(alice)
	nonce := protocol.NonceKey(alice)
	st := protocol.StorageKey(alice, slot1)

	if _, ok, _ := g.GetState(bal); ok {
		t.Errorf("Expected empty balance to read as absent")
	}

	err = g.Apply(protocol.WriteSet{
		bal:   protocol.Modify(word(1e18)),
		nonce: protocol.Modify(word(3)),
		st:    protocol.Create(word(42)),
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	tests := []struct {
		key  protocol.StateKey
		want protocol.StateValue
	}{
		{bal, word(1e18)},
		{nonce, word(3)},
		{st, word(42)},
	}
	for _, tt := range tests {
		got, ok, err := g.GetState(tt.key)
		if err != nil || !ok {
			t.Fatalf("GetState(%s) failed: ok=%v err=%v", tt.key, ok, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("GetState(%s) = %x, want %x", tt.key, got, tt.want)
		}
	}

	root, err := g.Commit(1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if root == (common.Hash{}) {
		t.Errorf("Expected non-empty root after commit")
	}
	if got, _, _ := g.GetState(st); !got.Equal(word(42)) {
		t.Errorf("Storage lost across commit: %x", got)
	}
}

func TestGethView_LevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	g, err := CreateGethView(dir)
	if err != nil {
		t.Fatalf("CreateGethView failed: %v", err)
	}
	st := protocol.StorageKey(alice, slot1)
	g.Apply(protocol.WriteSet{st: protocol.Modify(word(9))})
	root, err := g.Commit(1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	g.Close()

	if err := os.WriteFile(filepath.Join(dir, RootFile), []byte(root.Hex()), 0o644); err != nil {
		t.Fatalf("Failed to write root: %v", err)
	}

	reopened, err := OpenGethView(dir)
	if err != nil {
		t.Fatalf("OpenGethView failed: %v", err)
	}
	defer reopened.Close()
	if got, ok, _ := reopened.GetState(st); !ok || !got.Equal(word(9)) {
		t.Errorf("Expected persisted slot value 9, got %x (ok=%v)", got, ok)
	}
}

func TestOpenGethView_BadRoot(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, RootFile), []byte("not-a-root"), 0o644)
	if _, err := OpenGethView(dir); err == nil {
		t.Errorf("Expected error for malformed root file")
	}
}
