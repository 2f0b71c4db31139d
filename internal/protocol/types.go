package protocol

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ShardID identifies one of the S shards of a round
type ShardID int

// TxnIndex is a transaction position. Whether it is global (within the whole
// block) or local (within a shard's sub-block) depends on where it is used.
type TxnIndex uint32

// KeyKind selects which part of an account a StateKey addresses
type KeyKind uint8

const (
	KeyStorage KeyKind = iota // contract storage slot
	KeyBalance                // account balance (Slot unused)
	KeyNonce                  // account nonce (Slot unused)
)

func (k KeyKind) String() string {
	switch k {
	case KeyStorage:
		return "storage"
	case KeyBalance:
		return "balance"
	case KeyNonce:
		return "nonce"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// StateKey is the canonical identifier of a versioned storage location.
// It is comparable and used directly as a map key.
type StateKey struct {
	Kind    KeyKind        `json:"kind"`
	Address common.Address `json:"address"`
	Slot    common.Hash    `json:"slot,omitempty"`
}

// StorageKey addresses a contract storage slot
func StorageKey(addr common.Address, slot common.Hash) StateKey {
	return StateKey{Kind: KeyStorage, Address: addr, Slot: slot}
}

// BalanceKey addresses an account balance
func BalanceKey(addr common.Address) StateKey {
	return StateKey{Kind: KeyBalance, Address: addr}
}

// NonceKey addresses an account nonce
func NonceKey(addr common.Address) StateKey {
	return StateKey{Kind: KeyNonce, Address: addr}
}

// Hash returns a stable digest of the key, used for partitioning and logs
func (k StateKey) Hash() common.Hash {
	return crypto.Keccak256Hash([]byte{byte(k.Kind)}, k.Address.Bytes(), k.Slot.Bytes())
}

func (k StateKey) String() string {
	if k.Kind == KeyStorage {
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.Address.Hex(), k.Slot.Hex())
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.Address.Hex())
}

// Less orders keys deterministically (kind, address, slot)
func (k StateKey) Less(o StateKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if c := bytes.Compare(k.Address[:], o.Address[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.Slot[:], o.Slot[:]) < 0
}

// StateValue is the raw content of a storage location. An empty value is a
// present value; absence is expressed by the callers' ok flags.
type StateValue []byte

// Equal reports whether two values hold the same bytes
func (v StateValue) Equal(o StateValue) bool {
	return bytes.Equal(v, o)
}

// Word interprets the value as a 32-byte big-endian word
func (v StateValue) Word() common.Hash {
	return common.BytesToHash(v)
}

// ShardTxn names a transaction by its shard and global index
type ShardTxn struct {
	Shard ShardID  `json:"shard"`
	Txn   TxnIndex `json:"txn"`
}

func (s ShardTxn) String() string {
	return fmt.Sprintf("shard%d/txn%d", s.Shard, s.Txn)
}
