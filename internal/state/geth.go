package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// RootFile is the file under the storage dir holding the committed state root
const RootFile = "root.txt"

// GethView exposes a go-ethereum StateDB as a Reader/Writer. Balances and
// nonces are encoded as 32-byte big-endian words; storage slots are the raw
// slot word. A zero word reads as absent, matching Ethereum semantics.
type GethView struct {
	mu      sync.Mutex // StateDB caches on read, so reads take the lock too
	stateDB *state.StateDB
	trieDB  *triedb.Database
	closer  func() error
}

// NewMemoryGethView creates an empty in-memory state
func NewMemoryGethView() (*GethView, error) {
	memDB := rawdb.NewMemoryDatabase()
	return newGethView(memDB, types.EmptyRootHash, memDB.Close)
}

// OpenGethView opens the LevelDB state under dir at the root recorded in
// dir/root.txt
func OpenGethView(dir string) (*GethView, error) {
	rootBytes, err := os.ReadFile(filepath.Join(dir, RootFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read state root: %w", err)
	}
	rootStr := strings.TrimSpace(string(rootBytes))
	if !(len(rootStr) == 66 && (rootStr[:2] == "0x" || rootStr[:2] == "0X")) {
		return nil, fmt.Errorf("invalid state root format: %q", rootStr)
	}

	ldb, err := leveldb.New(filepath.Join(dir, "chaindata"), 128, 1024, "", false)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	rdb := rawdb.NewDatabase(ldb)
	view, err := newGethView(rdb, common.HexToHash(rootStr), ldb.Close)
	if err != nil {
		ldb.Close()
		return nil, err
	}
	return view, nil
}

// CreateGethView creates an empty LevelDB-backed state under dir
func CreateGethView(dir string) (*GethView, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ldb, err := leveldb.New(filepath.Join(dir, "chaindata"), 128, 1024, "", false)
	if err != nil {
		return nil, fmt.Errorf("failed to create leveldb: %w", err)
	}
	view, err := newGethView(rawdb.NewDatabase(ldb), types.EmptyRootHash, ldb.Close)
	if err != nil {
		ldb.Close()
		return nil, err
	}
	return view, nil
}

func newGethView(disk ethdb.Database, root common.Hash, closer func() error) (*GethView, error) {
	tdb := triedb.NewDatabase(disk, nil)
	sdb := state.NewDatabase(tdb, nil)
	stateDB, err := state.New(root, sdb)
	if err != nil {
		return nil, fmt.Errorf("failed to open state at %s: %w", root.Hex(), err)
	}
	return &GethView{stateDB: stateDB, trieDB: tdb, closer: closer}, nil
}

func wordValue(w [32]byte) (protocol.StateValue, bool) {
	if w == ([32]byte{}) {
		return nil, false
	}
	return protocol.StateValue(w[:]), true
}

func (g *GethView) GetState(key protocol.StateKey) (protocol.StateValue, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch key.Kind {
	case protocol.KeyStorage:
		v, ok := wordValue(g.stateDB.GetState(key.Address, key.Slot))
		return v, ok, nil
	case protocol.KeyBalance:
		v, ok := wordValue(g.stateDB.GetBalance(key.Address).Bytes32())
		return v, ok, nil
	case protocol.KeyNonce:
		v, ok := wordValue(uint256.NewInt(g.stateDB.GetNonce(key.Address)).Bytes32())
		return v, ok, nil
	default:
		return nil, false, fmt.Errorf("unsupported key kind %s", key.Kind)
	}
}

// Apply writes ws into the StateDB. Deletions store the zero word.
func (g *GethView) Apply(ws protocol.WriteSet) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, key := range ws.Keys() {
		val, _ := ws[key].AsStateValue()
		word := new(uint256.Int).SetBytes(val)
		switch key.Kind {
		case protocol.KeyStorage:
			g.stateDB.SetState(key.Address, key.Slot, common.BytesToHash(val))
		case protocol.KeyBalance:
			g.stateDB.SetBalance(key.Address, word, tracing.BalanceChangeUnspecified)
		case protocol.KeyNonce:
			if !word.IsUint64() {
				return fmt.Errorf("nonce for %s overflows uint64", key.Address.Hex())
			}
			g.stateDB.SetNonce(key.Address, word.Uint64(), tracing.NonceChangeUnspecified)
		default:
			return fmt.Errorf("unsupported key kind %s", key.Kind)
		}
	}
	return nil
}

// Commit flushes the StateDB into the trie database and returns the new root
func (g *GethView) Commit(block uint64) (common.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	root, err := g.stateDB.Commit(block, true, false)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to commit state: %w", err)
	}
	if err := g.trieDB.Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("failed to commit trie: %w", err)
	}
	stateDB, err := state.New(root, g.stateDB.Database())
	if err != nil {
		return common.Hash{}, err
	}
	g.stateDB = stateDB
	return root, nil
}

// Close releases the underlying database
func (g *GethView) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}
