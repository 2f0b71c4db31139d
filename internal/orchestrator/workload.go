package orchestrator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sharding-experiment/crossshard/internal/executor"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// HotContract holds the shared counter some workload transactions bump
var HotContract = common.HexToAddress("0x000000000000000000000000000000000000c0de")

// WorkloadConfig describes a synthetic block of transfers
type WorkloadConfig struct {
	Seed            int64   `json:"seed"`
	NumTxns         int     `json:"num_txns"`
	NumAccounts     int     `json:"num_accounts"`
	InitialBalance  uint64  `json:"initial_balance"`
	CrossShardRatio float64 `json:"cross_shard_ratio"` // transfers to an account of another shard
	AbortRatio      float64 `json:"abort_ratio"`       // transfers that overdraw and abort
	HotKeyRatio     float64 `json:"hot_key_ratio"`     // transfers that also bump the shared counter
	HaltRatio       float64 `json:"halt_ratio"`        // transfers that end their sub-block
}

// DefaultWorkload returns a moderate cross-shard mix
func DefaultWorkload() WorkloadConfig {
	return WorkloadConfig{
		Seed:            1,
		NumTxns:         1000,
		NumAccounts:     256,
		InitialBalance:  1e18,
		CrossShardRatio: 0.2,
		AbortRatio:      0.02,
		HotKeyRatio:     0.01,
	}
}

// Workload generates deterministic blocks for a shard count
type Workload struct {
	cfg       WorkloadConfig
	numShards int
	accounts  []common.Address
	byShard   [][]common.Address
}

// TestAccount derives the i-th benchmark account address
func TestAccount(i int) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("shard-test-account-%d", i))))
}

// NewWorkload prepares the account set of a workload
func NewWorkload(cfg WorkloadConfig, numShards int) (*Workload, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("invalid shard count %d", numShards)
	}
	if cfg.NumAccounts < 2 {
		return nil, fmt.Errorf("workload needs at least 2 accounts, got %d", cfg.NumAccounts)
	}
	for name, r := range map[string]float64{
		"cross_shard_ratio": cfg.CrossShardRatio,
		"abort_ratio":       cfg.AbortRatio,
		"hot_key_ratio":     cfg.HotKeyRatio,
		"halt_ratio":        cfg.HaltRatio,
	} {
		if r < 0 || r > 1 {
			return nil, fmt.Errorf("%s must be within [0,1], got %v", name, r)
		}
	}

	w := &Workload{cfg: cfg, numShards: numShards, byShard: make([][]common.Address, numShards)}
	for i := 0; i < cfg.NumAccounts; i++ {
		addr := TestAccount(i)
		w.accounts = append(w.accounts, addr)
		s := AccountShard(addr, numShards)
		w.byShard[s] = append(w.byShard[s], addr)
	}
	return w, nil
}

// Accounts returns the funded accounts
func (w *Workload) Accounts() []common.Address {
	return w.accounts
}

// Genesis returns the base state every account starts from
func (w *Workload) Genesis() protocol.WriteSet {
	ws := make(protocol.WriteSet, len(w.accounts))
	for _, addr := range w.accounts {
		ws[protocol.BalanceKey(addr)] = protocol.Create(executor.Word(w.cfg.InitialBalance))
	}
	return ws
}

// Generate produces the block's transactions in order. The same config
// always yields the same block.
func (w *Workload) Generate() []protocol.Transaction {
	rng := rand.New(rand.NewSource(w.cfg.Seed))
	txns := make([]protocol.Transaction, 0, w.cfg.NumTxns)
	hot := protocol.StorageKey(HotContract, common.Hash{})

	for i := 0; i < w.cfg.NumTxns; i++ {
		sender := w.accounts[rng.Intn(len(w.accounts))]
		recipient := w.recipient(rng, sender)

		amount := uint64(1 + rng.Intn(1000))
		if rng.Float64() < w.cfg.AbortRatio {
			amount = math.MaxUint64
		}
		ops := []protocol.Op{
			{Code: protocol.OpSub, Key: protocol.BalanceKey(sender), Amount: amount},
			{Code: protocol.OpAdd, Key: protocol.BalanceKey(recipient), Amount: amount},
			{Code: protocol.OpAdd, Key: protocol.NonceKey(sender), Amount: 1},
		}
		if rng.Float64() < w.cfg.HotKeyRatio {
			ops = append(ops, protocol.Op{Code: protocol.OpAdd, Key: hot, Amount: 1})
		}
		if rng.Float64() < w.cfg.HaltRatio {
			ops = append(ops, protocol.Op{Code: protocol.OpHalt})
		}

		txns = append(txns, protocol.Transaction{
			ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d/%d", w.cfg.Seed, i))).String(),
			Sender: sender,
			Ops:    ops,
		})
	}
	return txns
}

func (w *Workload) recipient(rng *rand.Rand, sender common.Address) common.Address {
	home := AccountShard(sender, w.numShards)
	pool := w.byShard[home]
	if w.numShards > 1 && rng.Float64() < w.cfg.CrossShardRatio {
		other := (int(home) + 1 + rng.Intn(w.numShards-1)) % w.numShards
		if len(w.byShard[other]) > 0 {
			pool = w.byShard[other]
		}
	}
	for {
		r := pool[rng.Intn(len(pool))]
		if r != sender || len(pool) == 1 {
			return r
		}
	}
}
