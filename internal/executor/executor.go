// Package executor is a minimal in-shard block executor. It runs a shard's
// sub-block on a worker pool, scheduling each transaction after the earlier
// transactions it conflicts with, and reports every final output to a
// CommitListener.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/state"
	"golang.org/x/sync/errgroup"
)

// CommitListener is invoked exactly once per transaction with its final
// output. local is the transaction's position in the sub-block.
type CommitListener interface {
	OnTransactionCommitted(local protocol.TxnIndex, output *protocol.TransactionOutput) error
}

// BlockOutput summarises one sub-block execution
type BlockOutput struct {
	Outputs   []*protocol.TransactionOutput // by local index
	Writes    protocol.WriteSet             // final round-local writes of the shard
	Successes int
	Aborts    int
	Skipped   int
	Duration  time.Duration
}

// ParallelExecutor executes sub-blocks for one shard
type ParallelExecutor struct {
	shardID protocol.ShardID
	workers int
}

// NewParallelExecutor creates an executor using up to workers goroutines
func NewParallelExecutor(shardID protocol.ShardID, workers int) *ParallelExecutor {
	if workers < 1 {
		workers = 1
	}
	return &ParallelExecutor{shardID: shardID, workers: workers}
}

// skippedReason marks transactions that never ran because an earlier one
// ended the block
const skippedReason = "skipped: block halted"

// Execute runs subBlock reading through reader. Round-local writes are kept
// in a Versioned layer, so reader itself is never written. The listener
// error, or the first read error, aborts the execution.
func (e *ParallelExecutor) Execute(ctx context.Context, subBlock *protocol.SubBlock, reader state.Reader, listener CommitListener) (*BlockOutput, error) {
	start := time.Now()
	n := subBlock.Len()
	deps := conflictDeps(subBlock)
	local := state.NewVersioned(reader)

	out := &BlockOutput{Outputs: make([]*protocol.TransactionOutput, n)}
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}
	var (
		halted atomic.Bool
		mu     sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	// Scheduling in index order keeps every transaction's dependencies
	// started before it, so a full pool always holds a runnable transaction.
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			defer close(done[i])
			for _, d := range deps[i] {
				select {
				case <-done[d]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			txn := &subBlock.Transactions[i].Txn
			var output *protocol.TransactionOutput
			if halted.Load() {
				output = protocol.AbortOutput(skippedReason)
			} else {
				var err error
				output, err = Interpret(txn, local)
				if err != nil {
					return fmt.Errorf("shard %d txn %d (%s): %w", e.shardID, subBlock.GlobalIndex(protocol.TxnIndex(i)), txn.ID, err)
				}
			}

			if ws, ok := output.CommittedWrites(); ok {
				if err := local.Apply(ws); err != nil {
					return err
				}
			}
			if output.Status == protocol.StatusSkipRest {
				halted.Store(true)
			}
			if err := listener.OnTransactionCommitted(protocol.TxnIndex(i), output); err != nil {
				return err
			}

			mu.Lock()
			out.Outputs[i] = output
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, o := range out.Outputs {
		switch {
		case o.Status == protocol.StatusAbort && o.AbortReason == skippedReason:
			out.Skipped++
		case o.Status == protocol.StatusAbort:
			out.Aborts++
		default:
			out.Successes++
		}
	}
	out.Writes = local.Writes()
	out.Duration = time.Since(start)

	log.Printf("Shard %d: executed %d txns in %v (%d ok, %d aborted, %d skipped)",
		e.shardID, n, out.Duration, out.Successes, out.Aborts, out.Skipped)
	return out, nil
}

// conflictDeps returns, for every transaction, the earlier transactions it
// must wait for: the last writer of each key it touches, every reader of a
// key it overwrites, and the last transaction that may halt the block.
func conflictDeps(subBlock *protocol.SubBlock) [][]int {
	n := subBlock.Len()
	deps := make([][]int, n)
	lastWriter := make(map[protocol.StateKey]int)
	readers := make(map[protocol.StateKey][]int)
	lastHalt := -1

	for i := 0; i < n; i++ {
		txn := &subBlock.Transactions[i].Txn
		set := make(map[int]struct{})
		if lastHalt >= 0 {
			set[lastHalt] = struct{}{}
		}

		reads := txn.ReadKeys()
		writes := txn.WriteKeys()
		for _, k := range reads {
			if w, ok := lastWriter[k]; ok {
				set[w] = struct{}{}
			}
		}
		written := make(map[protocol.StateKey]bool, len(writes))
		for _, k := range writes {
			written[k] = true
			if w, ok := lastWriter[k]; ok {
				set[w] = struct{}{}
			}
			for _, r := range readers[k] {
				set[r] = struct{}{}
			}
			lastWriter[k] = i
			delete(readers, k)
		}
		for _, k := range reads {
			if !written[k] {
				readers[k] = append(readers[k], i)
			}
		}
		if txn.Halts() {
			lastHalt = i
		}

		for d := range set {
			deps[i] = append(deps[i], d)
		}
	}
	return deps
}
