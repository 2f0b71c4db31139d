package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/executor"
	"github.com/sharding-experiment/crossshard/internal/network"
	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/shard"
	"github.com/sharding-experiment/crossshard/internal/state"
	"golang.org/x/sync/errgroup"
)

// ShardResult is what one shard produced in a round
type ShardResult struct {
	Shard    protocol.ShardID
	Output   *executor.BlockOutput
	Sender   shard.SenderStats
	Receiver shard.ReceiverStats
}

// RoundResult is the outcome of a whole round
type RoundResult struct {
	ID        uuid.UUID
	Shards    []*ShardResult
	Writes    protocol.WriteSet // committed writes merged in block order
	Discarded int
	Duration  time.Duration
}

// RoundSummary is the printable digest of a round
type RoundSummary struct {
	ID         string  `json:"id"`
	Shards     int     `json:"shards"`
	Txns       int     `json:"txns"`
	Successes  int     `json:"successes"`
	Aborts     int     `json:"aborts"`
	Skipped    int     `json:"skipped"`
	Discarded  int     `json:"discarded"`
	Messages   uint64  `json:"messages"`
	Absent     uint64  `json:"absent_messages"`
	DurationMs int64   `json:"duration_ms"`
	TPS        float64 `json:"tps"`
}

// Summary aggregates the per-shard counters
func (r *RoundResult) Summary() RoundSummary {
	s := RoundSummary{
		ID:         r.ID.String(),
		Shards:     len(r.Shards),
		Discarded:  r.Discarded,
		DurationMs: r.Duration.Milliseconds(),
	}
	for _, sr := range r.Shards {
		s.Txns += len(sr.Output.Outputs)
		s.Successes += sr.Output.Successes
		s.Aborts += sr.Output.Aborts
		s.Skipped += sr.Output.Skipped
		s.Messages += sr.Sender.MessagesSent
		s.Absent += sr.Sender.AbsentSent
	}
	if secs := r.Duration.Seconds(); secs > 0 {
		s.TPS = float64(s.Txns) / secs
	}
	return s
}

// shardRound holds the cross-shard components of one shard for one round
type shardRound struct {
	plan     *protocol.ShardPlan
	view     *shard.CrossShardStateView
	sender   *shard.CommitSender
	receiver *shard.CommitReceiver
	exec     *executor.ParallelExecutor
}

func newShardRound(plan *protocol.ShardPlan, numShards, workers int, fabric network.Fabric, base state.Reader) (*shardRound, error) {
	id := plan.Shard
	view, err := shard.NewCrossShardStateView(id, plan.WaitSet, base)
	if err != nil {
		return nil, err
	}
	outbound, err := fabric.Outboxes(id)
	if err != nil {
		return nil, err
	}
	inbound, err := fabric.Inbox(id)
	if err != nil {
		return nil, err
	}
	sender, err := shard.BuildSender(id, outbound, &plan.SubBlock)
	if err != nil {
		return nil, err
	}
	return &shardRound{
		plan:     plan,
		view:     view,
		sender:   sender,
		receiver: shard.BuildReceiver(id, numShards, inbound, view),
		exec:     executor.NewParallelExecutor(id, workers),
	}, nil
}

// run executes the sub-block, ends the round on every outbound channel and
// waits until the receiver has seen every remote stop. flush, when set,
// waits for the outbound messages to leave the shard.
func (r *shardRound) run(ctx context.Context, flush func(context.Context) error) (*ShardResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.receiver.Run(gctx)
	})

	var out *executor.BlockOutput
	g.Go(func() error {
		var err error
		out, err = r.exec.Execute(gctx, &r.plan.SubBlock, r.view, r.sender)
		if err != nil {
			r.view.Abort(err)
			return err
		}
		if err := r.sender.SendStop(); err != nil {
			return err
		}
		if flush != nil {
			return flush(gctx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("shard %d: %w", r.plan.Shard, err)
	}
	return &ShardResult{
		Shard:    r.plan.Shard,
		Output:   out,
		Sender:   r.sender.Stats(),
		Receiver: r.receiver.Stats(),
	}, nil
}

// newFabric builds the message fabric named by cfg. The returned flush
// function is nil for fabrics that deliver synchronously.
func newFabric(cfg *config.Config, numShards int, roundID uuid.UUID) (network.Fabric, func(context.Context, protocol.ShardID) error, error) {
	switch cfg.Fabric {
	case config.FabricHTTP:
		timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
		mesh, err := network.NewHTTPMesh(numShards, roundID, "127.0.0.1", cfg.BasePort, cfg.Network, timeout)
		if err != nil {
			return nil, nil, err
		}
		return mesh, mesh.FlushShard, nil
	case config.FabricChannel, "":
		return network.NewChannelFabric(numShards), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown fabric %q", cfg.Fabric)
	}
}

// RunRound executes a sharded block with every shard in this process. All
// shards read base as the state before the block; base is not written.
// A failure on any shard aborts the whole round.
func RunRound(ctx context.Context, cfg *config.Config, block *protocol.ShardedBlock, base state.Reader) (*RoundResult, error) {
	n := block.NumShards()
	if n < 1 {
		return nil, fmt.Errorf("block has no shards")
	}
	for i := range block.Shards {
		if block.Shards[i].Shard != protocol.ShardID(i) {
			return nil, fmt.Errorf("plan %d belongs to shard %d", i, block.Shards[i].Shard)
		}
	}

	roundID := uuid.New()
	fabric, flush, err := newFabric(cfg, n, roundID)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}
	defer func() {
		if err := fabric.Close(); err != nil {
			log.Printf("Round %s: closing fabric: %v", roundID, err)
		}
	}()

	rounds := make([]*shardRound, n)
	for i := range block.Shards {
		rounds[i], err = newShardRound(&block.Shards[i], n, cfg.WorkersPerShard, fabric, base)
		if err != nil {
			return nil, fmt.Errorf("round %s: %w", roundID, err)
		}
	}

	log.Printf("Round %s: starting %d shards, %d txns over %s fabric", roundID, n, block.NumTransactions(), cfg.Fabric)
	start := time.Now()
	results := make([]*ShardResult, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rounds {
		i, r := i, r
		var shardFlush func(context.Context) error
		if flush != nil {
			shardFlush = func(ctx context.Context) error { return flush(ctx, protocol.ShardID(i)) }
		}
		g.Go(func() error {
			res, err := r.run(gctx, shardFlush)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Round %s: aborted: %v", roundID, err)
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}

	writes, err := mergeWrites(block, results)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}
	result := &RoundResult{
		ID:        roundID,
		Shards:    results,
		Writes:    writes,
		Discarded: len(block.Discarded),
		Duration:  time.Since(start),
	}
	sum := result.Summary()
	log.Printf("Round %s: %d txns in %dms (%.0f tps), %d ok, %d aborted, %d skipped, %d discarded, %d messages",
		roundID, sum.Txns, sum.DurationMs, sum.TPS, sum.Successes, sum.Aborts, sum.Skipped, sum.Discarded, sum.Messages)
	return result, nil
}

// mergeWrites replays every committed output in block order
func mergeWrites(block *protocol.ShardedBlock, results []*ShardResult) (protocol.WriteSet, error) {
	merged := make(protocol.WriteSet)
	for _, global := range block.Order {
		s, local, ok := block.Locate(global)
		if !ok {
			return nil, fmt.Errorf("global index %d outside every sub-block", global)
		}
		out := results[s].Output.Outputs[local]
		if ws, ok := out.CommittedWrites(); ok {
			for key, op := range ws {
				merged[key] = op
			}
		}
	}
	return merged, nil
}
