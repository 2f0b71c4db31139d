package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/orchestrator"
	"github.com/sharding-experiment/crossshard/internal/state"
)

func main() {
	numShards := flag.Int("shards", 0, "Number of shards (0 = use config.json)")
	port := flag.Int("port", 8080, "HTTP port")
	bench := flag.Bool("bench", false, "Run one round, print its summary and exit")
	commit := flag.Bool("commit", false, "With -bench and the leveldb backend, commit the round into the base state")
	txns := flag.Int("txns", 0, "Transactions per block (0 = workload default)")
	seed := flag.Int64("seed", 1, "Workload seed")
	cross := flag.Float64("cross", -1, "Cross-shard transfer ratio (-1 = workload default)")
	abort := flag.Float64("abort", -1, "Aborting transfer ratio (-1 = workload default)")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No usable config.json (%v), using defaults", err)
		cfg = config.Default()
	}
	if *numShards > 0 {
		cfg.ShardNum = *numShards
	}

	// Allow environment variable overrides
	if envShards := os.Getenv("NUM_SHARDS"); envShards != "" {
		if n, err := strconv.Atoi(envShards); err == nil {
			cfg.ShardNum = n
		}
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Network.DelayEnabled {
		log.Printf("Network delay simulation enabled: %d-%dms", cfg.Network.MinDelayMs, cfg.Network.MaxDelayMs)
	}

	if !*bench {
		log.Fatal(orchestrator.NewService(cfg).Start(*port))
	}

	wl := orchestrator.DefaultWorkload()
	wl.Seed = *seed
	if *txns > 0 {
		wl.NumTxns = *txns
	}
	if *cross >= 0 {
		wl.CrossShardRatio = *cross
	}
	if *abort >= 0 {
		wl.AbortRatio = *abort
	}
	if err := runBenchmark(cfg, wl, *commit); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
}

func runBenchmark(cfg *config.Config, wl orchestrator.WorkloadConfig, commit bool) error {
	workload, err := orchestrator.NewWorkload(wl, cfg.ShardNum)
	if err != nil {
		return err
	}
	block, err := orchestrator.Partition(cfg.ShardNum, workload.Generate(), orchestrator.ShardBySender(cfg.ShardNum))
	if err != nil {
		return err
	}
	base, err := orchestrator.OpenBase(cfg, workload.Genesis())
	if err != nil {
		return err
	}
	defer base.Close()

	ctx, cancel := context.WithTimeout(context.Background(), orchestrator.RoundTimeout)
	defer cancel()
	result, err := orchestrator.RunRound(ctx, cfg, block, base)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result.Summary()); err != nil {
		return err
	}

	if commit {
		view, ok := base.(*state.GethView)
		if !ok {
			log.Printf("Commit skipped: %s backend keeps no persistent state", cfg.StateBackend)
			return nil
		}
		root, err := orchestrator.CommitRound(cfg.StorageDir, view, result, uint64(time.Now().Unix()))
		if err != nil {
			return err
		}
		log.Printf("Committed %d keys, new state root %s", len(result.Writes), root.Hex())
	}
	return nil
}
