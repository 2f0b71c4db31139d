package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/orchestrator"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

func main() {
	shardID := flag.Int("id", -1, "Shard ID")
	port := flag.Int("port", 0, "HTTP port (0 = base_port + id)")
	peerList := flag.String("peers", "", "Comma-separated base URLs of all shards, in shard order")
	seed := flag.Int64("seed", 1, "Workload seed, identical on every shard")
	txns := flag.Int("txns", 0, "Transactions per block (0 = workload default)")
	flag.Parse()

	// Allow environment variable override
	if *shardID == -1 {
		if id, err := strconv.Atoi(os.Getenv("SHARD_ID")); err == nil {
			*shardID = id
		} else {
			log.Fatal("SHARD_ID required")
		}
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if envPeers := os.Getenv("PEERS"); envPeers != "" {
		*peerList = envPeers
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No usable config.json (%v), using defaults", err)
		cfg = config.Default()
	}
	cfg.Fabric = config.FabricHTTP

	peers := splitPeers(*peerList)
	if len(peers) == 0 {
		for i := 0; i < cfg.ShardNum; i++ {
			peers = append(peers, fmt.Sprintf("http://shard-%d:%d", i, cfg.BasePort+i))
		}
	}
	cfg.ShardNum = len(peers)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *port == 0 {
		*port = cfg.BasePort + *shardID
	}

	wl := orchestrator.DefaultWorkload()
	wl.Seed = *seed
	if *txns > 0 {
		wl.NumTxns = *txns
	}
	if err := run(cfg, protocol.ShardID(*shardID), peers, *port, wl); err != nil {
		log.Fatalf("Shard %d: %v", *shardID, err)
	}
}

func splitPeers(list string) []string {
	var peers []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// run plans the same block every shard plans, then executes this shard's
// part of it
func run(cfg *config.Config, id protocol.ShardID, peers []string, port int, wl orchestrator.WorkloadConfig) error {
	workload, err := orchestrator.NewWorkload(wl, cfg.ShardNum)
	if err != nil {
		return err
	}
	block, err := orchestrator.Partition(cfg.ShardNum, workload.Generate(), orchestrator.ShardBySender(cfg.ShardNum))
	if err != nil {
		return err
	}
	if int(id) < 0 || int(id) >= block.NumShards() {
		return fmt.Errorf("shard id out of range [0,%d)", block.NumShards())
	}

	node, err := orchestrator.NewShardNode(cfg, id, peers, orchestrator.RoundIDForSeed(wl.Seed))
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.Start(fmt.Sprintf(":%d", port)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), orchestrator.RoundTimeout)
	defer cancel()
	if err := node.WaitForPeers(ctx); err != nil {
		return err
	}

	base, err := orchestrator.OpenBase(cfg, workload.Genesis())
	if err != nil {
		return err
	}
	defer base.Close()

	res, err := node.Run(ctx, &block.Shards[id], base)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
		"shard":       res.Shard,
		"txns":        len(res.Output.Outputs),
		"successes":   res.Output.Successes,
		"aborts":      res.Output.Aborts,
		"skipped":     res.Output.Skipped,
		"sent":        res.Sender.MessagesSent,
		"received":    res.Receiver.Writes,
		"duration_ms": res.Output.Duration.Milliseconds(),
	})
}
