package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/network"
	"github.com/sharding-experiment/crossshard/internal/protocol"
	"github.com/sharding-experiment/crossshard/internal/state"
)

// RoundIDForSeed derives the round id every process of a multi-process
// round agrees on without coordination
func RoundIDForSeed(seed int64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("crossshard/round/%d", seed)))
}

// ShardNode runs a single shard of a round in its own process, talking to
// its peers over the HTTP fabric
type ShardNode struct {
	cfg       *config.Config
	id        protocol.ShardID
	peers     []string
	transport *network.HTTPTransport
	client    *http.Client
	server    *http.Server
	listener  net.Listener
}

// NewShardNode creates the node of shard id. peers[i] is the base URL of
// shard i, including this one.
func NewShardNode(cfg *config.Config, id protocol.ShardID, peers []string, roundID uuid.UUID) (*ShardNode, error) {
	if len(peers) != cfg.ShardNum {
		return nil, fmt.Errorf("got %d peers for %d shards", len(peers), cfg.ShardNum)
	}
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	transport, err := network.NewHTTPTransport(id, roundID, peers, cfg.Network, timeout)
	if err != nil {
		return nil, err
	}
	return &ShardNode{
		cfg:       cfg,
		id:        id,
		peers:     peers,
		transport: transport,
		client:    network.NewHTTPClient(config.NetworkConfig{}, timeout),
		server:    &http.Server{Handler: transport.Router(), ReadHeaderTimeout: timeout},
	}, nil
}

// Start begins serving inbound messages on addr
func (n *ShardNode) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("shard %d: failed to listen on %s: %w", n.id, addr, err)
	}
	n.Serve(l)
	return nil
}

// Serve begins serving inbound messages on an existing listener
func (n *ShardNode) Serve(l net.Listener) {
	n.listener = l
	log.Printf("Shard %d: listening on %s", n.id, l.Addr())
	go func() {
		if err := n.server.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("Shard %d: server stopped: %v", n.id, err)
		}
	}()
}

// Addr returns the address the node listens on
func (n *ShardNode) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// WaitForPeers blocks until every peer answers its health check
func (n *ShardNode) WaitForPeers(ctx context.Context) error {
	backoff := 50 * time.Millisecond
	for i, peer := range n.peers {
		if protocol.ShardID(i) == n.id {
			continue
		}
		url := strings.TrimRight(peer, "/") + "/health"
		for {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := n.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					break
				}
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("shard %d: peer %d at %s not ready: %w", n.id, i, peer, ctx.Err())
			case <-time.After(backoff):
			}
			if backoff < time.Second {
				backoff *= 2
			}
		}
	}
	return nil
}

// Run executes this shard's plan. It returns once the local sub-block is
// committed, every outbound message is delivered and every peer's stop has
// arrived.
func (n *ShardNode) Run(ctx context.Context, plan *protocol.ShardPlan, base state.Reader) (*ShardResult, error) {
	if plan.Shard != n.id {
		return nil, fmt.Errorf("plan of shard %d given to shard %d", plan.Shard, n.id)
	}
	r, err := newShardRound(plan, n.cfg.ShardNum, n.cfg.WorkersPerShard, n.transport, base)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, n.transport.Flush)
}

// Close shuts the server down and drains the transport
func (n *ShardNode) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.server.Shutdown(ctx)
	if cerr := n.transport.Close(); err == nil {
		err = cerr
	}
	return err
}
