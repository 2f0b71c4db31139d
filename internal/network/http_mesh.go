package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// HTTPMesh runs every shard's HTTPTransport inside one process, each on its
// own loopback listener. It lets a single-process round exercise the same
// wire path as a multi-process deployment.
type HTTPMesh struct {
	transports []*HTTPTransport
	servers    []*http.Server
}

// NewHTTPMesh listens on host:basePort+i for each shard. basePort 0 picks
// ephemeral ports.
func NewHTTPMesh(numShards int, roundID uuid.UUID, host string, basePort int, netCfg config.NetworkConfig, timeout time.Duration) (*HTTPMesh, error) {
	listeners := make([]net.Listener, 0, numShards)
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	peers := make([]string, numShards)
	for i := 0; i < numShards; i++ {
		port := 0
		if basePort > 0 {
			port = basePort + i
		}
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to listen for shard %d: %w", i, err)
		}
		listeners = append(listeners, l)
		peers[i] = "http://" + l.Addr().String()
	}

	m := &HTTPMesh{}
	for i := 0; i < numShards; i++ {
		t, err := NewHTTPTransport(protocol.ShardID(i), roundID, peers, netCfg, timeout)
		if err != nil {
			closeAll()
			return nil, err
		}
		srv := &http.Server{Handler: t.Router(), ReadHeaderTimeout: timeout}
		m.transports = append(m.transports, t)
		m.servers = append(m.servers, srv)
		go srv.Serve(listeners[i])
	}
	return m, nil
}

func (m *HTTPMesh) transport(shard protocol.ShardID) (*HTTPTransport, error) {
	if shard < 0 || int(shard) >= len(m.transports) {
		return nil, fmt.Errorf("shard %d out of range [0,%d)", shard, len(m.transports))
	}
	return m.transports[shard], nil
}

func (m *HTTPMesh) Outboxes(from protocol.ShardID) ([]Outbox, error) {
	t, err := m.transport(from)
	if err != nil {
		return nil, err
	}
	return t.Outboxes(from)
}

func (m *HTTPMesh) Inbox(shard protocol.ShardID) (Inbox, error) {
	t, err := m.transport(shard)
	if err != nil {
		return nil, err
	}
	return t.Inbox(shard)
}

// Flush waits for every shard's outbound queues to drain
func (m *HTTPMesh) Flush(ctx context.Context) error {
	var errs []error
	for _, t := range m.transports {
		errs = append(errs, t.Flush(ctx))
	}
	return errors.Join(errs...)
}

// FlushShard waits for one shard's outbound queues to drain
func (m *HTTPMesh) FlushShard(ctx context.Context, shard protocol.ShardID) error {
	t, err := m.transport(shard)
	if err != nil {
		return err
	}
	return t.Flush(ctx)
}

// Close drains the pumps, then shuts the listeners down
func (m *HTTPMesh) Close() error {
	var errs []error
	for _, t := range m.transports {
		errs = append(errs, t.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range m.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
