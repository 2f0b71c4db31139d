package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// maxBatch caps how many queued messages one POST carries
const maxBatch = 256

// maxBodyBytes bounds an inbound batch
const maxBodyBytes = 16 << 20

// HTTPTransport is one shard's endpoint of an HTTP message fabric.
// Inbound batches arrive on a mux route and land in a local mailbox;
// outbound handles queue locally and a pump per destination posts them in
// FIFO order, so Send never waits on the network.
type HTTPTransport struct {
	shardID protocol.ShardID
	roundID uuid.UUID
	peers   []string // base URL per shard, indexed by shard id
	client  *http.Client
	router  *mux.Router
	inbox   *Mailbox

	mu       sync.Mutex
	outboxes []*httpOutbox
	closed   bool
}

// NewHTTPTransport creates the endpoint of shardID for one round.
// peers[i] is the base URL of shard i (the own entry is unused).
func NewHTTPTransport(shardID protocol.ShardID, roundID uuid.UUID, peers []string, netCfg config.NetworkConfig, timeout time.Duration) (*HTTPTransport, error) {
	if shardID < 0 || int(shardID) >= len(peers) {
		return nil, fmt.Errorf("shard %d out of range for %d peers", shardID, len(peers))
	}
	t := &HTTPTransport{
		shardID: shardID,
		roundID: roundID,
		peers:   peers,
		client:  NewHTTPClient(netCfg, timeout),
		router:  mux.NewRouter(),
		inbox:   NewMailbox(),
	}
	t.setupRoutes()
	return t, nil
}

// MessagesPath is the route a shard accepts cross-shard batches on
func MessagesPath(roundID uuid.UUID, from, to protocol.ShardID) string {
	return fmt.Sprintf("/rounds/%s/from/%d/to/%d/messages", roundID, from, to)
}

func (t *HTTPTransport) setupRoutes() {
	t.router.HandleFunc("/rounds/{round}/from/{from}/to/{to}/messages", t.handleMessages).Methods(http.MethodPost)
	t.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

// Router returns the HTTP handler serving inbound messages
func (t *HTTPTransport) Router() *mux.Router {
	return t.router
}

func (t *HTTPTransport) handleMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	round, err := uuid.Parse(vars["round"])
	if err != nil {
		http.Error(w, "invalid round id", http.StatusBadRequest)
		return
	}
	if round != t.roundID {
		http.Error(w, fmt.Sprintf("round %s is not active", round), http.StatusConflict)
		return
	}
	to, err := strconv.Atoi(vars["to"])
	if err != nil || protocol.ShardID(to) != t.shardID {
		http.Error(w, "wrong destination shard", http.StatusNotFound)
		return
	}
	from, err := strconv.Atoi(vars["from"])
	if err != nil || from < 0 || from >= len(t.peers) || protocol.ShardID(from) == t.shardID {
		http.Error(w, "invalid source shard", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	msgs, err := protocol.DecodeMsgs(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, msg := range msgs {
		if err := t.inbox.Put(msg); err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Outboxes starts one pump per remote shard. Only the transport's own shard
// may send through it.
func (t *HTTPTransport) Outboxes(from protocol.ShardID) ([]Outbox, error) {
	if from != t.shardID {
		return nil, fmt.Errorf("transport of shard %d cannot send as shard %d", t.shardID, from)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.outboxes == nil {
		t.outboxes = make([]*httpOutbox, len(t.peers))
		for i := range t.peers {
			if protocol.ShardID(i) == t.shardID {
				continue
			}
			o := &httpOutbox{
				url:    strings.TrimRight(t.peers[i], "/") + MessagesPath(t.roundID, t.shardID, protocol.ShardID(i)),
				client: t.client,
				queue:  NewMailbox(),
				done:   make(chan struct{}),
			}
			go o.pump()
			t.outboxes[i] = o
		}
	}
	out := make([]Outbox, len(t.outboxes))
	for i, o := range t.outboxes {
		if o != nil {
			out[i] = o
		}
	}
	return out, nil
}

// Inbox returns the mailbox fed by the inbound route
func (t *HTTPTransport) Inbox(shard protocol.ShardID) (Inbox, error) {
	if shard != t.shardID {
		return nil, fmt.Errorf("transport of shard %d has no inbox for shard %d", t.shardID, shard)
	}
	return t.inbox, nil
}

// Flush waits until every queued outbound message has been posted and
// returns the first delivery failure
func (t *HTTPTransport) Flush(ctx context.Context) error {
	t.mu.Lock()
	outboxes := t.outboxes
	t.mu.Unlock()

	var errs []error
	for _, o := range outboxes {
		if o == nil {
			continue
		}
		if err := o.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the pumps after they drain and closes the inbox
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	outboxes := t.outboxes
	t.mu.Unlock()

	var errs []error
	for _, o := range outboxes {
		if o == nil {
			continue
		}
		o.queue.Close()
		<-o.done
		if err := o.err(); err != nil {
			errs = append(errs, err)
		}
	}
	t.inbox.Close()
	return errors.Join(errs...)
}

type httpOutbox struct {
	url    string
	client *http.Client
	queue  *Mailbox
	done   chan struct{}

	mu      sync.Mutex
	lastErr error
	pending int
	idle    chan struct{} // closed when pending drops to zero
}

func (o *httpOutbox) Send(msg protocol.CrossShardMsg) error {
	if err := o.err(); err != nil {
		return err
	}
	o.mu.Lock()
	o.pending++
	o.mu.Unlock()
	if err := o.queue.Put(msg); err != nil {
		o.settle(1, nil)
		return err
	}
	return nil
}

func (o *httpOutbox) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *httpOutbox) settle(n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending -= n
	if err != nil && o.lastErr == nil {
		o.lastErr = err
	}
	if o.pending == 0 && o.idle != nil {
		close(o.idle)
		o.idle = nil
	}
}

func (o *httpOutbox) flush(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == 0 {
		err := o.lastErr
		o.mu.Unlock()
		return err
	}
	if o.idle == nil {
		o.idle = make(chan struct{})
	}
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return o.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump posts queued messages in order until the queue is closed and drained
func (o *httpOutbox) pump() {
	defer close(o.done)
	for {
		first, err := o.queue.Recv(context.Background())
		if err != nil {
			return
		}
		batch := append([]protocol.CrossShardMsg{first}, o.take(maxBatch-1)...)
		err = o.post(batch)
		if err != nil {
			log.Printf("HTTP fabric: delivery of %d messages to %s failed: %v", len(batch), o.url, err)
		}
		o.settle(len(batch), err)
	}
}

func (o *httpOutbox) take(n int) []protocol.CrossShardMsg {
	var msgs []protocol.CrossShardMsg
	for len(msgs) < n && o.queue.Len() > 0 {
		msg, err := o.queue.Recv(context.Background())
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (o *httpOutbox) post(batch []protocol.CrossShardMsg) error {
	body, err := protocol.EncodeMsgs(batch)
	if err != nil {
		return err
	}
	resp, err := o.client.Post(o.url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", o.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("peer %s returned %d: %s", o.url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
