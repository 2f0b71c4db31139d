package network

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/protocol"
)

func testWrite(i int) *protocol.RemoteTxnWrite {
	key := protocol.BalanceKey(common.BigToAddress(common.Big1))
	return protocol.NewRemoteTxnWrite(key, protocol.StateValue{byte(i)}, true)
}

func TestMailbox_FIFOAndClose(t *testing.T) {
	box := NewMailbox()
	for i := 0; i < 3; i++ {
		if err := box.Put(testWrite(i)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	box.Close()

	if err := box.Put(testWrite(9)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on Put after Close, got %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg, err := box.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if _, v, _ := msg.(*protocol.RemoteTxnWrite).Take(); v[0] != byte(i) {
			t.Errorf("Recv %d returned message %d", i, v[0])
		}
	}
	if _, err := box.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after drain, got %v", err)
	}
}

func TestMailbox_RecvBlocksUntilPut(t *testing.T) {
	box := NewMailbox()
	got := make(chan protocol.CrossShardMsg, 1)
	go func() {
		msg, _ := box.Recv(context.Background())
		got <- msg
	}()

	select {
	case <-got:
		t.Fatalf("Recv returned before any Put")
	case <-time.After(20 * time.Millisecond):
	}

	box.Put(&protocol.StopMsg{From: 1})
	select {
	case msg := <-got:
		if _, ok := msg.(*protocol.StopMsg); !ok {
			t.Errorf("Expected StopMsg, got %T", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv did not wake up after Put")
	}
}

func TestMailbox_RecvHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := NewMailbox().Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestChannelFabric_Mesh(t *testing.T) {
	f := NewChannelFabric(3)
	defer f.Close()

	out, err := f.Outboxes(0)
	if err != nil {
		t.Fatalf("Outboxes failed: %v", err)
	}
	if len(out) != 3 || out[0] != nil || out[1] == nil || out[2] == nil {
		t.Fatalf("Expected handles for shards 1 and 2 only, got %v", out)
	}
	out[2].Send(&protocol.StopMsg{From: 0})

	in, _ := f.Inbox(2)
	msg, err := in.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if stop := msg.(*protocol.StopMsg); stop.From != 0 {
		t.Errorf("Expected stop from shard 0, got %d", stop.From)
	}

	if _, err := f.Outboxes(3); err == nil {
		t.Errorf("Expected error for out-of-range shard")
	}
}

func TestHTTPTransport_RejectsForeignRound(t *testing.T) {
	round := uuid.New()
	tr, err := NewHTTPTransport(1, round, []string{"http://a", "http://b"}, config.NetworkConfig{}, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPTransport failed: %v", err)
	}
	body, _ := protocol.EncodeMsgs([]protocol.CrossShardMsg{&protocol.StopMsg{From: 0}})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"active round", MessagesPath(round, 0, 1), http.StatusNoContent},
		{"stale round", MessagesPath(uuid.New(), 0, 1), http.StatusConflict},
		{"wrong destination", MessagesPath(round, 0, 0), http.StatusNotFound},
		{"self as source", MessagesPath(round, 1, 1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(body))
			rr := httptest.NewRecorder()
			tr.Router().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Expected %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
		})
	}

	if got := tr.inbox.Len(); got != 1 {
		t.Errorf("Expected exactly one accepted message, got %d", got)
	}
}

func TestHTTPMesh_DeliversEveryMessage(t *testing.T) {
	mesh, err := NewHTTPMesh(3, uuid.New(), "127.0.0.1", 0, config.NetworkConfig{}, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPMesh failed: %v", err)
	}
	defer mesh.Close()

	const perSender = 50
	var wg sync.WaitGroup
	for _, from := range []protocol.ShardID{0, 1} {
		out, err := mesh.Outboxes(from)
		if err != nil {
			t.Fatalf("Outboxes(%d) failed: %v", from, err)
		}
		wg.Add(1)
		go func(dst Outbox) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := dst.Send(testWrite(i)); err != nil {
					t.Errorf("Send failed: %v", err)
				}
			}
		}(out[2])
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mesh.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	in, _ := mesh.Inbox(2)
	count := 0
	for count < 2*perSender {
		if _, err := in.Recv(ctx); err != nil {
			t.Fatalf("Recv after %d messages failed: %v", count, err)
		}
		count++
	}
}
