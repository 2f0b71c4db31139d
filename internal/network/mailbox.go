package network

import (
	"context"
	"errors"
	"sync"

	"github.com/sharding-experiment/crossshard/internal/protocol"
)

// ErrClosed is returned by Recv once a closed mailbox has been drained
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO of cross-shard messages. Put never blocks, so
// producers on the executor's commit path are never stalled by a slow
// consumer. Recv blocks until a message is available.
type Mailbox struct {
	mu     sync.Mutex
	queue  []protocol.CrossShardMsg
	notify chan struct{} // closed and replaced whenever the queue grows
	closed bool
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{})}
}

// Put appends msg. It returns ErrClosed if the mailbox was closed.
func (m *Mailbox) Put(msg protocol.CrossShardMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, msg)
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Recv pops the oldest message, waiting for one if the queue is empty
func (m *Mailbox) Recv(ctx context.Context) (protocol.CrossShardMsg, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain pops every queued message without waiting
func (m *Mailbox) Drain() []protocol.CrossShardMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queue
	m.queue = nil
	return msgs
}

// Close stops accepting messages. Queued messages can still be received.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
	m.notify = make(chan struct{})
}

// Len returns the number of queued messages
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
