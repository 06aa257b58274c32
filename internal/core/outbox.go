package core

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"

	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// ErrClosed is returned by Next once a connection has been shut down and its
// queue is drained.
var ErrClosed = errors.New("connection closed")

// maxQueuedBytes bounds the unsent data of one connection. A peer that
// falls this far behind is disconnected.
const maxQueuedBytes = 4 << 20

// outbox is the per-connection send queue. The room pushes while holding
// its lock; the transport writer pops without it.
type outbox struct {
	mu     sync.Mutex
	queue  deque.Deque[protocol.Message]
	bytes  int
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

// push enqueues m. It reports false when the queue is closed or over its
// byte limit.
func (o *outbox) push(m protocol.Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.bytes+m.Size() > maxQueuedBytes {
		o.mu.Unlock()
		return false
	}
	o.queue.PushBack(m)
	o.bytes += m.Size()
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting messages. Already queued messages are still
// delivered by next.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) next(ctx context.Context) (protocol.Message, error) {
	for {
		o.mu.Lock()
		if o.queue.Len() > 0 {
			m := o.queue.PopFront()
			o.bytes -= m.Size()
			o.mu.Unlock()
			return m, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return protocol.Message{}, ErrClosed
		}

		select {
		case <-o.wake:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}
