package sse

import (
	"errors"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

var errQueueFull = errors.New("sse: session queue full")

// queue is a bounded FIFO of inbound messages for one session. Queues are
// recycled through queuePool once their session is torn down.
type queue struct {
	mu     sync.Mutex
	items  []*jsonrpc.AnyMessage
	limit  int
	notify chan struct{}
}

var queuePool = sync.Pool{
	New: func() any { return &queue{notify: make(chan struct{}, 1)} },
}

func acquireQueue(limit int) *queue {
	q := queuePool.Get().(*queue)
	q.limit = limit
	return q
}

func releaseQueue(q *queue) {
	q.mu.Lock()
	clear(q.items)
	q.items = q.items[:0]
	q.mu.Unlock()
	select {
	case <-q.notify:
	default:
	}
	queuePool.Put(q)
}

func (q *queue) push(m *jsonrpc.AnyMessage) error {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return errQueueFull
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain removes and returns every queued message in arrival order.
func (q *queue) drain(buf []*jsonrpc.AnyMessage) []*jsonrpc.AnyMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf = append(buf[:0], q.items...)
	clear(q.items)
	q.items = q.items[:0]
	return buf
}
