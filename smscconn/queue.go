package smscconn

import (
	"errors"
	"sync"

	"smsgw/msg"
)

// ErrQueueFull is returned by SendQueue.Put when the driver's outgoing
// queue is at capacity; the router treats it as a transient condition.
var ErrQueueFull = errors.New("smscconn: outgoing queue full")

// SendQueue is the FIFO of accepted-but-unsent MT messages every driver
// owns. Messages leave in acceptance order; ack callbacks may still
// arrive out of order.
type SendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*msg.Msg
	limit  int
	closed bool
}

// NewSendQueue returns a queue capped at limit messages; limit <= 0 means
// unbounded.
func NewSendQueue(limit int) *SendQueue {
	q := &SendQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends a message, failing when the queue is full or closed.
func (q *SendQueue) Put(m *msg.Msg) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("smscconn: queue closed")
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	q.cond.Signal()
	return nil
}

// Get blocks for the next message; it returns nil once the queue is
// closed and drained (or closed without draining).
func (q *SendQueue) Get() *msg.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// TryGet returns the next message without blocking, or nil.
func (q *SendQueue) TryGet() *msg.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// Len returns the queued-message count, published as the driver load.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all getters. With drain set, queued messages stay readable
// via TryGet; otherwise they are returned for the caller to fail.
func (q *SendQueue) Close(drain bool) []*msg.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var rest []*msg.Msg
	if !drain {
		rest = q.items
		q.items = nil
	}
	q.cond.Broadcast()
	return rest
}
