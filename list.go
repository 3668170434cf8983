package main

import (
	"sync"

	"smsgw/msg"
)

// MsgList is the multi-producer multi-consumer queue connecting the
// drivers, the router and the box server. Consume blocks until a message
// arrives or the list closes.
type MsgList struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*msg.Msg
	closed bool
}

func NewMsgList() *MsgList {
	l := &MsgList{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Produce appends one message; producing on a closed list drops it.
func (l *MsgList) Produce(m *msg.Msg) {
	l.mu.Lock()
	if !l.closed {
		l.items = append(l.items, m)
		l.cond.Signal()
	}
	l.mu.Unlock()
}

// ProduceFront pushes a message back for immediate re-consumption.
func (l *MsgList) ProduceFront(m *msg.Msg) {
	l.mu.Lock()
	if !l.closed {
		l.items = append([]*msg.Msg{m}, l.items...)
		l.cond.Signal()
	}
	l.mu.Unlock()
}

// Consume removes and returns the oldest message. The second return is
// false once the list is closed and drained.
func (l *MsgList) Consume() (*msg.Msg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.items) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.items) == 0 {
		return nil, false
	}
	m := l.items[0]
	l.items = l.items[1:]
	return m, true
}

// TryConsume is Consume without blocking.
func (l *MsgList) TryConsume() *msg.Msg {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return nil
	}
	m := l.items[0]
	l.items = l.items[1:]
	return m
}

func (l *MsgList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Close wakes every consumer; remaining items stay consumable.
func (l *MsgList) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}
