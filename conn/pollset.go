package conn

import (
	"sync"
	"time"
)

// Callback runs in the poll set's own goroutine whenever its connection
// makes progress.
type Callback func(c *Conn, data interface{})

type member struct {
	conn *Conn
	data interface{}

	mu sync.Mutex
	cb Callback

	stop chan struct{}
}

func (m *member) callback() Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

// PollSet dispatches read/write readiness of registered connections to
// their callbacks.
type PollSet struct {
	mu      sync.Mutex
	members map[*Conn]*member
	closed  bool
}

// NewPollSet returns an empty poll set.
func NewPollSet() *PollSet {
	return &PollSet{members: make(map[*Conn]*member)}
}

// Register attaches a connection with a callback. Registering an already
// attached connection only replaces the callback.
func (ps *PollSet) Register(c *Conn, cb Callback, data interface{}) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	if m, ok := ps.members[c]; ok {
		m.mu.Lock()
		m.cb = cb
		m.mu.Unlock()
		return
	}
	m := &member{conn: c, data: data, cb: cb, stop: make(chan struct{})}
	ps.members[c] = m
	go ps.poll(m)
}

// Unregister detaches a connection. Its callback will not run again.
func (ps *PollSet) Unregister(c *Conn) {
	ps.mu.Lock()
	m, ok := ps.members[c]
	if ok {
		delete(ps.members, c)
	}
	ps.mu.Unlock()
	if ok {
		close(m.stop)
		c.WakeUp()
	}
}

// Shutdown detaches every connection.
func (ps *PollSet) Shutdown() {
	ps.mu.Lock()
	ps.closed = true
	members := ps.members
	ps.members = map[*Conn]*member{}
	ps.mu.Unlock()
	for c, m := range members {
		close(m.stop)
		c.WakeUp()
	}
}

func (ps *PollSet) poll(m *member) {
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		switch m.conn.Wait(time.Second) {
		case Progress, Wakeup:
			if cb := m.callback(); cb != nil {
				cb(m.conn, m.data)
			}
		case Broken:
			if cb := m.callback(); cb != nil {
				cb(m.conn, m.data)
			}
			ps.Unregister(m.conn)
			return
		case Timeout:
		}
	}
}
