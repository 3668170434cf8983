package store

import "sync"

// MemoryDLR keeps entries in a map behind one mutex. It is the default
// backend and the reference for the others' semantics.
type MemoryDLR struct {
	mu    sync.Mutex
	items map[string]*DLR
}

// NewMemoryDLR returns an empty in-memory backend.
func NewMemoryDLR() *MemoryDLR {
	return &MemoryDLR{items: make(map[string]*DLR)}
}

func (m *MemoryDLR) Add(d *DLR) error {
	m.mu.Lock()
	cp := *d
	m.items[d.key()] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryDLR) Get(smscID, timestamp, destination string) (*DLR, error) {
	k := (&DLR{SMSCID: smscID, Timestamp: timestamp, Destination: destination}).key()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[k]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDLR) Remove(smscID, timestamp, destination string) error {
	k := (&DLR{SMSCID: smscID, Timestamp: timestamp, Destination: destination}).key()
	m.mu.Lock()
	delete(m.items, k)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDLR) Update(d *DLR) error {
	return m.Add(d)
}

func (m *MemoryDLR) Messages() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryDLR) Flush() error {
	m.mu.Lock()
	m.items = make(map[string]*DLR)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDLR) Shutdown() error { return m.Flush() }
