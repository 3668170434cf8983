// Package store persists un-acknowledged messages across restarts and
// tracks delivery reports until their terminal status arrives.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
)

// ErrCorrupt reports an unreadable record that is not a truncated tail.
// The process must not start on a corrupt store; an operator has to look.
var ErrCorrupt = errors.New("store: corrupt record")

// Store is the append-mostly file of framed sms and ack records. Every
// save serializes through one lock; the file is the single writer's.
type Store struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	pending map[string]*msg.Msg // unacked sms by id
	log     *logrus.Entry
	closed  bool
}

// Open creates or opens the store file. An empty path yields a store that
// keeps everything in memory only.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		pending: make(map[string]*msg.Msg),
		log:     logrus.WithField("part", "store"),
	}
	if path == "" {
		return s, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

// Save appends one record. An sms starts tracking under its id; an ack
// ends the tracking of the same id.
func (s *Store) Save(m *msg.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store: closed")
	}
	if err := s.append(m); err != nil {
		return err
	}
	s.track(m)
	return nil
}

// append writes the framed record. Caller holds the lock.
func (s *Store) append(m *msg.Msg) error {
	if s.file == nil {
		return nil
	}
	if err := m.Pack().WriteFramed(s.file); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return s.file.Sync()
}

func (s *Store) track(m *msg.Msg) {
	switch m.Type {
	case msg.TypeSMS:
		if m.SMS.ID != nil {
			s.pending[m.SMS.ID.String()] = m.Duplicate()
		}
	case msg.TypeAck:
		if m.Ack.ID != nil {
			delete(s.pending, m.Ack.ID.String())
		}
	}
}

// SaveAck is a convenience writing the ack record for an sms id.
func (s *Store) SaveAck(id *octet.Buffer) error {
	a := msg.New(msg.TypeAck)
	a.Ack.ID = id.Duplicate()
	a.Ack.Time = time.Now().Unix()
	return s.Save(a)
}

// Load replays the file: every sms record without a matching ack is
// returned for re-routing, matched pairs are discarded, and the file is
// rewritten as a compact snapshot. A torn record at the very tail is
// truncated silently; torn data elsewhere is ErrCorrupt.
func (s *Store) Load() ([]*msg.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	s.pending = make(map[string]*msg.Msg)
	order := []string{}
	for {
		frame, err := octet.ReadFramed(s.file)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			s.log.Warning("truncated tail record dropped")
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		m, err := msg.Unpack(frame)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if m.Type == msg.TypeSMS && m.SMS.ID != nil {
			id := m.SMS.ID.String()
			if _, seen := s.pending[id]; !seen {
				order = append(order, id)
			}
		}
		s.track(m)
	}
	out := make([]*msg.Msg, 0, len(s.pending))
	for _, id := range order {
		if m, ok := s.pending[id]; ok {
			out = append(out, m.Duplicate())
		}
	}
	if err := s.compact(); err != nil {
		return nil, err
	}
	s.log.WithField("pending", len(out)).Info("store loaded")
	return out, nil
}

// Dump forces a compaction to a snapshot holding only unacked records.
func (s *Store) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.compact()
}

// compact rewrites the file through a temporary and atomic rename.
// Caller holds the lock.
func (s *Store) compact() error {
	tmpPath := s.path + ".new"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}
	for _, m := range s.pending {
		if err := m.Pack().WriteFramed(tmp); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("store: compact write: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// Pending returns the number of stored-but-unacked messages.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown waits until every outstanding sms has its ack, then closes.
// The deadline bounds the drain; zero means no wait.
func (s *Store) Shutdown(deadline time.Duration) error {
	end := time.Now().Add(deadline)
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 || time.Now().After(end) {
			if n > 0 {
				s.log.WithField("pending", n).Warning("store shutdown with unacked messages")
			}
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
