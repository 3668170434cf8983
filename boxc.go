package main

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/conn"
	"smsgw/msg"
	"smsgw/octet"
)

// BoxServer accepts smsbox and wapbox connections and exchanges framed
// Msg envelopes with them: incoming MO and reports go out to a box, MT
// submitted by a box goes to the router.
type BoxServer struct {
	bb   *Bearerbox
	port int
	log  *logrus.Entry

	ln net.Listener

	mu    sync.Mutex
	boxes []*boxConn
	next  int // round-robin cursor for unrouted messages

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// boxConn is one connected box.
type boxConn struct {
	c    *conn.Conn
	id   atomic.Value // string, set by identify
	load atomic.Int32
	seen atomic.Int64 // unix nanoseconds of the last inbound frame

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (bc *boxConn) boxID() string {
	if v := bc.id.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (bc *boxConn) write(m *msg.Msg) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if err := bc.c.WriteFrame(m.Pack().Bytes()); err != nil {
		return err
	}
	return bc.c.Flush()
}

func NewBoxServer(bb *Bearerbox, port int) *BoxServer {
	return &BoxServer{
		bb:   bb,
		port: port,
		log:  logrus.WithField("part", "boxc"),
		stop: make(chan struct{}),
	}
}

// Start opens the listener and launches the accept loop and the
// dispatcher feeding connected boxes from the incoming list.
func (s *BoxServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("boxc listen: %w", err)
	}
	s.ln = ln
	s.wg.Add(2)
	go s.accept()
	go s.dispatch()
	s.log.WithField("port", s.port).Info("box server up")
	return nil
}

// Stop closes the listener and every box connection.
func (s *BoxServer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for _, bc := range s.boxes {
		bc.closed.Store(true)
		bc.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *BoxServer) accept() {
	defer s.wg.Done()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.WithError(err).Warning("accept")
			continue
		}
		bc := &boxConn{c: conn.Wrap(raw)}
		bc.seen.Store(time.Now().UnixNano())
		s.mu.Lock()
		s.boxes = append(s.boxes, bc)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(bc)
	}
}

func (s *BoxServer) remove(bc *boxConn) {
	s.mu.Lock()
	for i, b := range s.boxes {
		if b == bc {
			s.boxes = append(s.boxes[:i], s.boxes[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	bc.closed.Store(true)
	bc.c.Close()
}

// serve runs one box connection: frames in, heartbeats out, watchdog on
// the peer's heartbeat interval.
func (s *BoxServer) serve(bc *boxConn) {
	defer s.wg.Done()
	defer s.remove(bc)
	interval := s.bb.cfg.Core.BoxHeartbeat
	beat := time.NewTicker(interval / 2)
	defer beat.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-beat.C:
			hb := msg.New(msg.TypeHeartbeat)
			hb.Heartbeat.Load = int32(s.bb.outgoing.Len())
			if err := bc.write(hb); err != nil {
				return
			}
			if time.Now().UnixNano()-bc.seen.Load() > int64(2*interval) {
				s.log.WithField("box", bc.boxID()).Warning("box heartbeat lost")
				return
			}
		default:
		}
		frame := bc.c.ReadFrame()
		if frame == nil {
			if bc.c.EOF() || bc.c.Error() {
				return
			}
			bc.c.Wait(interval / 2)
			continue
		}
		bc.seen.Store(time.Now().UnixNano())
		m, err := msg.Unpack(octet.FromBytes(frame))
		if err != nil {
			s.log.WithError(err).Warning("undecodable box frame")
			return
		}
		s.input(bc, m)
	}
}

// input handles one decoded envelope from a box.
func (s *BoxServer) input(bc *boxConn, m *msg.Msg) {
	switch m.Type {
	case msg.TypeHeartbeat:
		bc.load.Store(m.Heartbeat.Load)
	case msg.TypeAdmin:
		if m.Admin.Command == msg.AdminIdentify && m.Admin.BoxID != nil {
			bc.id.Store(m.Admin.BoxID.String())
			s.log.WithField("box", m.Admin.BoxID.String()).Info("box identified")
		}
	case msg.TypeAck:
		if m.Ack.ID != nil {
			if err := s.bb.store.SaveAck(m.Ack.ID); err != nil {
				s.log.WithError(err).Error("box ack store")
			}
		}
	case msg.TypeSMS:
		// MT from the box: remember the reply route, persist, route
		if m.SMS.BoxCID == nil && bc.boxID() != "" {
			m.SMS.BoxCID = octet.FromString(bc.boxID())
		}
		m.NewSMSID()
		m.Touch()
		s.bb.history.Add(bc.boxID(), bufStr(m.SMS.Sender), bufStr(m.SMS.Receiver))
		if err := s.bb.store.Save(m); err != nil {
			s.log.WithError(err).Error("mt store save")
			return
		}
		s.bb.outgoing.Produce(m)
	case msg.TypeWDPDatagram:
		if s.bb.wdp != nil {
			s.bb.wdp.Transmit(m)
		}
	}
}

// pick selects the box for one incoming message: the box that owns the
// conversation when the history knows it, otherwise round-robin.
func (s *BoxServer) pick(m *msg.Msg) *boxConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.boxes) == 0 {
		return nil
	}
	want := bufStr(m.SMS.BoxCID)
	if want == "" && m.Type == msg.TypeSMS {
		want = s.bb.history.Get(bufStr(m.SMS.Sender), bufStr(m.SMS.Receiver))
	}
	if want != "" {
		for _, bc := range s.boxes {
			if bc.boxID() == want {
				return bc
			}
		}
	}
	s.next = (s.next + 1) % len(s.boxes)
	return s.boxes[s.next]
}

// dispatch feeds connected boxes from the incoming list. With no box
// connected the message waits at the front of the list.
func (s *BoxServer) dispatch() {
	defer s.wg.Done()
	for {
		m, ok := s.bb.incoming.Consume()
		if !ok {
			return
		}
		bc := s.pick(m)
		if bc == nil {
			s.bb.incoming.ProduceFront(m)
			select {
			case <-s.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := bc.write(m); err != nil {
			s.log.WithError(err).Warning("box write failed")
			s.bb.incoming.ProduceFront(m)
		}
	}
}
