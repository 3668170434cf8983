package main

import (
	"sync"
	"testing"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
	"smsgw/store"
)

// fakeDriver records sent messages and can simulate a full queue.
type fakeDriver struct {
	mu     sync.Mutex
	sent   []*msg.Msg
	load   int
	fullID int // reject this many sends with a full queue first
}

func (d *fakeDriver) Start()        {}
func (d *fakeDriver) Stop()         {}
func (d *fakeDriver) Shutdown(bool) {}
func (d *fakeDriver) Queued() int   { return d.load }

func (d *fakeDriver) Send(m *msg.Msg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fullID > 0 {
		d.fullID--
		return smscconn.ErrQueueFull
	}
	d.sent = append(d.sent, m)
	return nil
}

func (d *fakeDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func testBearerbox(t *testing.T) *Bearerbox {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatal(err)
	}
	return &Bearerbox{
		cfg:      &Config{},
		log:      testLogger(),
		store:    st,
		dlr:      store.NewDLRTable(store.NewMemoryDLR()),
		prefix:   ParsePrefixRule(""),
		incoming: NewMsgList(),
		outgoing: NewMsgList(),
	}
}

func testConn(id string, load int, status smscconn.Status) (*smscconn.Conn, *fakeDriver) {
	c := smscconn.New(id, id)
	d := &fakeDriver{load: load}
	c.Driver = d
	c.SetStatus(status)
	return c, d
}

func mt(receiver string) *msg.Msg {
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMTPush
	m.SMS.Sender = octet.FromString("12345")
	m.SMS.Receiver = octet.FromString(receiver)
	m.SMS.MsgData = octet.FromString("ping")
	m.NewSMSID()
	return m
}

func TestRouteNoConnections(t *testing.T) {
	bb := testBearerbox(t)
	if got := bb.Route(mt("+491701234567")); got != -1 {
		t.Fatalf("route = %d, want -1", got)
	}
}

func TestRouteDropsNonSMS(t *testing.T) {
	bb := testBearerbox(t)
	c, _ := testConn("a", 0, smscconn.StatusActive)
	bb.conns = append(bb.conns, c)
	a := msg.New(msg.TypeAck)
	if got := bb.Route(a); got != -1 {
		t.Fatalf("route(ack) = %d, want -1", got)
	}
}

// Two preferred connections with equal load must win over a lighter
// acceptable one; which of the two is picked depends only on the random
// starting index.
func TestRouteTieBreak(t *testing.T) {
	bb := testBearerbox(t)
	a, da := testConn("a", 5, smscconn.StatusActive)
	b, db := testConn("b", 5, smscconn.StatusActive)
	c, dc := testConn("c", 1, smscconn.StatusActive)
	a.PreferredPrefix = []string{"+49"}
	b.PreferredPrefix = []string{"+49"}
	bb.conns = []*smscconn.Conn{a, b, c}

	for i := 0; i < 50; i++ {
		if got := bb.Route(mt("+491701234567")); got != 1 {
			t.Fatalf("route = %d, want 1", got)
		}
	}
	if dc.count() != 0 {
		t.Fatalf("acceptable connection got %d messages over preferred", dc.count())
	}
	if da.count()+db.count() != 50 {
		t.Fatalf("preferred connections got %d+%d messages", da.count(), db.count())
	}
}

func TestRoutePrefersLowestLoad(t *testing.T) {
	bb := testBearerbox(t)
	a, da := testConn("a", 9, smscconn.StatusActive)
	b, db := testConn("b", 2, smscconn.StatusActive)
	bb.conns = []*smscconn.Conn{a, b}

	for i := 0; i < 20; i++ {
		if got := bb.Route(mt("+491701234567")); got != 1 {
			t.Fatalf("route = %d, want 1", got)
		}
	}
	if da.count() != 0 || db.count() != 20 {
		t.Fatalf("load split %d/%d, want 0/20", da.count(), db.count())
	}
}

func TestRouteRequeuesWhenAllDown(t *testing.T) {
	bb := testBearerbox(t)
	c, d := testConn("a", 0, smscconn.StatusReconnecting)
	bb.conns = append(bb.conns, c)

	if got := bb.Route(mt("+491701234567")); got != 0 {
		t.Fatalf("route = %d, want 0", got)
	}
	if bb.outgoing.Len() != 1 {
		t.Fatalf("outgoing %d, want the message requeued", bb.outgoing.Len())
	}
	if d.count() != 0 {
		t.Fatal("message sent over a non-active connection")
	}
}

func TestRouteDeniedPrefixRejects(t *testing.T) {
	bb := testBearerbox(t)
	c, d := testConn("a", 0, smscconn.StatusActive)
	c.DeniedPrefix = []string{"+49"}
	bb.conns = append(bb.conns, c)

	if got := bb.Route(mt("+491701234567")); got != -1 {
		t.Fatalf("route = %d, want -1", got)
	}
	if d.count() != 0 {
		t.Fatal("message sent over an unusable connection")
	}
}

func TestRouteRetriesOnFullQueue(t *testing.T) {
	bb := testBearerbox(t)
	c, d := testConn("a", 0, smscconn.StatusActive)
	d.fullID = 2
	bb.conns = append(bb.conns, c)

	if got := bb.Route(mt("+491701234567")); got != 1 {
		t.Fatalf("route = %d, want 1 after retries", got)
	}
	if d.count() != 1 {
		t.Fatalf("driver holds %d messages, want 1", d.count())
	}
}

func TestRouteNormalizesReceiver(t *testing.T) {
	bb := testBearerbox(t)
	bb.prefix = ParsePrefixRule("+49,0049,0")
	c, d := testConn("a", 0, smscconn.StatusActive)
	bb.conns = append(bb.conns, c)

	if got := bb.Route(mt("00491701234567")); got != 1 {
		t.Fatalf("route = %d, want 1", got)
	}
	if got := d.sent[0].SMS.Receiver.String(); got != "+491701234567" {
		t.Fatalf("receiver %q not normalized", got)
	}
}
