package main

import (
	"path/filepath"
	"testing"
	"time"

	"smsgw/msg"
	"smsgw/smscconn"
	"smsgw/store"
)

func TestBearerboxStartReplaysStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bb.store")

	// a previous run left one unacked MT behind
	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	m := mt("+491701234567")
	if err := st.Save(m); err != nil {
		t.Fatal(err)
	}
	if err := st.Shutdown(0); err != nil {
		t.Fatal(err)
	}

	bb := testBearerbox(t)
	bb.store, err = store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c, d := testConn("smpp1", 0, smscconn.StatusActive)
	bb.conns = append(bb.conns, c)

	if err := bb.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for d.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatal("replayed message never routed")
	}
	d.mu.Lock()
	got := d.sent[0].SMS.ID.String()
	d.mu.Unlock()
	if got != m.SMS.ID.String() {
		t.Fatalf("replayed id %q, want %q", got, m.SMS.ID.String())
	}
	bb.Stop(false)
}

func TestBearerboxSuspendHoldsRouter(t *testing.T) {
	bb := testBearerbox(t)
	c, d := testConn("smpp1", 0, smscconn.StatusActive)
	bb.conns = append(bb.conns, c)
	if err := bb.Start(); err != nil {
		t.Fatal(err)
	}
	bb.suspended.Store(true)
	bb.outgoing.Produce(mt("+491701234567"))
	time.Sleep(300 * time.Millisecond)
	if d.count() != 0 {
		t.Fatal("suspended gateway routed a message")
	}
	bb.suspended.Store(false)
	deadline := time.Now().Add(5 * time.Second)
	for d.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatal("resume did not release the router")
	}
	bb.Stop(false)
}

func TestDropMTAnswersFailureMask(t *testing.T) {
	bb := testBearerbox(t)
	m := mt("+491701234567")
	m.SMS.DLRMask = msg.DLRFail
	bb.dropMT(m, "no route")
	report, ok := bb.incoming.Consume()
	if !ok || report.SMS.Type != msg.SMSTypeReport {
		t.Fatal("no failure report")
	}
	if report.SMS.Receiver.String() != "12345" {
		t.Fatalf("report receiver %q", report.SMS.Receiver.String())
	}
}
