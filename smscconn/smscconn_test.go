package smscconn

import (
	"testing"
	"time"

	"smsgw/msg"
	"smsgw/octet"
)

func mt(receiver, smscID string) *msg.Msg {
	m := msg.New(msg.TypeSMS)
	m.SMS.Receiver = octet.FromString(receiver)
	if smscID != "" {
		m.SMS.SMSCID = octet.FromString(smscID)
	}
	return m
}

func TestUsablePrefixRules(t *testing.T) {
	c := New("smpp1", "test link")
	c.SetStatus(StatusActive)
	c.PreferredPrefix = []string{"+49170"}
	c.DeniedPrefix = []string{"+33"}

	if got := c.Usable(mt("+491701234567", "")); got != Preferred {
		t.Fatalf("preferred prefix got %d", got)
	}
	if got := c.Usable(mt("+3312345", "")); got != Unusable {
		t.Fatalf("denied prefix got %d", got)
	}
	if got := c.Usable(mt("+358123", "")); got != UsableFor {
		t.Fatalf("plain receiver got %d", got)
	}
}

func TestUsableSMSCIDRules(t *testing.T) {
	c := New("smpp1", "test link")
	c.SetStatus(StatusActive)
	if got := c.Usable(mt("123", "smpp1")); got != Preferred {
		t.Fatalf("own id got %d", got)
	}
	if got := c.Usable(mt("123", "other")); got != Unusable {
		t.Fatalf("foreign id got %d", got)
	}
	c.AllowedSMSCID = []string{"other"}
	if got := c.Usable(mt("123", "other")); got != UsableFor {
		t.Fatalf("allowed foreign id got %d", got)
	}
}

func TestUsableKilled(t *testing.T) {
	c := New("smpp1", "test link")
	c.Kill(KillShutdown)
	if got := c.Usable(mt("123", "")); got != Unusable {
		t.Fatalf("killed conn got %d", got)
	}
	if c.WhyKilled() != KillShutdown {
		t.Fatal("kill reason lost")
	}
}

func TestSendQueueFIFOAndFull(t *testing.T) {
	q := NewSendQueue(2)
	a, b := mt("1", ""), mt("2", "")
	if err := q.Put(a); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(mt("3", "")); err != ErrQueueFull {
		t.Fatalf("got %v", err)
	}
	if q.Get() != a || q.Get() != b {
		t.Fatal("order broken")
	}
}

func TestSendQueueCloseWithoutDrain(t *testing.T) {
	q := NewSendQueue(0)
	q.Put(mt("1", ""))
	q.Put(mt("2", ""))
	rest := q.Close(false)
	if len(rest) != 2 {
		t.Fatalf("got %d leftover", len(rest))
	}
	if q.Get() != nil {
		t.Fatal("closed queue still yields messages")
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(2) // two per second
	allowed := 0
	for i := 0; i < 10; i++ {
		if th.Allow() {
			allowed++
		}
	}
	if allowed > 3 {
		t.Fatalf("%d sends within one burst window", allowed)
	}
	if d := th.Delay(); d <= 0 || d > time.Second {
		t.Fatalf("delay %v", d)
	}
	var unlimited *Throttle
	if !unlimited.Allow() {
		t.Fatal("nil throttle must not limit")
	}
}

func TestFailReasonRequeueable(t *testing.T) {
	for r, want := range map[FailReason]bool{
		FailShutdown: true, FailTemporary: true,
		FailRejected: false, FailMalformed: false, FailDiscarded: false,
	} {
		if r.Requeueable() != want {
			t.Fatalf("%s requeueable = %v", r, !want)
		}
	}
}
