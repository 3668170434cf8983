package httpsmsc

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
)

type recorder struct {
	received chan *msg.Msg
	sent     chan struct{}
	failed   chan smscconn.FailReason
}

func newRecorder() *recorder {
	return &recorder{
		received: make(chan *msg.Msg, 4),
		sent:     make(chan struct{}, 4),
		failed:   make(chan smscconn.FailReason, 4),
	}
}

func (r *recorder) Ready(c *smscconn.Conn)     {}
func (r *recorder) Connected(c *smscconn.Conn) {}
func (r *recorder) Killed(c *smscconn.Conn)    {}
func (r *recorder) Receive(c *smscconn.Conn, m *msg.Msg) error {
	r.received <- m
	return nil
}
func (r *recorder) Sent(c *smscconn.Conn, m *msg.Msg, reply string) { r.sent <- struct{}{} }
func (r *recorder) SendFailed(c *smscconn.Conn, m *msg.Msg, reason smscconn.FailReason, detail string) {
	r.failed <- reason
}

func testDriver(t *testing.T, cfg Config) (*Driver, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := smscconn.New("http-test", "test link")
	d, err := New(c, rec, cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.Driver = d
	t.Cleanup(func() { d.Shutdown(false) })
	return d, rec
}

func mt(text string) *msg.Msg {
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMTPush
	m.SMS.Sender = octet.FromString("12345")
	m.SMS.Receiver = octet.FromString("+491701234567")
	m.SMS.MsgData = octet.FromString(text)
	m.SMS.Coding = msg.Coding7Bit
	m.NewSMSID()
	return m
}

func TestKannelSendSuccess(t *testing.T) {
	var gotQuery url.Values
	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, "Sent.")
	}))
	defer agg.Close()

	d, rec := testDriver(t, Config{SystemType: "kannel", SendURL: agg.URL,
		Username: "user", Password: "pass"})
	d.Start()
	if err := d.Send(mt("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rec.sent:
	case reason := <-rec.failed:
		t.Fatalf("failed with %v", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("never resolved")
	}
	if gotQuery.Get("to") != "+491701234567" || gotQuery.Get("text") != "hello" {
		t.Fatalf("query %v", gotQuery)
	}
	if gotQuery.Get("username") != "user" {
		t.Fatal("credentials missing")
	}
}

func TestKannelRejectReply(t *testing.T) {
	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Not routable.")
	}))
	defer agg.Close()

	d, rec := testDriver(t, Config{SystemType: "kannel", SendURL: agg.URL})
	d.Start()
	d.Send(mt("hello"))
	select {
	case reason := <-rec.failed:
		if reason != smscconn.FailRejected {
			t.Fatalf("reason %v", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("never resolved")
	}
}

func TestBrunetAndXidrisReplies(t *testing.T) {
	cases := []struct {
		system string
		body   string
		ok     bool
	}{
		{"brunet", "Status=0 Tracking=77", true},
		{"brunet", "Status=5", false},
		{"xidris", "0 accepted", true},
		{"xidris", "11 wrong key", false},
	}
	for _, c := range cases {
		v, err := NewVariant(c.system)
		if err != nil {
			t.Fatal(err)
		}
		err = v.ParseReply(http.StatusOK, []byte(c.body))
		if c.ok && err != nil {
			t.Errorf("%s %q: unexpected error %v", c.system, c.body, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s %q: accepted", c.system, c.body)
		}
	}
}

func TestUnreachableRetriesThenShutdown(t *testing.T) {
	d, rec := testDriver(t, Config{SystemType: "wapme",
		SendURL:        "http://127.0.0.1:1/send",
		ReconnectDelay: 50 * time.Millisecond})
	d.Start()
	c := d.c
	d.Send(mt("stuck"))

	deadline := time.Now().Add(3 * time.Second)
	for c.Status() != smscconn.StatusReconnecting {
		if time.Now().After(deadline) {
			t.Fatal("never entered re-connecting")
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.Shutdown(false)
	select {
	case reason := <-rec.failed:
		if reason != smscconn.FailShutdown {
			t.Fatalf("reason %v", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight message never failed")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestMOServer(t *testing.T) {
	port := freePort(t)
	d, rec := testDriver(t, Config{SystemType: "kannel", SendURL: "http://unused",
		Username: "user", Password: "pass", Port: port})
	d.Start()

	base := fmt.Sprintf("http://127.0.0.1:%d/", port)
	q := url.Values{}
	q.Set("username", "user")
	q.Set("password", "pass")
	q.Set("from", "+491701234567")
	q.Set("to", "12345")
	q.Set("text", "inbound")

	var resp *http.Response
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = http.Get(base + "?" + q.Encode())
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("MO server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	select {
	case m := <-rec.received:
		if m.SMS.MsgData.String() != "inbound" || m.SMS.Type != msg.SMSTypeMO {
			t.Fatalf("MO %+v", m.SMS)
		}
	case <-time.After(time.Second):
		t.Fatal("MO never surfaced")
	}

	// wrong password is refused
	q.Set("password", "nope")
	resp, err = http.Get(base + "?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad credentials got status %d", resp.StatusCode)
	}
}
