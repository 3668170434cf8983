package at

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/sms"
	"smsgw/smscconn"
)

type recorder struct {
	connected chan struct{}
	received  chan *msg.Msg
	sent      chan string
	failed    chan smscconn.FailReason
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan struct{}, 4),
		received:  make(chan *msg.Msg, 4),
		sent:      make(chan string, 4),
		failed:    make(chan smscconn.FailReason, 4),
	}
}

func (r *recorder) Ready(c *smscconn.Conn)     {}
func (r *recorder) Connected(c *smscconn.Conn) { r.connected <- struct{}{} }
func (r *recorder) Killed(c *smscconn.Conn)    {}
func (r *recorder) Receive(c *smscconn.Conn, m *msg.Msg) error {
	r.received <- m
	return nil
}
func (r *recorder) Sent(c *smscconn.Conn, m *msg.Msg, reply string) { r.sent <- reply }
func (r *recorder) SendFailed(c *smscconn.Conn, m *msg.Msg, reason smscconn.FailReason, detail string) {
	r.failed <- reason
}

// fakeModem speaks just enough of the AT command set on one end of a
// pipe. PDUs submitted via CMGS land on the pdus channel.
type fakeModem struct {
	dev     net.Conn
	pdus    chan string
	cmgsErr int // fail this many CMGS attempts first
	cnma    chan struct{}
}

func newFakeModem(dev net.Conn) *fakeModem {
	fm := &fakeModem{dev: dev, pdus: make(chan string, 4), cnma: make(chan struct{}, 4)}
	go fm.serve()
	return fm
}

func (fm *fakeModem) reply(lines ...string) {
	for _, l := range lines {
		fmt.Fprintf(fm.dev, "\r\n%s\r\n", l)
	}
}

func (fm *fakeModem) serve() {
	br := bufio.NewReader(fm.dev)
	for {
		line, err := br.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		switch {
		case cmd == "":
		case cmd == "ATI":
			fm.reply("FAKEMODEM rev 1.0", "OK")
		case cmd == "AT+CPIN?":
			fm.reply("+CPIN: READY", "OK")
		case cmd == "AT+CSMS=?":
			fm.reply("+CSMS: (0,1)", "OK")
		case cmd == "AT+CNMA":
			fm.cnma <- struct{}{}
			fm.reply("OK")
		case strings.HasPrefix(cmd, "AT+CMGS="):
			if fm.cmgsErr > 0 {
				fm.cmgsErr--
				fm.reply("+CMS ERROR: 500")
				continue
			}
			io.WriteString(fm.dev, "\r\n> ")
			pdu, err := br.ReadString('\x1A')
			if err != nil {
				return
			}
			fm.pdus <- strings.TrimRight(strings.TrimSpace(pdu), "\x1A")
			fm.reply("+CMGS: 42", "OK")
		case strings.HasPrefix(cmd, "AT"):
			fm.reply("OK")
		}
	}
}

// deliver pushes an unsolicited +CMT with a zero-length SMSC address.
func (fm *fakeModem) deliver(tpdu []byte) {
	fmt.Fprintf(fm.dev, "\r\n+CMT: ,%d\r\n00%s\r\n",
		len(tpdu), strings.ToUpper(hex.EncodeToString(tpdu)))
}

func testDriver(t *testing.T, cmgsErr int) (*Driver, *recorder, *fakeModem) {
	t.Helper()
	client, server := net.Pipe()
	fm := newFakeModem(server)
	fm.cmgsErr = cmgsErr
	rec := newRecorder()
	c := smscconn.New("at-test", "test modem")
	d := New(c, rec, Config{
		Device: "/dev/fake",
		Speed:  9600,
		Open: func(device string, speed int) (io.ReadWriteCloser, error) {
			return client, nil
		},
	})
	c.Driver = d
	t.Cleanup(func() {
		d.stopOnce.Do(func() { close(d.stop) })
		client.Close()
		server.Close()
	})
	return d, rec, fm
}

func TestModemInitAndSubmit(t *testing.T) {
	d, rec, fm := testDriver(t, 0)
	d.Start()
	select {
	case <-rec.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("modem never initialized")
	}

	m := msg.New(msg.TypeSMS)
	m.SMS.Receiver = octet.FromString("+491701234567")
	m.SMS.MsgData = octet.FromString("hello")
	m.SMS.Coding = msg.Coding7Bit
	m.NewSMSID()
	if err := d.Send(m); err != nil {
		t.Fatal(err)
	}
	select {
	case reply := <-rec.sent:
		if reply != "42" {
			t.Fatalf("message reference %q", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit never acknowledged")
	}
	pdu := <-fm.pdus
	raw, err := hex.DecodeString(pdu)
	if err != nil {
		t.Fatalf("modem got non-hex pdu %q", pdu)
	}
	// leading 00 is the empty SMSC address
	if raw[0] != 0 || raw[1]&tpMTIMask != tpMTISubmit {
		t.Fatalf("pdu prefix %x", raw[:2])
	}
}

func TestModemRetriesCMGS(t *testing.T) {
	d, rec, _ := testDriver(t, 2)
	d.Start()
	<-rec.connected

	m := msg.New(msg.TypeSMS)
	m.SMS.Receiver = octet.FromString("12345")
	m.SMS.MsgData = octet.FromString("retry me")
	m.SMS.Coding = msg.Coding7Bit
	d.Send(m)
	select {
	case reply := <-rec.sent:
		if reply != "42" {
			t.Fatalf("reply %q", reply)
		}
	case reason := <-rec.failed:
		t.Fatalf("failed with %v despite retries left", reason)
	case <-time.After(10 * time.Second):
		t.Fatal("submit never resolved")
	}
}

func TestModemDeliversMO(t *testing.T) {
	d, rec, fm := testDriver(t, 0)
	d.Start()
	<-rec.connected

	tpdu := []byte{0x00}
	tpdu = append(tpdu, encodeAddress("+491701234567")...)
	tpdu = append(tpdu, 0x00, 0x00)
	tpdu = append(tpdu, 0x02, 0x08, 0x92, 0x51, 0x43, 0x00, 0x00)
	septets := sms.Encode(0, "ping")
	tpdu = append(tpdu, byte(len(septets)))
	tpdu = append(tpdu, sms.Pack7Bit(septets, 0)...)
	fm.deliver(tpdu)

	select {
	case m := <-rec.received:
		if m.SMS.Sender.String() != "+491701234567" || m.SMS.MsgData.String() != "ping" {
			t.Fatalf("MO %+v", m.SMS)
		}
		if m.SMS.SMSCID.String() != "at-test" {
			t.Fatal("MO not tagged with the connection id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("MO never delivered")
	}
	// phase 2+ was negotiated, so the delivery must be acknowledged
	select {
	case <-fm.cnma:
	case <-time.After(5 * time.Second):
		t.Fatal("CNMA never sent")
	}
}
