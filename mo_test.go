package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/numhash"
	"smsgw/octet"
	"smsgw/smscconn"
)

func testLogger() *logrus.Entry {
	return logrus.WithField("part", "test")
}

func mo(sender, receiver, text string) *msg.Msg {
	m := msg.New(msg.TypeSMS)
	m.SMS.Sender = octet.FromString(sender)
	m.SMS.Receiver = octet.FromString(receiver)
	m.SMS.MsgData = octet.FromString(text)
	return m
}

func listOf(t *testing.T, numbers string) *numhash.Set {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list")
	if err := os.WriteFile(path, []byte(numbers), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := numhash.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReceiveMO(t *testing.T) {
	bb := testBearerbox(t)
	bb.prefix = ParsePrefixRule("+49,0049,0")
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	m := mo("01701234567", "1234", "Hi")
	if err := bb.Receive(c, m); err != nil {
		t.Fatal(err)
	}
	got, ok := bb.incoming.Consume()
	if !ok {
		t.Fatal("incoming list empty")
	}
	if got.SMS.Type != msg.SMSTypeMO {
		t.Fatalf("sms type %v", got.SMS.Type)
	}
	if got.SMS.Sender.String() != "+491701234567" {
		t.Fatalf("sender %q not normalized", got.SMS.Sender.String())
	}
	if got.SMS.ID == nil || got.SMS.ID.Len() == 0 {
		t.Fatal("no id assigned")
	}
	if got.SMS.SMSCID.String() != "smpp1" {
		t.Fatalf("smsc id %q", got.SMS.SMSCID.String())
	}
	if bb.moCount.Load() != 1 {
		t.Fatalf("mo counter %d", bb.moCount.Load())
	}
	if c.Info().Received != 1 {
		t.Fatalf("received counter %d", c.Info().Received)
	}
	if bb.store.Pending() != 1 {
		t.Fatalf("store pending %d", bb.store.Pending())
	}
}

func TestReceiveMOWhiteList(t *testing.T) {
	bb := testBearerbox(t)
	bb.white = listOf(t, "491701234567\n")
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	if err := bb.Receive(c, mo("+491701234567", "1234", "ok")); err != nil {
		t.Fatal(err)
	}
	if err := bb.Receive(c, mo("+79001112233", "1234", "no")); err == nil {
		t.Fatal("sender off the white-list accepted")
	}
	if bb.moCount.Load() != 1 {
		t.Fatalf("mo counter %d", bb.moCount.Load())
	}
}

func TestReceiveMOBlackList(t *testing.T) {
	bb := testBearerbox(t)
	bb.black = listOf(t, "# spammers\n79001112233\n")
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	if err := bb.Receive(c, mo("+79001112233", "1234", "spam")); err == nil {
		t.Fatal("black-listed sender accepted")
	}
	if err := bb.Receive(c, mo("+491701234567", "1234", "ok")); err != nil {
		t.Fatal(err)
	}
}

func TestReceiveMOIsolated(t *testing.T) {
	bb := testBearerbox(t)
	bb.isolated.Store(true)
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)
	if err := bb.Receive(c, mo("+491701234567", "1234", "x")); err == nil {
		t.Fatal("isolated gateway accepted an MO")
	}
}

func TestSentAcksStore(t *testing.T) {
	bb := testBearerbox(t)
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	m := mt("+491701234567")
	if err := bb.store.Save(m); err != nil {
		t.Fatal(err)
	}
	if bb.store.Pending() != 1 {
		t.Fatal("mt not tracked")
	}
	bb.Sent(c, m, "ABC")
	if bb.store.Pending() != 0 {
		t.Fatal("sent mt still tracked")
	}
	if c.Info().Sent != 1 {
		t.Fatalf("sent counter %d", c.Info().Sent)
	}
}

func TestSendFailedRequeues(t *testing.T) {
	bb := testBearerbox(t)
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	m := mt("+491701234567")
	bb.SendFailed(c, m, smscconn.FailTemporary, "congestion")
	if bb.outgoing.Len() != 1 {
		t.Fatal("temporary failure not requeued")
	}
	if c.Info().Failed != 0 {
		t.Fatal("requeued message counted as failed")
	}
}

func TestSendFailedTerminalReports(t *testing.T) {
	bb := testBearerbox(t)
	c, _ := testConn("smpp1", 0, smscconn.StatusActive)

	m := mt("+491701234567")
	m.SMS.DLRMask = msg.DLRSuccess | msg.DLRFail
	if err := bb.store.Save(m); err != nil {
		t.Fatal(err)
	}
	bb.SendFailed(c, m, smscconn.FailRejected, "invalid destination")
	if bb.outgoing.Len() != 0 {
		t.Fatal("rejected message requeued")
	}
	if bb.store.Pending() != 0 {
		t.Fatal("rejected mt still tracked")
	}
	if c.Info().Failed != 1 {
		t.Fatalf("failed counter %d", c.Info().Failed)
	}
	report, ok := bb.incoming.Consume()
	if !ok || report.SMS.Type != msg.SMSTypeReport {
		t.Fatal("no failure report produced")
	}
	if report.SMS.DLRMask != msg.DLRFail {
		t.Fatalf("report mask %#x", report.SMS.DLRMask)
	}
}
