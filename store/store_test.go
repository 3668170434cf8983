package store

import (
	"os"
	"path/filepath"
	"testing"

	"smsgw/msg"
	"smsgw/octet"
)

func storedSMS(id, text string) *msg.Msg {
	m := msg.New(msg.TypeSMS)
	m.SMS.ID = octet.FromString(id)
	m.SMS.Sender = octet.FromString("+491701234567")
	m.SMS.Receiver = octet.FromString("1234")
	m.SMS.MsgData = octet.FromString(text)
	m.SMS.Type = msg.SMSTypeMO
	return m
}

func TestStoreReplayUnacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.store")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Save(storedSMS("a", "first"))
	s.Save(storedSMS("b", "second"))
	s.SaveAck(octet.FromString("a"))
	s.Shutdown(0)

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != 1 || replayed[0].SMS.ID.String() != "b" {
		t.Fatalf("replayed %d messages", len(replayed))
	}
	if s2.Pending() != 1 {
		t.Fatalf("pending %d", s2.Pending())
	}
}

func TestStoreTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.store")
	s, _ := Open(path)
	s.Save(storedSMS("a", "whole"))
	s.Shutdown(0)
	// simulate a crash mid-write of the next record
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte{0, 0, 1, 0, 'p', 'a', 'r'})
	f.Close()

	s2, _ := Open(path)
	replayed, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != 1 || replayed[0].SMS.ID.String() != "a" {
		t.Fatal("record before the torn tail was lost")
	}
}

func TestStoreCompactShrinksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.store")
	s, _ := Open(path)
	for _, id := range []string{"a", "b", "c"} {
		s.Save(storedSMS(id, "text"))
		s.SaveAck(octet.FromString(id))
	}
	before, _ := os.Stat(path)
	if err := s.Dump(); err != nil {
		t.Fatal(err)
	}
	after, _ := os.Stat(path)
	if after.Size() >= before.Size() {
		t.Fatalf("compaction did not shrink: %d -> %d", before.Size(), after.Size())
	}
}

func TestDLRTableLifecycle(t *testing.T) {
	table := NewDLRTable(NewMemoryDLR())
	m := storedSMS("x", "ping")
	m.SMS.DLRMask = msg.DLRSuccess | msg.DLRFail | msg.DLRBuffered
	m.SMS.DLRURL = octet.FromString("http://app/dlr")
	if err := table.Add("smpp1", "ABC", m); err != nil {
		t.Fatal(err)
	}
	if table.Messages() != 1 {
		t.Fatalf("messages %d", table.Messages())
	}

	// buffered keeps the entry
	rep, err := table.Find("smpp1", "ABC", "1234", msg.DLRBuffered, "id:ABC stat:BUFFRD")
	if err != nil || rep == nil {
		t.Fatalf("buffered report: %v %v", rep, err)
	}
	if table.Messages() != 1 {
		t.Fatal("buffered status removed the entry")
	}

	// terminal removes it
	rep, err = table.Find("smpp1", "ABC", "1234", msg.DLRSuccess, "id:ABC stat:DELIVRD")
	if err != nil || rep == nil {
		t.Fatalf("terminal report: %v %v", rep, err)
	}
	if rep.SMS.Type != msg.SMSTypeReport || rep.SMS.DLRMask != msg.DLRSuccess {
		t.Fatal("report envelope malformed")
	}
	if rep.SMS.DLRURL.String() != "http://app/dlr" {
		t.Fatal("dlr url lost")
	}
	if table.Messages() != 0 {
		t.Fatal("terminal status left the entry behind")
	}

	// a removed entry never matches again
	rep, err = table.Find("smpp1", "ABC", "1234", msg.DLRSuccess, "")
	if err != nil || rep != nil {
		t.Fatal("stale entry matched")
	}
}

func TestDLRIndependentEntries(t *testing.T) {
	table := NewDLRTable(NewMemoryDLR())
	a := storedSMS("a", "one")
	a.SMS.DLRMask = msg.DLRSuccess
	b := storedSMS("b", "two")
	b.SMS.DLRMask = msg.DLRSuccess
	b.SMS.Receiver = octet.FromString("5678")
	table.Add("smpp1", "T1", a)
	table.Add("smpp1", "T2", b)
	if rep, _ := table.Find("smpp1", "T2", "5678", msg.DLRSuccess, ""); rep == nil {
		t.Fatal("second entry not independently addressable")
	}
	if rep, _ := table.Find("smpp1", "T1", "1234", msg.DLRSuccess, ""); rep == nil {
		t.Fatal("first entry not independently addressable")
	}
}

func TestDLRUnsubscribedBit(t *testing.T) {
	table := NewDLRTable(NewMemoryDLR())
	m := storedSMS("x", "ping")
	m.SMS.DLRMask = msg.DLRFail
	table.Add("smpp1", "K", m)
	rep, err := table.Find("smpp1", "K", "1234", msg.DLRSuccess, "")
	if err != nil || rep != nil {
		t.Fatal("unsubscribed success bit produced a report")
	}
	// terminal status still removed the entry
	if table.Messages() != 0 {
		t.Fatal("entry survived terminal status")
	}
}
