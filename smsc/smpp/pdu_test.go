package smpp

import (
	"bytes"
	"testing"

	"github.com/kr/pretty"

	"smsgw/msg"
)

func TestPDURoundTrip(t *testing.T) {
	sm := &SM{
		Source:       "12345",
		SourceTON:    5,
		Dest:         "491701234567",
		DestTON:      1,
		DestNPI:      1,
		ESMClass:     ESMClassUDHI,
		DataCoding:   8,
		ShortMessage: []byte{0x05, 0x00, 0x03, 0x2A, 0x02, 0x01, 0x00, 0x48},
	}
	frame := Encode(SubmitSM, 0, 7, sm.Marshal(),
		TLV{Tag: TagUserMessageReference, Value: []byte{0x00, 0x2A}})

	p, err := ReadPDU(bytes.NewReader(frame), 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.ID != SubmitSM || p.Header.Sequence != 7 {
		t.Fatalf("header %+v", p.Header)
	}
	got, err := UnmarshalSM(p.Body)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(sm, got); len(diff) > 0 {
		t.Fatalf("body differs: %v", diff)
	}
	if v := p.TLVValue(TagUserMessageReference); !bytes.Equal(v, []byte{0x00, 0x2A}) {
		t.Fatalf("tlv %x", v)
	}
}

func TestReadPDUBounds(t *testing.T) {
	// length below the header minimum
	bad := Encode(EnquireLink, 0, 1, nil)
	bad[3] = 8
	if _, err := ReadPDU(bytes.NewReader(bad), 0); err == nil {
		t.Fatal("undersized frame accepted")
	}
	// length above the cap
	big := Encode(EnquireLink, 0, 1, nil)
	big[0] = 0xFF
	if _, err := ReadPDU(bytes.NewReader(big), 0); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestUnmarshalSMTruncated(t *testing.T) {
	sm := &SM{Source: "1", Dest: "2", ShortMessage: []byte("hello")}
	body := sm.Marshal()
	if _, err := UnmarshalSM(body[:len(body)-3]); err == nil {
		t.Fatal("truncated short_message accepted")
	}
}

func TestParseReceipt(t *testing.T) {
	r := ParseReceipt("id:0A3F stat:DELIVRD err:000 text:hi there")
	if r.ID != "0A3F" || r.Stat != "DELIVRD" || r.Err != "000" {
		t.Fatalf("parsed %+v", r)
	}
	if r.DLRType() != msg.DLRSuccess {
		t.Fatal("DELIVRD is not success")
	}
	if (Receipt{Stat: "UNDELIV"}).DLRType() != msg.DLRFail {
		t.Fatal("UNDELIV is not failure")
	}
	if (Receipt{Stat: "ENROUTE"}).DLRType() != msg.DLRBuffered {
		t.Fatal("ENROUTE is not buffered")
	}
	if StateDLRType(2) != msg.DLRSuccess || StateDLRType(5) != msg.DLRFail {
		t.Fatal("message_state mapping broken")
	}
}

func TestSubmitRespMessageID(t *testing.T) {
	if id := MessageID([]byte("ABC123\x00")); id != "ABC123" {
		t.Fatalf("id %q", id)
	}
}
