package msg

import (
	"reflect"
	"testing"

	"smsgw/octet"
)

func sampleSMS() *Msg {
	m := New(TypeSMS)
	m.SMS.Sender = octet.FromString("+491701234567")
	m.SMS.Receiver = octet.FromString("1234")
	m.SMS.MsgData = octet.FromString("Hi")
	m.SMS.UDHData = octet.FromBytes([]byte{0x05, 0x00, 0x03, 0x2a, 0x02, 0x01})
	m.SMS.SMSCID = octet.FromString("smpp1")
	m.SMS.Coding = Coding8Bit
	m.SMS.DLRMask = DLRSuccess | DLRFail
	m.SMS.Time = 1700000000
	m.SMS.Type = SMSTypeMO
	m.NewSMSID()
	return m
}

func TestPackUnpackSMS(t *testing.T) {
	m := sampleSMS()
	got, err := Unpack(m.Pack())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", m, got)
	}
}

func TestPackUnpackAbsentFields(t *testing.T) {
	// empty string and absent field must survive distinctly
	m := New(TypeSMS)
	m.SMS.Sender = octet.FromString("")
	got, err := Unpack(m.Pack())
	if err != nil {
		t.Fatal(err)
	}
	if got.SMS.Sender == nil || got.SMS.Sender.Len() != 0 {
		t.Fatal("empty sender did not survive")
	}
	if got.SMS.Receiver != nil {
		t.Fatal("absent receiver came back non-nil")
	}
}

func TestPackUnpackOtherVariants(t *testing.T) {
	cases := []*Msg{
		New(TypeHeartbeat),
		New(TypeAdmin),
		New(TypeAck),
		New(TypeWDPDatagram),
	}
	cases[0].Heartbeat.Load = 7
	cases[1].Admin.Command = AdminIdentify
	cases[1].Admin.BoxID = octet.FromString("smsbox-1")
	cases[2].Ack.ID = octet.FromString("abc")
	cases[2].Ack.Time = 99
	cases[3].WDP.SourceAddress = octet.FromString("10.0.0.1")
	cases[3].WDP.SourcePort = 9201
	cases[3].WDP.DestinationAddress = octet.FromString("10.0.0.2")
	cases[3].WDP.DestinationPort = 9201
	cases[3].WDP.UserData = octet.FromBytes([]byte{1, 2, 3})
	for _, m := range cases {
		got, err := Unpack(m.Pack())
		if err != nil {
			t.Fatalf("%s: %v", m.Type, err)
		}
		if !reflect.DeepEqual(m, got) {
			t.Fatalf("%s: round trip mismatch", m.Type)
		}
	}
}

func TestUnpackTooShort(t *testing.T) {
	if _, err := Unpack(octet.FromBytes([]byte{0, 0})); err != ErrTooShort {
		t.Fatalf("got %v", err)
	}
}

func TestDuplicateIsDeep(t *testing.T) {
	m := sampleSMS()
	c := m.Duplicate()
	c.SMS.Sender.SetChar(0, 'X')
	if m.SMS.Sender.GetChar(0) == 'X' {
		t.Fatal("duplicate shares sender storage")
	}
}
