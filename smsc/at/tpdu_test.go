package at

import (
	"bytes"
	"testing"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/sms"
)

func TestEncodeAddress(t *testing.T) {
	got := encodeAddress("+491701234567")
	want := []byte{12, toaInternational, 0x94, 0x71, 0x10, 0x32, 0x54, 0x76}
	if !bytes.Equal(got, want) {
		t.Fatalf("international: %x", got)
	}
	got = encodeAddress("12345")
	want = []byte{5, toaNational, 0x21, 0x43, 0xF5}
	if !bytes.Equal(got, want) {
		t.Fatalf("odd national: %x", got)
	}
	if got := encodeAddress("INFO"); got[1] != toaAlphanumeric {
		t.Fatalf("alphanumeric toa %x", got[1])
	}
}

func TestRelativeVP(t *testing.T) {
	cases := []struct {
		minutes int32
		want    byte
	}{
		{5, 0},
		{60, 11},
		{720, 143},
		{1440, 167},
		{2880, 168},
		{43200, 196},
	}
	for _, c := range cases {
		if got := relativeVP(c.minutes); got != c.want {
			t.Errorf("vp(%d) = %d, want %d", c.minutes, got, c.want)
		}
	}
}

func TestEncodeSubmit7Bit(t *testing.T) {
	m := msg.New(msg.TypeSMS)
	m.SMS.Receiver = octet.FromString("+491701234567")
	m.SMS.MsgData = octet.FromString("hellohello")
	m.SMS.Coding = msg.Coding7Bit
	m.SMS.Validity = 60

	tpdu, err := EncodeSubmit(m)
	if err != nil {
		t.Fatal(err)
	}
	if tpdu[0] != tpMTISubmit|tpVPFRel {
		t.Fatalf("first octet %02X", tpdu[0])
	}
	// MR, DA(2+6), PID, DCS, VP, then UDL
	udlPos := 2 + 8 + 3
	if int(tpdu[udlPos]) != 10 {
		t.Fatalf("UDL %d", tpdu[udlPos])
	}
	unpacked := sms.Unpack7Bit(tpdu[udlPos+1:], 0, 10)
	if sms.Decode(0, unpacked) != "hellohello" {
		t.Fatal("packed text does not survive the round trip")
	}
}

func TestEncodeSubmitUDHKeepsSeptetBoundary(t *testing.T) {
	m := msg.New(msg.TypeSMS)
	m.SMS.Receiver = octet.FromString("12345")
	m.SMS.MsgData = octet.FromString("part")
	m.SMS.Coding = msg.Coding7Bit
	m.SMS.UDHData = octet.FromBytes([]byte{0x05, 0x00, 0x03, 0x2A, 0x02, 0x01})

	tpdu, err := EncodeSubmit(m)
	if err != nil {
		t.Fatal(err)
	}
	if tpdu[0]&tpUDHI == 0 {
		t.Fatal("UDHI not set")
	}
	// 6 UDH octets are 48 bits; 1 fill bit puts text at septet 7
	udlPos := 2 + 5 + 2
	if int(tpdu[udlPos]) != 7+4 {
		t.Fatalf("UDL %d", tpdu[udlPos])
	}
	unpacked := sms.Unpack7Bit(tpdu[udlPos+1+6:], 1, 4)
	if sms.Decode(0, unpacked) != "part" {
		t.Fatal("text after UDH mangled")
	}
}

func deliverTPDU(t *testing.T, sender, text string) []byte {
	t.Helper()
	tpdu := []byte{0x00}
	tpdu = append(tpdu, encodeAddress(sender)...)
	tpdu = append(tpdu, 0x00, 0x00)                               // PID, DCS
	tpdu = append(tpdu, 0x02, 0x08, 0x92, 0x51, 0x43, 0x00, 0x00) // SCTS
	septets := sms.Encode(0, text)
	tpdu = append(tpdu, byte(len(septets)))
	return append(tpdu, sms.Pack7Bit(septets, 0)...)
}

func TestDecodeDeliver(t *testing.T) {
	m, err := DecodeDeliver(deliverTPDU(t, "+491701234567", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if m.SMS.Sender.String() != "+491701234567" {
		t.Fatalf("sender %q", m.SMS.Sender)
	}
	if m.SMS.MsgData.String() != "hello" {
		t.Fatalf("text %q", m.SMS.MsgData)
	}
	if m.SMS.Coding != msg.Coding7Bit || m.SMS.Type != msg.SMSTypeMO {
		t.Fatalf("coding %v type %v", m.SMS.Coding, m.SMS.Type)
	}
}

func TestDecodeDeliverRejectsGarbage(t *testing.T) {
	if _, err := DecodeDeliver([]byte{0x00}); err == nil {
		t.Fatal("single octet accepted")
	}
	if _, err := DecodeDeliver([]byte{0x01, 0x05, 0x81, 0x21, 0x43, 0xF5}); err == nil {
		t.Fatal("submit MTI accepted as deliver")
	}
}

func TestFindModem(t *testing.T) {
	m := findModem(nil, "", "WAVECOM MODEM 1200")
	if m.ID != "wavecom" {
		t.Fatalf("detected %q", m.ID)
	}
	m = findModem(nil, "", "some unknown device")
	if m.ID != "generic" {
		t.Fatalf("fallback %q", m.ID)
	}
	m = findModem([]Modem{{ID: "custom", DetectString: "X9"}}, "custom", "")
	if m.ID != "custom" {
		t.Fatalf("explicit id %q", m.ID)
	}
}
