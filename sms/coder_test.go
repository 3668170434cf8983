package sms

import (
	"bytes"
	"testing"

	"smsgw/msg"
)

func TestGSMRoundTrip(t *testing.T) {
	s := "Hello @£$¥ {braces} [brackets] €uro ~"
	enc := Encode(0, s)
	if got := Decode(0, enc); got != s {
		t.Fatalf("got %q want %q", got, s)
	}
}

func TestGSMUnrepresentable(t *testing.T) {
	if got := Decode(0, Encode(0, "日本")); got != "??" {
		t.Fatalf("got %q", got)
	}
}

func TestUCS2RoundTrip(t *testing.T) {
	s := "привет мир"
	if got := Decode(8, Encode(8, s)); got != s {
		t.Fatalf("got %q want %q", got, s)
	}
}

func TestPack7BitRoundTrip(t *testing.T) {
	septets := Encode(0, "hello world this is packed")
	for fill := 0; fill < 7; fill++ {
		packed := Pack7Bit(septets, fill)
		got := Unpack7Bit(packed, fill, len(septets))
		if !bytes.Equal(got, septets) {
			t.Fatalf("fill=%d: round trip mismatch", fill)
		}
	}
}

func TestPack7BitKnownVector(t *testing.T) {
	// "hellohello" from GSM 03.40 examples
	packed := Pack7Bit(Encode(0, "hellohello"), 0)
	want := []byte{0xE8, 0x32, 0x9B, 0xFD, 0x46, 0x97, 0xD9, 0xEC, 0x37}
	if !bytes.Equal(packed, want) {
		t.Fatalf("got % X want % X", packed, want)
	}
}

func TestDCSRoundTrip(t *testing.T) {
	for _, coding := range []msg.Coding{msg.Coding7Bit, msg.Coding8Bit, msg.CodingUCS2} {
		for _, class := range []int32{-1, 0, 1, 2, 3} {
			s := &msg.SMS{Coding: coding, MClass: class, MWI: -1, AltDCS: -1}
			out := &msg.SMS{MWI: -1}
			FromDCS(ToDCS(s), out)
			if out.Coding != coding || out.MClass != class {
				t.Fatalf("coding=%d class=%d came back as %d/%d",
					coding, class, out.Coding, out.MClass)
			}
		}
	}
}

func TestDCSMessageWaiting(t *testing.T) {
	s := &msg.SMS{Coding: msg.Coding7Bit, MClass: -1, MWI: 4, AltDCS: -1}
	dcs := ToDCS(s)
	if dcs&0xC0 != 0xC0 || dcs&0x08 == 0 {
		t.Fatalf("dcs %02x", dcs)
	}
	out := &msg.SMS{}
	FromDCS(dcs, out)
	if out.MWI != 4 {
		t.Fatalf("mwi %d", out.MWI)
	}
}
