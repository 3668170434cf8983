package numhash

import (
	"strings"
	"testing"
)

func TestReadAndContains(t *testing.T) {
	s, err := Read(strings.NewReader("# spammers\n+491701234567\n12345\n\n00358401112223334445556667\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatalf("len %d", s.Len())
	}
	for _, n := range []string{"491701234567", "+49 170 1234567", "12345", "00358401112223334445556667"} {
		if !s.Contains(n) {
			t.Fatalf("%q not found", n)
		}
	}
	if s.Contains("999") {
		t.Fatal("false positive")
	}
}

func TestLookupTriValued(t *testing.T) {
	if Lookup(nil, "123") != AbsentList {
		t.Fatal("nil set should report absent list")
	}
	s, _ := Read(strings.NewReader("123\n"))
	if Lookup(s, "123") != Yes || Lookup(s, "124") != No {
		t.Fatal("membership wrong")
	}
}
