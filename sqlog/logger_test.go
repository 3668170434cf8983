package sqlog

import "testing"

// The accounting database is external; without a reachable MySQL the
// test is skipped rather than failed.
func TestLog(t *testing.T) {
	db, err := Connect("root@/smsgw?charset=utf8")
	if err != nil {
		t.Skipf("mysql unavailable: %v", err)
	}
	defer db.Close()
	if err = db.Insert("smpp1", "12345", "+491701234567", "hi", false, 3, "sent"); err != nil {
		t.Fatal(err)
	}
}

func TestNilDBDiscards(t *testing.T) {
	var db *DB
	if err := db.Insert("x", "a", "b", "t", true, 0, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}
