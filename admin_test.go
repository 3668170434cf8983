package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"smsgw/smscconn"
)

func startAdmin(t *testing.T) (*Bearerbox, string) {
	t.Helper()
	bb := testBearerbox(t)
	bb.cfg.Core.AdminPassword = "s3cret"
	bb.started = time.Now()
	c, _ := testConn("smpp1", 3, smscconn.StatusActive)
	bb.conns = append(bb.conns, c)

	port := freePort(t)
	a := NewAdminServer(bb, port)
	a.Start()
	t.Cleanup(a.Stop)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := http.Get(base + "/cgi-bin/status?password=s3cret"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("admin server never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return bb, base
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestAdminStatus(t *testing.T) {
	_, base := startAdmin(t)

	code, body := get(t, base+"/cgi-bin/status?password=s3cret")
	if code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if !strings.Contains(body, "status: running") || !strings.Contains(body, "smpp1") {
		t.Fatalf("status body:\n%s", body)
	}
	if !strings.Contains(body, "queued 3") {
		t.Fatalf("per-connection line missing:\n%s", body)
	}

	code, body = get(t, base+"/cgi-bin/status.xml?password=s3cret")
	if code != http.StatusOK || !strings.Contains(body, "<gateway>") {
		t.Fatalf("xml status %d:\n%s", code, body)
	}
}

func TestAdminAuth(t *testing.T) {
	_, base := startAdmin(t)

	if code, _ := get(t, base+"/cgi-bin/status?password=wrong"); code != http.StatusForbidden {
		t.Fatalf("wrong password got %d", code)
	}
	if code, _ := get(t, base+"/cgi-bin/shutdown"); code != http.StatusForbidden {
		t.Fatalf("missing password got %d", code)
	}
}

func TestAdminSuspendResume(t *testing.T) {
	bb, base := startAdmin(t)

	if code, _ := get(t, base+"/cgi-bin/suspend?password=s3cret"); code != http.StatusOK {
		t.Fatalf("suspend got %d", code)
	}
	if !bb.suspended.Load() {
		t.Fatal("not suspended")
	}
	if code, _ := get(t, base+"/cgi-bin/isolate?password=s3cret"); code != http.StatusOK {
		t.Fatalf("isolate got %d", code)
	}
	if code, _ := get(t, base+"/cgi-bin/resume?password=s3cret"); code != http.StatusOK {
		t.Fatalf("resume got %d", code)
	}
	if bb.suspended.Load() || bb.isolated.Load() {
		t.Fatal("resume did not clear the flags")
	}
}
