package conn

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// pair returns two wrapped ends of a real TCP connection; net.Pipe has no
// buffering and would make every write lockstep.
func pair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			done <- c
		}
	}()
	c, err := Open(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	peer := <-done
	t.Cleanup(func() { c.Close(); peer.Close() })
	return c, peer
}

func waitRead(t *testing.T, read func() []byte) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := read(); out != nil {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("read timed out")
	return nil
}

func TestReadLine(t *testing.T) {
	c, peer := pair(t)
	peer.Write([]byte("first\r\nsecond\npartial"))
	if got := waitRead(t, c.ReadLine); string(got) != "first" {
		t.Fatalf("got %q", got)
	}
	if got := waitRead(t, c.ReadLine); string(got) != "second" {
		t.Fatalf("got %q", got)
	}
	if got := c.ReadLine(); got != nil {
		t.Fatalf("partial line returned %q", got)
	}
}

func TestReadNAndEverything(t *testing.T) {
	c, peer := pair(t)
	peer.Write([]byte("abcdef"))
	if got := waitRead(t, func() []byte { return c.ReadN(4) }); string(got) != "abcd" {
		t.Fatalf("got %q", got)
	}
	if got := waitRead(t, c.ReadEverything); string(got) != "ef" {
		t.Fatalf("got %q", got)
	}
}

func TestReadFrame(t *testing.T) {
	c, peer := pair(t)
	peer.Write([]byte{0, 0, 0, 3})
	time.Sleep(20 * time.Millisecond)
	if got := c.ReadFrame(); got != nil {
		t.Fatal("frame returned before payload arrived")
	}
	peer.Write([]byte("xyz"))
	if got := waitRead(t, c.ReadFrame); string(got) != "xyz" {
		t.Fatalf("got %q", got)
	}
}

func TestReadPacketDiscardsGarbage(t *testing.T) {
	c, peer := pair(t)
	peer.Write([]byte("junk\x02payload\x03rest"))
	got := waitRead(t, func() []byte { return c.ReadPacket(0x02, 0x03) })
	if string(got) != "\x02payload\x03" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	c, peer := pair(t)
	if err := c.WriteFrame([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 9)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("\x00\x00\x00\x05hello")) {
		t.Fatalf("got %q", buf)
	}
}

func TestWaitWakeup(t *testing.T) {
	c, _ := pair(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.WakeUp()
	}()
	if res := c.Wait(5 * time.Second); res != Wakeup {
		t.Fatalf("got %v", res)
	}
}

func TestWaitTimeoutAndBroken(t *testing.T) {
	c, peer := pair(t)
	if res := c.Wait(50 * time.Millisecond); res != Timeout {
		t.Fatalf("got %v", res)
	}
	peer.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := c.Wait(100 * time.Millisecond)
		if res == Progress || res == Broken {
			// EOF surfaces as progress first, sticky after
			if c.EOF() || c.Error() {
				return
			}
		}
	}
	t.Fatal("peer close never observed")
}

func TestClaimTwicePanics(t *testing.T) {
	c, _ := pair(t)
	c.Claim()
	defer func() {
		if recover() == nil {
			t.Fatal("second claim did not panic")
		}
	}()
	c.Claim()
}

func TestPollSetCallback(t *testing.T) {
	c, peer := pair(t)
	ps := NewPollSet()
	defer ps.Shutdown()
	got := make(chan []byte, 1)
	ps.Register(c, func(c *Conn, data interface{}) {
		if line := c.ReadLine(); line != nil {
			select {
			case got <- line:
			default:
			}
		}
	}, nil)
	peer.Write([]byte("ping\n"))
	select {
	case line := <-got:
		if string(line) != "ping" {
			t.Fatalf("got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}
