// Package conn wraps a TCP or TLS stream with the buffered, wakeable
// read/write discipline the drivers and the inter-box channel rely on.
package conn

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// WaitResult is the outcome of Wait.
type WaitResult int

const (
	Progress WaitResult = iota // new data arrived or queued data drained
	Timeout
	Wakeup
	Broken
)

// nonblockDelay bounds a "non-blocking" read attempt. The poller returns
// immediately when nothing is readable within this window.
const nonblockDelay = time.Millisecond

// DefaultOutputBuffering is the queued-octet threshold above which Write
// attempts an immediate send.
const DefaultOutputBuffering = 0

// Conn is a bidirectional byte stream with internal input and output
// queues. All methods are safe for concurrent use until the connection is
// claimed, after which exactly one task may touch it.
type Conn struct {
	raw   net.Conn
	isTLS bool

	mu        sync.Mutex
	rbuf      []byte
	wbuf      []byte
	threshold int
	eof       bool
	broken    bool
	woken     bool
	claimed   bool
	closed    bool
}

// Wrap adopts an established stream.
func Wrap(raw net.Conn) *Conn {
	_, isTLS := raw.(*tls.Conn)
	return &Conn{raw: raw, isTLS: isTLS, threshold: DefaultOutputBuffering}
}

// Open dials host:port over plain TCP.
func Open(addr string, timeout time.Duration) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return Wrap(raw), nil
}

// OpenTLS dials host:port and performs a TLS handshake.
func OpenTLS(addr string, timeout time.Duration, cfg *tls.Config) (*Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	raw, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	c := Wrap(raw)
	c.isTLS = true
	return c, nil
}

// Claim hands the connection to a single task; from here on the internal
// lock is a no-op. Claiming twice is a programming error.
func (c *Conn) Claim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		panic("conn: connection claimed twice")
	}
	c.claimed = true
}

func (c *Conn) lock() {
	if !c.claimed {
		c.mu.Lock()
	}
}

func (c *Conn) unlock() {
	if !c.claimed {
		c.mu.Unlock()
	}
}

// SetOutputBuffering sets how many octets may queue before Write tries to
// push them to the socket.
func (c *Conn) SetOutputBuffering(n int) {
	c.lock()
	c.threshold = n
	c.unlock()
}

// EOF reports the sticky end-of-file flag.
func (c *Conn) EOF() bool {
	c.lock()
	defer c.unlock()
	return c.eof && len(c.rbuf) == 0
}

// Error reports the sticky transport-error flag.
func (c *Conn) Error() bool {
	c.lock()
	defer c.unlock()
	return c.broken
}

// OutbufLen returns the number of queued unsent octets.
func (c *Conn) OutbufLen() int {
	c.lock()
	defer c.unlock()
	return len(c.wbuf)
}

// fill pulls whatever the socket has ready into the read buffer, waiting
// at most d. Must be called with the lock held.
func (c *Conn) fill(d time.Duration) {
	if c.eof || c.broken || c.closed {
		return
	}
	c.raw.SetReadDeadline(time.Now().Add(d))
	var tmp [8192]byte
	for {
		n, err := c.raw.Read(tmp[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				c.eof = true
			} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				c.broken = true
			}
			return
		}
		// got a full chunk, poll once more without waiting
		c.raw.SetReadDeadline(time.Now())
	}
}

// ReadEverything returns all buffered input, or nil when there is none.
func (c *Conn) ReadEverything() []byte {
	c.lock()
	defer c.unlock()
	c.fill(nonblockDelay)
	if len(c.rbuf) == 0 {
		return nil
	}
	out := c.rbuf
	c.rbuf = nil
	return out
}

// ReadN returns exactly n octets, or nil when fewer are buffered.
func (c *Conn) ReadN(n int) []byte {
	c.lock()
	defer c.unlock()
	if len(c.rbuf) < n {
		c.fill(nonblockDelay)
	}
	if len(c.rbuf) < n {
		return nil
	}
	out := c.rbuf[:n:n]
	c.rbuf = c.rbuf[n:]
	return out
}

// ReadLine returns the next line without its CR-LF or LF terminator, or
// nil when no full line is buffered.
func (c *Conn) ReadLine() []byte {
	c.lock()
	defer c.unlock()
	i := indexByte(c.rbuf, '\n')
	if i < 0 {
		c.fill(nonblockDelay)
		if i = indexByte(c.rbuf, '\n'); i < 0 {
			return nil
		}
	}
	line := c.rbuf[:i]
	c.rbuf = c.rbuf[i+1:]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

// ReadFrame returns the payload of the next 32-bit length-prefixed frame,
// or nil when it has not fully arrived.
func (c *Conn) ReadFrame() []byte {
	c.lock()
	defer c.unlock()
	c.fill(nonblockDelay)
	if len(c.rbuf) < 4 {
		return nil
	}
	n := int(binary.BigEndian.Uint32(c.rbuf))
	if len(c.rbuf) < 4+n {
		return nil
	}
	out := c.rbuf[4 : 4+n : 4+n]
	c.rbuf = c.rbuf[4+n:]
	return out
}

// ReadPacket returns the next packet delimited by the start and end marks,
// both included. Garbage before the start mark is discarded.
func (c *Conn) ReadPacket(start, end byte) []byte {
	c.lock()
	defer c.unlock()
	c.fill(nonblockDelay)
	if i := indexByte(c.rbuf, start); i < 0 {
		c.rbuf = nil
		return nil
	} else if i > 0 {
		c.rbuf = c.rbuf[i:]
	}
	j := indexByte(c.rbuf, end)
	if j < 0 {
		return nil
	}
	out := c.rbuf[: j+1 : j+1]
	c.rbuf = c.rbuf[j+1:]
	return out
}

func indexByte(p []byte, b byte) int {
	for i, c := range p {
		if c == b {
			return i
		}
	}
	return -1
}

// Write queues data and pushes it to the socket once the queue exceeds
// the buffering threshold. The data is copied.
func (c *Conn) Write(p []byte) error {
	c.lock()
	defer c.unlock()
	if c.broken || c.closed {
		return errors.New("conn: write on broken connection")
	}
	c.wbuf = append(c.wbuf, p...)
	if len(c.wbuf) > c.threshold {
		return c.push(nonblockDelay)
	}
	return nil
}

// WriteFrame queues a 32-bit length prefix followed by the payload.
func (c *Conn) WriteFrame(p []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	c.lock()
	if c.broken || c.closed {
		c.unlock()
		return errors.New("conn: write on broken connection")
	}
	c.wbuf = append(c.wbuf, hdr[:]...)
	c.wbuf = append(c.wbuf, p...)
	err := c.push(nonblockDelay)
	c.unlock()
	return err
}

// push writes queued octets, waiting at most d for the socket. Must be
// called with the lock held.
func (c *Conn) push(d time.Duration) error {
	if len(c.wbuf) == 0 {
		return nil
	}
	c.raw.SetWriteDeadline(time.Now().Add(d))
	n, err := c.raw.Write(c.wbuf)
	c.wbuf = c.wbuf[n:]
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil // still queued
		}
		c.broken = true
		return err
	}
	return nil
}

// Flush blocks until the output queue drains, a wakeup arrives, or the
// transport breaks.
func (c *Conn) Flush() error {
	for {
		c.lock()
		if c.woken {
			c.woken = false
			c.unlock()
			return nil
		}
		if c.broken {
			c.unlock()
			return errors.New("conn: flush on broken connection")
		}
		if len(c.wbuf) == 0 {
			c.unlock()
			return nil
		}
		err := c.push(time.Second)
		c.unlock()
		if err != nil {
			return err
		}
	}
}

// Wait blocks until new data arrives, queued output drains, an external
// wakeup fires, or the timeout expires. A non-positive timeout waits a
// long time.
func (c *Conn) Wait(timeout time.Duration) WaitResult {
	if timeout <= 0 {
		timeout = time.Hour
	}
	deadline := time.Now().Add(timeout)
	for {
		c.lock()
		if c.woken {
			c.woken = false
			c.unlock()
			return Wakeup
		}
		if c.broken {
			c.unlock()
			return Broken
		}
		if len(c.wbuf) > 0 {
			c.push(nonblockDelay)
			if !c.broken && len(c.wbuf) == 0 {
				c.unlock()
				return Progress
			}
		}
		before := len(c.rbuf)
		remain := time.Until(deadline)
		if remain <= 0 {
			c.unlock()
			return Timeout
		}
		if remain > 100*time.Millisecond {
			remain = 100 * time.Millisecond
		}
		c.fill(remain)
		progressed := len(c.rbuf) > before || c.eof
		broken := c.broken
		c.unlock()
		if broken {
			return Broken
		}
		if progressed {
			return Progress
		}
	}
}

// WakeUp interrupts a pending Wait or Flush.
func (c *Conn) WakeUp() {
	c.mu.Lock()
	c.woken = true
	c.mu.Unlock()
	// kick the poller out of its read
	c.raw.SetReadDeadline(time.Now())
}

// Close flushes what it can and tears the stream down. The final flush is
// skipped on TLS, where a blocking write during close can deadlock.
func (c *Conn) Close() error {
	c.lock()
	if c.closed {
		c.unlock()
		return nil
	}
	c.closed = true
	if !c.isTLS && !c.broken && len(c.wbuf) > 0 {
		c.push(time.Second)
	}
	c.unlock()
	return c.raw.Close()
}
