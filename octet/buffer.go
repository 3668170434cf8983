// Package octet implements the owned byte buffer used on every wire
// boundary of the gateway: SMSC drivers, the inter-box channel and the
// WAP stack all build and parse their PDUs through it.
package octet

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// Buffer is a growable sequence of octets. The zero value is empty and
// ready to use. Buffers created by Intern are shared and immutable.
type Buffer struct {
	data      []byte
	immutable bool
}

// New returns an empty mutable buffer.
func New() *Buffer { return &Buffer{} }

// FromString returns a mutable buffer holding a copy of s.
func FromString(s string) *Buffer {
	return &Buffer{data: []byte(s)}
}

// FromBytes returns a mutable buffer holding a copy of b.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), b...)}
}

var (
	internMu  sync.Mutex
	interned  = map[string]*Buffer{}
)

// Intern returns a shared immutable buffer for the literal s. Repeated
// calls with the same literal yield the same instance; it must never be
// mutated or destroyed individually.
func Intern(s string) *Buffer {
	internMu.Lock()
	defer internMu.Unlock()
	if b, ok := interned[s]; ok {
		return b
	}
	b := &Buffer{data: []byte(s), immutable: true}
	interned[s] = b
	return b
}

// Immutable reports whether the buffer is a shared interned instance.
func (b *Buffer) Immutable() bool { return b.immutable }

// Len returns the number of octets in the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the underlying octets. The slice is owned by the buffer
// and must not be modified if the buffer is immutable.
func (b *Buffer) Bytes() []byte { return b.data }

// String returns the octets as a Go string.
func (b *Buffer) String() string { return string(b.data) }

// Duplicate returns a mutable deep copy.
func (b *Buffer) Duplicate() *Buffer {
	return &Buffer{data: append([]byte(nil), b.data...)}
}

func (b *Buffer) checkMutable() {
	if b.immutable {
		panic("octet: mutation of interned buffer")
	}
}

// Append appends the octets of other.
func (b *Buffer) Append(other *Buffer) {
	b.checkMutable()
	b.data = append(b.data, other.data...)
}

// AppendBytes appends raw octets.
func (b *Buffer) AppendBytes(p []byte) {
	b.checkMutable()
	b.data = append(b.data, p...)
}

// AppendString appends the octets of s.
func (b *Buffer) AppendString(s string) {
	b.checkMutable()
	b.data = append(b.data, s...)
}

// AppendChar appends a single octet.
func (b *Buffer) AppendChar(c byte) {
	b.checkMutable()
	b.data = append(b.data, c)
}

// Insert inserts the octets of other at pos.
func (b *Buffer) Insert(pos int, other *Buffer) {
	b.checkMutable()
	if pos < 0 || pos > len(b.data) {
		panic(fmt.Sprintf("octet: insert position %d out of range 0..%d", pos, len(b.data)))
	}
	b.data = append(b.data[:pos], append(append([]byte(nil), other.data...), b.data[pos:]...)...)
}

// Delete removes n octets starting at pos. Deleting past the end removes
// up to the end.
func (b *Buffer) Delete(pos, n int) {
	b.checkMutable()
	if pos < 0 || pos > len(b.data) || n < 0 {
		return
	}
	if pos+n > len(b.data) {
		n = len(b.data) - pos
	}
	b.data = append(b.data[:pos], b.data[pos+n:]...)
}

// Truncate shortens the buffer to n octets.
func (b *Buffer) Truncate(n int) {
	b.checkMutable()
	if n < 0 || n >= len(b.data) {
		return
	}
	b.data = b.data[:n]
}

// GetChar returns the octet at pos, or -1 when out of range.
func (b *Buffer) GetChar(pos int) int {
	if pos < 0 || pos >= len(b.data) {
		return -1
	}
	return int(b.data[pos])
}

// SetChar overwrites the octet at pos.
func (b *Buffer) SetChar(pos int, c byte) {
	b.checkMutable()
	if pos < 0 || pos >= len(b.data) {
		panic(fmt.Sprintf("octet: set position %d out of range 0..%d", pos, len(b.data)-1))
	}
	b.data[pos] = c
}

// SearchChar returns the index of the first occurrence of c at or after
// pos, or -1.
func (b *Buffer) SearchChar(c byte, pos int) int {
	if pos < 0 {
		pos = 0
	}
	if pos >= len(b.data) {
		return -1
	}
	i := bytes.IndexByte(b.data[pos:], c)
	if i < 0 {
		return -1
	}
	return pos + i
}

// Search returns the index of the first occurrence of needle at or after
// pos, or -1.
func (b *Buffer) Search(needle *Buffer, pos int) int {
	if pos < 0 {
		pos = 0
	}
	if pos > len(b.data) {
		return -1
	}
	i := bytes.Index(b.data[pos:], needle.data)
	if i < 0 {
		return -1
	}
	return pos + i
}

// CaseSearch is Search ignoring ASCII case.
func (b *Buffer) CaseSearch(needle *Buffer, pos int) int {
	if pos < 0 {
		pos = 0
	}
	if pos > len(b.data) {
		return -1
	}
	h := strings.ToLower(string(b.data[pos:]))
	n := strings.ToLower(string(needle.data))
	i := strings.Index(h, n)
	if i < 0 {
		return -1
	}
	return pos + i
}

// Compare orders two buffers bytewise.
func (b *Buffer) Compare(other *Buffer) int {
	return bytes.Compare(b.data, other.data)
}

// CaseCompare orders two buffers ignoring ASCII case.
func (b *Buffer) CaseCompare(other *Buffer) int {
	return strings.Compare(strings.ToLower(string(b.data)), strings.ToLower(string(other.data)))
}

// NCompare compares at most n leading octets.
func (b *Buffer) NCompare(other *Buffer, n int) int {
	x, y := b.data, other.data
	if len(x) > n {
		x = x[:n]
	}
	if len(y) > n {
		y = y[:n]
	}
	return bytes.Compare(x, y)
}

// StrCompare compares the buffer against a plain string.
func (b *Buffer) StrCompare(s string) int {
	return strings.Compare(string(b.data), s)
}
