package octet

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrUintvarTooLong is returned for uintvar encodings over five octets.
	ErrUintvarTooLong = errors.New("octet: uintvar longer than 5 octets")
	// ErrUintvarTruncated is returned when the continuation bit runs off
	// the end of the buffer.
	ErrUintvarTruncated = errors.New("octet: truncated uintvar")
)

// HexEncode replaces the buffer contents with their hex representation.
// Uppercase selects A-F over a-f.
func (b *Buffer) HexEncode(uppercase bool) {
	b.checkMutable()
	s := hex.EncodeToString(b.data)
	if uppercase {
		up := make([]byte, len(s))
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c >= 'a' && c <= 'f' {
				c -= 'a' - 'A'
			}
			up[i] = c
		}
		b.data = up
		return
	}
	b.data = []byte(s)
}

// HexDecode replaces a hex representation with the binary octets.
func (b *Buffer) HexDecode() error {
	b.checkMutable()
	out, err := hex.DecodeString(string(b.data))
	if err != nil {
		return fmt.Errorf("octet: bad hex: %w", err)
	}
	b.data = out
	return nil
}

// Base64Encode replaces the contents with MIME base64: lines wrapped at
// 76 columns, each terminated by CRLF.
func (b *Buffer) Base64Encode() {
	b.checkMutable()
	raw := base64.StdEncoding.EncodeToString(b.data)
	var out []byte
	for len(raw) > 76 {
		out = append(out, raw[:76]...)
		out = append(out, '\r', '\n')
		raw = raw[76:]
	}
	out = append(out, raw...)
	out = append(out, '\r', '\n')
	b.data = out
}

// Base64Decode replaces a base64 representation with the binary octets.
// Whitespace and line breaks are skipped, as MIME requires.
func (b *Buffer) Base64Decode() error {
	b.checkMutable()
	clean := make([]byte, 0, len(b.data))
	for _, c := range b.data {
		switch c {
		case '\r', '\n', ' ', '\t':
		default:
			clean = append(clean, c)
		}
	}
	out, err := base64.StdEncoding.DecodeString(string(clean))
	if err != nil {
		return fmt.Errorf("octet: bad base64: %w", err)
	}
	b.data = out
	return nil
}

func isURLSafe(c byte) bool {
	// unreserved per RFC 2396
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

const hexDigits = "0123456789ABCDEF"

// URLEncode escapes every octet outside the RFC 2396 unreserved set;
// space becomes '+'.
func (b *Buffer) URLEncode() {
	b.checkMutable()
	out := make([]byte, 0, len(b.data))
	for _, c := range b.data {
		switch {
		case c == ' ':
			out = append(out, '+')
		case isURLSafe(c):
			out = append(out, c)
		default:
			out = append(out, '%', hexDigits[c>>4], hexDigits[c&0x0f])
		}
	}
	b.data = out
}

// URLDecode reverses URLEncode.
func (b *Buffer) URLDecode() error {
	b.checkMutable()
	out := make([]byte, 0, len(b.data))
	for i := 0; i < len(b.data); i++ {
		switch c := b.data[i]; c {
		case '+':
			out = append(out, ' ')
		case '%':
			if i+2 >= len(b.data) {
				return errors.New("octet: truncated %-escape")
			}
			v, err := hex.DecodeString(string(b.data[i+1 : i+3]))
			if err != nil {
				return fmt.Errorf("octet: bad %%-escape: %w", err)
			}
			out = append(out, v[0])
			i += 2
		default:
			out = append(out, c)
		}
	}
	b.data = out
	return nil
}

// AppendUintvar appends the WAP uintvar encoding of v: seven payload bits
// per octet, MSB set on every octet but the last.
func (b *Buffer) AppendUintvar(v uint32) {
	b.checkMutable()
	var tmp [5]byte
	i := len(tmp)
	tmp[4] = byte(v & 0x7f)
	v >>= 7
	i--
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	b.data = append(b.data, tmp[i:]...)
}

// Uintvar decodes a uintvar starting at pos and returns the value and the
// position just past it. Encodings longer than five octets are rejected.
func (b *Buffer) Uintvar(pos int) (uint32, int, error) {
	var v uint32
	for n := 0; ; n++ {
		if n == 5 {
			return 0, pos, ErrUintvarTooLong
		}
		if pos >= len(b.data) {
			return 0, pos, ErrUintvarTruncated
		}
		c := b.data[pos]
		pos++
		v = v<<7 | uint32(c&0x7f)
		if c&0x80 == 0 {
			return v, pos, nil
		}
	}
}

// Bits extracts n bits (n <= 32) starting at absolute bit offset, treating
// the buffer as a big-endian bit stream. Reading past the end yields zero
// bits.
func (b *Buffer) Bits(offset, n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v <<= 1
		pos, shift := (offset+i)/8, 7-(offset+i)%8
		if pos < len(b.data) && b.data[pos]>>shift&1 == 1 {
			v |= 1
		}
	}
	return v
}

// SetBits overwrites n bits (n <= 32) starting at absolute bit offset with
// the low n bits of v. The buffer is extended with zero octets as needed.
func (b *Buffer) SetBits(offset, n int, v uint32) {
	b.checkMutable()
	need := (offset + n + 7) / 8
	for len(b.data) < need {
		b.data = append(b.data, 0)
	}
	for i := 0; i < n; i++ {
		pos, shift := (offset+i)/8, 7-(offset+i)%8
		bit := v >> (n - 1 - i) & 1
		if bit == 1 {
			b.data[pos] |= 1 << shift
		} else {
			b.data[pos] &^= 1 << shift
		}
	}
}
