package octet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrame caps a single length-prefixed frame on the inter-box channel.
// Anything larger is treated as a framing desync.
const MaxFrame = 16 * 1024 * 1024

// WriteFramed writes a 32-bit network-order length followed by the buffer
// contents.
func (b *Buffer) WriteFramed(w io.Writer) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b.data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b.data)
	return err
}

// ReadFramed reads one length-prefixed frame: four octets of length, then
// exactly that many octets.
func ReadFramed(r io.Reader) (*Buffer, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("octet: frame of %d octets exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &Buffer{data: data}, nil
}
