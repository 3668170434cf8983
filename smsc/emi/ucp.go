// Package emi implements the EMI/UCP SMSC driver: text PDU codec with
// checksum, transaction-number correlation and the submit/deliver/notify
// operation family.
package emi

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Frame delimiters.
const (
	STX = 0x02
	ETX = 0x03
)

// Operations the driver speaks.
const (
	OpCallInput    = 1  // legacy MO
	OpAlive        = 31 // keepalive
	OpSubmit       = 51 // MT submit
	OpDeliverSM    = 52 // MO delivery
	OpDeliverNotif = 53 // delivery notification
	OpSession      = 60 // login
)

// Field indexes of the 51/52/53 operation layout.
const (
	fldAdC  = 0  // address code, the recipient
	fldOAdC = 1  // originator
	fldNRq  = 3  // notification request
	fldNT   = 5  // notification type
	fldVP   = 12 // validity period ddMMyyHHmm
	fldSCTS = 14 // service centre time stamp
	fldDst  = 15 // delivery status
	fldRsn  = 16 // reason code
	fldMT   = 18 // message type: 2 numeric, 3 alphanumeric, 4 transparent
	fldNB   = 19 // number of bits for MT 4
	fldMsg  = 20 // AMsg or TMsg
	fldMCLs = 24 // message class
	fldXSer = 30 // extra services: UDH, DCS
	numFlds = 33
)

// Frame is one UCP operation or result.
type Frame struct {
	TRN    int
	Result bool // 'R' instead of 'O'
	Op     int
	Fields []string
}

func checksum(body []byte) byte {
	var sum byte
	for _, c := range body {
		sum += c
	}
	return sum
}

// Marshal renders the frame with STX/ETX delimiters, the five-digit
// length and the two-hex checksum.
func (f *Frame) Marshal() []byte {
	typ := byte('O')
	if f.Result {
		typ = 'R'
	}
	joined := strings.Join(f.Fields, "/")
	// header(14) + fields + slash + checksum(2)
	length := 14 + len(joined) + 1 + 2
	body := fmt.Sprintf("%02d/%05d/%c/%02d/%s/", f.TRN, length, typ, f.Op, joined)
	out := make([]byte, 0, length+2)
	out = append(out, STX)
	out = append(out, body...)
	out = append(out, fmt.Sprintf("%02X", checksum([]byte(body)))...)
	out = append(out, ETX)
	return out
}

// Parse decodes the text between STX and ETX.
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < 16 {
		return nil, fmt.Errorf("emi: frame of %d octets below minimum", len(raw))
	}
	want := checksum(raw[:len(raw)-2])
	got, err := strconv.ParseUint(string(raw[len(raw)-2:]), 16, 8)
	if err != nil || byte(got) != want {
		return nil, fmt.Errorf("emi: checksum mismatch (want %02X, frame says %s)",
			want, raw[len(raw)-2:])
	}
	parts := strings.Split(string(raw[:len(raw)-2]), "/")
	if len(parts) < 5 {
		return nil, fmt.Errorf("emi: only %d header fields", len(parts))
	}
	f := &Frame{}
	if f.TRN, err = strconv.Atoi(parts[0]); err != nil || f.TRN < 0 || f.TRN > 99 {
		return nil, fmt.Errorf("emi: bad transaction number %q", parts[0])
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil || length != len(raw) {
		return nil, fmt.Errorf("emi: length field %q but frame has %d octets", parts[1], len(raw))
	}
	switch parts[2] {
	case "O":
	case "R":
		f.Result = true
	default:
		return nil, fmt.Errorf("emi: message type %q", parts[2])
	}
	if f.Op, err = strconv.Atoi(parts[3]); err != nil {
		return nil, fmt.Errorf("emi: bad operation %q", parts[3])
	}
	// the body ends with a slash, so the split leaves one empty tail
	f.Fields = parts[4 : len(parts)-1]
	return f, nil
}

// ReadFrame scans the stream buffer for one complete STX..ETX frame and
// returns it with the remaining buffer. Garbage before STX is discarded.
func ReadFrame(buf []byte) (frame, rest []byte) {
	start := bytes.IndexByte(buf, STX)
	if start < 0 {
		return nil, nil
	}
	end := bytes.IndexByte(buf[start:], ETX)
	if end < 0 {
		return nil, buf[start:]
	}
	return buf[start+1 : start+end], buf[start+end+1:]
}

// Field returns field i or "" when the frame is shorter.
func (f *Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// Ack reports a positive result and its system-message field.
func (f *Frame) Ack() (ok bool, sm string) {
	return f.Field(0) == "A", f.Field(1)
}

// Nack returns the error code and text of a negative result.
func (f *Frame) Nack() (code int, text string) {
	code, _ = strconv.Atoi(f.Field(1))
	return code, f.Field(2)
}

// hexField encodes octets as the uppercase IRA hex UCP uses for AMsg,
// TMsg and passwords.
func hexField(p []byte) string {
	return strings.ToUpper(hex.EncodeToString(p))
}

func unhexField(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// xser appends one extra-services element: type, length and data, all
// hex encoded.
func xser(buf *strings.Builder, typ byte, data []byte) {
	buf.WriteString(fmt.Sprintf("%02X%02X", typ, len(data)))
	buf.WriteString(hexField(data))
}

// XSer element types.
const (
	xserUDH = 0x01
	xserDCS = 0x02
)

// parseXSer walks the extra-services string and returns the UDH and DCS
// elements when present.
func parseXSer(s string) (udh []byte, dcs byte, hasDCS bool, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, 0, false, fmt.Errorf("emi: bad XSer hex: %w", err)
	}
	for len(raw) >= 2 {
		typ, n := raw[0], int(raw[1])
		if len(raw) < 2+n {
			return nil, 0, false, fmt.Errorf("emi: truncated XSer element %02X", typ)
		}
		switch typ {
		case xserUDH:
			udh = raw[2 : 2+n]
		case xserDCS:
			if n == 1 {
				dcs, hasDCS = raw[2], true
			}
		}
		raw = raw[2+n:]
	}
	return udh, dcs, hasDCS, nil
}
