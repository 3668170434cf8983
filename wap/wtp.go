// Package wap implements the datagram-facing WAP core: the WTP
// responder transaction machines and the WSP session layer above them.
// Datagrams enter and leave as wdp envelopes.
package wap

import (
	"fmt"

	"smsgw/octet"
)

// WTP PDU types, bits 6-3 of the first octet.
const (
	PDUInvoke          = 1
	PDUResult          = 2
	PDUAck             = 3
	PDUAbort           = 4
	PDUSegmentedInvoke = 5
	PDUSegmentedResult = 6
	PDUNegativeAck     = 7
)

// Abort reasons.
const (
	AbortUnknown            = 0x00
	AbortProtoErr           = 0x01
	AbortInvalidTID         = 0x02
	AbortNotImplementedCL2  = 0x03
	AbortNotImplementedSAR  = 0x04
	AbortNotImplementedUAck = 0x05
	AbortWTPVersionZero     = 0x06
	AbortCapTempExceeded    = 0x07
	AbortNoResponse         = 0x08
	AbortMessageTooLarge    = 0x09
)

// Abort types.
const (
	AbortProvider = 0
	AbortUser     = 1
)

// tidResponderBit marks a responder-generated TID; an initiator never
// sets it.
const tidResponderBit = 0x8000

// PDU is one decoded WTP header plus its user data.
type PDU struct {
	Type int
	Con  bool // TPIs follow the fixed header
	GTR  bool
	TTR  bool
	RID  bool
	TID  uint16

	// invoke only
	Version byte
	TIDNew  bool
	UserAck bool
	Class   int

	// ack only
	TIDOK bool

	// abort only
	AbortType   int
	AbortReason byte

	Data []byte
}

// ParsePDU decodes a WTP datagram payload.
func ParsePDU(data []byte) (*PDU, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("wap: wtp pdu of %d octets", len(data))
	}
	first := data[0]
	p := &PDU{
		Type: int(first >> 3 & 0x0F),
		Con:  first&0x80 != 0,
		TID:  uint16(data[1])<<8 | uint16(data[2]),
	}
	switch p.Type {
	case PDUInvoke:
		if len(data) < 4 {
			return nil, fmt.Errorf("wap: truncated invoke")
		}
		p.GTR = first&0x04 != 0
		p.TTR = first&0x02 != 0
		p.RID = first&0x01 != 0
		flags := data[3]
		p.Version = flags >> 6
		p.TIDNew = flags&0x20 != 0
		p.UserAck = flags&0x10 != 0
		p.Class = int(flags & 0x03)
		p.Data = data[4:]
	case PDUResult:
		p.GTR = first&0x04 != 0
		p.TTR = first&0x02 != 0
		p.RID = first&0x01 != 0
		p.Data = data[3:]
	case PDUAck:
		p.TIDOK = first&0x04 != 0
		p.RID = first&0x01 != 0
	case PDUAbort:
		if len(data) < 4 {
			return nil, fmt.Errorf("wap: truncated abort")
		}
		p.AbortType = int(first & 0x07)
		p.AbortReason = data[3]
	case PDUSegmentedInvoke, PDUSegmentedResult, PDUNegativeAck:
		// recognized so the caller can abort with the SAR reason
	default:
		return nil, fmt.Errorf("wap: unknown wtp pdu type %d", p.Type)
	}
	return p, nil
}

// EncodeResult frames a result PDU carrying data; GTR and TTR are both
// set, segmentation is never produced.
func EncodeResult(tid uint16, rid bool, data []byte) []byte {
	first := byte(PDUResult<<3) | 0x06
	if rid {
		first |= 0x01
	}
	out := []byte{first, byte(tid >> 8), byte(tid)}
	return append(out, data...)
}

// EncodeAck frames an acknowledgement.
func EncodeAck(tid uint16, tidOK, rid bool) []byte {
	first := byte(PDUAck << 3)
	if tidOK {
		first |= 0x04
	}
	if rid {
		first |= 0x01
	}
	return []byte{first, byte(tid >> 8), byte(tid)}
}

// EncodeAbort frames an abort of the given type and reason.
func EncodeAbort(tid uint16, abortType int, reason byte) []byte {
	first := byte(PDUAbort<<3) | byte(abortType&0x07)
	return []byte{first, byte(tid >> 8), byte(tid), reason}
}

// appendUintvar renders v in the 7-bit continuation form shared with
// WSP headers.
func appendUintvar(dst []byte, v uint32) []byte {
	b := octet.New()
	b.AppendUintvar(v)
	return append(dst, b.Bytes()...)
}
