package sms

import (
	"smsgw/msg"
	"smsgw/octet"
)

// Part-size limits of GSM 03.40.
const (
	MaxSeptets       = 160 // single 7-bit message
	MaxConcatSeptets = 153 // 7-bit part with concat UDH
	MaxOctets        = 140 // single 8-bit or UCS2 message
	MaxConcatOctets  = 134 // 8-bit or UCS2 part with concat UDH
)

// concatElement is the 8-bit-reference concatenation IE without the UDHL
// octet: IEI 00, IEDL 03, reference, total, index.
func concatElement(ref, total, index byte) []byte {
	return []byte{0x00, 0x03, ref, total, index}
}

func septetLen(n int) int {
	// octets to septets, rounded up to the septet boundary
	return (n*8 + 6) / 7
}

// MaxPartLen returns the largest payload a single part of this message
// may carry, accounting for any existing UDH plus the concatenation UDH
// when catenate is set.
func MaxPartLen(s *msg.SMS, catenate bool) int {
	udhLen := 0
	if s.UDHData != nil {
		udhLen = s.UDHData.Len()
	}
	if catenate {
		if udhLen == 0 {
			udhLen = 1 // room for the UDHL octet
		}
		udhLen += 5
	}
	if s.Coding == msg.Coding7Bit || s.Coding == msg.CodingUndefined {
		return MaxSeptets - septetLen(udhLen)
	}
	return MaxOctets - udhLen
}

// Split cuts an MT sms into parts that each fit a single message,
// prepending the concatenation UDH with the given reference. The first
// part keeps the DLR request; later parts must not trigger reports of
// their own. A message that already fits is returned as its single self.
func Split(m *msg.Msg, maxParts int, ref byte) []*msg.Msg {
	s := &m.SMS
	var data []byte
	if s.MsgData != nil {
		data = s.MsgData.Bytes()
	}
	if len(data) <= MaxPartLen(s, false) {
		return []*msg.Msg{m}
	}
	partLen := MaxPartLen(s, true)
	total := (len(data) + partLen - 1) / partLen
	if maxParts > 0 && total > maxParts {
		total = maxParts
	}
	parts := make([]*msg.Msg, 0, total)
	pos := 0
	for i := 0; i < total && pos < len(data); i++ {
		end := pos + partLen
		if end > len(data) {
			end = len(data)
		}
		switch s.Coding {
		case msg.Coding7Bit, msg.CodingUndefined:
			// never cut between an escape and its extension character
			if end < len(data) && data[end-1] == Esc {
				end--
			}
		case msg.CodingUCS2:
			if (end-pos)%2 != 0 {
				end--
			}
		}
		part := m.Duplicate()
		part.SMS.MsgData = octet.FromBytes(data[pos:end])
		udh := octet.New()
		if s.UDHData != nil && s.UDHData.Len() > 0 {
			udh.Append(s.UDHData)
			// grow the UDHL octet by the concat element
			udh.SetChar(0, byte(udh.GetChar(0))+5)
		} else {
			udh.AppendChar(5)
		}
		udh.AppendBytes(concatElement(ref, byte(total), byte(i+1)))
		part.SMS.UDHData = udh
		if i > 0 {
			part.SMS.DLRMask = 0
			part.SMS.DLRURL = nil
		}
		parts = append(parts, part)
		pos = end
	}
	return parts
}
