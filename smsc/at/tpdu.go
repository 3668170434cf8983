// Package at implements the GSM modem SMSC driver: serial AT command
// sequencing, PDU-mode TPDU codec, modem detection and keepalive.
package at

import (
	"fmt"
	"strings"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/sms"
)

// First-octet bits of an SMS TPDU.
const (
	tpMTISubmit  = 0x01
	tpVPFRel     = 0x10
	tpSRR        = 0x20
	tpUDHI       = 0x40
	tpMTIMask    = 0x03
	tpMTIDeliver = 0x00
)

// Type-of-address octets.
const (
	toaInternational = 0x91
	toaNational      = 0x81
	toaAlphanumeric  = 0xD0
)

// encodeSemiOctets packs a digit string low-nibble first, padding the
// last half with F.
func encodeSemiOctets(digits string) []byte {
	out := make([]byte, 0, (len(digits)+1)/2)
	for i := 0; i < len(digits); i += 2 {
		lo := digits[i] - '0'
		hi := byte(0x0F)
		if i+1 < len(digits) {
			hi = digits[i+1] - '0'
		}
		out = append(out, hi<<4|lo)
	}
	return out
}

func decodeSemiOctets(p []byte, digits int) string {
	var b strings.Builder
	for _, oct := range p {
		if digits <= 0 {
			break
		}
		b.WriteByte('0' + oct&0x0F)
		digits--
		if digits <= 0 {
			break
		}
		b.WriteByte('0' + oct>>4)
		digits--
	}
	return b.String()
}

// encodeAddress renders the TP-DA/TP-OA of a number: digit count, type
// of address, semi-octets. A leading + or 00 selects international.
func encodeAddress(number string) []byte {
	toa := byte(toaNational)
	switch {
	case strings.HasPrefix(number, "+"):
		number, toa = number[1:], toaInternational
	case strings.HasPrefix(number, "00"):
		number, toa = number[2:], toaInternational
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			// alphanumeric sender, GSM 7-bit packed
			septets := sms.Encode(0, number)
			packed := sms.Pack7Bit(septets, 0)
			out := []byte{byte(len(packed) * 2), toaAlphanumeric}
			return append(out, packed...)
		}
	}
	out := []byte{byte(len(number)), toa}
	return append(out, encodeSemiOctets(number)...)
}

// relativeVP maps validity minutes to the TP-VP relative octet per the
// 03.40 ranges.
func relativeVP(minutes int32) byte {
	switch {
	case minutes <= 0:
		return 0xFF // maximum
	case minutes <= 720:
		v := minutes/5 - 1
		if v < 0 {
			v = 0
		}
		return byte(v)
	case minutes <= 1440:
		return byte(143 + (minutes-720)/30)
	case minutes <= 43200:
		return byte(166 + minutes/1440)
	default:
		w := minutes / 10080
		if w > 63 {
			w = 63
		}
		return byte(192 + w)
	}
}

// EncodeSubmit renders one MT as an SMS-SUBMIT TPDU.
func EncodeSubmit(m *msg.Msg) ([]byte, error) {
	s := &m.SMS
	if s.Receiver == nil || s.Receiver.Len() == 0 {
		return nil, fmt.Errorf("at: message without receiver")
	}
	first := byte(tpMTISubmit)
	if s.Validity > 0 {
		first |= tpVPFRel
	}
	var udh []byte
	if s.UDHData != nil && s.UDHData.Len() > 0 {
		first |= tpUDHI
		udh = s.UDHData.Bytes()
	}
	if s.DLRMask != 0 {
		first |= tpSRR
	}
	var pid byte
	if s.PID > 0 {
		pid = byte(s.PID)
	}
	out := []byte{first, 0} // TP-MR assigned by the modem
	out = append(out, encodeAddress(s.Receiver.String())...)
	out = append(out, pid, sms.ToDCS(s))
	if s.Validity > 0 {
		out = append(out, relativeVP(s.Validity))
	}

	var data []byte
	if s.MsgData != nil {
		data = s.MsgData.Bytes()
	}
	switch s.Coding {
	case msg.Coding8Bit, msg.CodingUCS2:
		out = append(out, byte(len(udh)+len(data)))
		out = append(out, udh...)
		out = append(out, data...)
	default:
		septets := sms.Encode(0, string(data))
		// fill bits push the text to the next septet boundary after UDH
		fill := 0
		if n := len(udh) * 8 % 7; n != 0 {
			fill = 7 - n
		}
		udl := (len(udh)*8+fill)/7 + len(septets)
		if udl > 160 {
			return nil, fmt.Errorf("at: %d septets exceed a single TPDU", udl)
		}
		out = append(out, byte(udl))
		out = append(out, udh...)
		out = append(out, sms.Pack7Bit(septets, fill)...)
	}
	return out, nil
}

// DecodeDeliver parses an SMS-DELIVER TPDU into an MO envelope. The
// caller strips any SMSC address prefix first.
func DecodeDeliver(tpdu []byte) (*msg.Msg, error) {
	if len(tpdu) < 2 {
		return nil, fmt.Errorf("at: tpdu of %d octets", len(tpdu))
	}
	first := tpdu[0]
	if first&tpMTIMask != tpMTIDeliver {
		return nil, fmt.Errorf("at: not an SMS-DELIVER (first octet %02X)", first)
	}
	pos := 1
	oaDigits := int(tpdu[pos])
	pos++
	if pos >= len(tpdu) {
		return nil, fmt.Errorf("at: truncated originator address")
	}
	toa := tpdu[pos]
	pos++
	oaLen := (oaDigits + 1) / 2
	if pos+oaLen+9 > len(tpdu) {
		return nil, fmt.Errorf("at: truncated tpdu")
	}
	var sender string
	if toa&0xF0 == toaAlphanumeric {
		septets := sms.Unpack7Bit(tpdu[pos:pos+oaLen], 0, oaDigits*4/7)
		sender = sms.Decode(0, septets)
	} else {
		sender = decodeSemiOctets(tpdu[pos:pos+oaLen], oaDigits)
		if toa == toaInternational {
			sender = "+" + sender
		}
	}
	pos += oaLen
	pos++ // TP-PID
	dcs := tpdu[pos]
	pos++
	pos += 7 // TP-SCTS
	udl := int(tpdu[pos])
	pos++
	ud := tpdu[pos:]

	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(sender)
	sms.FromDCS(dcs, &m.SMS)

	var udh []byte
	if first&tpUDHI != 0 {
		if len(ud) == 0 {
			return nil, fmt.Errorf("at: UDHI set on empty user data")
		}
		udhLen := int(ud[0]) + 1
		if udhLen > len(ud) {
			return nil, fmt.Errorf("at: UDH longer than user data")
		}
		udh = ud[:udhLen]
		m.SMS.UDHData = octet.FromBytes(udh)
	}
	switch m.SMS.Coding {
	case msg.Coding8Bit, msg.CodingUCS2:
		body := ud[len(udh):]
		if n := udl - len(udh); n >= 0 && n <= len(body) {
			body = body[:n]
		}
		m.SMS.MsgData = octet.FromBytes(body)
	default:
		m.SMS.Coding = msg.Coding7Bit
		fill := 0
		if n := len(udh) * 8 % 7; n != 0 {
			fill = 7 - n
		}
		count := udl - (len(udh)*8+fill)/7
		septets := sms.Unpack7Bit(ud[len(udh):], fill, count)
		m.SMS.MsgData = octet.FromString(sms.Decode(0, septets))
	}
	m.NewSMSID()
	m.Touch()
	return m, nil
}
