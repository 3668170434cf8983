package sms

import "smsgw/msg"

// ToDCS builds the GSM 03.38 data coding scheme octet from the envelope
// fields coding, mclass, mwi and alt_dcs.
func ToDCS(s *msg.SMS) byte {
	if s.MWI >= 0 && s.MWI <= 7 {
		// message waiting indication, discard-message group
		dcs := byte(0xC0) | byte(s.MWI&0x03)
		if s.MWI >= 4 {
			dcs |= 0x08 // indication active
		}
		return dcs
	}
	var dcs byte
	switch s.Coding {
	case msg.Coding8Bit:
		dcs = 0x04
	case msg.CodingUCS2:
		dcs = 0x08
	}
	if s.MClass >= 0 && s.MClass <= 3 {
		if s.AltDCS == 1 && s.Coding != msg.CodingUCS2 {
			// data coding / message class group
			dcs = 0xF0 | byte(s.MClass&0x03)
			if s.Coding == msg.Coding8Bit {
				dcs |= 0x04
			}
			return dcs
		}
		dcs |= 0x10 | byte(s.MClass&0x03)
	}
	return dcs
}

// FromDCS fills coding and mclass from a received data coding scheme
// octet. Unhandled groups leave both undefined.
func FromDCS(dcs byte, s *msg.SMS) {
	s.Coding = msg.CodingUndefined
	s.MClass = -1
	switch {
	case dcs <= 0x3F: // general data coding group
		switch dcs >> 2 & 0x03 {
		case 0:
			s.Coding = msg.Coding7Bit
		case 1:
			s.Coding = msg.Coding8Bit
		case 2:
			s.Coding = msg.CodingUCS2
		}
		if dcs&0x10 != 0 {
			s.MClass = int32(dcs & 0x03)
		}
	case dcs >= 0xC0 && dcs <= 0xEF: // message waiting groups
		if dcs >= 0xE0 {
			s.Coding = msg.CodingUCS2
		} else {
			s.Coding = msg.Coding7Bit
		}
		s.MWI = int32(dcs & 0x03)
		if dcs&0x08 != 0 {
			s.MWI += 4
		}
	case dcs >= 0xF0: // data coding / message class group
		if dcs&0x04 != 0 {
			s.Coding = msg.Coding8Bit
		} else {
			s.Coding = msg.Coding7Bit
		}
		s.MClass = int32(dcs & 0x03)
	}
}
