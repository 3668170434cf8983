// Package sms implements the character-set, DCS and message-splitting
// rules shared by every SMSC driver.
package sms

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Esc introduces a GSM 03.38 extension-table character.
const Esc = 0x1B

// gsmToRune maps the GSM 03.38 default alphabet to Unicode.
var gsmToRune = [128]rune{
	'@', '£', '$', '¥', 'è', 'é', 'ù', 'ì', 'ò', 'Ç', '\n', 'Ø', 'ø', '\r', 'Å', 'å',
	'Δ', '_', 'Φ', 'Γ', 'Λ', 'Ω', 'Π', 'Ψ', 'Σ', 'Θ', 'Ξ', Esc, 'Æ', 'æ', 'ß', 'É',
	' ', '!', '"', '#', '¤', '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', ':', ';', '<', '=', '>', '?',
	'¡', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O',
	'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z', 'Ä', 'Ö', 'Ñ', 'Ü', '§',
	'¿', 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o',
	'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z', 'ä', 'ö', 'ñ', 'ü', 'à',
}

// gsmExtToRune maps the extension table (after Esc).
var gsmExtToRune = map[byte]rune{
	0x0A: '\f', 0x14: '^', 0x28: '{', 0x29: '}', 0x2F: '\\',
	0x3C: '[', 0x3D: '~', 0x3E: ']', 0x40: '|', 0x65: '€',
}

var (
	runeToGSM    map[rune]byte
	runeToGSMExt map[rune]byte
)

func init() {
	runeToGSM = make(map[rune]byte, 128)
	for i, r := range gsmToRune {
		if byte(i) == Esc {
			continue
		}
		runeToGSM[r] = byte(i)
	}
	runeToGSMExt = make(map[rune]byte, len(gsmExtToRune))
	for c, r := range gsmExtToRune {
		runeToGSMExt[r] = c
	}
}

// Decode converts driver octets in the given data coding to a UTF-8
// string. Codes follow SMPP data_coding values: 0 GSM 03.38, 3 latin1,
// 8 UCS2; anything else passes through.
func Decode(code uint8, text []byte) string {
	switch code {
	case 8: // UCS2
		es, _, _ := transform.Bytes(
			unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder(), text)
		return string(es)
	case 3: // latin1
		es, _, _ := transform.Bytes(charmap.Windows1252.NewDecoder(), text)
		return string(es)
	case 0: // GSM 03.38
		var result bytes.Buffer
		for i := 0; i < len(text); i++ {
			c := text[i] & 0x7f
			if c == Esc && i+1 < len(text) {
				i++
				if r, ok := gsmExtToRune[text[i]&0x7f]; ok {
					result.WriteRune(r)
				} else {
					result.WriteByte(' ')
				}
				continue
			}
			result.WriteRune(gsmToRune[c])
		}
		return result.String()
	default:
		return string(text)
	}
}

// Encode converts a UTF-8 string to driver octets in the given data
// coding. Characters outside GSM 03.38 become '?'.
func Encode(code uint8, text string) []byte {
	switch code {
	case 8: // UCS2
		enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
		es, _, _ := transform.Bytes(enc, []byte(text))
		return es
	case 3: // latin1
		es, _, _ := transform.Bytes(charmap.Windows1252.NewEncoder(), []byte(text))
		return es
	case 0: // GSM 03.38
		var result bytes.Buffer
		for _, r := range text {
			if c, ok := runeToGSM[r]; ok {
				result.WriteByte(c)
				continue
			}
			if c, ok := runeToGSMExt[r]; ok {
				result.WriteByte(Esc)
				result.WriteByte(c)
				continue
			}
			result.WriteByte('?')
		}
		return result.Bytes()
	default:
		return []byte(text)
	}
}

// FitsGSM reports whether every character of text is representable in the
// GSM 03.38 alphabet including the extension table.
func FitsGSM(text string) bool {
	for _, r := range text {
		if _, ok := runeToGSM[r]; ok {
			continue
		}
		if _, ok := runeToGSMExt[r]; ok {
			continue
		}
		return false
	}
	return true
}

// Pack7Bit packs unpacked septets (one per byte) into the 7-bit format of
// GSM 03.40, starting after fillBits leading padding bits.
func Pack7Bit(septets []byte, fillBits int) []byte {
	out := make([]byte, 0, len(septets)*7/8+1)
	var acc uint32
	bits := fillBits
	for _, s := range septets {
		acc |= uint32(s&0x7f) << bits
		bits += 7
		for bits >= 8 {
			out = append(out, byte(acc))
			acc >>= 8
			bits -= 8
		}
	}
	if bits > 0 {
		out = append(out, byte(acc))
	}
	return out
}

// Unpack7Bit expands 7-bit packed user data to one septet per byte,
// skipping fillBits leading padding bits and yielding count septets.
func Unpack7Bit(packed []byte, fillBits, count int) []byte {
	out := make([]byte, 0, count)
	var acc uint32
	bits := 0
	skip := fillBits
	for _, b := range packed {
		acc |= uint32(b) << bits
		bits += 8
		if skip > 0 {
			take := skip
			if take > bits {
				take = bits
			}
			acc >>= take
			bits -= take
			skip -= take
		}
		for bits >= 7 && len(out) < count {
			out = append(out, byte(acc&0x7f))
			acc >>= 7
			bits -= 7
		}
	}
	return out
}
