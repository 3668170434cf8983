package smpp

import (
	"regexp"
	"strings"

	"smsgw/msg"
)

// Receipt is the interesting part of a delivery-report short message.
type Receipt struct {
	ID   string
	Stat string
	Err  string
}

var (
	receiptID   = regexp.MustCompile(`\bid:([^ ]+)`)
	receiptStat = regexp.MustCompile(`\bstat:([A-Za-z]+)`)
	receiptErr  = regexp.MustCompile(`\berr:([^ ]+)`)
)

// ParseReceipt pulls id, stat and err out of the appendix-B receipt text.
// Missing fields stay empty; the TLV fallbacks are the caller's business.
func ParseReceipt(text string) Receipt {
	var r Receipt
	if m := receiptID.FindStringSubmatch(text); m != nil {
		r.ID = m[1]
	}
	if m := receiptStat.FindStringSubmatch(text); m != nil {
		r.Stat = strings.ToUpper(m[1])
	}
	if m := receiptErr.FindStringSubmatch(text); m != nil {
		r.Err = m[1]
	}
	return r
}

// DLRType maps the receipt state to the mask bit it satisfies.
func (r Receipt) DLRType() int32 {
	switch r.Stat {
	case "DELIVRD":
		return msg.DLRSuccess
	case "EXPIRED", "DELETED", "UNDELIV", "REJECTD":
		return msg.DLRFail
	case "ACCEPTD", "UNKNOWN", "ENROUTE", "BUFFRD":
		return msg.DLRBuffered
	}
	return msg.DLRBuffered
}

// StateDLRType maps a message_state TLV value to the mask bit.
func StateDLRType(state byte) int32 {
	switch state {
	case 2: // DELIVERED
		return msg.DLRSuccess
	case 3, 4, 5, 8: // EXPIRED, DELETED, UNDELIVERABLE, REJECTED
		return msg.DLRFail
	}
	return msg.DLRBuffered
}
