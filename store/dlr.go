package store

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
)

// DLR is one tracked delivery-report entry, keyed by the triple the SMSC
// echoes back in its report.
type DLR struct {
	SMSCID      string
	Timestamp   string // SMSC message id or submit timestamp
	Destination string

	Sender  string
	Service string
	URL     string
	BoxCID  string
	Mask    int32
}

func (d *DLR) key() string {
	return d.SMSCID + "\x00" + d.Timestamp + "\x00" + d.Destination
}

// DLRBackend stores entries. Implementations must be safe for concurrent
// use.
type DLRBackend interface {
	Add(d *DLR) error
	Get(smscID, timestamp, destination string) (*DLR, error)
	Remove(smscID, timestamp, destination string) error
	Update(d *DLR) error
	Messages() (int, error)
	Flush() error
	Shutdown() error
}

// DLRTable wraps a backend with the add/find semantics of the drivers.
type DLRTable struct {
	backend DLRBackend
	log     *logrus.Entry
}

// NewDLRTable returns a table over the backend.
func NewDLRTable(b DLRBackend) *DLRTable {
	return &DLRTable{backend: b, log: logrus.WithField("part", "dlr")}
}

func str(b *octet.Buffer) string {
	if b == nil {
		return ""
	}
	return b.String()
}

// normalizeDest strips the international prefix so a report whose source
// lacks the + the MT destination carried still matches.
func normalizeDest(dst string) string {
	switch {
	case len(dst) > 1 && dst[0] == '+':
		return dst[1:]
	case len(dst) > 2 && dst[0] == '0' && dst[1] == '0':
		return dst[2:]
	}
	return dst
}

// Add inserts an entry for an accepted MT whose mask requests reports.
func (t *DLRTable) Add(smscID, timestamp string, m *msg.Msg) error {
	if m.SMS.DLRMask == 0 {
		return nil
	}
	d := &DLR{
		SMSCID:      smscID,
		Timestamp:   timestamp,
		Destination: normalizeDest(str(m.SMS.Receiver)),
		Sender:      str(m.SMS.Sender),
		Service:     str(m.SMS.Service),
		URL:         str(m.SMS.DLRURL),
		BoxCID:      str(m.SMS.BoxCID),
		Mask:        m.SMS.DLRMask,
	}
	if err := t.backend.Add(d); err != nil {
		return fmt.Errorf("dlr add (%s,%s,%s): %w", d.SMSCID, d.Timestamp, d.Destination, err)
	}
	return nil
}

// Find matches an incoming report of the given type bit. When the stored
// mask requests that bit, a report envelope is returned; a terminal bit
// removes the entry, buffered updates it. A nil report with nil error
// means the report was not subscribed to or the entry is unknown.
func (t *DLRTable) Find(smscID, timestamp, destination string, typ int32, text string) (*msg.Msg, error) {
	destination = normalizeDest(destination)
	d, err := t.backend.Get(smscID, timestamp, destination)
	if err != nil {
		return nil, err
	}
	if d == nil {
		t.log.WithFields(logrus.Fields{
			"smsc": smscID, "ts": timestamp, "dst": destination,
		}).Debug("report for unknown entry")
		return nil, nil
	}
	if typ&msg.DLRTerminal != 0 {
		if err := t.backend.Remove(smscID, timestamp, destination); err != nil {
			return nil, err
		}
	} else if err := t.backend.Update(d); err != nil {
		return nil, err
	}
	if d.Mask&typ == 0 {
		return nil, nil
	}
	report := msg.New(msg.TypeSMS)
	report.SMS.Type = msg.SMSTypeReport
	report.SMS.Sender = octet.FromString(d.Destination)
	report.SMS.Receiver = octet.FromString(d.Sender)
	report.SMS.SMSCID = octet.FromString(d.SMSCID)
	report.SMS.Service = octet.FromString(d.Service)
	report.SMS.DLRURL = octet.FromString(d.URL)
	if d.BoxCID != "" {
		report.SMS.BoxCID = octet.FromString(d.BoxCID)
	}
	report.SMS.DLRMask = typ
	report.SMS.MsgData = octet.FromString(text)
	report.NewSMSID()
	report.Touch()
	return report, nil
}

// Messages returns the tracked-entry count for the status surface.
func (t *DLRTable) Messages() int {
	n, err := t.backend.Messages()
	if err != nil {
		t.log.WithError(err).Warning("dlr count failed")
		return 0
	}
	return n
}

// Flush clears every entry.
func (t *DLRTable) Flush() error { return t.backend.Flush() }

// Shutdown releases the backend.
func (t *DLRTable) Shutdown() error { return t.backend.Shutdown() }
