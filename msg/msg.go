// Package msg defines the tagged message envelope exchanged between the
// bearerbox and its boxes, and carried internally through the router, the
// store and every SMSC driver.
package msg

import (
	"time"

	"github.com/google/uuid"

	"smsgw/octet"
)

// Type tags an envelope variant. The numeric values are part of the
// inter-box wire format and must not be reordered.
type Type int32

const (
	TypeHeartbeat Type = iota
	TypeAdmin
	TypeSMS
	TypeAck
	TypeWDPDatagram
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAdmin:
		return "admin"
	case TypeSMS:
		return "sms"
	case TypeAck:
		return "ack"
	case TypeWDPDatagram:
		return "wdp_datagram"
	}
	return "unknown"
}

// Coding selects the SMS data coding.
type Coding int32

const (
	CodingUndefined Coding = iota - 1
	Coding7Bit             // GSM 03.38 default alphabet
	Coding8Bit
	CodingUCS2
)

// SMSType distinguishes the direction and role of an sms envelope.
type SMSType int32

const (
	SMSTypeMO SMSType = iota
	SMSTypeMTReply
	SMSTypeMTPush
	SMSTypeReport
)

// DLR mask bits requested by the submitter and matched against incoming
// delivery reports.
const (
	DLRSuccess     = 0x01
	DLRFail        = 0x02
	DLRBuffered    = 0x04
	DLRSMSCSuccess = 0x08
	DLRSMSCFail    = 0x10
)

// DLRTerminal are the bits whose arrival ends tracking of a message.
const DLRTerminal = DLRSuccess | DLRFail

// Admin commands on the inter-box channel.
const (
	AdminShutdown int32 = iota
	AdminSuspend
	AdminResume
	AdminIdentify
)

// SMS is the payload of a TypeSMS envelope. String fields are opaque
// octet sequences; a nil buffer packs as absent.
type SMS struct {
	Sender   *octet.Buffer
	Receiver *octet.Buffer
	UDHData  *octet.Buffer
	MsgData  *octet.Buffer
	SMSCID   *octet.Buffer
	Service  *octet.Buffer
	Account  *octet.Buffer
	BInfo    *octet.Buffer
	DLRURL   *octet.Buffer
	BoxCID   *octet.Buffer
	Coding   Coding
	MClass   int32 // -1 undefined, 0..3
	MWI      int32
	PID      int32
	AltDCS   int32
	DLRMask  int32
	Validity int32 // minutes
	Deferred int32
	Time     int64 // seconds since epoch
	Type     SMSType
	ID       *octet.Buffer // 128-bit unique id, uuid text form
}

// Ack acknowledges a stored sms by id.
type Ack struct {
	ID   *octet.Buffer
	Time int64
}

// WDPDatagram carries one WAP datagram between the bearerbox and a wapbox.
type WDPDatagram struct {
	SourceAddress      *octet.Buffer
	SourcePort         int32
	DestinationAddress *octet.Buffer
	DestinationPort    int32
	UserData           *octet.Buffer
}

// Heartbeat reports the box worker-queue depth.
type Heartbeat struct {
	Load int32
}

// Admin carries a control command; BoxID accompanies identify.
type Admin struct {
	Command int32
	BoxID   *octet.Buffer
}

// Msg is one envelope. Exactly the variant named by Type is meaningful.
type Msg struct {
	Type      Type
	SMS       SMS
	Ack       Ack
	WDP       WDPDatagram
	Heartbeat Heartbeat
	Admin     Admin
}

// New returns a zero-initialized envelope of the given type. Integer
// fields that distinguish "unset" start at -1.
func New(t Type) *Msg {
	m := &Msg{Type: t}
	if t == TypeSMS {
		m.SMS.Coding = CodingUndefined
		m.SMS.MClass = -1
		m.SMS.MWI = -1
		m.SMS.PID = -1
		m.SMS.AltDCS = -1
		m.SMS.Validity = -1
		m.SMS.Deferred = -1
	}
	return m
}

// NewSMSID assigns a fresh unique id to an sms envelope if it has none.
func (m *Msg) NewSMSID() {
	if m.SMS.ID == nil || m.SMS.ID.Len() == 0 {
		m.SMS.ID = octet.FromString(uuid.NewString())
	}
}

// Touch stamps the sms time field if unset.
func (m *Msg) Touch() {
	if m.SMS.Time == 0 {
		m.SMS.Time = time.Now().Unix()
	}
}

func dup(b *octet.Buffer) *octet.Buffer {
	if b == nil {
		return nil
	}
	return b.Duplicate()
}

// Duplicate deep-copies the envelope; every octet field of the copy is
// independently owned.
func (m *Msg) Duplicate() *Msg {
	c := *m
	c.SMS.Sender = dup(m.SMS.Sender)
	c.SMS.Receiver = dup(m.SMS.Receiver)
	c.SMS.UDHData = dup(m.SMS.UDHData)
	c.SMS.MsgData = dup(m.SMS.MsgData)
	c.SMS.SMSCID = dup(m.SMS.SMSCID)
	c.SMS.Service = dup(m.SMS.Service)
	c.SMS.Account = dup(m.SMS.Account)
	c.SMS.BInfo = dup(m.SMS.BInfo)
	c.SMS.DLRURL = dup(m.SMS.DLRURL)
	c.SMS.BoxCID = dup(m.SMS.BoxCID)
	c.SMS.ID = dup(m.SMS.ID)
	c.Ack.ID = dup(m.Ack.ID)
	c.WDP.SourceAddress = dup(m.WDP.SourceAddress)
	c.WDP.DestinationAddress = dup(m.WDP.DestinationAddress)
	c.WDP.UserData = dup(m.WDP.UserData)
	c.Admin.BoxID = dup(m.Admin.BoxID)
	return &c
}
