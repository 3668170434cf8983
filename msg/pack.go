package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"smsgw/octet"
)

// ErrTooShort reports an unpack attempt on a record shorter than the
// 4-octet type header.
var ErrTooShort = errors.New("msg: record shorter than header")

type packer struct{ out []byte }

func (p *packer) putInt(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	p.out = append(p.out, tmp[:]...)
}

func (p *packer) putLong(v int64) {
	// long fields travel as 32-bit on this channel
	p.putInt(int32(v))
}

func (p *packer) putStr(b *octet.Buffer) {
	if b == nil {
		p.putInt(-1)
		return
	}
	p.putInt(int32(b.Len()))
	p.out = append(p.out, b.Bytes()...)
}

type unpacker struct {
	in  []byte
	pos int
}

func (u *unpacker) int() (int32, error) {
	if u.pos+4 > len(u.in) {
		return 0, fmt.Errorf("msg: truncated integer at offset %d", u.pos)
	}
	v := int32(binary.BigEndian.Uint32(u.in[u.pos:]))
	u.pos += 4
	return v, nil
}

func (u *unpacker) long() (int64, error) {
	v, err := u.int()
	return int64(v), err
}

func (u *unpacker) str() (*octet.Buffer, error) {
	n, err := u.int()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if u.pos+int(n) > len(u.in) {
		return nil, fmt.Errorf("msg: truncated string of %d octets at offset %d", n, u.pos)
	}
	b := octet.FromBytes(u.in[u.pos : u.pos+int(n)])
	u.pos += int(n)
	return b, nil
}

// Pack serializes the envelope: the type tag followed by each field of the
// variant in declaration order. Integers travel as 32-bit network order,
// strings as a 32-bit length (-1 for absent) plus octets.
func (m *Msg) Pack() *octet.Buffer {
	p := &packer{}
	p.putInt(int32(m.Type))
	switch m.Type {
	case TypeHeartbeat:
		p.putInt(m.Heartbeat.Load)
	case TypeAdmin:
		p.putInt(m.Admin.Command)
		p.putStr(m.Admin.BoxID)
	case TypeSMS:
		s := &m.SMS
		p.putStr(s.Sender)
		p.putStr(s.Receiver)
		p.putStr(s.UDHData)
		p.putStr(s.MsgData)
		p.putStr(s.SMSCID)
		p.putStr(s.Service)
		p.putStr(s.Account)
		p.putStr(s.BInfo)
		p.putStr(s.DLRURL)
		p.putStr(s.BoxCID)
		p.putInt(int32(s.Coding))
		p.putInt(s.MClass)
		p.putInt(s.MWI)
		p.putInt(s.PID)
		p.putInt(s.AltDCS)
		p.putInt(s.DLRMask)
		p.putInt(s.Validity)
		p.putInt(s.Deferred)
		p.putLong(s.Time)
		p.putInt(int32(s.Type))
		p.putStr(s.ID)
	case TypeAck:
		p.putStr(m.Ack.ID)
		p.putLong(m.Ack.Time)
	case TypeWDPDatagram:
		w := &m.WDP
		p.putStr(w.SourceAddress)
		p.putInt(w.SourcePort)
		p.putStr(w.DestinationAddress)
		p.putInt(w.DestinationPort)
		p.putStr(w.UserData)
	}
	return octet.FromBytes(p.out)
}

// Unpack parses one packed record produced by Pack.
func Unpack(b *octet.Buffer) (*Msg, error) {
	if b.Len() < 4 {
		return nil, ErrTooShort
	}
	u := &unpacker{in: b.Bytes()}
	tag, _ := u.int()
	m := New(Type(tag))
	var err error
	switch m.Type {
	case TypeHeartbeat:
		m.Heartbeat.Load, err = u.int()
	case TypeAdmin:
		if m.Admin.Command, err = u.int(); err == nil {
			m.Admin.BoxID, err = u.str()
		}
	case TypeSMS:
		err = u.sms(&m.SMS)
	case TypeAck:
		if m.Ack.ID, err = u.str(); err == nil {
			m.Ack.Time, err = u.long()
		}
	case TypeWDPDatagram:
		err = u.wdp(&m.WDP)
	default:
		return nil, fmt.Errorf("msg: unknown type tag %d", tag)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (u *unpacker) sms(s *SMS) error {
	var err error
	strs := []**octet.Buffer{
		&s.Sender, &s.Receiver, &s.UDHData, &s.MsgData, &s.SMSCID,
		&s.Service, &s.Account, &s.BInfo, &s.DLRURL, &s.BoxCID,
	}
	for _, f := range strs {
		if *f, err = u.str(); err != nil {
			return err
		}
	}
	var coding, smsType int32
	ints := []*int32{
		&coding, &s.MClass, &s.MWI, &s.PID, &s.AltDCS,
		&s.DLRMask, &s.Validity, &s.Deferred,
	}
	for _, f := range ints {
		if *f, err = u.int(); err != nil {
			return err
		}
	}
	if s.Time, err = u.long(); err != nil {
		return err
	}
	if smsType, err = u.int(); err != nil {
		return err
	}
	s.Coding = Coding(coding)
	s.Type = SMSType(smsType)
	s.ID, err = u.str()
	return err
}

func (u *unpacker) wdp(w *WDPDatagram) error {
	var err error
	if w.SourceAddress, err = u.str(); err != nil {
		return err
	}
	if w.SourcePort, err = u.int(); err != nil {
		return err
	}
	if w.DestinationAddress, err = u.str(); err != nil {
		return err
	}
	if w.DestinationPort, err = u.int(); err != nil {
		return err
	}
	w.UserData, err = u.str()
	return err
}
