// Package smpp implements the SMPP 3.4 SMSC driver: binary PDU codec,
// bind state machine, submit window and delivery-report handling.
package smpp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifiers.
const (
	BindReceiver        uint32 = 0x00000001
	BindTransmitter     uint32 = 0x00000002
	SubmitSM            uint32 = 0x00000004
	DeliverSM           uint32 = 0x00000005
	Unbind              uint32 = 0x00000006
	BindTransceiver     uint32 = 0x00000009
	EnquireLink         uint32 = 0x00000015
	GenericNack         uint32 = 0x80000000
	BindReceiverResp    uint32 = 0x80000001
	BindTransmitterResp uint32 = 0x80000002
	SubmitSMResp        uint32 = 0x80000004
	DeliverSMResp       uint32 = 0x80000005
	UnbindResp          uint32 = 0x80000006
	BindTransceiverResp uint32 = 0x80000009
	EnquireLinkResp     uint32 = 0x80000015
)

// Command statuses the driver reacts to.
const (
	StatusOK            uint32 = 0x00000000
	StatusSystemError   uint32 = 0x00000008
	StatusBindFail      uint32 = 0x0000000D
	StatusInvalidPasswd uint32 = 0x0000000E
	StatusInvalidSysID  uint32 = 0x0000000F
	StatusMsgQueueFull  uint32 = 0x00000014
	StatusThrottled     uint32 = 0x00000058
)

// Optional parameter tags.
const (
	TagUserMessageReference uint16 = 0x0204
	TagReceiptedMessageID   uint16 = 0x001E
	TagMessageState         uint16 = 0x0427
	TagNetworkErrorCode     uint16 = 0x0423
	TagMessagePayload       uint16 = 0x0424
)

// esm_class bits.
const (
	ESMClassUDHI    = 0x40
	ESMClassReceipt = 0x04
)

// HeaderLen is the fixed PDU header size and the minimum valid frame.
const HeaderLen = 16

// DefaultMaxPDULen accommodates a 64 KiB message_payload TLV with room
// for the mandatory body.
const DefaultMaxPDULen = 66560

// Header is the fixed 16-octet PDU prefix. Length includes the header.
type Header struct {
	Length   uint32
	ID       uint32
	Status   uint32
	Sequence uint32
}

// TLV is one optional parameter.
type TLV struct {
	Tag   uint16
	Value []byte
}

// PDU is a decoded frame: header plus the raw mandatory body and any
// optional parameters already split off.
type PDU struct {
	Header Header
	Body   []byte
	TLVs   []TLV
}

// TLVValue returns the value of the first TLV with the tag, or nil.
func (p *PDU) TLVValue(tag uint16) []byte {
	for _, t := range p.TLVs {
		if t.Tag == tag {
			return t.Value
		}
	}
	return nil
}

type bodyWriter struct{ buf bytes.Buffer }

func (w *bodyWriter) cstring(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

func (w *bodyWriter) byte(b byte) { w.buf.WriteByte(b) }

func (w *bodyWriter) octets(p []byte) { w.buf.Write(p) }

func (w *bodyWriter) tlv(t TLV) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:], t.Tag)
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(t.Value)))
	w.buf.Write(hdr[:])
	w.buf.Write(t.Value)
}

type bodyReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bodyReader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.data[r.pos:], 0)
	if i < 0 {
		r.err = fmt.Errorf("smpp: unterminated c-string at offset %d", r.pos)
		return ""
	}
	s := string(r.data[r.pos : r.pos+i])
	r.pos += i + 1
	return s
}

func (r *bodyReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.err = fmt.Errorf("smpp: truncated body at offset %d", r.pos)
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *bodyReader) octets(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("smpp: truncated octet field at offset %d", r.pos)
		return nil
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p
}

// Encode frames a PDU: inclusive length, command, status, sequence, body
// and optional parameters.
func Encode(id, status, seq uint32, body []byte, tlvs ...TLV) []byte {
	w := &bodyWriter{}
	w.octets(body)
	for _, t := range tlvs {
		w.tlv(t)
	}
	full := make([]byte, HeaderLen+w.buf.Len())
	binary.BigEndian.PutUint32(full[0:], uint32(len(full)))
	binary.BigEndian.PutUint32(full[4:], id)
	binary.BigEndian.PutUint32(full[8:], status)
	binary.BigEndian.PutUint32(full[12:], seq)
	copy(full[HeaderLen:], w.buf.Bytes())
	return full
}

// bodyLens gives the mandatory-body parse points where TLVs may start;
// commands not listed have no optional part worth splitting.
func splitTLVs(id uint32, body []byte) ([]byte, []TLV, error) {
	switch id {
	case SubmitSM, DeliverSM:
		// mandatory body ends after short_message; walk it
		r := &bodyReader{data: body}
		r.cstring() // service_type
		r.byte()    // source ton
		r.byte()    // source npi
		r.cstring() // source
		r.byte()
		r.byte()
		r.cstring() // dest
		r.byte()    // esm_class
		r.byte()    // protocol_id
		r.byte()    // priority
		r.cstring() // schedule_delivery_time
		r.cstring() // validity_period
		r.byte()    // registered_delivery
		r.byte()    // replace_if_present
		r.byte()    // data_coding
		r.byte()    // sm_default_msg_id
		smLen := int(r.byte())
		r.octets(smLen)
		if r.err != nil {
			return nil, nil, r.err
		}
		tlvs, err := parseTLVs(body[r.pos:])
		return body[:r.pos], tlvs, err
	case SubmitSMResp, DeliverSMResp:
		i := bytes.IndexByte(body, 0)
		if i < 0 {
			return body, nil, nil
		}
		tlvs, err := parseTLVsOrNil(body[i+1:])
		return body[:i+1], tlvs, err
	}
	return body, nil, nil
}

func parseTLVs(rest []byte) ([]TLV, error) {
	tlvs, err := parseTLVsOrNil(rest)
	return tlvs, err
}

func parseTLVsOrNil(rest []byte) ([]TLV, error) {
	var tlvs []TLV
	for len(rest) > 0 {
		if len(rest) < 4 {
			return tlvs, fmt.Errorf("smpp: %d trailing octets after TLVs", len(rest))
		}
		tag := binary.BigEndian.Uint16(rest[0:])
		n := int(binary.BigEndian.Uint16(rest[2:]))
		if len(rest) < 4+n {
			return tlvs, fmt.Errorf("smpp: truncated TLV %04x", tag)
		}
		tlvs = append(tlvs, TLV{Tag: tag, Value: rest[4 : 4+n]})
		rest = rest[4+n:]
	}
	return tlvs, nil
}

// ReadPDU reads one framed PDU. Frames below the 16-octet minimum or
// above maxLen are protocol errors.
func ReadPDU(r io.Reader, maxLen int) (*PDU, error) {
	if maxLen < DefaultMaxPDULen {
		maxLen = DefaultMaxPDULen
	}
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	p := &PDU{Header: Header{
		Length:   binary.BigEndian.Uint32(hdr[0:]),
		ID:       binary.BigEndian.Uint32(hdr[4:]),
		Status:   binary.BigEndian.Uint32(hdr[8:]),
		Sequence: binary.BigEndian.Uint32(hdr[12:]),
	}}
	if p.Header.Length < HeaderLen {
		return nil, fmt.Errorf("smpp: frame length %d below minimum", p.Header.Length)
	}
	if int(p.Header.Length) > maxLen {
		return nil, fmt.Errorf("smpp: frame length %d above cap %d", p.Header.Length, maxLen)
	}
	body := make([]byte, p.Header.Length-HeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var err error
	p.Body, p.TLVs, err = splitTLVs(p.Header.ID, body)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Bind is the body of every bind flavor.
type Bind struct {
	SystemID         string
	Password         string
	SystemType       string
	InterfaceVersion byte
	AddrTON          byte
	AddrNPI          byte
	AddressRange     string
}

// Marshal renders the bind body.
func (b *Bind) Marshal() []byte {
	w := &bodyWriter{}
	w.cstring(b.SystemID)
	w.cstring(b.Password)
	w.cstring(b.SystemType)
	w.byte(b.InterfaceVersion)
	w.byte(b.AddrTON)
	w.byte(b.AddrNPI)
	w.cstring(b.AddressRange)
	return w.buf.Bytes()
}

// SM is the shared mandatory body of submit_sm and deliver_sm.
type SM struct {
	ServiceType          string
	SourceTON, SourceNPI byte
	Source               string
	DestTON, DestNPI     byte
	Dest                 string
	ESMClass             byte
	ProtocolID           byte
	Priority             byte
	ScheduleDeliveryTime string
	ValidityPeriod       string
	RegisteredDelivery   byte
	ReplaceIfPresent     byte
	DataCoding           byte
	SMDefaultMsgID       byte
	ShortMessage         []byte
}

// Marshal renders the submit/deliver body.
func (m *SM) Marshal() []byte {
	w := &bodyWriter{}
	w.cstring(m.ServiceType)
	w.byte(m.SourceTON)
	w.byte(m.SourceNPI)
	w.cstring(m.Source)
	w.byte(m.DestTON)
	w.byte(m.DestNPI)
	w.cstring(m.Dest)
	w.byte(m.ESMClass)
	w.byte(m.ProtocolID)
	w.byte(m.Priority)
	w.cstring(m.ScheduleDeliveryTime)
	w.cstring(m.ValidityPeriod)
	w.byte(m.RegisteredDelivery)
	w.byte(m.ReplaceIfPresent)
	w.byte(m.DataCoding)
	w.byte(m.SMDefaultMsgID)
	w.byte(byte(len(m.ShortMessage)))
	w.octets(m.ShortMessage)
	return w.buf.Bytes()
}

// UnmarshalSM parses a submit_sm or deliver_sm mandatory body.
func UnmarshalSM(body []byte) (*SM, error) {
	r := &bodyReader{data: body}
	m := &SM{}
	m.ServiceType = r.cstring()
	m.SourceTON = r.byte()
	m.SourceNPI = r.byte()
	m.Source = r.cstring()
	m.DestTON = r.byte()
	m.DestNPI = r.byte()
	m.Dest = r.cstring()
	m.ESMClass = r.byte()
	m.ProtocolID = r.byte()
	m.Priority = r.byte()
	m.ScheduleDeliveryTime = r.cstring()
	m.ValidityPeriod = r.cstring()
	m.RegisteredDelivery = r.byte()
	m.ReplaceIfPresent = r.byte()
	m.DataCoding = r.byte()
	m.SMDefaultMsgID = r.byte()
	n := int(r.byte())
	m.ShortMessage = append([]byte(nil), r.octets(n)...)
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// MessageID extracts the c-string message id of a submit_sm_resp body.
func MessageID(body []byte) string {
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return string(body)
	}
	return string(body[:i])
}
