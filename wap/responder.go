package wap

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
)

// Responder machine states.
type RespState int

const (
	StateListen RespState = iota
	StateResultWait
	StateResultRespWait
	StateWaitTimeout
)

func (s RespState) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateResultWait:
		return "RESULT_WAIT"
	case StateResultRespWait:
		return "RESULT_RESP_WAIT"
	case StateWaitTimeout:
		return "WAIT_TIMEOUT"
	}
	return "unknown"
}

// Retransmission limits.
const (
	MaxRCR = 8 // result retransmissions before giving up
	AECMax = 6 // acknowledgement expirations with user-ack
)

// Retransmission intervals; user acknowledgement gives the human more
// time.
var (
	RetryWithoutUserAck = 7 * time.Second
	RetryWithUserAck    = 21 * time.Second
)

// peer identifies the datagram four-tuple, from the client's view.
type peer struct {
	srcAddr string
	srcPort int32
	dstAddr string
	dstPort int32
}

type machineKey struct {
	peer
	tid uint16
}

// Indication is what the transaction layer hands up to WSP.
type Indication struct {
	Peer    peer
	TID     uint16
	Class   int
	UserAck bool
	Data    []byte
}

// Handler consumes invoke indications; the WSP layer implements it.
type Handler interface {
	Invoke(s *Stack, ind *Indication)
}

// SendFunc emits one outbound datagram envelope.
type SendFunc func(*msg.Msg)

// Responder is one transaction machine.
type Responder struct {
	key      machineKey
	state    RespState
	class    int
	userAck  bool
	rcr      int
	aec      int
	lastSent []byte
	timer    *time.Timer
}

// Stack is the WTP responder layer: it owns the machines and the
// per-peer TID cache.
type Stack struct {
	mu       sync.Mutex
	send     SendFunc
	handler  Handler
	machines map[machineKey]*Responder
	tidCache map[peer]uint16
	log      *logrus.Entry
}

// NewStack builds the transaction layer; the handler receives invoke
// indications.
func NewStack(send SendFunc, handler Handler) *Stack {
	return &Stack{
		send:     send,
		handler:  handler,
		machines: make(map[machineKey]*Responder),
		tidCache: make(map[peer]uint16),
		log:      logrus.WithField("part", "wtp"),
	}
}

// Machines returns the live transaction count.
func (st *Stack) Machines() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.machines)
}

func peerOf(m *msg.Msg) peer {
	p := peer{
		srcPort: m.WDP.SourcePort,
		dstPort: m.WDP.DestinationPort,
	}
	if m.WDP.SourceAddress != nil {
		p.srcAddr = m.WDP.SourceAddress.String()
	}
	if m.WDP.DestinationAddress != nil {
		p.dstAddr = m.WDP.DestinationAddress.String()
	}
	return p
}

// datagram frames payload as a reply to the peer: source and
// destination swap.
func datagram(p peer, payload []byte) *msg.Msg {
	m := msg.New(msg.TypeWDPDatagram)
	m.WDP.SourceAddress = octet.FromString(p.dstAddr)
	m.WDP.SourcePort = p.dstPort
	m.WDP.DestinationAddress = octet.FromString(p.srcAddr)
	m.WDP.DestinationPort = p.srcPort
	m.WDP.UserData = octet.FromBytes(payload)
	return m
}

func (st *Stack) abort(p peer, tid uint16, reason byte) {
	st.send(datagram(p, EncodeAbort(tid, AbortProvider, reason)))
}

// Input consumes one inbound datagram.
func (st *Stack) Input(m *msg.Msg) {
	if m.Type != msg.TypeWDPDatagram || m.WDP.UserData == nil {
		return
	}
	pdu, err := ParsePDU(m.WDP.UserData.Bytes())
	if err != nil {
		st.log.WithError(err).Debug("undecodable datagram")
		return
	}
	p := peerOf(m)
	// the initiator bit is the peer's; clear it for our bookkeeping
	tid := pdu.TID &^ tidResponderBit

	switch pdu.Type {
	case PDUSegmentedInvoke, PDUSegmentedResult, PDUNegativeAck:
		st.abort(p, tid, AbortNotImplementedSAR)
	case PDUInvoke:
		st.invoke(p, tid, pdu)
	case PDUAck:
		st.ack(p, tid, pdu)
	case PDUAbort:
		st.remove(machineKey{p, tid})
	default:
		st.abort(p, tid, AbortProtoErr)
	}
}

func (st *Stack) invoke(p peer, tid uint16, pdu *PDU) {
	if pdu.Version != 0 {
		st.abort(p, tid, AbortWTPVersionZero)
		return
	}
	if pdu.Class > 2 {
		st.abort(p, tid, AbortProtoErr)
		return
	}
	key := machineKey{p, tid}
	st.mu.Lock()
	if r, ok := st.machines[key]; ok {
		// retransmitted invoke: repeat our last answer
		last := r.lastSent
		st.mu.Unlock()
		if pdu.RID && last != nil {
			st.send(datagram(p, last))
		}
		return
	}
	if !st.tidValid(p, tid, pdu.TIDNew) {
		st.mu.Unlock()
		st.abort(p, tid, AbortInvalidTID)
		return
	}
	st.tidCache[p] = tid
	ind := &Indication{Peer: p, TID: tid, Class: pdu.Class,
		UserAck: pdu.UserAck, Data: pdu.Data}
	if pdu.Class == 0 {
		// class 0 has no transaction state at all
		st.mu.Unlock()
		st.handler.Invoke(st, ind)
		return
	}
	r := &Responder{key: key, state: StateResultWait,
		class: pdu.Class, userAck: pdu.UserAck}
	st.machines[key] = r
	st.mu.Unlock()
	if pdu.Class == 1 {
		// class 1 wants only the acknowledgement
		st.send(datagram(p, EncodeAck(tid|tidResponderBit, false, false)))
	}
	st.handler.Invoke(st, ind)
}

// tidValid implements the window test over the cached last TID; callers
// hold the lock.
func (st *Stack) tidValid(p peer, tid uint16, tidNew bool) bool {
	last, cached := st.tidCache[p]
	if tidNew || !cached {
		return true
	}
	diff := (tid - last) & 0x7FFF
	return diff > 0 && diff <= 0x4000
}

func (st *Stack) ack(p peer, tid uint16, pdu *PDU) {
	key := machineKey{p, tid}
	st.mu.Lock()
	r, ok := st.machines[key]
	if !ok {
		st.mu.Unlock()
		return
	}
	if r.state == StateResultRespWait {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(st.machines, key)
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()
}

func (st *Stack) remove(key machineKey) {
	st.mu.Lock()
	if r, ok := st.machines[key]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(st.machines, key)
	}
	st.mu.Unlock()
}

// SendResult transmits the upper layer's response for the transaction
// and arms the retransmission timer.
func (st *Stack) SendResult(p peer, tid uint16, data []byte) {
	key := machineKey{p, tid}
	st.mu.Lock()
	r, ok := st.machines[key]
	if !ok || r.state != StateResultWait {
		st.mu.Unlock()
		st.log.WithField("tid", tid).Warning("result for unknown transaction")
		return
	}
	payload := EncodeResult(tid|tidResponderBit, false, data)
	r.lastSent = payload
	r.state = StateResultRespWait
	st.armTimer(r)
	st.mu.Unlock()
	st.send(datagram(p, payload))
}

// Class0Reply answers a class 0 indication without any machine.
func (st *Stack) Class0Reply(p peer, tid uint16, data []byte) {
	st.send(datagram(p, EncodeResult(tid|tidResponderBit, false, data)))
}

// SendAbort lets the upper layer kill a transaction.
func (st *Stack) SendAbort(p peer, tid uint16, reason byte) {
	st.remove(machineKey{p, tid})
	st.send(datagram(p, EncodeAbort(tid|tidResponderBit, AbortUser, reason)))
}

// armTimer schedules a retransmission; callers hold the lock.
func (st *Stack) armTimer(r *Responder) {
	interval := RetryWithoutUserAck
	if r.userAck {
		interval = RetryWithUserAck
	}
	r.timer = time.AfterFunc(interval, func() { st.expire(r.key) })
}

func (st *Stack) expire(key machineKey) {
	st.mu.Lock()
	r, ok := st.machines[key]
	if !ok || r.state != StateResultRespWait {
		st.mu.Unlock()
		return
	}
	if r.userAck {
		r.aec++
		if r.aec > AECMax {
			delete(st.machines, key)
			st.mu.Unlock()
			st.abort(key.peer, key.tid, AbortNoResponse)
			return
		}
	}
	r.rcr++
	if r.rcr > MaxRCR {
		delete(st.machines, key)
		st.mu.Unlock()
		st.abort(key.peer, key.tid, AbortNoResponse)
		return
	}
	// retransmit with RID set
	payload := append([]byte(nil), r.lastSent...)
	payload[0] |= 0x01
	r.lastSent = payload
	st.armTimer(r)
	st.mu.Unlock()
	st.send(datagram(key.peer, payload))
}

// Shutdown stops every timer and drops the machines.
func (st *Stack) Shutdown() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for key, r := range st.machines {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(st.machines, key)
	}
}
