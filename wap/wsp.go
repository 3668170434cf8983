package wap

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/octet"
)

// WSP PDU types.
const (
	WSPConnect      = 0x01
	WSPConnectReply = 0x02
	WSPRedirect     = 0x03
	WSPReply        = 0x04
	WSPDisconnect   = 0x05
	WSPSuspend      = 0x07
	WSPResume       = 0x08
	WSPGet          = 0x40
	WSPPost         = 0x60
)

// Capability identifiers.
const (
	capClientSDU   = 0x00
	capServerSDU   = 0x01
	capProtoOpts   = 0x02
	capMethodMOR   = 0x03
	capPushMOR     = 0x04
	capExtMethods  = 0x05
	capHeaderPages = 0x06
	capAliases     = 0x07
)

// wspStatus maps HTTP status codes to their WSP encoding; anything not
// listed is an internal error.
var wspStatus = map[int]byte{
	200: 0x20,
	413: 0x4D,
	415: 0x4F,
	500: 0x60,
}

// StatusToWSP translates an HTTP status.
func StatusToWSP(httpStatus int) byte {
	if s, ok := wspStatus[httpStatus]; ok {
		return s
	}
	return 0x60
}

// Session states.
type SessionState int

const (
	SessionNull SessionState = iota
	SessionConnecting
	SessionConnected
	SessionSuspended
	SessionResuming
	SessionTerminating
)

// Capabilities negotiated for one session.
type Capabilities struct {
	ClientSDUSize uint32
	ServerSDUSize uint32
	ProtoOpts     byte
	MethodMOR     byte
	PushMOR       byte
}

// SessionConfig caps what a client may negotiate.
type SessionConfig struct {
	MaxClientSDU uint32 `yaml:"maxClientSdu"`
	MaxServerSDU uint32 `yaml:"maxServerSdu"`
	MaxMethodMOR byte   `yaml:"maxMethodMor"`
	MaxPushMOR   byte   `yaml:"maxPushMor"`
	ProtoOpts    byte   `yaml:"protoOptions"`
	SweepAfter   time.Duration
}

func (c *SessionConfig) defaults() {
	if c.MaxClientSDU == 0 {
		c.MaxClientSDU = 1400
	}
	if c.MaxServerSDU == 0 {
		c.MaxServerSDU = 1400
	}
	if c.MaxMethodMOR == 0 {
		c.MaxMethodMOR = 1
	}
	if c.MaxPushMOR == 0 {
		c.MaxPushMOR = 1
	}
	if c.SweepAfter <= 0 {
		c.SweepAfter = 5 * time.Minute
	}
}

// Fetch resolves one method request; the session layer translates the
// HTTP status into the reply PDU.
type Fetch func(method byte, uri []byte) (httpStatus int, contentType string, body []byte)

// Session is one client's WSP state.
type Session struct {
	ID       uint32
	State    SessionState
	Caps     Capabilities
	unused   bool
	lastUsed time.Time
}

// SessionLayer owns the sessions and consumes WTP indications.
type SessionLayer struct {
	mu       sync.Mutex
	cfg      SessionConfig
	sessions map[peer]*Session
	nextID   uint32
	fetch    Fetch
	log      *logrus.Entry
}

// NewSessionLayer builds the layer; fetch may be nil, which answers
// every method with an internal error.
func NewSessionLayer(cfg SessionConfig, fetch Fetch) *SessionLayer {
	cfg.defaults()
	if fetch == nil {
		fetch = func(byte, []byte) (int, string, []byte) { return 500, "", nil }
	}
	return &SessionLayer{
		cfg:      cfg,
		sessions: make(map[peer]*Session),
		fetch:    fetch,
		log:      logrus.WithField("part", "wsp"),
	}
}

// Sessions returns the live session count.
func (sl *SessionLayer) Sessions() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.sessions)
}

// Session returns the session for a peer, for inspection.
func (sl *SessionLayer) session(p peer) *Session {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.sessions[p]
}

// Invoke is the WTP indication entry point.
func (sl *SessionLayer) Invoke(st *Stack, ind *Indication) {
	if len(ind.Data) == 0 {
		st.SendAbort(ind.Peer, ind.TID, AbortProtoErr)
		return
	}
	switch ind.Data[0] {
	case WSPConnect:
		sl.connect(st, ind)
	case WSPDisconnect:
		sl.disconnect(ind)
	case WSPSuspend:
		sl.suspend(ind)
	case WSPResume:
		sl.resume(st, ind)
	case WSPGet, WSPPost:
		sl.method(st, ind)
	default:
		sl.log.WithField("pdu", fmt.Sprintf("%#x", ind.Data[0])).
			Debug("ignoring wsp pdu")
	}
}

// connect creates a fresh session regardless of any existing one and
// answers with ConnectReply.
func (sl *SessionLayer) connect(st *Stack, ind *Indication) {
	caps, err := sl.parseConnect(ind.Data)
	if err != nil {
		sl.log.WithError(err).Debug("bad connect pdu")
		st.SendAbort(ind.Peer, ind.TID, AbortProtoErr)
		return
	}
	sl.mu.Lock()
	sl.nextID++
	sess := &Session{
		ID:       sl.nextID,
		State:    SessionConnected,
		Caps:     sl.clamp(caps),
		lastUsed: time.Now(),
	}
	sl.sessions[ind.Peer] = sess
	sl.mu.Unlock()
	st.SendResult(ind.Peer, ind.TID, sl.connectReply(sess))
}

// parseConnect walks version, capability and header lengths, and the
// capability block. Unknown capability identifiers are skipped.
func (sl *SessionLayer) parseConnect(data []byte) (Capabilities, error) {
	caps := Capabilities{
		ClientSDUSize: sl.cfg.MaxClientSDU,
		ServerSDUSize: sl.cfg.MaxServerSDU,
		MethodMOR:     1,
		PushMOR:       1,
	}
	buf := octet.FromBytes(data)
	if buf.Len() < 2 {
		return caps, fmt.Errorf("wap: connect of %d octets", buf.Len())
	}
	pos := 2 // pdu type, version
	capsLen, n, err := buf.Uintvar(pos)
	if err != nil {
		return caps, err
	}
	pos += n
	if _, n, err = buf.Uintvar(pos); err != nil { // headers length
		return caps, err
	}
	pos += n
	end := pos + int(capsLen)
	if end > buf.Len() {
		return caps, fmt.Errorf("wap: capabilities run past the pdu")
	}
	for pos < end {
		fieldLen, n, err := buf.Uintvar(pos)
		if err != nil {
			return caps, err
		}
		pos += n
		if pos+int(fieldLen) > end || fieldLen == 0 {
			return caps, fmt.Errorf("wap: truncated capability")
		}
		field := data[pos : pos+int(fieldLen)]
		pos += int(fieldLen)
		id := field[0] & 0x7F
		value := field[1:]
		switch id {
		case capClientSDU:
			caps.ClientSDUSize = uintvarValue(value)
		case capServerSDU:
			caps.ServerSDUSize = uintvarValue(value)
		case capProtoOpts:
			if len(value) > 0 {
				caps.ProtoOpts = value[0]
			}
		case capMethodMOR:
			if len(value) > 0 {
				caps.MethodMOR = value[0]
			}
		case capPushMOR:
			if len(value) > 0 {
				caps.PushMOR = value[0]
			}
		case capExtMethods, capHeaderPages, capAliases:
			// acknowledged but not supported
		}
	}
	return caps, nil
}

func uintvarValue(p []byte) uint32 {
	b := octet.FromBytes(p)
	v, _, err := b.Uintvar(0)
	if err != nil {
		return 0
	}
	return v
}

// clamp enforces the configured maxima and downgrades unsupported
// protocol options.
func (sl *SessionLayer) clamp(caps Capabilities) Capabilities {
	if caps.ClientSDUSize > sl.cfg.MaxClientSDU {
		caps.ClientSDUSize = sl.cfg.MaxClientSDU
	}
	if caps.ServerSDUSize > sl.cfg.MaxServerSDU {
		caps.ServerSDUSize = sl.cfg.MaxServerSDU
	}
	if caps.MethodMOR > sl.cfg.MaxMethodMOR {
		caps.MethodMOR = sl.cfg.MaxMethodMOR
	}
	if caps.PushMOR > sl.cfg.MaxPushMOR {
		caps.PushMOR = sl.cfg.MaxPushMOR
	}
	caps.ProtoOpts &= sl.cfg.ProtoOpts
	return caps
}

// connectReply renders the reply with the session id and the negotiated
// capabilities.
func (sl *SessionLayer) connectReply(sess *Session) []byte {
	out := []byte{WSPConnectReply}
	out = appendUintvar(out, sess.ID)

	var caps []byte
	caps = capField(caps, capClientSDU, uintvarBytes(sess.Caps.ClientSDUSize))
	caps = capField(caps, capServerSDU, uintvarBytes(sess.Caps.ServerSDUSize))
	caps = capField(caps, capMethodMOR, []byte{sess.Caps.MethodMOR})
	caps = capField(caps, capPushMOR, []byte{sess.Caps.PushMOR})
	caps = capField(caps, capProtoOpts, []byte{sess.Caps.ProtoOpts})

	out = appendUintvar(out, uint32(len(caps)))
	out = appendUintvar(out, 0) // no headers
	return append(out, caps...)
}

func capField(dst []byte, id byte, value []byte) []byte {
	dst = appendUintvar(dst, uint32(1+len(value)))
	dst = append(dst, 0x80|id)
	return append(dst, value...)
}

func uintvarBytes(v uint32) []byte {
	b := octet.New()
	b.AppendUintvar(v)
	return b.Bytes()
}

func (sl *SessionLayer) disconnect(ind *Indication) {
	sl.mu.Lock()
	if sess, ok := sl.sessions[ind.Peer]; ok {
		sess.State = SessionTerminating
		sess.unused = true
		sess.lastUsed = time.Now()
	}
	sl.mu.Unlock()
}

func (sl *SessionLayer) suspend(ind *Indication) {
	sl.mu.Lock()
	if sess, ok := sl.sessions[ind.Peer]; ok && sess.State == SessionConnected {
		sess.State = SessionSuspended
		sess.lastUsed = time.Now()
	}
	sl.mu.Unlock()
}

func (sl *SessionLayer) resume(st *Stack, ind *Indication) {
	sl.mu.Lock()
	sess, ok := sl.sessions[ind.Peer]
	if !ok || sess.State != SessionSuspended {
		sl.mu.Unlock()
		st.SendAbort(ind.Peer, ind.TID, AbortProtoErr)
		return
	}
	sess.State = SessionConnected
	sess.lastUsed = time.Now()
	sl.mu.Unlock()
	st.SendResult(ind.Peer, ind.TID, sl.connectReply(sess))
}

// method serves a Get or Post through the fetch callback.
func (sl *SessionLayer) method(st *Stack, ind *Indication) {
	sl.mu.Lock()
	sess, ok := sl.sessions[ind.Peer]
	if ok {
		sess.lastUsed = time.Now()
	}
	sl.mu.Unlock()
	if !ok || sess.State != SessionConnected {
		st.SendAbort(ind.Peer, ind.TID, AbortProtoErr)
		return
	}
	uri := parseMethodURI(ind.Data)
	status, contentType, body := sl.fetch(ind.Data[0], uri)
	reply := []byte{WSPReply, StatusToWSP(status)}
	reply = appendUintvar(reply, uint32(len(contentType)))
	reply = append(reply, contentType...)
	reply = append(reply, body...)
	if ind.Class == 0 {
		st.Class0Reply(ind.Peer, ind.TID, reply)
		return
	}
	st.SendResult(ind.Peer, ind.TID, reply)
}

// parseMethodURI pulls the URI out of a Get pdu: uintvar length, then
// the octets.
func parseMethodURI(data []byte) []byte {
	buf := octet.FromBytes(data)
	n, used, err := buf.Uintvar(1)
	if err != nil || 1+used+int(n) > len(data) {
		return nil
	}
	return data[1+used : 1+used+int(n)]
}

// Sweep drops sessions that disconnected long enough ago.
func (sl *SessionLayer) Sweep() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var removed int
	for p, sess := range sl.sessions {
		if sess.unused && time.Since(sess.lastUsed) > sl.cfg.SweepAfter {
			delete(sl.sessions, p)
			removed++
		}
	}
	return removed
}
