package smpp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/sms"
	"smsgw/smscconn"
	"smsgw/store"
)

// Config is the smsc group for an SMPP link.
type Config struct {
	Addr       string `yaml:"addr"`
	SystemID   string `yaml:"systemId"`
	Password   string `yaml:"password"`
	SystemType string `yaml:"systemType"`
	BindMode   string `yaml:"bindMode"` // transceiver (default) or txrx
	UseTLS     bool   `yaml:"tls"`

	EnquireInterval   time.Duration `yaml:"enquireInterval"`
	BindTimeout       time.Duration `yaml:"bindTimeout"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	ThrottleCooldown  time.Duration `yaml:"throttleCooldown"`
	MaxPendingSubmits int           `yaml:"maxPendingSubmits"`
	MaxPDULen         int           `yaml:"maxPduLen"`
	QueueLimit        int           `yaml:"queueLimit"`

	SourceTON, SourceNPI byte `yaml:"-"`
	ServiceType          string
}

func (c *Config) defaults() {
	if c.EnquireInterval <= 0 {
		c.EnquireInterval = 30 * time.Second
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.ThrottleCooldown <= 0 {
		c.ThrottleCooldown = 15 * time.Second
	}
	if c.MaxPendingSubmits <= 0 {
		c.MaxPendingSubmits = 10
	}
	if c.MaxPDULen < DefaultMaxPDULen {
		c.MaxPDULen = DefaultMaxPDULen
	}
	if c.BindMode == "" {
		c.BindMode = "transceiver"
	}
}

// maxReconnectDelay caps the exponential back-off.
const maxReconnectDelay = time.Hour

// shortMessageLimit is the largest short_message; longer payloads move to
// the message_payload TLV.
const shortMessageLimit = 254

// Driver runs one SMPP link: a transceiver session, or a transmitter and
// a receiver session when bindMode is txrx.
type Driver struct {
	c   *smscconn.Conn
	cb  smscconn.Callbacks
	dlr *store.DLRTable
	cfg Config
	log *logrus.Entry

	queue *smscconn.SendQueue
	slots chan struct{}

	windowMu sync.Mutex
	window   map[uint32]*msg.Msg

	seq           atomic.Uint32
	throttleUntil atomic.Int64
	stopRecv      atomic.Bool
	down          atomic.Bool
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New builds the driver for one configured SMPP connection.
func New(c *smscconn.Conn, cb smscconn.Callbacks, dlr *store.DLRTable, cfg Config) *Driver {
	cfg.defaults()
	d := &Driver{
		c:      c,
		cb:     cb,
		dlr:    dlr,
		cfg:    cfg,
		log:    c.Log.WithField("proto", "smpp"),
		queue:  smscconn.NewSendQueue(cfg.QueueLimit),
		slots:  make(chan struct{}, cfg.MaxPendingSubmits),
		window: make(map[uint32]*msg.Msg),
		stop:   make(chan struct{}),
	}
	return d
}

// Start launches the session tasks.
func (d *Driver) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.cfg.BindMode == "txrx" {
			var inner sync.WaitGroup
			inner.Add(2)
			go func() { defer inner.Done(); d.run(BindTransmitter) }()
			go func() { defer inner.Done(); d.run(BindReceiver) }()
			inner.Wait()
			return
		}
		d.run(BindTransceiver)
	}()
	d.cb.Ready(d.c)
}

// Stop blocks further MO delivery; the queue keeps draining.
func (d *Driver) Stop() { d.stopRecv.Store(true) }

// Send queues one MT; the result arrives via callbacks.
func (d *Driver) Send(m *msg.Msg) error { return d.queue.Put(m) }

// Queued reports the outgoing queue depth.
func (d *Driver) Queued() int {
	d.windowMu.Lock()
	n := len(d.window)
	d.windowMu.Unlock()
	return d.queue.Len() + n
}

// Shutdown ends the link. With finishSending the queue and window drain
// first, up to a grace period; otherwise every queued MT fails with
// shutdown.
func (d *Driver) Shutdown(finishSending bool) {
	if finishSending {
		deadline := time.Now().Add(30 * time.Second)
		for d.Queued() > 0 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}
	d.stopOnce.Do(func() { close(d.stop) })
	for _, m := range d.queue.Close(false) {
		d.cb.SendFailed(d.c, m, smscconn.FailShutdown, "connection shutdown")
	}
	d.failWindow(smscconn.FailShutdown, "connection shutdown")
	d.wg.Wait()
	if d.c.WhyKilled() == smscconn.KillAlive {
		d.c.Kill(smscconn.KillShutdown)
	}
	d.cb.Killed(d.c)
}

func (d *Driver) stopping() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// run is one session's reconnect loop with exponential back-off.
func (d *Driver) run(bindID uint32) {
	delay := d.cfg.ReconnectDelay
	for !d.stopping() {
		err := d.session(bindID)
		if d.stopping() || d.c.Status() == smscconn.StatusKilled {
			return
		}
		if err != nil {
			d.log.WithError(err).Error("SMPP session ended")
		}
		d.c.SetStatus(smscconn.StatusReconnecting)
		d.failWindow(smscconn.FailTemporary, "link lost")
		select {
		case <-d.stop:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session dials, binds and serves one TCP connection until it breaks.
func (d *Driver) session(bindID uint32) error {
	d.c.SetStatus(smscconn.StatusConnecting)
	var (
		tcp net.Conn
		err error
	)
	if d.cfg.UseTLS {
		tcp, err = tls.DialWithDialer(&net.Dialer{Timeout: d.cfg.BindTimeout},
			"tcp", d.cfg.Addr, &tls.Config{})
	} else {
		tcp, err = net.DialTimeout("tcp", d.cfg.Addr, d.cfg.BindTimeout)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.cfg.Addr, err)
	}
	defer tcp.Close()

	sess := &session{d: d, tcp: tcp, bindID: bindID}
	bind := &Bind{
		SystemID:         d.cfg.SystemID,
		Password:         d.cfg.Password,
		SystemType:       d.cfg.SystemType,
		InterfaceVersion: 0x34,
		AddrTON:          d.cfg.SourceTON,
		AddrNPI:          d.cfg.SourceNPI,
	}
	if err := sess.write(Encode(bindID, 0, d.nextSeq(), bind.Marshal())); err != nil {
		return err
	}
	tcp.SetReadDeadline(time.Now().Add(d.cfg.BindTimeout))
	resp, err := ReadPDU(tcp, d.cfg.MaxPDULen)
	if err != nil {
		return fmt.Errorf("bind response: %w", err)
	}
	if resp.Header.ID != bindID|0x80000000 {
		return fmt.Errorf("unexpected pdu %08x while binding", resp.Header.ID)
	}
	switch resp.Header.Status {
	case StatusOK:
	case StatusInvalidPasswd, StatusInvalidSysID:
		d.log.Error("SMSC rejected our credentials")
		d.c.Kill(smscconn.KillWrongPassword)
		d.stopOnce.Do(func() { close(d.stop) })
		return nil
	default:
		return fmt.Errorf("bind rejected with status %#x", resp.Header.Status)
	}
	d.log.Info("SMPP bound")
	d.c.SetStatus(smscconn.StatusActive)
	if bindID != BindReceiver {
		d.cb.Connected(d.c)
	}

	done := make(chan struct{})
	defer close(done)
	go sess.enquire(done)
	if bindID != BindReceiver {
		go sess.sender(done)
	}
	tcp.SetReadDeadline(time.Time{})
	return sess.read()
}

func (d *Driver) nextSeq() uint32 {
	s := d.seq.Add(1)
	if s == 0 {
		s = d.seq.Add(1)
	}
	return s
}

func (d *Driver) failWindow(reason smscconn.FailReason, detail string) {
	d.windowMu.Lock()
	pending := d.window
	d.window = make(map[uint32]*msg.Msg)
	d.windowMu.Unlock()
	for range pending {
		select {
		case <-d.slots:
		default:
		}
	}
	for _, m := range pending {
		d.cb.SendFailed(d.c, m, reason, detail)
	}
}

// session is one bound TCP connection.
type session struct {
	d      *Driver
	tcp    net.Conn
	bindID uint32
	wmu    sync.Mutex

	enquirePending atomic.Bool
}

func (s *session) write(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.tcp.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := s.tcp.Write(frame)
	return err
}

// enquire keeps the link alive and tears it down when the SMSC stops
// answering within half an interval, like the old transceiver did.
func (s *session) enquire(done chan struct{}) {
	ticker := time.NewTicker(s.d.cfg.EnquireInterval)
	defer ticker.Stop()
	check := time.NewTimer(s.d.cfg.EnquireInterval / 2)
	check.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.d.stop:
			return
		case <-ticker.C:
			s.enquirePending.Store(true)
			if err := s.write(Encode(EnquireLink, 0, s.d.nextSeq(), nil)); err != nil {
				s.tcp.Close()
				return
			}
			check.Reset(s.d.cfg.EnquireInterval / 2)
		case <-check.C:
			if s.enquirePending.Load() {
				s.d.log.Warning("enquire_link unanswered, closing link")
				s.tcp.Close()
				return
			}
		}
	}
}

// sender drains the driver queue through the submit window.
func (s *session) sender(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.d.stop:
			return
		default:
		}
		m := s.d.queue.Get()
		if m == nil {
			return
		}
		// respect a throttle cool-down before taking a window slot
		for {
			until := s.d.throttleUntil.Load()
			if until == 0 || time.Now().Unix() >= until {
				break
			}
			select {
			case <-done:
				s.requeue(m)
				return
			case <-time.After(time.Second):
			}
		}
		if wait := s.d.c.Throttle.Delay(); wait > 0 {
			time.Sleep(wait)
		}
		select {
		case s.d.slots <- struct{}{}:
		case <-done:
			s.requeue(m)
			return
		case <-s.d.stop:
			s.requeue(m)
			return
		}
		seq := s.d.nextSeq()
		frame, err := s.d.buildSubmit(m, seq)
		if err != nil {
			<-s.d.slots
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailMalformed, err.Error())
			continue
		}
		s.d.windowMu.Lock()
		s.d.window[seq] = m
		s.d.windowMu.Unlock()
		if err := s.write(frame); err != nil {
			s.d.windowMu.Lock()
			delete(s.d.window, seq)
			s.d.windowMu.Unlock()
			<-s.d.slots
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, err.Error())
			s.tcp.Close()
			return
		}
	}
}

func (s *session) requeue(m *msg.Msg) {
	s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, "session closing")
}

// read dispatches inbound PDUs until the connection dies.
func (s *session) read() error {
	for {
		p, err := ReadPDU(s.tcp, s.d.cfg.MaxPDULen)
		if err != nil {
			return err
		}
		switch p.Header.ID {
		case EnquireLink:
			s.write(Encode(EnquireLinkResp, 0, p.Header.Sequence, nil))
		case EnquireLinkResp:
			s.enquirePending.Store(false)
		case SubmitSMResp:
			s.submitResp(p)
		case DeliverSM:
			s.deliver(p)
		case Unbind:
			s.write(Encode(UnbindResp, 0, p.Header.Sequence, nil))
			return fmt.Errorf("SMSC sent unbind")
		case UnbindResp:
			return nil
		case GenericNack:
			s.d.log.WithField("status", fmt.Sprintf("%#x", p.Header.Status)).
				Warning("generic_nack from SMSC")
		default:
			s.d.log.WithField("pdu", fmt.Sprintf("%#x", p.Header.ID)).
				Debug("ignoring unexpected pdu")
			s.write(Encode(GenericNack, StatusSystemError, p.Header.Sequence, nil))
		}
	}
}

func (s *session) submitResp(p *PDU) {
	s.d.windowMu.Lock()
	m, ok := s.d.window[p.Header.Sequence]
	if ok {
		delete(s.d.window, p.Header.Sequence)
	}
	s.d.windowMu.Unlock()
	if !ok {
		s.d.log.WithField("seq", p.Header.Sequence).Warning("submit_sm_resp without window entry")
		return
	}
	<-s.d.slots
	switch p.Header.Status {
	case StatusOK:
		id := MessageID(p.Body)
		if m.SMS.DLRMask != 0 {
			if err := s.d.dlr.Add(s.d.c.ID, id, m); err != nil {
				s.d.log.WithError(err).Error("dlr insert failed")
			}
		}
		s.d.cb.Sent(s.d.c, m, id)
	case StatusThrottled, StatusMsgQueueFull:
		s.d.throttleUntil.Store(time.Now().Add(s.d.cfg.ThrottleCooldown).Unix())
		s.d.log.Warning("SMSC throttling, cooling down")
		s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, "throttled")
	default:
		s.d.cb.SendFailed(s.d.c, m, smscconn.FailRejected,
			fmt.Sprintf("submit_sm_resp status %#x", p.Header.Status))
	}
}

func (s *session) deliver(p *PDU) {
	// the response goes out regardless of what the bearerbox thinks
	defer s.write(Encode(DeliverSMResp, 0, p.Header.Sequence, []byte{0}))
	sm, err := UnmarshalSM(p.Body)
	if err != nil {
		s.d.log.WithError(err).Error("malformed deliver_sm")
		return
	}
	body := sm.ShortMessage
	if len(body) == 0 {
		body = p.TLVValue(TagMessagePayload)
	}
	if sm.ESMClass&ESMClassReceipt != 0 {
		s.receipt(sm, p, body)
		return
	}
	if s.d.stopRecv.Load() {
		s.d.log.Debug("MO receive stopped, dropping deliver_sm")
		return
	}
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(sm.Source)
	m.SMS.Receiver = octet.FromString(sm.Dest)
	m.SMS.SMSCID = octet.FromString(s.d.c.ID)
	sms.FromDCS(sm.DataCoding, &m.SMS)
	if sm.ESMClass&ESMClassUDHI != 0 && len(body) > 0 {
		udhLen := int(body[0]) + 1
		if udhLen > len(body) {
			s.d.log.Warning("UDHI set but UDH longer than payload")
			return
		}
		m.SMS.UDHData = octet.FromBytes(body[:udhLen])
		body = body[udhLen:]
	}
	m.SMS.MsgData = octet.FromBytes(body)
	m.NewSMSID()
	m.Touch()
	if err := s.d.cb.Receive(s.d.c, m); err != nil {
		s.d.log.WithError(err).Info("bearerbox rejected MO")
	}
}

func (s *session) receipt(sm *SM, p *PDU, body []byte) {
	rec := ParseReceipt(string(body))
	if v := p.TLVValue(TagReceiptedMessageID); len(v) > 0 {
		rec.ID = strings.TrimRight(string(v), "\x00")
	}
	typ := rec.DLRType()
	if v := p.TLVValue(TagMessageState); len(v) == 1 {
		typ = StateDLRType(v[0])
	}
	if rec.ID == "" {
		s.d.log.Warning("delivery report without message id")
		return
	}
	report, err := s.d.dlr.Find(s.d.c.ID, rec.ID, sm.Source, typ, string(body))
	if err != nil {
		s.d.log.WithError(err).Error("dlr lookup failed")
		return
	}
	if report == nil {
		return
	}
	if err := s.d.cb.Receive(s.d.c, report); err != nil {
		s.d.log.WithError(err).Info("bearerbox rejected DLR")
	}
}

// buildSubmit renders one MT as a submit_sm frame.
func (d *Driver) buildSubmit(m *msg.Msg, seq uint32) ([]byte, error) {
	s := &m.SMS
	sub := &SM{
		ServiceType: d.cfg.ServiceType,
		DataCoding:  sms.ToDCS(s),
	}
	if s.Sender != nil {
		sub.Source, sub.SourceTON, sub.SourceNPI = addr(s.Sender.String())
	}
	if s.Receiver != nil {
		sub.Dest, sub.DestTON, sub.DestNPI = addr(s.Receiver.String())
	}
	if s.DLRMask != 0 {
		sub.RegisteredDelivery = 1
	}
	if s.Validity > 0 {
		sub.ValidityPeriod = relativeValidity(s.Validity)
	}
	var payload []byte
	if s.UDHData != nil && s.UDHData.Len() > 0 {
		sub.ESMClass |= ESMClassUDHI
		payload = append(payload, s.UDHData.Bytes()...)
	}
	if s.MsgData != nil {
		payload = append(payload, s.MsgData.Bytes()...)
	}
	var tlvs []TLV
	if len(payload) > shortMessageLimit {
		tlvs = append(tlvs, TLV{Tag: TagMessagePayload, Value: payload})
	} else {
		sub.ShortMessage = payload
	}
	frame := Encode(SubmitSM, 0, seq, sub.Marshal(), tlvs...)
	if len(frame) > d.cfg.MaxPDULen {
		return nil, fmt.Errorf("submit_sm of %d octets exceeds cap", len(frame))
	}
	return frame, nil
}

// addr derives TON and NPI from the number format: international for a
// leading + or 00, alphanumeric for anything with letters.
func addr(number string) (string, byte, byte) {
	switch {
	case strings.HasPrefix(number, "+"):
		return number[1:], 1, 1
	case strings.HasPrefix(number, "00"):
		return number[2:], 1, 1
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return number, 5, 0 // alphanumeric
		}
	}
	return number, 2, 1 // national
}

// relativeValidity renders minutes as the SMPP relative time format.
func relativeValidity(minutes int32) string {
	d := time.Duration(minutes) * time.Minute
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	years := days / 365
	days %= 365
	months := days / 30
	days %= 30
	return fmt.Sprintf("%02d%02d%02d%02d%02d00000R", years, months, days, hours, mins)
}
