package emi

import (
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

// Config is the smsc group for an EMI/UCP link.
type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"` // empty skips the op 60 login
	Password string `yaml:"password"`

	Window         int           `yaml:"window"` // outstanding operations, max 100
	KeepaliveEvery time.Duration `yaml:"keepalive"`
	ResponseWait   time.Duration `yaml:"responseWait"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	QueueLimit     int           `yaml:"queueLimit"`
	OurOAdC        string        `yaml:"ourAddress"` // used for op 31
}

func (c *Config) defaults() {
	if c.Window <= 0 || c.Window > 100 {
		c.Window = 1
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
}

// Error codes at or above this mark a permanent submit reject; lower
// codes are operator congestion and other transient conditions.
const permanentErrorFloor = 24

// Driver runs one UCP link with stop-and-wait or windowed submits.
type Driver struct {
	c   *smscconn.Conn
	cb  smscconn.Callbacks
	dlr *store.DLRTable
	cfg Config
	log *logrus.Entry

	queue *smscconn.SendQueue
	slots chan struct{}

	mu      sync.Mutex
	pending map[int]*msg.Msg // TRN -> in-flight submit
	trn     int

	stopRecv atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the driver for one configured UCP connection.
func New(c *smscconn.Conn, cb smscconn.Callbacks, dlr *store.DLRTable, cfg Config) *Driver {
	cfg.defaults()
	return &Driver{
		c:       c,
		cb:      cb,
		dlr:     dlr,
		cfg:     cfg,
		log:     c.Log.WithField("proto", "emi"),
		queue:   smscconn.NewSendQueue(cfg.QueueLimit),
		slots:   make(chan struct{}, cfg.Window),
		pending: make(map[int]*msg.Msg),
		stop:    make(chan struct{}),
	}
}

func (d *Driver) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
	d.cb.Ready(d.c)
}

func (d *Driver) Stop() { d.stopRecv.Store(true) }

func (d *Driver) Send(m *msg.Msg) error { return d.queue.Put(m) }

func (d *Driver) Queued() int {
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	return d.queue.Len() + n
}

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
	d.failPending(smscconn.FailShutdown, "connection shutdown")
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

func (d *Driver) failPending(reason smscconn.FailReason, detail string) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[int]*msg.Msg)
	d.mu.Unlock()
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

func (d *Driver) run() {
	delay := d.cfg.ReconnectDelay
	for !d.stopping() {
		err := d.session()
		if d.stopping() || d.c.Status() == smscconn.StatusKilled {
			return
		}
		if err != nil {
			d.log.WithError(err).Error("UCP session ended")
		}
		d.c.SetStatus(smscconn.StatusReconnecting)
		d.failPending(smscconn.FailTemporary, "link lost")
		select {
		case <-d.stop:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Hour {
			delay = time.Hour
		}
	}
}

// session dials, logs in when credentials are configured and serves the
// link until it breaks.
func (d *Driver) session() error {
	d.c.SetStatus(smscconn.StatusConnecting)
	tcp, err := net.DialTimeout("tcp", d.cfg.Addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.cfg.Addr, err)
	}
	defer tcp.Close()
	sess := &session{d: d, tcp: tcp}

	if d.cfg.Username != "" {
		ack, err := sess.login()
		if err != nil {
			return err
		}
		if !ack {
			d.log.Error("SMSC rejected our login")
			d.c.Kill(smscconn.KillWrongPassword)
			d.stopOnce.Do(func() { close(d.stop) })
			return nil
		}
	}
	d.log.Info("UCP session up")
	d.c.SetStatus(smscconn.StatusActive)
	d.cb.Connected(d.c)

	done := make(chan struct{})
	defer close(done)
	go sess.sender(done)
	if d.cfg.KeepaliveEvery > 0 {
		go sess.keepalive(done)
	}
	return sess.read()
}

// session is one connected UCP stream.
type session struct {
	d   *Driver
	tcp net.Conn
	wmu sync.Mutex

	alivePending atomic.Bool
}

func (s *session) write(f *Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.tcp.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := s.tcp.Write(f.Marshal())
	return err
}

func (s *session) nextTRN() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	for i := 0; i < 100; i++ {
		s.d.trn = (s.d.trn + 1) % 100
		if _, busy := s.d.pending[s.d.trn]; !busy {
			return s.d.trn
		}
	}
	return s.d.trn
}

// login performs the op 60 handshake synchronously before anything else
// moves on the link.
func (s *session) login() (bool, error) {
	f := &Frame{TRN: s.nextTRN(), Op: OpSession, Fields: []string{
		s.d.cfg.Username, // OAdC
		"6", "5",         // OTON, ONPI
		"1", // STYP open session
		hexField([]byte(s.d.cfg.Password)),
		"",     // NPWD
		"0100", // VERS
		"", "", "", "", "", // LAdC..RES1
	}}
	if err := s.write(f); err != nil {
		return false, err
	}
	s.tcp.SetReadDeadline(time.Now().Add(s.d.cfg.ResponseWait))
	defer s.tcp.SetReadDeadline(time.Time{})
	resp, err := s.readFrame()
	if err != nil {
		return false, fmt.Errorf("login response: %w", err)
	}
	if !resp.Result || resp.Op != OpSession {
		return false, fmt.Errorf("unexpected %02d while logging in", resp.Op)
	}
	ok, _ := resp.Ack()
	if !ok {
		code, text := resp.Nack()
		s.d.log.WithFields(logrus.Fields{"code": code, "text": text}).
			Error("login negative ack")
	}
	return ok, nil
}

func (s *session) keepalive(done chan struct{}) {
	ticker := time.NewTicker(s.d.cfg.KeepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.d.stop:
			return
		case <-ticker.C:
			if s.alivePending.Load() {
				s.d.log.Warning("keepalive unanswered, closing link")
				s.tcp.Close()
				return
			}
			s.alivePending.Store(true)
			f := &Frame{TRN: s.nextTRN(), Op: OpAlive,
				Fields: []string{s.d.cfg.OurOAdC, "0539"}}
			if err := s.write(f); err != nil {
				s.tcp.Close()
				return
			}
		}
	}
}

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
		if wait := s.d.c.Throttle.Delay(); wait > 0 {
			time.Sleep(wait)
		}
		select {
		case s.d.slots <- struct{}{}:
		case <-done:
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, "session closing")
			return
		case <-s.d.stop:
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, "session closing")
			return
		}
		trn := s.nextTRN()
		f, err := s.d.buildSubmit(m, trn)
		if err != nil {
			<-s.d.slots
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailMalformed, err.Error())
			continue
		}
		s.d.mu.Lock()
		s.d.pending[trn] = m
		s.d.mu.Unlock()
		if err := s.write(f); err != nil {
			s.d.mu.Lock()
			delete(s.d.pending, trn)
			s.d.mu.Unlock()
			<-s.d.slots
			s.d.cb.SendFailed(s.d.c, m, smscconn.FailTemporary, err.Error())
			s.tcp.Close()
			return
		}
	}
}

// readFrame blocks for one complete STX..ETX frame.
func (s *session) readFrame() (*Frame, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		if raw, rest := ReadFrame(buf); raw != nil {
			f, err := Parse(raw)
			if err != nil {
				return nil, err
			}
			_ = rest // a well-behaved SMSC does not pipeline past our window
			return f, nil
		}
		n, err := s.tcp.Read(chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:n]...)
	}
}

func (s *session) read() error {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		raw, rest := ReadFrame(buf)
		if raw == nil {
			n, err := s.tcp.Read(chunk)
			if err != nil {
				return err
			}
			buf = append(buf, chunk[:n]...)
			continue
		}
		buf = rest
		f, err := Parse(raw)
		if err != nil {
			s.d.log.WithError(err).Warning("dropping malformed frame")
			continue
		}
		if f.Result {
			s.result(f)
			continue
		}
		switch f.Op {
		case OpDeliverSM, OpCallInput:
			s.deliver(f)
		case OpDeliverNotif:
			s.notify(f)
		case OpAlive:
			s.write(&Frame{TRN: f.TRN, Result: true, Op: f.Op, Fields: []string{"A", ""}})
		default:
			s.d.log.WithField("op", f.Op).Warning("unsupported operation")
			s.write(&Frame{TRN: f.TRN, Result: true, Op: f.Op,
				Fields: []string{"N", "03", "operation not supported"}})
		}
	}
}

// result correlates an R frame with the in-flight operation of the same
// transaction number.
func (s *session) result(f *Frame) {
	if f.Op == OpAlive {
		s.alivePending.Store(false)
		return
	}
	s.d.mu.Lock()
	m, ok := s.d.pending[f.TRN]
	if ok {
		delete(s.d.pending, f.TRN)
	}
	s.d.mu.Unlock()
	if !ok {
		s.d.log.WithField("trn", f.TRN).Warning("result without pending operation")
		return
	}
	<-s.d.slots
	if ok, sm := f.Ack(); ok {
		// positive ack SM field is "address:timestamp"
		if i := strings.IndexByte(sm, ':'); i >= 0 && m.SMS.DLRMask != 0 {
			if err := s.d.dlr.Add(s.d.c.ID, sm[i+1:], m); err != nil {
				s.d.log.WithError(err).Error("dlr insert failed")
			}
		}
		s.d.cb.Sent(s.d.c, m, sm)
		return
	}
	code, text := f.Nack()
	s.d.log.WithFields(logrus.Fields{"code": code, "text": text}).
		Warning("submit negative ack")
	reason := smscconn.FailTemporary
	if code >= permanentErrorFloor {
		reason = smscconn.FailRejected
	}
	s.d.cb.SendFailed(s.d.c, m, reason, fmt.Sprintf("EC %02d %s", code, text))
}

// deliver turns an op 52 (or legacy 01) into an MO envelope.
func (s *session) deliver(f *Frame) {
	scts := f.Field(fldSCTS)
	ackSM := f.Field(fldAdC) + ":" + scts
	defer s.write(&Frame{TRN: f.TRN, Result: true, Op: f.Op,
		Fields: []string{"A", ackSM}})
	if s.d.stopRecv.Load() {
		s.d.log.Debug("MO receive stopped, dropping delivery")
		return
	}
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(f.Field(fldOAdC))
	m.SMS.Receiver = octet.FromString(f.Field(fldAdC))
	m.SMS.SMSCID = octet.FromString(s.d.c.ID)

	udh, dcs, hasDCS, err := parseXSer(f.Field(fldXSer))
	if err != nil {
		s.d.log.WithError(err).Warning("bad XSer in delivery")
	}
	if hasDCS {
		sms.FromDCS(dcs, &m.SMS)
	}
	if len(udh) > 0 {
		m.SMS.UDHData = octet.FromBytes(udh)
	}
	raw, err := unhexField(f.Field(fldMsg))
	if err != nil {
		s.d.log.WithError(err).Warning("bad message hex in delivery")
		return
	}
	switch f.Field(fldMT) {
	case "4": // transparent data
		if m.SMS.Coding == msg.CodingUndefined {
			m.SMS.Coding = msg.Coding8Bit
		}
		m.SMS.MsgData = octet.FromBytes(raw)
	default: // numeric or alphanumeric text
		if m.SMS.Coding == msg.CodingUndefined {
			m.SMS.Coding = msg.Coding7Bit
		}
		m.SMS.MsgData = octet.FromString(sms.Decode(0, raw))
	}
	m.NewSMSID()
	m.Touch()
	if err := s.d.cb.Receive(s.d.c, m); err != nil {
		s.d.log.WithError(err).Info("bearerbox rejected MO")
	}
}

// notify handles an op 53 delivery notification.
func (s *session) notify(f *Frame) {
	defer s.write(&Frame{TRN: f.TRN, Result: true, Op: f.Op,
		Fields: []string{"A", f.Field(fldAdC) + ":" + f.Field(fldSCTS)}})
	var typ int32
	switch f.Field(fldDst) {
	case "0":
		typ = msg.DLRSuccess
	case "1":
		typ = msg.DLRBuffered
	default:
		typ = msg.DLRFail
	}
	text := f.Field(fldMsg)
	if raw, err := unhexField(text); err == nil {
		text = sms.Decode(0, raw)
	}
	report, err := s.d.dlr.Find(s.d.c.ID, f.Field(fldSCTS), f.Field(fldAdC), typ, text)
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

// buildSubmit renders one MT as an op 51 frame.
func (d *Driver) buildSubmit(m *msg.Msg, trn int) (*Frame, error) {
	s := &m.SMS
	fields := make([]string, numFlds)
	if s.Receiver == nil || s.Receiver.Len() == 0 {
		return nil, fmt.Errorf("emi: message without receiver")
	}
	fields[fldAdC] = strings.TrimPrefix(s.Receiver.String(), "+")
	if s.Sender != nil {
		fields[fldOAdC] = strings.TrimPrefix(s.Sender.String(), "+")
	}
	if s.DLRMask != 0 {
		fields[fldNRq] = "1"
		fields[fldNT] = "3"
	}
	if s.Validity > 0 {
		fields[fldVP] = time.Now().
			Add(time.Duration(s.Validity) * time.Minute).
			Format("0201061504") // ddMMyyHHmm
	}
	if s.MClass >= 0 && s.MClass <= 3 {
		fields[fldMCLs] = fmt.Sprintf("%d", s.MClass)
	}

	var ext strings.Builder
	if s.UDHData != nil && s.UDHData.Len() > 0 {
		xser(&ext, xserUDH, s.UDHData.Bytes())
	}
	var data []byte
	if s.MsgData != nil {
		data = s.MsgData.Bytes()
	}
	switch s.Coding {
	case msg.Coding8Bit:
		xser(&ext, xserDCS, []byte{0x04})
		fields[fldMT] = "4"
		fields[fldNB] = fmt.Sprintf("%d", len(data)*8)
		fields[fldMsg] = hexField(data)
	case msg.CodingUCS2:
		xser(&ext, xserDCS, []byte{0x08})
		fields[fldMT] = "4"
		fields[fldNB] = fmt.Sprintf("%d", len(data)*8)
		fields[fldMsg] = hexField(data)
	default:
		fields[fldMT] = "3"
		fields[fldMsg] = hexField(sms.Encode(0, string(data)))
	}
	fields[fldXSer] = ext.String()
	return &Frame{TRN: trn, Op: OpSubmit, Fields: fields}, nil
}
