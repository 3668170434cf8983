package smasi

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
)

// Config is the smsc group for an SMASI link.
type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	EnquireInterval time.Duration `yaml:"enquireInterval"`
	ResponseWait    time.Duration `yaml:"responseWait"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay"`
	QueueLimit      int           `yaml:"queueLimit"`
}

func (c *Config) defaults() {
	if c.EnquireInterval <= 0 {
		c.EnquireInterval = 30 * time.Second
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
}

// Driver runs one SMASI link with stop-and-wait submits.
type Driver struct {
	c   *smscconn.Conn
	cb  smscconn.Callbacks
	cfg Config
	log *logrus.Entry

	queue *smscconn.SendQueue

	mu      sync.Mutex
	pending *msg.Msg

	stopRecv atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the driver for one configured SMASI connection.
func New(c *smscconn.Conn, cb smscconn.Callbacks, cfg Config) *Driver {
	cfg.defaults()
	return &Driver{
		c:     c,
		cb:    cb,
		cfg:   cfg,
		log:   c.Log.WithField("proto", "smasi"),
		queue: smscconn.NewSendQueue(cfg.QueueLimit),
		stop:  make(chan struct{}),
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
	n := 0
	if d.pending != nil {
		n = 1
	}
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
	m := d.pending
	d.pending = nil
	d.mu.Unlock()
	if m != nil {
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
			d.log.WithError(err).Error("SMASI session ended")
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

type session struct {
	d   *Driver
	tcp net.Conn
	wmu sync.Mutex

	enquirePending atomic.Bool
}

func (s *session) write(p *PDU, order ...string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.tcp.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := s.tcp.Write(p.Marshal(order...))
	return err
}

func (d *Driver) session() error {
	d.c.SetStatus(smscconn.StatusConnecting)
	tcp, err := net.DialTimeout("tcp", d.cfg.Addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.cfg.Addr, err)
	}
	defer tcp.Close()
	sess := &session{d: d, tcp: tcp}
	br := bufio.NewReader(tcp)

	logon := NewPDU(LogonReq)
	logon.Params["Name"] = d.cfg.Username
	logon.Params["Password"] = d.cfg.Password
	if err := sess.write(logon, "Name", "Password"); err != nil {
		return err
	}
	tcp.SetReadDeadline(time.Now().Add(d.cfg.ResponseWait))
	line, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("logon response: %w", err)
	}
	resp, err := Parse(line)
	if err != nil {
		return err
	}
	switch resp.Name {
	case LogonConf:
	case LogonRej:
		d.log.WithField("reason", resp.Params["Reason"]).Error("SMSC rejected our logon")
		d.c.Kill(smscconn.KillWrongPassword)
		d.stopOnce.Do(func() { close(d.stop) })
		return nil
	default:
		return fmt.Errorf("unexpected %s while logging on", resp.Name)
	}
	d.log.Info("SMASI session up")
	d.c.SetStatus(smscconn.StatusActive)
	d.cb.Connected(d.c)

	done := make(chan struct{})
	defer close(done)
	go sess.sender(done)
	go sess.enquire(done)
	tcp.SetReadDeadline(time.Time{})
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		p, err := Parse(line)
		if err != nil {
			d.log.WithError(err).Warning("dropping malformed pdu")
			continue
		}
		sess.dispatch(p)
	}
}

func (s *session) enquire(done chan struct{}) {
	ticker := time.NewTicker(s.d.cfg.EnquireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.d.stop:
			return
		case <-ticker.C:
			if s.enquirePending.Load() {
				s.d.log.Warning("enquire link unanswered, closing")
				s.tcp.Close()
				return
			}
			s.enquirePending.Store(true)
			if err := s.write(NewPDU(EnquireLinkReq)); err != nil {
				s.tcp.Close()
				return
			}
		}
	}
}

// sender is stop-and-wait: one submit in flight at a time.
func (s *session) sender(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.d.stop:
			return
		default:
		}
		s.d.mu.Lock()
		busy := s.d.pending != nil
		s.d.mu.Unlock()
		if busy {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		m := s.d.queue.Get()
		if m == nil {
			return
		}
		if wait := s.d.c.Throttle.Delay(); wait > 0 {
			time.Sleep(wait)
		}
		p := buildSubmit(m)
		s.d.mu.Lock()
		s.d.pending = m
		s.d.mu.Unlock()
		if err := s.write(p, "Source", "Destination", "UserData", "UserDataBinary", "UserDataHeader"); err != nil {
			s.d.failPending(smscconn.FailTemporary, err.Error())
			s.tcp.Close()
			return
		}
	}
}

func buildSubmit(m *msg.Msg) *PDU {
	s := &m.SMS
	p := NewPDU(SubmitReq)
	if s.Sender != nil {
		p.Params["Source"] = s.Sender.String()
	}
	if s.Receiver != nil {
		p.Params["Destination"] = strings.TrimPrefix(s.Receiver.String(), "+")
	}
	binary := s.Coding == msg.Coding8Bit || s.Coding == msg.CodingUCS2
	if s.UDHData != nil && s.UDHData.Len() > 0 {
		p.Params["UserDataHeader"] = strings.ToUpper(hex.EncodeToString(s.UDHData.Bytes()))
		binary = true
	}
	var data []byte
	if s.MsgData != nil {
		data = s.MsgData.Bytes()
	}
	if binary {
		p.Params["UserDataBinary"] = strings.ToUpper(hex.EncodeToString(data))
	} else {
		p.Params["UserData"] = string(data)
	}
	return p
}

func (s *session) dispatch(p *PDU) {
	switch p.Name {
	case SubmitConf, SubmitRej:
		s.submitResult(p)
	case DeliverReq:
		s.deliver(p)
	case EnquireLinkReq:
		s.write(NewPDU(EnquireLinkConf))
	case EnquireLinkConf:
		s.enquirePending.Store(false)
	default:
		s.d.log.WithField("pdu", p.Name).Warning("unsupported pdu")
	}
}

func (s *session) submitResult(p *PDU) {
	s.d.mu.Lock()
	m := s.d.pending
	s.d.pending = nil
	s.d.mu.Unlock()
	if m == nil {
		s.d.log.Warning("submit result without pending submit")
		return
	}
	if p.Name == SubmitConf {
		s.d.cb.Sent(s.d.c, m, p.Params["MsgReference"])
		return
	}
	s.d.cb.SendFailed(s.d.c, m, smscconn.FailRejected,
		fmt.Sprintf("reject code %s", p.Params["RejectCode"]))
}

func (s *session) deliver(p *PDU) {
	conf := NewPDU(DeliverConf)
	conf.Params["MsgReference"] = p.Params["MsgReference"]
	defer s.write(conf, "MsgReference")
	if s.d.stopRecv.Load() {
		s.d.log.Debug("MO receive stopped, dropping delivery")
		return
	}
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(p.Params["Source"])
	m.SMS.Receiver = octet.FromString(p.Params["Destination"])
	m.SMS.SMSCID = octet.FromString(s.d.c.ID)
	if raw, ok := p.Params["UserDataBinary"]; ok {
		data, err := hex.DecodeString(raw)
		if err != nil {
			s.d.log.WithError(err).Warning("bad binary user data")
			return
		}
		m.SMS.Coding = msg.Coding8Bit
		m.SMS.MsgData = octet.FromBytes(data)
	} else {
		m.SMS.Coding = msg.Coding7Bit
		m.SMS.MsgData = octet.FromString(p.Params["UserData"])
	}
	if raw, ok := p.Params["UserDataHeader"]; ok {
		udh, err := hex.DecodeString(raw)
		if err == nil {
			m.SMS.UDHData = octet.FromBytes(udh)
		}
	}
	m.NewSMSID()
	m.Touch()
	if err := s.d.cb.Receive(s.d.c, m); err != nil {
		s.d.log.WithError(err).Info("bearerbox rejected MO")
	}
}
