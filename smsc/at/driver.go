package at

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
)

// Opener opens the serial line at the given speed. Tests substitute a
// fake modem; the default opens the device node and leaves the line
// discipline to the system configuration.
type Opener func(device string, speed int) (io.ReadWriteCloser, error)

func defaultOpener(device string, speed int) (io.ReadWriteCloser, error) {
	return os.OpenFile(device, os.O_RDWR, 0)
}

// detectSpeeds are tried highest first when no speed is configured; the
// first one the modem answers on wins.
var detectSpeeds = []int{57600, 38400, 19200, 9600}

// Config is the smsc group for a GSM modem.
type Config struct {
	Device    string  `yaml:"device"`
	Speed     int     `yaml:"speed"` // 0 auto-detects
	ModemType string  `yaml:"modemType"`
	Modems    []Modem `yaml:"modems"`

	PIN            string        `yaml:"pin"`
	SMSCAddr       string        `yaml:"smscNumber"`
	HWHandshake    string        `yaml:"hwHandshake"`
	Keepalive      time.Duration `yaml:"keepalive"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	QueueLimit     int           `yaml:"queueLimit"`

	Open Opener `yaml:"-"`
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 30 * time.Second
	}
	if c.Open == nil {
		c.Open = defaultOpener
	}
}

const (
	cmdTimeout  = 5 * time.Second
	cmgsTimeout = 20 * time.Second
	cmgsRetries = 3
)

// Driver owns one modem device.
type Driver struct {
	c   *smscconn.Conn
	cb  smscconn.Callbacks
	cfg Config
	log *logrus.Entry

	queue    *smscconn.SendQueue
	stopRecv atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the driver for one configured modem.
func New(c *smscconn.Conn, cb smscconn.Callbacks, cfg Config) *Driver {
	cfg.defaults()
	return &Driver{
		c:     c,
		cb:    cb,
		cfg:   cfg,
		log:   c.Log.WithField("proto", "at"),
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

func (d *Driver) Queued() int { return d.queue.Len() }

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

func (d *Driver) run() {
	for !d.stopping() {
		err := d.session()
		if d.stopping() {
			return
		}
		if err != nil {
			d.log.WithError(err).Error("modem session ended")
		}
		d.c.SetStatus(smscconn.StatusReconnecting)
		select {
		case <-d.stop:
			return
		case <-time.After(d.cfg.ReconnectDelay):
		}
	}
}

// session opens the device, initializes the modem and serves it until
// something breaks.
func (d *Driver) session() error {
	d.c.SetStatus(smscconn.StatusConnecting)
	sess, err := d.open()
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.detect(d.cfg.ModemType, d.cfg.Modems); err != nil {
		return err
	}
	d.log.WithField("modem", sess.modem.Name).Info("modem detected")
	if err := sess.initialize(&d.cfg); err != nil {
		return err
	}
	d.c.SetStatus(smscconn.StatusActive)
	d.cb.Connected(d.c)
	return sess.serve()
}

// open finds the speed the modem answers on.
func (d *Driver) open() (*session, error) {
	speeds := detectSpeeds
	if d.cfg.Speed > 0 {
		speeds = []int{d.cfg.Speed}
	}
	for _, speed := range speeds {
		dev, err := d.cfg.Open(d.cfg.Device, speed)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", d.cfg.Device, err)
		}
		sess := newSession(d, dev)
		if err := sess.command("AT", cmdTimeout); err == nil {
			d.log.WithField("speed", speed).Debug("modem answering")
			return sess, nil
		}
		sess.close()
	}
	return nil, fmt.Errorf("modem on %s answers at no speed", d.cfg.Device)
}

// session is one open device.
type session struct {
	d      *Driver
	dev    io.ReadWriteCloser
	lines  chan string
	modem  *Modem
	phase2 bool
}

func newSession(d *Driver, dev io.ReadWriteCloser) *session {
	s := &session{d: d, dev: dev, lines: make(chan string, 16)}
	go readLines(dev, s.lines)
	return s
}

func (s *session) close() { s.dev.Close() }

// readLines splits the byte stream on CR/LF and surfaces the CMGS
// prompt, which arrives without a terminator.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	br := bufio.NewReader(r)
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(line) > 0 {
				out <- string(line)
			}
			return
		}
		switch b {
		case '\r', '\n':
			if len(line) > 0 {
				out <- string(line)
				line = line[:0]
			}
		case '>':
			if len(line) == 0 {
				out <- ">"
				continue
			}
			line = append(line, b)
		default:
			line = append(line, b)
		}
	}
}

func (s *session) send(cmd string) error {
	_, err := io.WriteString(s.dev, cmd+"\r")
	return err
}

func (s *session) waitLine(timeout time.Duration) (string, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-s.d.stop:
		return "", fmt.Errorf("at: shutting down")
	case <-time.After(timeout):
		return "", fmt.Errorf("at: no reply within %v", timeout)
	}
}

// command runs cmd and eats lines until OK or ERROR. Unsolicited
// deliveries arriving mid-command are handled inline.
func (s *session) command(cmd string, timeout time.Duration) error {
	if err := s.send(cmd); err != nil {
		return err
	}
	_, err := s.collect(timeout)
	return err
}

// collect reads until OK or ERROR, returning the intermediate lines.
func (s *session) collect(timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var got []string
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return got, fmt.Errorf("at: no final result within %v", timeout)
		}
		line, err := s.waitLine(remain)
		if err != nil {
			return got, err
		}
		switch {
		case line == "OK":
			return got, nil
		case strings.HasPrefix(line, "ERROR"),
			strings.HasPrefix(line, "+CME ERROR"),
			strings.HasPrefix(line, "+CMS ERROR"):
			return got, fmt.Errorf("at: modem said %q", line)
		case strings.HasPrefix(line, "+CMT:"):
			s.unsolicited(line, deadline)
		default:
			got = append(got, line)
		}
	}
}

// detect runs ATI and matches the reply against the modem database.
func (s *session) detect(id string, extra []Modem) error {
	if err := s.send("ATI"); err != nil {
		return err
	}
	reply, err := s.collect(cmdTimeout)
	if err != nil {
		s.d.log.WithError(err).Debug("ATI failed, assuming generic")
	}
	s.modem = findModem(extra, id, strings.Join(reply, "\n"))
	return nil
}

// initialize runs the common init sequence and the modem-specific one.
func (s *session) initialize(cfg *Config) error {
	if s.modem.NeedSleep {
		time.Sleep(time.Second)
	}
	for _, cmd := range []string{"AT&F", "ATE0"} {
		if err := s.command(cmd, cmdTimeout); err != nil {
			return err
		}
	}
	if cfg.HWHandshake != "" {
		if err := s.command(cfg.HWHandshake, cmdTimeout); err != nil {
			return err
		}
	}
	if !s.modem.NoPin {
		if err := s.pin(cfg.PIN); err != nil {
			return err
		}
	}
	if cfg.SMSCAddr != "" {
		if err := s.command(`AT+CSCA="`+cfg.SMSCAddr+`"`, cmdTimeout); err != nil {
			return err
		}
	}
	if err := s.command("AT+CMGF=0", cmdTimeout); err != nil {
		return fmt.Errorf("modem refuses PDU mode: %w", err)
	}
	// phase 2+ gives us +CNMA acknowledgements
	if err := s.send("AT+CSMS=?"); err != nil {
		return err
	}
	if reply, err := s.collect(cmdTimeout); err == nil {
		for _, line := range reply {
			if strings.Contains(line, "1") {
				if s.command("AT+CSMS=1", cmdTimeout) == nil {
					s.phase2 = true
				}
				break
			}
		}
	}
	if s.modem.InitString != "" {
		if err := s.command(s.modem.InitString, cmdTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) pin(pin string) error {
	if err := s.send("AT+CPIN?"); err != nil {
		return err
	}
	reply, err := s.collect(cmdTimeout)
	if err != nil {
		// many devices have no pin support at all
		s.d.log.WithError(err).Debug("CPIN query failed")
		return nil
	}
	for _, line := range reply {
		if strings.Contains(line, "SIM PIN") {
			if pin == "" {
				return fmt.Errorf("at: SIM wants a pin but none is configured")
			}
			return s.command(`AT+CPIN="`+pin+`"`, cmdTimeout)
		}
	}
	return nil
}

// serve is the main loop: unsolicited deliveries, queued submits and
// keepalive.
func (s *session) serve() error {
	lastActivity := time.Now()
	for {
		select {
		case <-s.d.stop:
			s.command("AT+CMGF=0", time.Second) // leave the modem sane
			return nil
		case line, ok := <-s.lines:
			if !ok {
				return io.EOF
			}
			if strings.HasPrefix(line, "+CMT:") {
				s.unsolicited(line, time.Now().Add(cmdTimeout))
			}
			lastActivity = time.Now()
			continue
		default:
		}
		if m := s.d.queue.TryGet(); m != nil {
			if wait := s.d.c.Throttle.Delay(); wait > 0 {
				time.Sleep(wait)
			}
			if err := s.submit(m); err != nil {
				return err
			}
			lastActivity = time.Now()
			continue
		}
		if s.d.cfg.Keepalive > 0 && s.modem.Keepalive != "" &&
			time.Since(lastActivity) > s.d.cfg.Keepalive {
			if err := s.command(s.modem.Keepalive, cmdTimeout); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
			lastActivity = time.Now()
		}
		select {
		case <-s.d.stop:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// submit runs the CMGS exchange with retries.
func (s *session) submit(m *msg.Msg) error {
	tpdu, err := EncodeSubmit(m)
	if err != nil {
		s.d.cb.SendFailed(s.d.c, m, smscconn.FailMalformed, err.Error())
		return nil
	}
	pdu := "00" + strings.ToUpper(hex.EncodeToString(tpdu))
	var lastErr error
	for attempt := 1; attempt <= cmgsRetries; attempt++ {
		reply, err := s.cmgs(len(tpdu), pdu)
		if err == nil {
			s.d.cb.Sent(s.d.c, m, reply)
			return nil
		}
		lastErr = err
		s.d.log.WithError(err).WithField("attempt", attempt).Warning("CMGS failed")
	}
	s.d.cb.SendFailed(s.d.c, m, smscconn.FailRejected, lastErr.Error())
	return nil
}

func (s *session) cmgs(tpduLen int, pdu string) (string, error) {
	if err := s.send(fmt.Sprintf("AT+CMGS=%d", tpduLen)); err != nil {
		return "", err
	}
	deadline := time.Now().Add(cmgsTimeout)
	// wait for the prompt
	for {
		line, err := s.waitLine(time.Until(deadline))
		if err != nil {
			return "", err
		}
		if line == ">" {
			break
		}
		if strings.HasPrefix(line, "+CMT:") {
			s.unsolicited(line, deadline)
			continue
		}
		if strings.Contains(line, "ERROR") {
			return "", fmt.Errorf("at: modem said %q at prompt", line)
		}
	}
	if _, err := io.WriteString(s.dev, pdu+"\x1A"); err != nil {
		return "", err
	}
	var reply string
	for {
		line, err := s.waitLine(time.Until(deadline))
		if err != nil {
			return "", err
		}
		switch {
		case line == "OK":
			return reply, nil
		case strings.HasPrefix(line, "+CMGS:"):
			reply = strings.TrimSpace(strings.TrimPrefix(line, "+CMGS:"))
		case strings.Contains(line, "ERROR"):
			return "", fmt.Errorf("at: modem said %q", line)
		case strings.HasPrefix(line, "+CMT:"):
			s.unsolicited(line, deadline)
		}
	}
}

// unsolicited handles a +CMT delivery: the PDU follows on the next line.
func (s *session) unsolicited(header string, deadline time.Time) {
	line, err := s.waitLine(time.Until(deadline))
	if err != nil {
		s.d.log.WithError(err).Warning("CMT header without PDU line")
		return
	}
	raw, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		s.d.log.WithError(err).Warning("CMT PDU not hex")
		return
	}
	// the PDU is prefixed with the SMSC address: length octet + contents
	if len(raw) < 1 || int(raw[0])+1 > len(raw) {
		s.d.log.Warning("CMT PDU shorter than its SMSC address")
		return
	}
	tpdu := raw[int(raw[0])+1:]
	m, err := DecodeDeliver(tpdu)
	if err != nil {
		s.d.log.WithError(err).Warning("undecodable SMS-DELIVER")
		return
	}
	if s.phase2 && !s.modem.BrokenCNMA {
		if err := s.command("AT+CNMA", cmdTimeout); err != nil {
			s.d.log.WithError(err).Warning("CNMA not accepted")
		}
	}
	if s.d.stopRecv.Load() {
		s.d.log.Debug("MO receive stopped, dropping delivery")
		return
	}
	m.SMS.SMSCID = octet.FromString(s.d.c.ID)
	if err := s.d.cb.Receive(s.d.c, m); err != nil {
		s.d.log.WithError(err).Info("bearerbox rejected MO")
	}
}
