package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/numhash"
	"smsgw/octet"
	"smsgw/smsc/at"
	"smsgw/smsc/emi"
	"smsgw/smsc/httpsmsc"
	"smsgw/smsc/smasi"
	"smsgw/smsc/smpp"
	"smsgw/smscconn"
	"smsgw/sqlog"
	"smsgw/store"
	"smsgw/zabbix"
)

// Bearerbox owns every piece of runtime state: the connection list, the
// incoming and outgoing message lists, the store and the DLR table.
// Nothing in the process is global except the signal handlers.
type Bearerbox struct {
	cfg *Config
	log *logrus.Entry

	store  *store.Store
	dlr    *store.DLRTable
	white  *numhash.Set
	black  *numhash.Set
	prefix *PrefixRule
	probe  *zabbix.Log
	acct   *sqlog.DB

	connsMu sync.RWMutex
	conns   []*smscconn.Conn

	incoming *MsgList // MO and reports, consumed by the box server
	outgoing *MsgList // MT, consumed by the router

	history RouteHistory

	suspended atomic.Bool
	isolated  atomic.Bool
	stopping  atomic.Bool

	moCount  atomic.Int64
	mtCount  atomic.Int64
	dlrCount atomic.Int64
	started  time.Time

	boxes *BoxServer
	admin *AdminServer
	wdp   *WDPRelay

	wg sync.WaitGroup
}

// NewBearerbox assembles the runtime from a parsed configuration.
// Configuration errors come back to the caller; a corrupt store panics
// inside Start, never here.
func NewBearerbox(cfg *Config) (*Bearerbox, error) {
	bb := &Bearerbox{
		cfg:      cfg,
		log:      logrus.WithField("part", "bearerbox"),
		prefix:   ParsePrefixRule(cfg.Core.UnifiedPrefix),
		incoming: NewMsgList(),
		outgoing: NewMsgList(),
	}
	if z := cfg.Core.Zabbix; z.Server != "" {
		bb.probe = &zabbix.Log{Server: z.Server, Host: z.Host}
	}
	var err error
	if bb.store, err = store.Open(cfg.Core.StoreFile); err != nil {
		return nil, err
	}
	dlrCfg := store.DLRDBConfig{Type: "internal"}
	if cfg.DLRDB != nil {
		dlrCfg = *cfg.DLRDB
	}
	backend, err := store.OpenDLRBackend(dlrCfg)
	if err != nil {
		return nil, err
	}
	bb.dlr = store.NewDLRTable(backend)
	if cfg.Core.WhiteList != "" {
		if bb.white, err = numhash.ReadFile(cfg.Core.WhiteList); err != nil {
			return nil, fmt.Errorf("white-list: %w", err)
		}
	}
	if cfg.Core.BlackList != "" {
		if bb.black, err = numhash.ReadFile(cfg.Core.BlackList); err != nil {
			return nil, fmt.Errorf("black-list: %w", err)
		}
	}
	if cfg.SQLLog != "" {
		if bb.acct, err = sqlog.Connect(cfg.SQLLog); err != nil {
			return nil, fmt.Errorf("sql-log: %w", err)
		}
	}
	for id, s := range cfg.SMSC {
		c, err := bb.buildConn(id, s)
		if err != nil {
			return nil, fmt.Errorf("smsc %s: %w", id, err)
		}
		bb.conns = append(bb.conns, c)
	}
	return bb, nil
}

// buildConn wires one configured connection to its protocol driver.
func (bb *Bearerbox) buildConn(id string, s *SMSCConfig) (*smscconn.Conn, error) {
	c := smscconn.New(id, s.Name)
	c.Log = s.log
	c.Probe = bb.probe
	c.AllowedSMSCID = s.AllowedSMSCID
	c.DeniedSMSCID = s.DeniedSMSCID
	c.PreferredSMSCID = s.PreferredSMSCID
	c.AllowedPrefix = s.AllowedPrefix
	c.DeniedPrefix = s.DeniedPrefix
	c.PreferredPrefix = s.PreferredPrefix
	if s.Throughput > 0 {
		c.Throttle = smscconn.NewThrottle(s.Throughput)
	}
	switch s.Protocol {
	case "smpp":
		c.Driver = smpp.New(c, bb, bb.dlr, *s.SMPP)
	case "emi":
		c.Driver = emi.New(c, bb, bb.dlr, *s.EMI)
	case "at":
		c.Driver = at.New(c, bb, *s.AT)
	case "http":
		d, err := httpsmsc.New(c, bb, *s.HTTP)
		if err != nil {
			return nil, err
		}
		c.Driver = d
	case "smasi":
		c.Driver = smasi.New(c, bb, *s.SMASI)
	default:
		return nil, fmt.Errorf("unknown protocol %q", s.Protocol)
	}
	return c, nil
}

// Conns snapshots the connection list.
func (bb *Bearerbox) Conns() []*smscconn.Conn {
	bb.connsMu.RLock()
	defer bb.connsMu.RUnlock()
	return append([]*smscconn.Conn(nil), bb.conns...)
}

// Start replays the store, launches the drivers, the router and the
// outer surfaces. A corrupt store panics so an operator has to look.
func (bb *Bearerbox) Start() error {
	bb.started = time.Now()
	replay, err := bb.store.Load()
	if err != nil {
		panic(fmt.Sprintf("store replay: %v", err))
	}
	for _, m := range replay {
		bb.outgoing.Produce(m)
	}
	for _, c := range bb.Conns() {
		c.Driver.Start()
	}
	bb.wg.Add(1)
	go bb.router()
	if bb.cfg.Core.SmsboxPort > 0 {
		bb.boxes = NewBoxServer(bb, bb.cfg.Core.SmsboxPort)
		if err := bb.boxes.Start(); err != nil {
			return err
		}
	}
	if bb.cfg.Core.WDPPort > 0 {
		bb.wdp = NewWDPRelay(bb, bb.cfg.Core.WDPPort)
		if err := bb.wdp.Start(); err != nil {
			return err
		}
	}
	if bb.cfg.Core.AdminPort > 0 {
		bb.admin = NewAdminServer(bb, bb.cfg.Core.AdminPort)
		bb.admin.Start()
	}
	bb.log.WithField("smsc", len(bb.conns)).Info("bearerbox running")
	return nil
}

// Stop shuts everything down. With graceful set the drivers first drain
// their queues and the store waits for outstanding acks.
func (bb *Bearerbox) Stop(graceful bool) {
	if !bb.stopping.CompareAndSwap(false, true) {
		return
	}
	bb.log.Info("shutting down")
	if bb.admin != nil {
		bb.admin.Stop()
	}
	if bb.boxes != nil {
		bb.boxes.Stop()
	}
	if bb.wdp != nil {
		bb.wdp.Stop()
	}
	for _, c := range bb.Conns() {
		c.Driver.Shutdown(graceful)
	}
	bb.outgoing.Close()
	bb.incoming.Close()
	bb.wg.Wait()
	var drain time.Duration
	if graceful {
		drain = 30 * time.Second
	}
	if err := bb.store.Shutdown(drain); err != nil {
		bb.log.WithError(err).Warning("store close")
	}
	if err := bb.dlr.Shutdown(); err != nil {
		bb.log.WithError(err).Warning("dlr close")
	}
	if err := bb.acct.Close(); err != nil {
		bb.log.WithError(err).Warning("sql-log close")
	}
}

// router consumes the global outgoing list. A 0 return means the
// message went back on the list because every usable link is down; back
// off briefly so the loop does not spin.
func (bb *Bearerbox) router() {
	defer bb.wg.Done()
	for {
		m, ok := bb.outgoing.Consume()
		if !ok {
			return
		}
		for bb.suspended.Load() && !bb.stopping.Load() {
			time.Sleep(100 * time.Millisecond)
		}
		switch bb.Route(m) {
		case 1:
			bb.mtCount.Add(1)
		case 0:
			if !bb.stopping.Load() {
				time.Sleep(time.Second)
			}
		case -1:
			bb.dropMT(m, "no usable smsc connection")
		}
	}
}

// dropMT gives up on an MT permanently: ack the store record so it is
// not replayed and answer the DLR mask if failure reports were asked.
func (bb *Bearerbox) dropMT(m *msg.Msg, why string) {
	if m.Type != msg.TypeSMS {
		return
	}
	bb.log.WithField("receiver", bufStr(m.SMS.Receiver)).Warning(why)
	if m.SMS.ID != nil {
		if err := bb.store.SaveAck(m.SMS.ID); err != nil {
			bb.log.WithError(err).Error("store ack")
		}
	}
	bb.failureReport(m)
}

// failureReport synthesizes a failed-delivery report when the MT never
// reached an SMSC, so the submitter still learns the outcome.
func (bb *Bearerbox) failureReport(m *msg.Msg) {
	if m.SMS.DLRMask&msg.DLRFail == 0 {
		return
	}
	report := msg.New(msg.TypeSMS)
	report.SMS.Type = msg.SMSTypeReport
	report.SMS.Sender = dupBuf(m.SMS.Receiver)
	report.SMS.Receiver = dupBuf(m.SMS.Sender)
	report.SMS.SMSCID = dupBuf(m.SMS.SMSCID)
	report.SMS.Service = dupBuf(m.SMS.Service)
	report.SMS.DLRURL = dupBuf(m.SMS.DLRURL)
	report.SMS.BoxCID = dupBuf(m.SMS.BoxCID)
	report.SMS.DLRMask = msg.DLRFail
	report.SMS.MsgData = octet.FromString("NACK")
	report.NewSMSID()
	report.Touch()
	bb.incoming.Produce(report)
}

func bufStr(b *octet.Buffer) string {
	if b == nil {
		return ""
	}
	return b.String()
}

func dupBuf(b *octet.Buffer) *octet.Buffer {
	if b == nil {
		return nil
	}
	return b.Duplicate()
}

// --- smscconn.Callbacks ---

// Ready runs once a driver's receive task is up.
func (bb *Bearerbox) Ready(c *smscconn.Conn) {
	c.Log.Info("smsc ready")
}

// Connected wakes nothing explicitly: the router blocks on the outgoing
// list, and requeued messages are already there.
func (bb *Bearerbox) Connected(c *smscconn.Conn) {
	c.Log.Info("smsc connected")
}

// Killed logs the terminal state; the connection stays on the list so
// the status surface still shows it.
func (bb *Bearerbox) Killed(c *smscconn.Conn) {
	c.Log.WithField("why", c.WhyKilled()).Warning("smsc killed")
}

// Receive runs the MO pipeline; see mo.go.
func (bb *Bearerbox) Receive(c *smscconn.Conn, m *msg.Msg) error {
	return bb.receiveMO(c, m)
}

// Sent acknowledges the stored MT and accounts it.
func (bb *Bearerbox) Sent(c *smscconn.Conn, m *msg.Msg, reply string) {
	c.CountSent()
	if m.SMS.ID != nil {
		if err := bb.store.SaveAck(m.SMS.ID); err != nil {
			bb.log.WithError(err).Error("store ack")
		}
	}
	if err := bb.acct.Insert(c.ID, bufStr(m.SMS.Sender), bufStr(m.SMS.Receiver),
		bufStr(m.SMS.MsgData), false, m.SMS.DLRMask, "sent"); err != nil {
		bb.log.WithError(err).Warning("sql-log insert")
	}
	c.Log.WithFields(logrus.Fields{
		"receiver": bufStr(m.SMS.Receiver), "reply": reply,
	}).Debug("sent")
}

// SendFailed requeues re-queueable failures and terminally fails the
// rest, answering the DLR mask where it asks for failures.
func (bb *Bearerbox) SendFailed(c *smscconn.Conn, m *msg.Msg, reason smscconn.FailReason, detail string) {
	if reason.Requeueable() && !bb.stopping.Load() {
		c.Log.WithFields(logrus.Fields{
			"reason": reason.String(), "detail": detail,
		}).Info("send requeued")
		bb.outgoing.Produce(m)
		return
	}
	c.Log.WithFields(logrus.Fields{
		"reason": reason.String(), "detail": detail,
	}).Warning("send failed")
	if reason.Requeueable() {
		// shutting down: the store replays it on the next start
		return
	}
	c.CountFailed()
	if m.SMS.ID != nil {
		if err := bb.store.SaveAck(m.SMS.ID); err != nil {
			bb.log.WithError(err).Error("store ack")
		}
	}
	if err := bb.acct.Insert(c.ID, bufStr(m.SMS.Sender), bufStr(m.SMS.Receiver),
		bufStr(m.SMS.MsgData), false, m.SMS.DLRMask, "failed"); err != nil {
		bb.log.WithError(err).Warning("sql-log insert")
	}
	bb.failureReport(m)
}
