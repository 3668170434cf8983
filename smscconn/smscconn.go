// Package smscconn defines the uniform contract between the bearerbox and
// its SMSC drivers: lifecycle, routing hints, counters and the callbacks
// a driver uses to hand results back.
package smscconn

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/zabbix"
)

// Status of one SMSC connection.
type Status int32

const (
	StatusStarting Status = iota
	StatusActive
	StatusConnecting
	StatusReconnecting
	StatusDisconnected
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "online"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "re-connecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusKilled:
		return "dead"
	}
	return "unknown"
}

// KillReason explains why a connection died.
type KillReason int32

const (
	KillAlive KillReason = iota
	KillWrongPassword
	KillCannotConnect
	KillShutdown
)

// FailReason classifies a failed MT submission. Shutdown and Temporary
// are re-queueable; the rest are terminal.
type FailReason int

const (
	FailShutdown FailReason = iota
	FailTemporary
	FailRejected
	FailMalformed
	FailDiscarded
)

func (r FailReason) String() string {
	switch r {
	case FailShutdown:
		return "shutdown"
	case FailTemporary:
		return "temporary"
	case FailRejected:
		return "rejected"
	case FailMalformed:
		return "malformed"
	case FailDiscarded:
		return "discarded"
	}
	return "unknown"
}

// Requeueable reports whether the bearerbox should put the message back on
// the global outgoing list.
func (r FailReason) Requeueable() bool {
	return r == FailShutdown || r == FailTemporary
}

// Callbacks are the driver-to-bearerbox notifications.
type Callbacks interface {
	// Ready runs once the driver's receive task is up.
	Ready(c *Conn)
	// Connected runs after a successful bind or login.
	Connected(c *Conn)
	// Killed runs just before the connection enters StatusKilled.
	Killed(c *Conn)
	// Receive ingests one MO message. A non-nil error means the bearerbox
	// rejected it; the driver must not tear the connection down for that.
	Receive(c *Conn, m *msg.Msg) error
	// Sent reports a successfully submitted MT with the SMSC's reply id.
	Sent(c *Conn, m *msg.Msg, reply string)
	// SendFailed reports a failed MT.
	SendFailed(c *Conn, m *msg.Msg, reason FailReason, detail string)
}

// Driver is implemented by every SMSC protocol module. Send takes
// ownership of the message; its outcome arrives via Sent or SendFailed,
// never through the return value, which only reports a full queue.
type Driver interface {
	Start()
	Stop()
	Shutdown(finishSending bool)
	Send(m *msg.Msg) error
	Queued() int
}

// Info is a point-in-time snapshot for the admin status surface.
type Info struct {
	ID            string
	Name          string
	Status        Status
	Killed        KillReason
	Received      int64
	Sent          int64
	Failed        int64
	Queued        int64
	Load          int64
	OnlineSeconds int64
}

// Conn is the bearerbox-side record of one configured SMSC link. The
// driver owns the transport; Conn owns identity, counters and routing
// hints.
type Conn struct {
	ID   string
	Name string

	AllowedSMSCID   []string
	DeniedSMSCID    []string
	PreferredSMSCID []string
	AllowedPrefix   []string
	DeniedPrefix    []string
	PreferredPrefix []string

	ReconnectDelay time.Duration
	Throttle       *Throttle // nil when throughput is uncapped

	Log    *logrus.Entry
	Probe  *zabbix.Log
	Driver Driver

	status      atomic.Int32
	whyKilled   atomic.Int32
	connectTime atomic.Int64

	received atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
}

// New returns a connection record in the starting state.
func New(id, name string) *Conn {
	c := &Conn{ID: id, Name: name}
	c.Log = logrus.WithField("smsc", id)
	c.status.Store(int32(StatusStarting))
	return c
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status { return Status(c.status.Load()) }

// SetStatus moves the connection to a new state, stamping connect time
// and pushing the link state to the monitoring probe.
func (c *Conn) SetStatus(s Status) {
	old := Status(c.status.Swap(int32(s)))
	if s == old {
		return
	}
	switch s {
	case StatusActive:
		c.connectTime.Store(time.Now().Unix())
		c.Probe.Link(c.ID, true)
	case StatusReconnecting, StatusDisconnected, StatusKilled:
		c.Probe.Link(c.ID, false)
	}
}

// WhyKilled returns the recorded kill reason.
func (c *Conn) WhyKilled() KillReason { return KillReason(c.whyKilled.Load()) }

// Kill records the reason and moves to StatusKilled.
func (c *Conn) Kill(why KillReason) {
	c.whyKilled.Store(int32(why))
	c.SetStatus(StatusKilled)
}

// CountReceived, CountSent and CountFailed bump the monotonic counters.
func (c *Conn) CountReceived() { c.received.Add(1) }
func (c *Conn) CountSent()     { c.sent.Add(1) }
func (c *Conn) CountFailed()   { c.failed.Add(1) }

// Load is the driver-reported queue depth used by the router.
func (c *Conn) Load() int64 {
	if c.Driver == nil {
		return 0
	}
	return int64(c.Driver.Queued())
}

// Info snapshots the connection for status output. Reads may be slightly
// stale; the counters are atomics.
func (c *Conn) Info() Info {
	info := Info{
		ID:       c.ID,
		Name:     c.Name,
		Status:   c.Status(),
		Killed:   c.WhyKilled(),
		Received: c.received.Load(),
		Sent:     c.sent.Load(),
		Failed:   c.failed.Load(),
		Load:     c.Load(),
	}
	info.Queued = info.Load
	if ct := c.connectTime.Load(); ct > 0 && info.Status == StatusActive {
		info.OnlineSeconds = time.Now().Unix() - ct
	}
	return info
}

// Usability of a connection for one message.
const (
	Preferred = 1
	UsableFor = 0
	Unusable  = -1
)

func inList(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func prefixMatch(prefixes []string, number string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(number, p) {
			return true
		}
	}
	return false
}

// Usable classifies this connection for the message: Preferred when the
// configuration singles it out, UsableFor when merely acceptable,
// Unusable when configuration forbids it.
func (c *Conn) Usable(m *msg.Msg) int {
	if c.Status() == StatusKilled {
		return Unusable
	}
	var smscID string
	if m.SMS.SMSCID != nil {
		smscID = m.SMS.SMSCID.String()
	}
	if smscID != "" {
		if smscID == c.ID {
			return Preferred
		}
		if !inList(c.AllowedSMSCID, smscID) {
			return Unusable
		}
	} else if len(c.AllowedSMSCID) > 0 {
		return Unusable
	}
	if smscID != "" && inList(c.DeniedSMSCID, smscID) {
		return Unusable
	}
	var receiver string
	if m.SMS.Receiver != nil {
		receiver = m.SMS.Receiver.String()
	}
	if len(c.AllowedPrefix) > 0 && !prefixMatch(c.AllowedPrefix, receiver) {
		return Unusable
	}
	if prefixMatch(c.DeniedPrefix, receiver) {
		return Unusable
	}
	if smscID != "" && inList(c.PreferredSMSCID, smscID) {
		return Preferred
	}
	if prefixMatch(c.PreferredPrefix, receiver) {
		return Preferred
	}
	return UsableFor
}
