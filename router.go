package main

import (
	"errors"
	"math/rand"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/smscconn"
)

// Route picks the best SMSC connection for one outgoing sms and hands
// the message to its driver. Returns 1 on success, 0 when the message
// went back on the outgoing list (every usable link is down, or the
// gateway is stopping), -1 when no connection may ever carry it.
func (bb *Bearerbox) Route(m *msg.Msg) int {
	if m.Type != msg.TypeSMS {
		// an ack has no business here; log and drop
		bb.log.WithField("type", m.Type.String()).Warning("non-sms on the outgoing list")
		return -1
	}
	bb.connsMu.RLock()
	n := len(bb.conns)
	if n == 0 {
		bb.connsMu.RUnlock()
		return -1
	}
	if m.SMS.Receiver != nil {
		m.SMS.Receiver = octet.FromString(bb.prefix.Normalize(m.SMS.Receiver.String()))
	}

	var best, acceptable *smscconn.Conn
	var bestLoad, acceptableLoad int64
	badFound := false
	s := rand.Intn(n)
	for i := 0; i < n; i++ {
		c := bb.conns[(s+i)%n]
		use := c.Usable(m)
		if use == smscconn.Unusable {
			continue
		}
		if c.Status() != smscconn.StatusActive {
			badFound = true
			continue
		}
		load := c.Load()
		if use == smscconn.Preferred {
			if best == nil || load < bestLoad {
				best, bestLoad = c, load
			}
		} else if acceptable == nil || load < acceptableLoad {
			acceptable, acceptableLoad = c, load
		}
	}
	bb.connsMu.RUnlock()

	pick := best
	if pick == nil {
		pick = acceptable
	}
	if pick == nil {
		if badFound && !bb.stopping.Load() {
			bb.outgoing.Produce(m)
			return 0
		}
		if bb.stopping.Load() {
			// the store replays it on the next start
			return 0
		}
		return -1
	}
	if err := pick.Driver.Send(m); err != nil {
		if errors.Is(err, smscconn.ErrQueueFull) {
			// transient; try again, possibly on another link
			return bb.Route(m)
		}
		pick.Log.WithError(err).Warning("send refused")
		bb.outgoing.Produce(m)
		return 0
	}
	return 1
}
