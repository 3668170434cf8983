package main

import (
	"errors"
	"time"

	"smsgw/msg"
	"smsgw/numhash"
	"smsgw/octet"
	"smsgw/smscconn"
)

var (
	errNotWhitelisted = errors.New("sender not on the white-list")
	errBlacklisted    = errors.New("sender on the black-list")
	errIsolated       = errors.New("gateway isolated")
)

// receiveMO admits one incoming message from a driver. A non-nil error
// rejects it; the driver keeps its transport up either way.
func (bb *Bearerbox) receiveMO(c *smscconn.Conn, m *msg.Msg) error {
	if bb.isolated.Load() || bb.suspended.Load() {
		return errIsolated
	}
	var sender string
	if m.SMS.Sender != nil {
		sender = bb.prefix.Normalize(m.SMS.Sender.String())
		m.SMS.Sender = octet.FromString(sender)
	}
	if numhash.Lookup(bb.white, sender) == numhash.No {
		c.Log.WithField("sender", sender).Info("mo dropped: not white-listed")
		return errNotWhitelisted
	}
	if numhash.Lookup(bb.black, sender) == numhash.Yes {
		c.Log.WithField("sender", sender).Info("mo dropped: black-listed")
		return errBlacklisted
	}
	if m.SMS.Type != msg.SMSTypeReport {
		m.SMS.Type = msg.SMSTypeMO
	}
	if m.SMS.SMSCID == nil {
		m.SMS.SMSCID = octet.FromString(c.ID)
	}
	m.NewSMSID()
	m.Touch()
	if err := bb.store.Save(m); err != nil {
		c.Log.WithError(err).Error("mo store save")
		return err
	}
	// high-water throttling: hold the producer while the box side lags
	if hw := bb.cfg.Core.IncomingHighWater; hw > 0 {
		for bb.incoming.Len() > hw && !bb.stopping.Load() {
			time.Sleep(10 * time.Millisecond)
		}
	}
	bb.incoming.Produce(m)
	if m.SMS.Type == msg.SMSTypeReport {
		bb.dlrCount.Add(1)
	} else {
		bb.moCount.Add(1)
		if err := bb.acct.Insert(c.ID, sender, bufStr(m.SMS.Receiver),
			bufStr(m.SMS.MsgData), true, m.SMS.DLRMask, ""); err != nil {
			bb.log.WithError(err).Warning("sql-log insert")
		}
	}
	c.CountReceived()
	return nil
}
