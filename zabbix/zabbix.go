// Package zabbix pushes gateway health items through zabbix_sender.
package zabbix

import (
	"fmt"
	"os/exec"
)

// Log names the Zabbix server and the host the items belong to. A nil or
// unconfigured Log discards everything, so callers never need to guard.
type Log struct {
	Server string
	Host   string
}

func (z *Log) enabled() bool {
	return z != nil && z.Server != ""
}

// Send pushes one key/value item.
func (z *Log) Send(key, value string) error {
	if !z.enabled() {
		return nil
	}
	return exec.Command("zabbix_sender",
		"-z", z.Server,
		"-s", z.Host,
		"-k", key,
		"-o", value).Run()
}

// Link reports an SMSC link going up or down as smsc.link[<id>].
func (z *Log) Link(smscID string, up bool) {
	if !z.enabled() {
		return
	}
	v := "0"
	if up {
		v = "1"
	}
	z.Send(fmt.Sprintf("smsc.link[%s]", smscID), v)
}

// Queue reports a queue depth item such as smsc.queue[<id>].
func (z *Log) Queue(name string, depth int) {
	if !z.enabled() {
		return
	}
	z.Send(fmt.Sprintf("smsc.queue[%s]", name), fmt.Sprintf("%d", depth))
}
