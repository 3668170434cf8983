// Package smasi implements the SM/ASI protocol driver: newline-delimited
// text PDUs with escaped parameter values, used by CriticalPath servers.
package smasi

import (
	"fmt"
	"strings"
)

// PDU names the driver exchanges.
const (
	LogonReq        = "LogonReq"
	LogonConf       = "LogonConf"
	LogonRej        = "LogonRej"
	SubmitReq       = "SubmitReq"
	SubmitConf      = "SubmitConf"
	SubmitRej       = "SubmitRej"
	DeliverReq      = "DeliverReq"
	DeliverConf     = "DeliverConf"
	EnquireLinkReq  = "EnquireLinkReq"
	EnquireLinkConf = "EnquireLinkConf"
)

// PDU is one SMASI packet: a name and its parameters.
type PDU struct {
	Name   string
	Params map[string]string
}

func NewPDU(name string) *PDU {
	return &PDU{Name: name, Params: make(map[string]string)}
}

// Characters with protocol meaning are escaped as :<2-hex>.
const specials = ",=:\r\n"

func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			fmt.Fprintf(&b, ":%02x", s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("smasi: dangling escape in %q", s)
		}
		var c byte
		if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &c); err != nil {
			return "", fmt.Errorf("smasi: bad escape %q", s[i:i+3])
		}
		b.WriteByte(c)
		i += 2
	}
	return b.String(), nil
}

// Marshal renders "Name k=v,k=v\n" with deterministic parameter order.
func (p *PDU) Marshal(order ...string) []byte {
	var b strings.Builder
	b.WriteString(p.Name)
	sep := " "
	seen := make(map[string]bool)
	emit := func(k string) {
		v, ok := p.Params[k]
		if !ok || seen[k] {
			return
		}
		seen[k] = true
		b.WriteString(sep)
		sep = ","
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(v))
	}
	for _, k := range order {
		emit(k)
	}
	for k := range p.Params {
		if !seen[k] {
			emit(k)
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Parse decodes one line without its terminator.
func Parse(line string) (*PDU, error) {
	line = strings.TrimRight(line, "\r\n")
	name, rest, _ := strings.Cut(line, " ")
	if name == "" {
		return nil, fmt.Errorf("smasi: empty pdu")
	}
	p := NewPDU(name)
	if rest == "" {
		return p, nil
	}
	for _, pair := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("smasi: parameter %q without value", pair)
		}
		val, err := unescape(v)
		if err != nil {
			return nil, err
		}
		p.Params[k] = val
	}
	return p, nil
}
