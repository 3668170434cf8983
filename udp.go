package main

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/wap"
)

// WDPRelay turns UDP datagrams on the WAP port into wdp envelopes for
// the wapbox side and sends the wapbox's answers back out. The default
// WSP/WTP port is 9201.
type WDPRelay struct {
	bb   *Bearerbox
	port int
	log  *logrus.Entry

	pc       net.PacketConn
	local    string
	stack    *wap.Stack // embedded WTP/WSP, nil when a wapbox terminates WAP
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWDPRelay(bb *Bearerbox, port int) *WDPRelay {
	return &WDPRelay{
		bb:   bb,
		port: port,
		log:  logrus.WithField("part", "wdp"),
		stop: make(chan struct{}),
	}
}

func (r *WDPRelay) Start() error {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return fmt.Errorf("wdp listen: %w", err)
	}
	r.pc = pc
	if host, _, err := net.SplitHostPort(pc.LocalAddr().String()); err == nil {
		r.local = host
	}
	if r.bb.cfg.Core.WAPEmbedded {
		r.stack = newWAPStack(r.Transmit)
	}
	r.wg.Add(1)
	go r.read()
	r.log.WithField("port", r.port).Info("wdp relay up")
	return nil
}

func (r *WDPRelay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.pc != nil {
		r.pc.Close()
	}
	if r.stack != nil {
		r.stack.Shutdown()
	}
	r.wg.Wait()
}

func (r *WDPRelay) read() {
	defer r.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := r.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			r.log.WithError(err).Warning("wdp read")
			continue
		}
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		m := msg.New(msg.TypeWDPDatagram)
		m.WDP.SourceAddress = octet.FromString(host)
		m.WDP.SourcePort = atoiPort(port)
		m.WDP.DestinationAddress = octet.FromString(r.local)
		m.WDP.DestinationPort = int32(r.port)
		m.WDP.UserData = octet.FromBytes(append([]byte(nil), buf[:n]...))
		if r.stack != nil {
			r.stack.Input(m)
		} else {
			r.bb.incoming.Produce(m)
		}
	}
}

// Transmit sends one wdp envelope from the wapbox out the UDP socket.
func (r *WDPRelay) Transmit(m *msg.Msg) {
	if m.Type != msg.TypeWDPDatagram || m.WDP.UserData == nil {
		return
	}
	addr := net.JoinHostPort(bufStr(m.WDP.DestinationAddress),
		fmt.Sprintf("%d", m.WDP.DestinationPort))
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		r.log.WithError(err).Warning("wdp address")
		return
	}
	if _, err := r.pc.WriteTo(m.WDP.UserData.Bytes(), udp); err != nil {
		r.log.WithError(err).Warning("wdp write")
	}
}

func atoiPort(s string) int32 {
	var p int32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		p = p*10 + int32(c-'0')
	}
	return p
}
