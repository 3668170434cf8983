package main

import (
	"fmt"
	"net"
	"testing"
	"time"

	"smsgw/msg"
	"smsgw/octet"
	"smsgw/wap"
)

func startRelay(t *testing.T, embedded bool) (*Bearerbox, *net.UDPConn) {
	t.Helper()
	bb := testBearerbox(t)
	bb.cfg.Core.WAPEmbedded = embedded
	port := freePort(t)
	r := NewWDPRelay(bb, port)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	bb.wdp = r
	t.Cleanup(r.Stop)

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return bb, client
}

func TestRelayProducesEnvelopes(t *testing.T) {
	bb, client := startRelay(t, false)

	if _, err := client.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for bb.incoming.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	m := bb.incoming.TryConsume()
	if m == nil || m.Type != msg.TypeWDPDatagram {
		t.Fatal("datagram never became an envelope")
	}
	if string(m.WDP.UserData.Bytes()) != "\xde\xad\xbe\xef" {
		t.Fatalf("payload %x", m.WDP.UserData.Bytes())
	}
	if m.WDP.SourcePort == 0 {
		t.Fatal("source port lost")
	}
}

func TestRelayTransmit(t *testing.T) {
	bb, client := startRelay(t, false)

	// a datagram from the wapbox side goes back out the socket
	local := client.LocalAddr().(*net.UDPAddr)
	m := msg.New(msg.TypeWDPDatagram)
	m.WDP.DestinationAddress = octet.FromString(local.IP.String())
	m.WDP.DestinationPort = int32(local.Port)
	m.WDP.UserData = octet.FromBytes([]byte("pong"))
	bb.wdp.Transmit(m)

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestRelayEmbeddedWAPConnect(t *testing.T) {
	_, client := startRelay(t, true)

	// class 2 invoke with TIDnew carrying a WSP Connect
	invoke := []byte{
		wap.PDUInvoke<<3 | 0x06, 0x00, 0x07, 0x22, // wtp header, tid 7
		wap.WSPConnect, 0x10, 0x00, 0x00, // wsp connect, version 1.0, no caps
	}
	if _, err := client.Write(invoke); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1500)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	pdu, err := wap.ParsePDU(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if pdu.Type != wap.PDUResult || len(pdu.Data) == 0 || pdu.Data[0] != wap.WSPConnectReply {
		t.Fatalf("embedded stack answered %+v", pdu)
	}
}
