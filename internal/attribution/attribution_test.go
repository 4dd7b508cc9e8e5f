package attribution

import (
	"testing"

	"github.com/privacyradar/netattrib/internal/model"
)

type fakeSock struct {
	conns   map[string]model.NetworkConnection
	tcpMap  map[string]model.TCPEndpoint
	udpMap  map[string]model.UDPPortMapping
	local   map[string]struct{}
	promoted []string
}

func newFakeSock() *fakeSock {
	return &fakeSock{
		conns:  make(map[string]model.NetworkConnection),
		tcpMap: make(map[string]model.TCPEndpoint),
		udpMap: make(map[string]model.UDPPortMapping),
		local:  make(map[string]struct{}),
	}
}

func connKey(a, b, proto string) string {
	if a > b {
		a, b = b, a
	}
	return proto + "|" + a + "|" + b
}

func (f *fakeSock) LookupConnection(endpointA, endpointB, protocol string) (model.NetworkConnection, bool) {
	c, ok := f.conns[connKey(endpointA, endpointB, protocol)]
	return c, ok
}

func (f *fakeSock) LookupTCP(localEndpoint string) (model.TCPEndpoint, bool) {
	e, ok := f.tcpMap[localEndpoint]
	return e, ok
}

func (f *fakeSock) LookupUDP(localEndpoint string) (model.UDPPortMapping, bool) {
	m, ok := f.udpMap[localEndpoint]
	return m, ok
}

func (f *fakeSock) IsLocalIP(addr string) bool {
	_, ok := f.local[addr]
	return ok
}

func (f *fakeSock) PromoteTCP(localEndpoint, remoteEndpoint string, pid int32, procName string) {
	f.promoted = append(f.promoted, localEndpoint)
	f.conns[connKey(localEndpoint, remoteEndpoint, "tcp")] = model.NetworkConnection{PID: pid, ProcName: procName}
}

func (f *fakeSock) PromoteUDP(localEndpoint, remoteEndpoint string, pid int32, procName string) {
	f.promoted = append(f.promoted, localEndpoint)
	f.conns[connKey(localEndpoint, remoteEndpoint, "udp")] = model.NetworkConnection{PID: pid, ProcName: procName}
}

func tcpPacket(src, dst string, srcPort, dstPort uint16) *model.PacketMetadata {
	return &model.PacketMetadata{
		SrcIP: src, DstIP: dst, SrcPort: srcPort, DstPort: dstPort,
		ProtocolName: "tcp",
		TCP:          &model.TCPHeader{SrcPort: srcPort, DstPort: dstPort},
	}
}

func udpPacket(src, dst string, srcPort, dstPort uint16) *model.PacketMetadata {
	return &model.PacketMetadata{
		SrcIP: src, DstIP: dst, SrcPort: srcPort, DstPort: dstPort,
		ProtocolName: "udp",
		UDP:          &model.UDPHeader{SrcPort: srcPort, DstPort: dstPort},
	}
}

func TestAttributeSystemTrafficByProtocol(t *testing.T) {
	e := New(newFakeSock())
	pkt := &model.PacketMetadata{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", ProtocolName: "icmp"}
	a := e.Attribute(pkt)
	if a.Kind != model.AttributionSystem {
		t.Fatalf("expected system attribution, got %+v", a)
	}
}

func TestAttributeSystemTrafficByPort(t *testing.T) {
	e := New(newFakeSock())
	pkt := udpPacket("10.0.0.1", "10.0.0.2", 51000, 53)
	a := e.Attribute(pkt)
	if a.Kind != model.AttributionSystem {
		t.Fatalf("expected system attribution for DNS port, got %+v", a)
	}
}

func TestAttributeBidirectionalMatch(t *testing.T) {
	sock := newFakeSock()
	a, b := "10.0.0.2:443", "10.0.0.1:55555"
	sock.conns[connKey(a, b, "tcp")] = model.NetworkConnection{PID: 100, ProcName: "nginx"}

	e := New(sock)
	pkt := tcpPacket("10.0.0.1", "10.0.0.2", 55555, 443)
	got := e.Attribute(pkt)
	if got.Kind != model.AttributionMatched || got.PID != 100 || got.Name != "nginx" {
		t.Fatalf("expected matched nginx/100, got %+v", got)
	}
}

func TestAttributeTCPFallbackPromotes(t *testing.T) {
	sock := newFakeSock()
	sock.local["10.0.0.5"] = struct{}{}
	sock.tcpMap["10.0.0.5:8080"] = model.TCPEndpoint{PID: 55, ProcName: "myapp"}

	e := New(sock)
	pkt := tcpPacket("10.0.0.9", "10.0.0.5", 50000, 8080)
	got := e.Attribute(pkt)
	if got.Kind != model.AttributionMatched || got.PID != 55 {
		t.Fatalf("expected matched via tcp fallback, got %+v", got)
	}
	if len(sock.promoted) != 1 {
		t.Fatalf("expected promotion of tcp fallback match, got %v", sock.promoted)
	}
}

func TestAttributeUnknownWhenNoTCPMap(t *testing.T) {
	sock := newFakeSock()
	sock.local["10.0.0.5"] = struct{}{}

	e := New(sock)
	pkt := tcpPacket("10.0.0.9", "10.0.0.5", 50000, 8080)
	got := e.Attribute(pkt)
	if got.Kind != model.AttributionUnknown || got.Reason != model.ReasonNoTCPMap {
		t.Fatalf("expected unknown/no-tcp-map, got %+v", got)
	}
	pid, name := got.Render()
	if name != "UNKNOWN_MATCHTCP_PKT" {
		t.Fatalf("expected rendered UNKNOWN_MATCHTCP_PKT, got pid=%d name=%q", pid, name)
	}
}

func TestAttributeUDPWildcardFallback(t *testing.T) {
	sock := newFakeSock()
	sock.local["0.0.0.0"] = struct{}{}
	sock.local["10.0.0.5"] = struct{}{}
	sock.udpMap["0.0.0.0:5353"] = model.UDPPortMapping{PID: 77, ProcName: "mdnsd", IsListener: true}

	e := New(sock)
	pkt := udpPacket("10.0.0.9", "10.0.0.5", 60000, 5353)
	got := e.Attribute(pkt)
	if got.Kind != model.AttributionMatched || got.PID != 77 {
		t.Fatalf("expected matched via udp wildcard fallback, got %+v", got)
	}
}

func TestAttributeNoLocalEndpoint(t *testing.T) {
	e := New(newFakeSock())
	pkt := tcpPacket("10.0.0.9", "10.0.0.5", 50000, 8080)
	got := e.Attribute(pkt)
	if got.Kind != model.AttributionUnknown || got.Reason != model.ReasonNoLocalEndpoint {
		t.Fatalf("expected unknown/no-local-endpoint, got %+v", got)
	}
}
