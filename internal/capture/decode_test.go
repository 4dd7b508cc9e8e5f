package capture

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildTCPFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("10.0.0.2").To4(), DstIP: net.ParseIP("10.0.0.1").To4(),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 55555, ACK: true, PSH: true}
	tcp.SetNetworkLayerForChecksum(ip)
	payload := gopacket.Payload([]byte("hello"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, payload); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func buildUDPFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 5353}
	udp.SetNetworkLayerForChecksum(ip)
	payload := gopacket.Payload([]byte("mdns"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeFrameTCP(t *testing.T) {
	data := buildTCPFrame(t)
	pkt, err := decodeFrame(data, "eth0", time.Now())
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if !pkt.IsIPv4() || !pkt.IsTCP() {
		t.Fatalf("expected ipv4+tcp packet, got %+v", pkt)
	}
	if pkt.SrcIP != "10.0.0.2" || pkt.DstIP != "10.0.0.1" {
		t.Errorf("unexpected addrs: src=%s dst=%s", pkt.SrcIP, pkt.DstIP)
	}
	if pkt.SrcPort != 443 || pkt.DstPort != 55555 {
		t.Errorf("unexpected ports: src=%d dst=%d", pkt.SrcPort, pkt.DstPort)
	}
	if pkt.ProtocolName != "tcp" {
		t.Errorf("expected protocol_name tcp, got %s", pkt.ProtocolName)
	}
	if pkt.PayloadHex == "" {
		t.Error("expected non-empty payload hex")
	}
}

func TestDecodeFrameUDPIPv6Normalized(t *testing.T) {
	data := buildUDPFrame(t)
	pkt, err := decodeFrame(data, "eth0", time.Now())
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if !pkt.IsIPv6() || !pkt.IsUDP() {
		t.Fatalf("expected ipv6+udp packet, got %+v", pkt)
	}
	if pkt.SrcIP != "2001:0db8:0000:0000:0000:0000:0000:0001" {
		t.Errorf("expected normalized ipv6 src, got %s", pkt.SrcIP)
	}
}
