package capture

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/privacyradar/netattrib/internal/addrnorm"
	"github.com/privacyradar/netattrib/internal/model"
)

// ipProtocolNames covers the handful of IP protocol numbers the Attribution
// Engine's system classification cares about (spec §4.4 rule 1); anything
// else is tagged "IP-<n>" (spec §4.3).
var ipProtocolNames = map[layers.IPProtocol]string{
	layers.IPProtocolICMPv4: "icmp",
	layers.IPProtocolICMPv6: "icmpv6",
	layers.IPProtocolIGMP:   "igmp",
}

// decodeFrame walks Ethernet -> IPv4/IPv6 -> TCP/UDP over an owned byte
// slice and emits a PacketMetadata (spec §4.3). It never suspends and never
// panics on malformed input — gopacket's non-lazy decoding surfaces
// truncated/malformed layers as a decode error, which the caller logs and
// drops the frame for (spec §7 CaptureDecodeMalformed).
func decodeFrame(data []byte, iface string, capturedAt time.Time) (*model.PacketMetadata, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   false,
		NoCopy: true,
	})
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return nil, fmt.Errorf("decode frame on %s: %w", iface, errLayer.Error())
	}

	pkt := &model.PacketMetadata{
		CaptureTimestampMs: capturedAt.UnixMilli(),
		FrameSize:          len(data),
		Interface:          iface,
	}

	if ethLayer := packet.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := ethLayer.(*layers.Ethernet)
		pkt.Eth = model.EthernetHeader{
			SrcMAC: eth.SrcMAC, DstMAC: eth.DstMAC,
			EtherType: uint16(eth.EthernetType),
		}
	}

	decodeIP(packet, pkt)
	decodeL4(packet, pkt)
	pkt.ServiceName = model.ServiceName(pkt.DstPort, pkt.SrcPort)

	if app := packet.ApplicationLayer(); app != nil {
		pkt.PayloadHex = hex.EncodeToString(app.Payload())
	}

	return pkt, nil
}

func decodeIP(packet gopacket.Packet, pkt *model.PacketMetadata) {
	if v4 := packet.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		pkt.IPv4 = &model.IPv4Header{
			SrcIP: ip.SrcIP, DstIP: ip.DstIP,
			Protocol: uint8(ip.Protocol), TTL: ip.TTL, Length: ip.Length,
		}
		pkt.SrcIP = ip.SrcIP.String()
		pkt.DstIP = ip.DstIP.String()
		if name, ok := ipProtocolNames[ip.Protocol]; ok {
			pkt.ProtocolName = name
		} else {
			pkt.ProtocolName = fmt.Sprintf("IP-%d", uint8(ip.Protocol))
		}
		return
	}

	if v6 := packet.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		srcNorm := addrnorm.NormalizeIPv6(ip.SrcIP.String())
		dstNorm := addrnorm.NormalizeIPv6(ip.DstIP.String())
		pkt.IPv6 = &model.IPv6Header{
			SrcIP: srcNorm, DstIP: dstNorm,
			NextHeader: uint8(ip.NextHeader), HopLimit: ip.HopLimit, Length: ip.Length,
		}
		pkt.SrcIP = srcNorm
		pkt.DstIP = dstNorm
		if name, ok := ipProtocolNames[ip.NextHeader]; ok {
			pkt.ProtocolName = name
		} else {
			pkt.ProtocolName = fmt.Sprintf("IP-%d", uint8(ip.NextHeader))
		}
	}
}

func decodeL4(packet gopacket.Packet, pkt *model.PacketMetadata) {
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		pkt.TCP = &model.TCPHeader{
			SrcPort: uint16(tcp.SrcPort), DstPort: uint16(tcp.DstPort),
			Flags: tcpFlags(tcp), Checksum: tcp.Checksum,
		}
		pkt.SrcPort = uint16(tcp.SrcPort)
		pkt.DstPort = uint16(tcp.DstPort)
		pkt.ProtocolName = "tcp"
		return
	}

	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		pkt.UDP = &model.UDPHeader{
			SrcPort: uint16(udp.SrcPort), DstPort: uint16(udp.DstPort),
			Length: udp.Length, Checksum: udp.Checksum,
		}
		pkt.SrcPort = uint16(udp.SrcPort)
		pkt.DstPort = uint16(udp.DstPort)
		pkt.ProtocolName = "udp"
	}
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= 1 << 0
	}
	if tcp.SYN {
		f |= 1 << 1
	}
	if tcp.RST {
		f |= 1 << 2
	}
	if tcp.PSH {
		f |= 1 << 3
	}
	if tcp.ACK {
		f |= 1 << 4
	}
	if tcp.URG {
		f |= 1 << 5
	}
	return f
}
