// Package model holds the data types shared across the attribution engine:
// captured packets, known sockets, process details, and the three
// aggregation registries.
package model

import "net"

// EthernetHeader is the L2 frame header.
type EthernetHeader struct {
	SrcMAC    net.HardwareAddr `json:"src_mac"`
	DstMAC    net.HardwareAddr `json:"dst_mac"`
	EtherType uint16           `json:"ethertype"`
}

// IPv4Header is the L3 header for an IPv4 datagram.
type IPv4Header struct {
	SrcIP    net.IP `json:"src_ip"`
	DstIP    net.IP `json:"dst_ip"`
	Protocol uint8  `json:"protocol"`
	TTL      uint8  `json:"ttl"`
	Length   uint16 `json:"length"`
}

// IPv6Header is the L3 header for an IPv6 datagram. Addresses are stored
// already normalized (see internal/addrnorm).
type IPv6Header struct {
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
	NextHeader uint8  `json:"next_header"`
	HopLimit   uint8  `json:"hop_limit"`
	Length     uint16 `json:"length"`
}

// TCPHeader is the L4 header for a TCP segment.
type TCPHeader struct {
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Flags    uint8  `json:"flags"`
	Checksum uint16 `json:"checksum"`
}

// UDPHeader is the L4 header for a UDP datagram.
type UDPHeader struct {
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Length   uint16 `json:"length"`
	Checksum uint16 `json:"checksum"`
}

// AttributionKind classifies how (or whether) a packet was attributed to a
// process. Rendered to the legacy "UNKNOWN"/"UNKNOWN_*"/"SYSTEM" strings only
// at the PacketMetadata boundary (Design Notes §9) — nothing upstream of that
// boundary should switch on the string form.
type AttributionKind uint8

const (
	AttributionUnset AttributionKind = iota
	AttributionMatched
	AttributionSystem
	AttributionUnknown
)

// UnmatchedReason records why an AttributionUnknown packet could not be
// resolved, for logging and for the retry-exhaustion tag rendering.
type UnmatchedReason uint8

const (
	ReasonNone UnmatchedReason = iota
	ReasonNoConnKey
	ReasonNoTCPMap
	ReasonNoUDPMap
	ReasonNoLocalEndpoint
)

// Attribution is the sum-type result of running a packet through the
// Attribution Engine.
type Attribution struct {
	Kind   AttributionKind
	PID    int32
	Name   string
	Reason UnmatchedReason
}

// Render converts an Attribution into the PID/proc_name pair that
// PacketMetadata and the persistence boundary expect, including the legacy
// string sentinels.
func (a Attribution) Render() (pid int32, procName string) {
	switch a.Kind {
	case AttributionMatched:
		return a.PID, a.Name
	case AttributionSystem:
		return -1, "SYSTEM"
	case AttributionUnknown:
		return a.PID, "UNKNOWN" + a.reasonSuffix()
	default:
		return 0, ""
	}
}

func (a Attribution) reasonSuffix() string {
	switch a.Reason {
	case ReasonNoConnKey:
		return "_MATCHCONN_PKT"
	case ReasonNoTCPMap:
		return "_MATCHTCP_PKT"
	case ReasonNoUDPMap:
		return "_MATCHUDP_PKT"
	case ReasonNoLocalEndpoint:
		return "_NOLOCAL_PKT"
	default:
		return ""
	}
}

// Matched reports whether a rendered (pid, procName) pair counts as matched
// per spec §4.5: pid is set and proc_name does not start with "UNKNOWN".
func Matched(pid int32, procName string) bool {
	if pid == 0 || procName == "" {
		return false
	}
	if len(procName) >= 7 && procName[:7] == "UNKNOWN" {
		return false
	}
	return true
}

// PacketMetadata is one observed frame, fully decoded and (once run through
// the Attribution Engine) attributed.
type PacketMetadata struct {
	CaptureTimestampMs int64  `json:"capture_timestamp_ms"`
	FrameSize          int    `json:"frame_size"`
	Interface          string `json:"interface"`

	Eth  EthernetHeader `json:"eth"`
	IPv4 *IPv4Header    `json:"ipv4,omitempty"`
	IPv6 *IPv6Header    `json:"ipv6,omitempty"`
	TCP  *TCPHeader     `json:"tcp,omitempty"`
	UDP  *UDPHeader     `json:"udp,omitempty"`

	// Denormalized convenience fields derived from the L3/L4 headers.
	SrcIP        string `json:"src_ip"`
	DstIP        string `json:"dst_ip"`
	SrcPort      uint16 `json:"src_port"`
	DstPort      uint16 `json:"dst_port"`
	ProtocolName string `json:"protocol_name"`

	// ServiceName is the well-known service name for SrcPort/DstPort, if
	// any (e.g. "HTTPS", "DNS"), for display and metrics labeling.
	ServiceName string `json:"service_name,omitempty"`

	// Hex-encoded payload slice, post-L4 header.
	PayloadHex string `json:"payload_hex,omitempty"`

	// Attribution fields, filled in by the Attribution Engine.
	PID            int32  `json:"pid"`
	ProcName       string `json:"proc_name"`
	AppRegistryID  string `json:"app_registry_id"`
	AppName        string `json:"app_name"`
	AppDisplayName string `json:"app_display_name"`

	// RetryCount tracks how many packet-processing ticks this packet has
	// been through without resolving (spec §4.5/§4.4 rule 5, §4.5 retry loop).
	RetryCount int `json:"-"`
}

// IsIPv4 reports whether this packet carries an IPv4 header.
func (p *PacketMetadata) IsIPv4() bool { return p.IPv4 != nil }

// IsIPv6 reports whether this packet carries an IPv6 header.
func (p *PacketMetadata) IsIPv6() bool { return p.IPv6 != nil }

// IsTCP reports whether this packet carries a TCP header.
func (p *PacketMetadata) IsTCP() bool { return p.TCP != nil }

// IsUDP reports whether this packet carries a UDP header.
func (p *PacketMetadata) IsUDP() bool { return p.UDP != nil }

// ApplyAttribution renders a to the packet's pid/proc_name fields.
func (p *PacketMetadata) ApplyAttribution(a Attribution) {
	p.PID, p.ProcName = a.Render()
}

// IsMatched reports whether this packet has been resolved to a real process
// per spec §4.5 ("pid is set and proc_name is set and does not start with
// UNKNOWN").
func (p *PacketMetadata) IsMatched() bool {
	return Matched(p.PID, p.ProcName)
}
