package model

import "time"

// Direction classifies a packet relative to the local host, per spec §4.6
// ("Direction determination").
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionOutbound
	DirectionInbound
)

// Stats is the shared statistics sub-record folded by composition into all
// three registry levels (Design Notes §9 — "duck-typed stats").
type Stats struct {
	TotalPackets       uint64 `json:"total_packets"`
	TotalBytesSent     uint64 `json:"total_bytes_sent"`
	TotalBytesReceived uint64 `json:"total_bytes_received"`
	InboundBytes       uint64 `json:"inbound_bytes"`
	OutboundBytes      uint64 `json:"outbound_bytes"`

	IPv4Packets uint64 `json:"ipv4_packets"`
	IPv6Packets uint64 `json:"ipv6_packets"`
	TCPPackets  uint64 `json:"tcp_packets"`
	UDPPackets  uint64 `json:"udp_packets"`

	IPv4Percent float64 `json:"ipv4_percent"`
	IPv6Percent float64 `json:"ipv6_percent"`
	TCPPercent  float64 `json:"tcp_percent"`
	UDPPercent  float64 `json:"udp_percent"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Fold incrementally folds one packet's statistics into s, per spec §4.6 and
// the invariants in §3/§8. isIPv4/isIPv6 and isTCP/isUDP are mutually
// exclusive pairs; a packet that is neither TCP nor UDP only increments the
// IP-family counters (Design Notes §9, "total_packets percentages").
func (s *Stats) Fold(isIPv4, isIPv6, isTCP, isUDP bool, size int, dir Direction, when time.Time) {
	s.TotalPackets++
	if isIPv4 {
		s.IPv4Packets++
	}
	if isIPv6 {
		s.IPv6Packets++
	}
	if isTCP {
		s.TCPPackets++
	} else if isUDP {
		s.UDPPackets++
	}

	switch dir {
	case DirectionOutbound:
		s.OutboundBytes += uint64(size)
		s.TotalBytesSent += uint64(size)
	case DirectionInbound:
		s.InboundBytes += uint64(size)
		s.TotalBytesReceived += uint64(size)
	}

	if s.FirstSeen.IsZero() || when.Before(s.FirstSeen) {
		s.FirstSeen = when
	}
	if when.After(s.LastSeen) {
		s.LastSeen = when
	}

	s.recomputePercents()
}

func (s *Stats) recomputePercents() {
	if s.TotalPackets == 0 {
		return
	}
	total := float64(s.TotalPackets)
	s.IPv4Percent = float64(s.IPv4Packets) / total * 100
	s.IPv6Percent = float64(s.IPv6Packets) / total * 100
	s.TCPPercent = float64(s.TCPPackets) / total * 100
	s.UDPPercent = float64(s.UDPPackets) / total * 100
}
