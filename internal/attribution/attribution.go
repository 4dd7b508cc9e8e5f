// Package attribution implements the ProcConManager: it classifies each
// decoded packet as system or user traffic and attaches (pid, process_name)
// from the Socket Index (spec §4.4).
package attribution

import (
	"github.com/privacyradar/netattrib/internal/addrnorm"
	"github.com/privacyradar/netattrib/internal/model"
	"github.com/privacyradar/netattrib/internal/sockindex"
)

// systemProtocols are protocol names that always classify a packet as
// system traffic (spec §4.4 rule 1).
var systemProtocols = map[string]struct{}{
	"arp": {}, "icmp": {}, "icmpv6": {}, "igmp": {}, "dhcp": {}, "dhcpv6": {},
}

// systemPorts are well-known system ports that classify a packet as system
// traffic regardless of protocol (spec §4.4 rule 1).
var systemPorts = map[uint16]struct{}{
	53: {}, 67: {}, 68: {}, 123: {}, 137: {}, 138: {}, 139: {},
	161: {}, 162: {}, 514: {}, 546: {}, 547: {},
}

// SocketLookup is the subset of *sockindex.Index the Attribution Engine
// depends on, so tests can supply a fake.
type SocketLookup interface {
	LookupConnection(endpointA, endpointB, protocol string) (model.NetworkConnection, bool)
	LookupTCP(localEndpoint string) (model.TCPEndpoint, bool)
	LookupUDP(localEndpoint string) (model.UDPPortMapping, bool)
	IsLocalIP(addr string) bool
	PromoteTCP(localEndpoint, remoteEndpoint string, pid int32, procName string)
	PromoteUDP(localEndpoint, remoteEndpoint string, pid int32, procName string)
}

// Engine is the ProcConManager: it classifies and attributes packets using
// the Socket Index.
type Engine struct {
	sock SocketLookup
}

// New constructs an Attribution Engine backed by sock.
func New(sock SocketLookup) *Engine {
	return &Engine{sock: sock}
}

// Attribute runs the five-rule classification/matching chain from spec
// §4.4 and returns the resulting Attribution. It never mutates pkt.
func (e *Engine) Attribute(pkt *model.PacketMetadata) model.Attribution {
	if isSystemTraffic(pkt) {
		return model.Attribution{Kind: model.AttributionSystem}
	}

	if a, ok := e.matchBidirectional(pkt); ok {
		return a
	}

	if pkt.IsTCP() {
		if a, ok := e.matchTCPFallback(pkt); ok {
			return a
		}
		return model.Attribution{Kind: model.AttributionUnknown, Reason: model.ReasonNoTCPMap}
	}

	if pkt.IsUDP() {
		if a, ok := e.matchUDPFallback(pkt); ok {
			return a
		}
		return model.Attribution{Kind: model.AttributionUnknown, Reason: model.ReasonNoUDPMap}
	}

	return model.Attribution{Kind: model.AttributionUnknown, Reason: model.ReasonNoConnKey}
}

// isSystemTraffic implements spec §4.4 rule 1.
func isSystemTraffic(pkt *model.PacketMetadata) bool {
	if _, ok := systemProtocols[pkt.ProtocolName]; ok {
		return true
	}
	if addrnorm.IsMulticast(pkt.SrcIP) || addrnorm.IsMulticast(pkt.DstIP) {
		return true
	}
	if addrnorm.IsLinkLocal(pkt.SrcIP) || addrnorm.IsLinkLocal(pkt.DstIP) {
		return true
	}
	if addrnorm.IsBroadcast(pkt.SrcIP) || addrnorm.IsBroadcast(pkt.DstIP) {
		return true
	}
	if _, ok := systemPorts[pkt.SrcPort]; ok {
		return true
	}
	if _, ok := systemPorts[pkt.DstPort]; ok {
		return true
	}
	return false
}

// matchBidirectional implements spec §4.4 rule 2.
func (e *Engine) matchBidirectional(pkt *model.PacketMetadata) (model.Attribution, bool) {
	if pkt.SrcPort == 0 && pkt.DstPort == 0 {
		return model.Attribution{}, false
	}
	src := model.AddrPort(pkt.SrcIP, pkt.SrcPort)
	dst := model.AddrPort(pkt.DstIP, pkt.DstPort)

	conn, ok := e.sock.LookupConnection(src, dst, pkt.ProtocolName)
	if !ok {
		return model.Attribution{}, false
	}
	return model.Attribution{Kind: model.AttributionMatched, PID: conn.PID, Name: conn.ProcName}, true
}

// localSide returns the local/remote endpoint strings for pkt, or ok=false
// if neither side is local.
func (e *Engine) localSide(pkt *model.PacketMetadata) (localEndpoint, remoteEndpoint string, ok bool) {
	if e.sock.IsLocalIP(pkt.SrcIP) {
		return model.AddrPort(pkt.SrcIP, pkt.SrcPort), model.AddrPort(pkt.DstIP, pkt.DstPort), true
	}
	if e.sock.IsLocalIP(pkt.DstIP) {
		return model.AddrPort(pkt.DstIP, pkt.DstPort), model.AddrPort(pkt.SrcIP, pkt.SrcPort), true
	}
	return "", "", false
}

func familyWildcard(ip string, port uint16) string {
	if len(ip) > 0 && containsColon(ip) {
		return model.AddrPort(addrnorm.NormalizeIPv6("::"), port)
	}
	return model.AddrPort("0.0.0.0", port)
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

// matchTCPFallback implements spec §4.4 rule 3.
func (e *Engine) matchTCPFallback(pkt *model.PacketMetadata) (model.Attribution, bool) {
	localEndpoint, remoteEndpoint, ok := e.localSide(pkt)
	if !ok {
		return model.Attribution{Kind: model.AttributionUnknown, Reason: model.ReasonNoLocalEndpoint}, true
	}

	localIP, localPort, split := addrnorm.SplitHostPort(localEndpoint)
	if !split {
		return model.Attribution{}, false
	}

	endpoint, found := e.sock.LookupTCP(localEndpoint)
	if !found {
		wildcard := familyWildcard(localIP, localPort)
		endpoint, found = e.sock.LookupTCP(wildcard)
	}
	if !found {
		return model.Attribution{}, false
	}

	e.sock.PromoteTCP(localEndpoint, remoteEndpoint, endpoint.PID, endpoint.ProcName)
	return model.Attribution{Kind: model.AttributionMatched, PID: endpoint.PID, Name: endpoint.ProcName}, true
}

// matchUDPFallback implements spec §4.4 rule 4.
func (e *Engine) matchUDPFallback(pkt *model.PacketMetadata) (model.Attribution, bool) {
	localEndpoint, remoteEndpoint, ok := e.localSide(pkt)
	if !ok {
		return model.Attribution{Kind: model.AttributionUnknown, Reason: model.ReasonNoLocalEndpoint}, true
	}

	localIP, localPort, split := addrnorm.SplitHostPort(localEndpoint)
	if !split {
		return model.Attribution{}, false
	}

	mapping, found := e.sock.LookupUDP(localEndpoint)
	if !found {
		wildcard := familyWildcard(localIP, localPort)
		mapping, found = e.sock.LookupUDP(wildcard)
	}
	if !found {
		return model.Attribution{}, false
	}

	e.sock.PromoteUDP(localEndpoint, remoteEndpoint, mapping.PID, mapping.ProcName)
	return model.Attribution{Kind: model.AttributionMatched, PID: mapping.PID, Name: mapping.ProcName}, true
}

// Reconcile backs the background "update_proc_con_info" task (spec §4.4):
// it fills in missing proc_name entries on the Socket Index using
// resolveName, without blocking packet processing.
func Reconcile(sock *sockindex.Index, resolveName func(pid int32) string) {
	sock.FillMissingProcNames(resolveName)
}
