package model

import (
	"fmt"
	"strings"
	"time"
)

// AddrPort formats a normalized address string and port as "<addr>:<port>"
// (IPv6 addresses, which contain ':', as "[<addr>]:<port>"), the canonical
// endpoint key used by the Socket Index and Attribution
// Engine (spec §4.2, §4.4).
func AddrPort(addr string, port uint16) string {
	if strings.Contains(addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// SocketState is the connection state as reported by netstat, or one of the
// two synthetic states this engine assigns (LISTENING, ESTABLISHED).
type SocketState string

const (
	StateListening   SocketState = "LISTENING"
	StateEstablished SocketState = "ESTABLISHED"
	StateSynSent     SocketState = "SYN_SENT"
	StateSynRecv     SocketState = "SYN_RECV"
	StateFinWait1    SocketState = "FIN_WAIT1"
	StateFinWait2    SocketState = "FIN_WAIT2"
	StateTimeWait    SocketState = "TIME_WAIT"
	StateClose       SocketState = "CLOSE"
	StateCloseWait   SocketState = "CLOSE_WAIT"
	StateLastAck     SocketState = "LAST_ACK"
	StateClosing     SocketState = "CLOSING"
	StateUnknown     SocketState = "UNKNOWN"
)

// NetworkConnection is a currently known socket 5-tuple, as tracked by the
// Socket Index.
type NetworkConnection struct {
	PID      int32       `json:"pid"`
	ProcName string      `json:"proc_name"`
	SrcAddr  string       `json:"src_addr"`
	SrcPort  uint16       `json:"src_port"`
	DstAddr  string       `json:"dst_addr"`
	DstPort  uint16       `json:"dst_port"`
	Protocol string       `json:"protocol"` // "tcp" | "udp"
	State    SocketState  `json:"state"`
}

// UDPPortMapping is a known UDP local endpoint, possibly a wildcard
// listener.
type UDPPortMapping struct {
	Port       uint16    `json:"port"`
	Address    string    `json:"address"`
	PID        int32     `json:"pid"`
	ProcName   string    `json:"proc_name"`
	LastSeen   time.Time `json:"last_seen"`
	IsListener bool      `json:"is_listener"`
}

// TCPEndpoint is the value side of the Socket Index's TCP local-endpoint map.
type TCPEndpoint struct {
	PID      int32     `json:"pid"`
	ProcName string    `json:"proc_name"`
	LastSeen time.Time `json:"last_seen"`
}

// ProcDetails is everything the Process Index knows about a pid.
type ProcDetails struct {
	PID       int32    `json:"pid"`
	Name      string   `json:"name"`
	Cmd       string   `json:"cmd"`
	ParentPID int32    `json:"parent_pid"`
	CPU       *float64 `json:"cpu,omitempty"`
	Memory    *uint64  `json:"memory,omitempty"`
}
