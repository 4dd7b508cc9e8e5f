package sockindex

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/privacyradar/netattrib/internal/addrnorm"
	"github.com/privacyradar/netattrib/internal/errs"
	"github.com/privacyradar/netattrib/internal/model"
)

// row is one parsed netstat data line, dialect-independent.
type row struct {
	Proto    string // "tcp" | "udp"
	Local    string // raw endpoint string
	Remote   string // raw endpoint string
	State    string // may be empty (e.g. UDP on Linux)
	PID      int32
	ProcName string
}

// parseRows splits netstat output into dialect-independent rows, skipping
// the header line and any row that doesn't look like a socket entry.
func parseRows(goos string, out []byte) []row {
	var rows []row
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	headerSeen := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if !headerSeen {
			if strings.HasPrefix(lower, "proto") {
				headerSeen = true
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		proto := strings.ToLower(fields[0])
		proto = strings.TrimSuffix(proto, "4")
		proto = strings.TrimSuffix(proto, "6")
		if proto != "tcp" && proto != "udp" {
			continue
		}

		r, ok := parseDialectRow(goos, proto, fields)
		if !ok {
			continue
		}
		rows = append(rows, r)
	}
	return rows
}

func parseDialectRow(goos, proto string, fields []string) (row, bool) {
	switch goos {
	case "windows":
		return parseWindowsRow(proto, fields)
	default:
		return parseLinuxLikeRow(proto, fields)
	}
}

// parseLinuxLikeRow handles both the Linux `netstat -apntu` dialect and,
// approximately, the macOS `netstat -vanl` dialect: both put local/foreign
// address in fields[3]/fields[4], with an optional state column for TCP and
// a trailing "pid/prog" (Linux) or bare pid (macOS, via lsof correlation)
// column.
func parseLinuxLikeRow(proto string, fields []string) (row, bool) {
	if len(fields) < 5 {
		return row{}, false
	}
	local := fields[3]
	remote := fields[4]

	r := row{Proto: proto, Local: local, Remote: remote}

	idx := 5
	if proto == "tcp" {
		if len(fields) <= idx {
			return row{}, false
		}
		r.State = fields[idx]
		idx++
	}

	if len(fields) > idx {
		r.PID, r.ProcName = parsePIDField(fields[idx])
	}
	return r, true
}

// parseWindowsRow handles `netstat.exe -ano`: Proto Local Foreign [State] PID.
func parseWindowsRow(proto string, fields []string) (row, bool) {
	if len(fields) < 4 {
		return row{}, false
	}
	r := row{Proto: proto, Local: fields[1], Remote: fields[2]}

	if proto == "tcp" {
		if len(fields) < 5 {
			return row{}, false
		}
		r.State = fields[3]
		r.PID, _ = parsePIDField(fields[4])
	} else {
		r.PID, _ = parsePIDField(fields[3])
	}
	return r, true
}

// parsePIDField extracts a pid and optional process name from "pid/progname",
// "process:pid", or a bare integer.
func parsePIDField(s string) (int32, string) {
	if s == "-" || s == "" {
		return 0, ""
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		pid, err := strconv.ParseInt(s[:idx], 10, 32)
		if err != nil {
			return 0, ""
		}
		return int32(pid), s[idx+1:]
	}
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		pid, err := strconv.ParseInt(s[idx+1:], 10, 32)
		if err != nil {
			return 0, ""
		}
		return int32(pid), s[:idx]
	}
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, ""
	}
	return int32(pid), ""
}

func normalizeAddr(host string) string {
	return addrnorm.NormalizeIPv6(host)
}

func isLoopbackEndpoint(host string) bool {
	return addrnorm.IsLoopback(host)
}

// applyRow folds one parsed row into st, per spec §4.2.
func applyRow(st *state, r row, now time.Time) error {
	localHost, localPort, ok := addrnorm.SplitHostPort(r.Local)
	if !ok {
		return fmt.Errorf("%w: unparseable local endpoint %q", errs.ErrNetstatParseMalformed, r.Local)
	}
	remoteHost, remotePort, ok := addrnorm.SplitHostPort(r.Remote)
	if !ok {
		return fmt.Errorf("%w: unparseable remote endpoint %q", errs.ErrNetstatParseMalformed, r.Remote)
	}

	localHost = normalizeAddr(localHost)
	isRemoteWildcard := addrnorm.IsWildcard(r.Remote) || remoteHost == ""
	if !isRemoteWildcard {
		remoteHost = normalizeAddr(remoteHost)
	}

	// Drop loopback/dual-loopback rows (spec §4.2).
	if isLoopbackEndpoint(localHost) || (!isRemoteWildcard && isLoopbackEndpoint(remoteHost)) {
		return nil
	}

	localEndpoint := model.AddrPort(localHost, localPort)

	switch r.Proto {
	case "tcp":
		applyTCPRow(st, r, localEndpoint, localHost, localPort, remoteHost, remotePort, isRemoteWildcard, now)
	case "udp":
		applyUDPRow(st, r, localEndpoint, localHost, localPort, remoteHost, remotePort, isRemoteWildcard, now)
	}
	return nil
}

func applyTCPRow(st *state, r row, localEndpoint, localHost string, localPort uint16, remoteHost string, remotePort uint16, isRemoteWildcard bool, now time.Time) {
	state := model.SocketState(strings.ToUpper(r.State))

	if state == model.StateEstablished && !isRemoteWildcard {
		remoteEndpoint := model.AddrPort(remoteHost, remotePort)
		key := MakeConnKey(localEndpoint, remoteEndpoint, "tcp")
		st.connections[key] = model.NetworkConnection{
			PID: r.PID, ProcName: r.ProcName,
			SrcAddr: localHost, SrcPort: localPort,
			DstAddr: remoteHost, DstPort: remotePort,
			Protocol: "tcp", State: model.StateEstablished,
		}
	}

	if state == model.StateEstablished || state == model.StateListening {
		st.tcpMap[localEndpoint] = model.TCPEndpoint{PID: r.PID, ProcName: r.ProcName, LastSeen: now}
	}
}

func applyUDPRow(st *state, r row, localEndpoint, localHost string, localPort uint16, remoteHost string, remotePort uint16, isRemoteWildcard bool, now time.Time) {
	connState := model.StateEstablished
	if isRemoteWildcard {
		connState = model.StateListening
	}

	remoteEndpoint := localEndpoint // harmless default for the wildcard case
	if !isRemoteWildcard {
		remoteEndpoint = model.AddrPort(remoteHost, remotePort)
	}
	key := MakeConnKey(localEndpoint, remoteEndpoint, "udp")
	st.connections[key] = model.NetworkConnection{
		PID: r.PID, ProcName: r.ProcName,
		SrcAddr: localHost, SrcPort: localPort,
		DstAddr: remoteHost, DstPort: remotePort,
		Protocol: "udp", State: connState,
	}

	mapping := model.UDPPortMapping{
		Port: localPort, Address: localHost,
		PID: r.PID, ProcName: r.ProcName,
		LastSeen: now, IsListener: isRemoteWildcard,
	}
	st.udpMap[localEndpoint] = mapping

	if isRemoteWildcard {
		wildcardKey := fmt.Sprintf(":%d", localPort)
		st.udpMap[wildcardKey] = mapping
	}
}

// evictStaleUDP drops UDP non-listener mappings older than maxAge, at the
// start of each refresh (spec §4.2). Listeners never expire.
func evictStaleUDP(st *state, now time.Time, maxAge time.Duration) {
	for k, m := range st.udpMap {
		if m.IsListener {
			continue
		}
		if now.Sub(m.LastSeen) > maxAge {
			delete(st.udpMap, k)
		}
	}
}
