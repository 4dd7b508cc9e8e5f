// Package sockindex periodically invokes the platform netstat equivalent and
// maintains the three socket maps the Attribution Engine consults: the
// bidirectional connection set, the TCP local-endpoint map, and the UDP
// local-endpoint map (spec §4.2).
package sockindex

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/privacyradar/netattrib/internal/addrnorm"
	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/errs"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
)

var log = logging.For("sockindex")

// ConnKey is the bidirectional 5-tuple key: commutative in its two
// endpoints, so key(a, b, proto) == key(b, a, proto) (spec §4.4, §8
// invariant).
type ConnKey struct {
	EndpointA string
	EndpointB string
	Protocol  string
}

// MakeConnKey builds the commutative key from two "<addr>:<port>" endpoint
// strings and a protocol name.
func MakeConnKey(endpointA, endpointB, protocol string) ConnKey {
	if endpointA > endpointB {
		endpointA, endpointB = endpointB, endpointA
	}
	return ConnKey{EndpointA: endpointA, EndpointB: endpointB, Protocol: protocol}
}

type state struct {
	connections map[ConnKey]model.NetworkConnection
	tcpMap      map[string]model.TCPEndpoint
	udpMap      map[string]model.UDPPortMapping
}

func emptyState() *state {
	return &state{
		connections: make(map[ConnKey]model.NetworkConnection),
		tcpMap:      make(map[string]model.TCPEndpoint),
		udpMap:      make(map[string]model.UDPPortMapping),
	}
}

// Index maintains the Socket Index's three maps, replaced as a unit on each
// refresh so readers always see old-or-new, never partial (spec §5).
type Index struct {
	cfg        config.Config
	current    atomic.Pointer[state]
	refreshing atomic.Bool // self-serializing guard for T2 (spec §5)

	// mapMu guards in-place mutation of the currently loaded state's maps
	// (promote, FillMissingProcNames) against concurrent readers (LookupTCP,
	// LookupUDP, LookupConnection, Connections) and against each other.
	// Refresh builds its replacement state independently, but it also reads
	// the outgoing state's udpMap to carry forward still-live entries, so it
	// takes the read lock for that copy too.
	mapMu sync.RWMutex

	localIPs atomic.Pointer[map[string]struct{}]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Socket Index. Returns errs.ErrUnsupportedPlatform if
// GOOS has no known netstat dialect (the one error kind allowed to
// propagate out of construction, per spec §7).
func New(cfg config.Config) (*Index, error) {
	if _, _, err := netstatCommand(runtime.GOOS); err != nil {
		return nil, err
	}
	idx := &Index{cfg: cfg}
	idx.current.Store(emptyState())
	localIPs := make(map[string]struct{})
	idx.localIPs.Store(&localIPs)
	idx.refreshLocalIPs()
	return idx, nil
}

// netstatCommand returns the subprocess name/args for the platform netstat
// dialect (spec §6).
func netstatCommand(goos string) (name string, args []string, err error) {
	switch goos {
	case "linux":
		return "netstat", []string{"-apntu"}, nil
	case "darwin":
		return "netstat", []string{"-vanl"}, nil
	case "windows":
		return "netstat.exe", []string{"-ano"}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedPlatform, goos)
	}
}

// Start begins periodic refreshing on cfg.ConnectionPollInterval (T2, spec
// §5), doing one refresh immediately. Call Stop to halt it. Idempotent: a
// second Start before Stop is a no-op.
func (idx *Index) Start(ctx context.Context) {
	if idx.stopCh != nil {
		return
	}
	idx.stopCh = make(chan struct{})
	idx.doneCh = make(chan struct{})

	idx.Refresh(ctx)

	go func() {
		defer close(idx.doneCh)
		ticker := time.NewTicker(idx.cfg.ConnectionPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-idx.stopCh:
				return
			case <-ticker.C:
				idx.Refresh(ctx)
			}
		}
	}()
}

// Stop halts periodic refreshing and waits for the background goroutine to
// exit. Idempotent: a second Stop is a no-op.
func (idx *Index) Stop() {
	if idx.stopCh == nil {
		return
	}
	select {
	case <-idx.stopCh:
	default:
		close(idx.stopCh)
	}
	<-idx.doneCh
}

// Refresh invokes netstat, parses its output, and atomically swaps in the
// new socket maps. On invocation failure, it logs and leaves the prior
// index intact (spec §4.2, §7). Refresh self-serializes: a refresh in
// progress causes a subsequent call to no-op (spec §5, T2).
func (idx *Index) Refresh(ctx context.Context) {
	if !idx.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer idx.refreshing.Store(false)

	out, err := idx.runNetstat(ctx)
	if err != nil {
		log.WithError(err).Debug("netstat invocation failed, keeping previous index")
		return
	}

	rows := parseRows(runtime.GOOS, out)
	now := time.Now()

	next := emptyState()
	// UDP non-listener mappings carry forward across refreshes so they can
	// age out after an idle threshold rather than vanishing the instant
	// netstat stops reporting them (spec §3 lifecycle, §4.2). TCP map and
	// the connection set are rebuilt fresh each refresh since netstat always
	// reports the currently-open set for those.
	prev := idx.current.Load()
	idx.mapMu.RLock()
	for k, v := range prev.udpMap {
		next.udpMap[k] = v
	}
	idx.mapMu.RUnlock()
	evictStaleUDP(next, now, idx.cfg.UDPStaleAge)

	for _, row := range rows {
		if err := applyRow(next, row, now); err != nil {
			log.WithError(err).Debug("skipping malformed netstat row")
		}
	}

	idx.current.Store(next)
	idx.refreshLocalIPs()
}

// runNetstat executes the platform netstat with a bounded timeout and a
// bounded output buffer, retrying transient launch failures with a short
// backoff before giving up (spec §4.2, §6).
func (idx *Index) runNetstat(parent context.Context) ([]byte, error) {
	name, args, err := netstatCommand(runtime.GOOS)
	if err != nil {
		return nil, err
	}

	var out []byte
	operation := func() error {
		ctx, cancel := context.WithTimeout(parent, idx.cfg.NetstatTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, name, args...)
		var stdout, stderr bytes.Buffer
		stdout.Grow(10 * 1024 * 1024)
		cmd.Stdout = &boundedWriter{buf: &stdout, limit: 10 * 1024 * 1024}
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		if stderr.Len() > 0 {
			log.WithField("stderr", stderr.String()).Debug("netstat stderr")
		}
		if runErr != nil {
			return fmt.Errorf("%w: %v", errs.ErrNetstatInvocationFailed, runErr)
		}
		out = stdout.Bytes()
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return out, nil
}

// boundedWriter caps the number of bytes accepted from a subprocess, per
// spec §4.2 "bounded output buffer (≥ 10 MiB)".
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // silently drop past the cap
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	return w.buf.Write(p)
}

func (idx *Index) refreshLocalIPs() {
	ips := make(map[string]struct{})
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range ifaces {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			if ip.To4() != nil {
				ips[ip.String()] = struct{}{}
			} else {
				ips[addrnorm.NormalizeIPv6(ip.String())] = struct{}{}
			}
		}
	}
	idx.localIPs.Store(&ips)
}

// IsLocalIP reports whether addr is one of this host's local addresses.
func (idx *Index) IsLocalIP(addr string) bool {
	ips := idx.localIPs.Load()
	if ips == nil {
		return false
	}
	_, ok := (*ips)[addr]
	return ok
}

// LookupConnection looks up a bidirectional connection by its commutative
// key (spec §4.4 rule 2).
func (idx *Index) LookupConnection(endpointA, endpointB, protocol string) (model.NetworkConnection, bool) {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	st := idx.current.Load()
	c, ok := st.connections[MakeConnKey(endpointA, endpointB, protocol)]
	return c, ok
}

// LookupTCP looks up the TCP local-endpoint map by "<addr>:<port>" (spec
// §4.4 rule 3).
func (idx *Index) LookupTCP(localEndpoint string) (model.TCPEndpoint, bool) {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	st := idx.current.Load()
	e, ok := st.tcpMap[localEndpoint]
	return e, ok
}

// LookupUDP looks up the UDP local-endpoint map by "<addr>:<port>" (spec
// §4.4 rule 4).
func (idx *Index) LookupUDP(localEndpoint string) (model.UDPPortMapping, bool) {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	st := idx.current.Load()
	m, ok := st.udpMap[localEndpoint]
	return m, ok
}

// PromoteTCP inserts (or refreshes) a connection map entry discovered via
// the TCP fallback path, per spec §4.4 rule 3 ("promote this pairing into
// the connection map").
func (idx *Index) PromoteTCP(localEndpoint, remoteEndpoint string, pid int32, procName string) {
	idx.promote(localEndpoint, remoteEndpoint, "tcp", pid, procName)
}

// PromoteUDP is the UDP-fallback equivalent of PromoteTCP (spec §4.4 rule 4).
func (idx *Index) PromoteUDP(localEndpoint, remoteEndpoint string, pid int32, procName string) {
	idx.promote(localEndpoint, remoteEndpoint, "udp", pid, procName)
}

func (idx *Index) promote(localEndpoint, remoteEndpoint, protocol string, pid int32, procName string) {
	idx.mapMu.Lock()
	defer idx.mapMu.Unlock()
	st := idx.current.Load()
	key := MakeConnKey(localEndpoint, remoteEndpoint, protocol)
	st.connections[key] = model.NetworkConnection{
		PID:      pid,
		ProcName: procName,
		SrcAddr:  localEndpoint,
		DstAddr:  remoteEndpoint,
		Protocol: protocol,
		State:    model.StateEstablished,
	}
}

// FillMissingProcNames asks resolveName for any TCP/UDP map entry with an
// empty ProcName, filling it in. This backs the background reconciliation
// in spec §4.4 ("update_proc_con_info... fills in missing proc_name").
func (idx *Index) FillMissingProcNames(resolveName func(pid int32) string) {
	idx.mapMu.Lock()
	defer idx.mapMu.Unlock()
	st := idx.current.Load()
	for k, v := range st.tcpMap {
		if v.ProcName == "" {
			if name := resolveName(v.PID); name != "" {
				v.ProcName = name
				st.tcpMap[k] = v
			}
		}
	}
	for k, v := range st.udpMap {
		if v.ProcName == "" {
			if name := resolveName(v.PID); name != "" {
				v.ProcName = name
				st.udpMap[k] = v
			}
		}
	}
}

// Connections returns a snapshot slice of all known connections, sorted by
// SrcAddr (tests, debugging). The order of connections sharing a SrcAddr is
// not defined.
func (idx *Index) Connections() []model.NetworkConnection {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	st := idx.current.Load()
	out := make([]model.NetworkConnection, 0, len(st.connections))
	for _, c := range st.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SrcAddr < out[j].SrcAddr })
	return out
}
