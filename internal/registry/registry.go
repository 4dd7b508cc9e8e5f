// Package registry implements the Registry Manager: it incrementally folds
// each attributed packet into the three rollup levels (global per-interface,
// per-application, per-process) and schedules asynchronous geolocation
// enrichment (spec §4.6).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
)

var log = logging.For("registry")

// ProcessLookup is the subset of *procindex.Index the Registry Manager needs
// to resolve a friendly application name.
type ProcessLookup interface {
	GetName(pid int32) string
	FindRootParent(pid int32) int32
}

// LocalIPChecker reports whether an address belongs to this host, used to
// determine packet direction (spec §4.6 "Direction determination").
type LocalIPChecker interface {
	IsLocalIP(addr string) bool
}

// GeoLookup resolves a remote IP to geolocation data. Implementations may
// suspend (HTTP, queueing) — the Registry Manager always calls it from a
// background goroutine, never from the packet-processing path.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (model.GeoLocationData, error)
}

// Manager owns the three registry maps. All mutation happens under a single
// mutex: T4 (packet processing) and the geo-update closures spawned by
// scheduleGeo both take it, satisfying the spec §5 requirement that geo
// updates serialize with packet-processing access to the same registry.
type Manager struct {
	cfg   config.Config
	procs ProcessLookup
	local LocalIPChecker
	geo   GeoLookup

	mu      sync.Mutex
	global  map[string]*model.GlobalRegistry
	apps    map[string]*model.ApplicationRegistry
	procReg map[string]*model.ProcessRegistry
}

// New constructs an empty Registry Manager.
func New(cfg config.Config, procs ProcessLookup, local LocalIPChecker, geo GeoLookup) *Manager {
	return &Manager{
		cfg:     cfg,
		procs:   procs,
		local:   local,
		geo:     geo,
		global:  make(map[string]*model.GlobalRegistry),
		apps:    make(map[string]*model.ApplicationRegistry),
		procReg: make(map[string]*model.ProcessRegistry),
	}
}

// Process folds one attributed packet into all three registry levels (spec
// §4.6 steps 1-5). pkt must already have run through the Attribution Engine.
func (m *Manager) Process(pkt *model.PacketMetadata, now time.Time) {
	dir, remoteIP := m.classifyDirection(pkt)

	m.mu.Lock()
	g := m.lookupOrCreateGlobal(pkt.Interface)
	g.Fold(pkt.IsIPv4(), pkt.IsIPv6(), pkt.IsTCP(), pkt.IsUDP(), pkt.FrameSize, dir, now)
	g.InterfaceName = pkt.Interface

	appName, registryID := m.classifyApp(pkt)

	proc := m.lookupOrCreateProcess(registryID, appName, pkt)
	proc.Fold(pkt.IsIPv4(), pkt.IsIPv6(), pkt.IsTCP(), pkt.IsUDP(), pkt.FrameSize, dir, now)
	proc.AddRemoteIP(remoteIP)
	proc.InterfaceCounter(pkt.Interface).Fold(pkt.FrameSize, dir)

	app := m.lookupOrCreateApp(appName)
	app.LinkProcess(registryID)
	app.Fold(pkt.IsIPv4(), pkt.IsIPv6(), pkt.IsTCP(), pkt.IsUDP(), pkt.FrameSize, dir, now)
	app.AddRemoteIP(remoteIP)
	app.InterfaceCounter(pkt.Interface).Fold(pkt.FrameSize, dir)
	m.recomputeAppGeo(app)
	m.mu.Unlock()

	if remoteIP != "" && m.geo != nil {
		m.scheduleGeo(registryID, appName, remoteIP, dir, pkt.FrameSize)
	}
}

// classifyDirection implements spec §4.6 "Direction determination" and
// returns the non-local ("remote") side's address, or "" when direction is
// unknown.
func (m *Manager) classifyDirection(pkt *model.PacketMetadata) (model.Direction, string) {
	srcLocal := m.local != nil && m.local.IsLocalIP(pkt.SrcIP)
	dstLocal := m.local != nil && m.local.IsLocalIP(pkt.DstIP)

	switch {
	case srcLocal && !dstLocal:
		return model.DirectionOutbound, pkt.DstIP
	case dstLocal && !srcLocal:
		return model.DirectionInbound, pkt.SrcIP
	default:
		return model.DirectionUnknown, ""
	}
}

// classifyApp implements spec §4.6 step 2: system/unknown/resolved-app
// classification and registry_id synthesis.
func (m *Manager) classifyApp(pkt *model.PacketMetadata) (appName, registryID string) {
	if pkt.ProcName == "SYSTEM" {
		return "System", "system"
	}
	if !model.Matched(pkt.PID, pkt.ProcName) {
		return "Unknown", "unknown"
	}

	name, ok := friendlyNameFor(pkt.ProcName)
	if !ok {
		rootPID := m.procs.FindRootParent(pkt.PID)
		rootName := m.procs.GetName(rootPID)
		if rootName == "" {
			rootName = pkt.ProcName
		}
		name = titleCase(rootName)
	}
	return name, fmt.Sprintf("%s-%d", slugify(name), pkt.PID)
}

func (m *Manager) lookupOrCreateGlobal(iface string) *model.GlobalRegistry {
	g, ok := m.global[iface]
	if !ok {
		g = &model.GlobalRegistry{InterfaceName: iface}
		m.global[iface] = g
	}
	return g
}

func (m *Manager) lookupOrCreateProcess(registryID, appName string, pkt *model.PacketMetadata) *model.ProcessRegistry {
	p, ok := m.procReg[registryID]
	if !ok {
		rootPID := pkt.PID
		if pkt.PID > 0 {
			rootPID = m.procs.FindRootParent(pkt.PID)
		}
		p = model.NewProcessRegistry(registryID, appName, pkt.PID, rootPID, pkt.ProcName)
		p.IsRootProcess = rootPID == pkt.PID
		m.procReg[registryID] = p
	}
	return p
}

func (m *Manager) lookupOrCreateApp(appName string) *model.ApplicationRegistry {
	a, ok := m.apps[appName]
	if !ok {
		a = model.NewApplicationRegistry(appName, appName)
		m.apps[appName] = a
	}
	return a
}

// recomputeAppGeo rebuilds app.GeoLocations by aggregating every linked
// ProcessRegistry's geo entries (spec §4.6 step 5).
func (m *Manager) recomputeAppGeo(app *model.ApplicationRegistry) {
	var merged []model.GeoLocationData
	for _, id := range app.ProcessRegistryIDs {
		p, ok := m.procReg[id]
		if !ok {
			continue
		}
		for _, loc := range p.GeoLocations {
			merged = model.MergeGeo(merged, loc)
		}
	}
	app.GeoLocations = merged
}

// scheduleGeo looks up remoteIP asynchronously and, on success, merges the
// result into the owning ProcessRegistry's geo_locations (spec §4.6
// "Geolocation update"). Failures are swallowed with a debug log; packet
// processing is never blocked.
func (m *Manager) scheduleGeo(registryID, appName, remoteIP string, dir model.Direction, size int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GeoCallerTimeout)
		defer cancel()

		data, err := m.geo.Lookup(ctx, remoteIP)
		if err != nil {
			log.WithError(err).WithField("ip", remoteIP).Debug("geo lookup failed")
			return
		}
		if !data.HasLocationData() {
			return
		}

		observation := data
		observation.IPs = []string{remoteIP}
		observation.PacketCount = 1
		switch dir {
		case model.DirectionOutbound:
			observation.BytesSent = uint64(size)
		case model.DirectionInbound:
			observation.BytesReceived = uint64(size)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.procReg[registryID]
		if !ok {
			return
		}
		p.GeoLocations = model.MergeGeo(p.GeoLocations, observation)
		if app, ok := m.apps[appName]; ok {
			m.recomputeAppGeo(app)
		}
	}()
}

// Snapshot returns point-in-time copies of the three registry maps, safe for
// a caller to serialize independently of ongoing mutation (spec §6
// "Snapshot sink").
func (m *Manager) Snapshot() (global map[string]model.GlobalRegistry, apps map[string]model.ApplicationRegistry, procs map[string]model.ProcessRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	global = make(map[string]model.GlobalRegistry, len(m.global))
	for k, v := range m.global {
		global[k] = *v
	}
	apps = make(map[string]model.ApplicationRegistry, len(m.apps))
	for k, v := range m.apps {
		apps[k] = *v
	}
	procs = make(map[string]model.ProcessRegistry, len(m.procReg))
	for k, v := range m.procReg {
		procs[k] = *v
	}
	return global, apps, procs
}

// SessionStats summarizes the current registry state for a shutdown banner
// (adapted from the teacher's terminal session summary).
func (m *Manager) SessionStats(start time.Time) model.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats model.SessionStats
	stats.Duration = time.Since(start)

	top := make([]model.ProcessCumulative, 0, len(m.procReg))
	for _, p := range m.procReg {
		stats.TotalUp += p.TotalBytesSent
		stats.TotalDown += p.TotalBytesReceived
		top = append(top, model.ProcessCumulative{
			PID: p.PID, Name: p.ProcName,
			BytesUp: p.TotalBytesSent, BytesDown: p.TotalBytesReceived,
		})
	}

	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			totalI := top[i].BytesUp + top[i].BytesDown
			totalJ := top[j].BytesUp + top[j].BytesDown
			if totalJ > totalI {
				top[i], top[j] = top[j], top[i]
			}
		}
	}
	if len(top) > 5 {
		top = top[:5]
	}
	stats.TopProcess = top
	return stats
}
