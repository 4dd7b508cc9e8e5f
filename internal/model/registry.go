package model

// GlobalRegistry is the per-interface aggregate, the coarsest of the three
// registry levels.
type GlobalRegistry struct {
	InterfaceName string `json:"interface_name"`
	Stats
}

// InterfaceCounters mirrors Stats' byte/packet counters but scoped to one
// interface, for the per-interface breakdown carried by Application and
// Process registries.
type InterfaceCounters struct {
	Packets      uint64 `json:"packets"`
	BytesSent    uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

// Fold folds one packet's interface-scoped counters.
func (c *InterfaceCounters) Fold(size int, dir Direction) {
	c.Packets++
	switch dir {
	case DirectionOutbound:
		c.BytesSent += uint64(size)
	case DirectionInbound:
		c.BytesReceived += uint64(size)
	}
}

// ApplicationRegistry is the per-app aggregate level.
type ApplicationRegistry struct {
	AppName        string `json:"app_name"`
	AppDisplayName string `json:"app_display_name"`
	Stats

	UniqueRemoteIPs map[string]struct{}          `json:"-"`
	UniqueDomains   map[string]struct{}          `json:"-"`
	GeoLocations    []GeoLocationData            `json:"geo_locations"`
	InterfaceStats  map[string]*InterfaceCounters `json:"-"`

	// ProcessRegistryIDs is ordered and deduplicated (spec §3 invariant).
	ProcessRegistryIDs []string `json:"process_registry_ids"`
	ProcessCount       int      `json:"process_count"`
}

// NewApplicationRegistry creates an empty, lazily-populated application
// registry for appName.
func NewApplicationRegistry(appName, displayName string) *ApplicationRegistry {
	return &ApplicationRegistry{
		AppName:         appName,
		AppDisplayName:  displayName,
		UniqueRemoteIPs: make(map[string]struct{}),
		UniqueDomains:   make(map[string]struct{}),
		InterfaceStats:  make(map[string]*InterfaceCounters),
	}
}

// LinkProcess links a ProcessRegistry id into a, deduplicating and keeping
// ProcessCount consistent with len(ProcessRegistryIDs) (spec §3 invariant).
func (a *ApplicationRegistry) LinkProcess(registryID string) {
	for _, id := range a.ProcessRegistryIDs {
		if id == registryID {
			return
		}
	}
	a.ProcessRegistryIDs = append(a.ProcessRegistryIDs, registryID)
	a.ProcessCount = len(a.ProcessRegistryIDs)
}

// AddRemoteIP records ip as a unique remote address seen by this app.
func (a *ApplicationRegistry) AddRemoteIP(ip string) {
	if ip == "" {
		return
	}
	a.UniqueRemoteIPs[ip] = struct{}{}
}

// InterfaceCounter returns (creating if necessary) the counters for iface.
func (a *ApplicationRegistry) InterfaceCounter(iface string) *InterfaceCounters {
	c, ok := a.InterfaceStats[iface]
	if !ok {
		c = &InterfaceCounters{}
		a.InterfaceStats[iface] = c
	}
	return c
}

// ProcessRegistry is the finest-grained aggregate level, keyed by a synthetic
// id of the form "<app-slug>-<pid>", or "system"/"unknown".
type ProcessRegistry struct {
	ID            string `json:"id"`
	AppName       string `json:"app_name"`
	PID           int32  `json:"pid"`
	ParentPID     int32  `json:"parent_pid"`
	ProcName      string `json:"proc_name"`
	ExePath       string `json:"exe_path,omitempty"`
	IsRootProcess bool   `json:"is_root_process"`
	Stats

	UniqueRemoteIPs map[string]struct{}           `json:"-"`
	GeoLocations    []GeoLocationData             `json:"geo_locations"`
	InterfaceStats  map[string]*InterfaceCounters `json:"-"`
}

// NewProcessRegistry creates an empty process registry.
func NewProcessRegistry(id, appName string, pid, parentPID int32, procName string) *ProcessRegistry {
	return &ProcessRegistry{
		ID:              id,
		AppName:         appName,
		PID:             pid,
		ParentPID:       parentPID,
		ProcName:        procName,
		UniqueRemoteIPs: make(map[string]struct{}),
		InterfaceStats:  make(map[string]*InterfaceCounters),
	}
}

// AddRemoteIP records ip as a unique remote address seen by this process.
func (p *ProcessRegistry) AddRemoteIP(ip string) {
	if ip == "" {
		return
	}
	p.UniqueRemoteIPs[ip] = struct{}{}
}

// InterfaceCounter returns (creating if necessary) the counters for iface.
func (p *ProcessRegistry) InterfaceCounter(iface string) *InterfaceCounters {
	c, ok := p.InterfaceStats[iface]
	if !ok {
		c = &InterfaceCounters{}
		p.InterfaceStats[iface] = c
	}
	return c
}

// MergeGeo folds a geo observation into the registry's geo_locations list,
// keyed by (country, city, as) as required by spec §3/§4.6/§8 scenario 8.
func MergeGeo(locations []GeoLocationData, observation GeoLocationData) []GeoLocationData {
	key := observation.Key()
	for i := range locations {
		if locations[i].Key() == key {
			locations[i].MergeCounters(observation)
			// Fill in descriptive fields the first time we see them.
			if locations[i].Region == "" {
				locations[i].Region = observation.Region
			}
			if locations[i].RegionName == "" {
				locations[i].RegionName = observation.RegionName
			}
			if locations[i].Zip == "" {
				locations[i].Zip = observation.Zip
			}
			if locations[i].ISP == "" {
				locations[i].ISP = observation.ISP
			}
			if locations[i].Org == "" {
				locations[i].Org = observation.Org
			}
			if locations[i].ASName == "" {
				locations[i].ASName = observation.ASName
			}
			return locations
		}
	}
	return append(locations, observation)
}
