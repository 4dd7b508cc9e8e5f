package model

// GeoLocationData is the enrichment result for a remote IP, either fetched
// from the upstream geolocation API or aggregated across several IPs that
// share a (country, city, as) key within a registry.
type GeoLocationData struct {
	Country    string `json:"country,omitempty"`
	Region     string `json:"region,omitempty"`
	RegionName string `json:"region_name,omitempty"`
	City       string `json:"city,omitempty"`
	Zip        string `json:"zip,omitempty"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	ISP        string `json:"isp,omitempty"`
	Org        string `json:"org,omitempty"`
	AS         string `json:"as,omitempty"`
	ASName     string `json:"asname,omitempty"`
	Mobile     bool   `json:"mobile,omitempty"`
	Proxy      bool   `json:"proxy,omitempty"`
	Hosting    bool   `json:"hosting,omitempty"`

	IPs          []string `json:"ips"`
	PacketCount  uint64   `json:"packet_count"`
	BytesSent    uint64   `json:"bytes_sent"`
	BytesReceived uint64  `json:"bytes_received"`
}

// GeoKey is the (country, city, as) triple that two GeoLocationData entries
// must share to be considered the same location for aggregation purposes
// (spec §3 invariants, §4.6 step 5, §8 scenario 8).
type GeoKey struct {
	Country string
	City    string
	AS      string
}

// Key returns g's aggregation key.
func (g GeoLocationData) Key() GeoKey {
	return GeoKey{Country: g.Country, City: g.City, AS: g.AS}
}

// HasLocationData reports whether g carries any of the three fields that
// make it eligible to be merged into a registry's geo_locations list (spec
// §4.6: "If the response has any of {country, city, as}").
func (g GeoLocationData) HasLocationData() bool {
	return g.Country != "" || g.City != "" || g.AS != ""
}

// AddIP appends ip to g.IPs if not already present (deduplication per spec
// §3, GeoLocationData.ips "list, deduped").
func (g *GeoLocationData) AddIP(ip string) {
	for _, existing := range g.IPs {
		if existing == ip {
			return
		}
	}
	g.IPs = append(g.IPs, ip)
}

// MergeCounters folds another geo observation's counters into g (used both
// when accumulating a single registry's hits and when the Application
// Registry aggregates across its child Process Registries).
func (g *GeoLocationData) MergeCounters(other GeoLocationData) {
	g.PacketCount += other.PacketCount
	g.BytesSent += other.BytesSent
	g.BytesReceived += other.BytesReceived
	for _, ip := range other.IPs {
		g.AddIP(ip)
	}
}
