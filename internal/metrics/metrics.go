// Package metrics implements the Metrics Exporter: a prometheus.Collector
// that reads a Registry Manager snapshot on every scrape and renders it as
// Prometheus metrics (spec §6 exporter clarification).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/privacyradar/netattrib/internal/model"
)

// RegistrySource is the subset of *registry.Manager the exporter reads.
type RegistrySource interface {
	Snapshot() (global map[string]model.GlobalRegistry, apps map[string]model.ApplicationRegistry, procs map[string]model.ProcessRegistry)
}

// GeoSource is the subset of *geo.Service the exporter reads.
type GeoSource interface {
	CacheSize() int
	QueueDepth() int
}

// Collector implements prometheus.Collector, rendering a fresh Registry
// Manager snapshot into the netattrib_* metric family on every scrape.
type Collector struct {
	registry RegistrySource
	geo      GeoSource

	appBytesDesc       *prometheus.Desc
	procPacketsDesc    *prometheus.Desc
	interfaceBytesDesc *prometheus.Desc
	geoCacheSizeDesc   *prometheus.Desc
	geoQueueDepthDesc  *prometheus.Desc
}

// New constructs a Collector. geo may be nil if no Geo Service is wired in,
// in which case the geo gauges are omitted from every scrape.
func New(registry RegistrySource, geo GeoSource) *Collector {
	return &Collector{
		registry: registry,
		geo:      geo,
		appBytesDesc: prometheus.NewDesc(
			"netattrib_app_bytes_total",
			"Cumulative bytes attributed to an application, by direction.",
			[]string{"app", "direction"}, nil,
		),
		procPacketsDesc: prometheus.NewDesc(
			"netattrib_process_packets_total",
			"Cumulative packets attributed to a process registry entry.",
			[]string{"process_id"}, nil,
		),
		interfaceBytesDesc: prometheus.NewDesc(
			"netattrib_interface_bytes_total",
			"Cumulative bytes observed on a network interface, by direction.",
			[]string{"interface", "direction"}, nil,
		),
		geoCacheSizeDesc: prometheus.NewDesc(
			"netattrib_geo_cache_size",
			"Number of IPs currently cached by the Geo Service, positive and negative.",
			nil, nil,
		),
		geoQueueDepthDesc: prometheus.NewDesc(
			"netattrib_geo_queue_depth",
			"Number of geolocation lookups currently queued ahead of the Geo Service worker.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.appBytesDesc
	ch <- c.procPacketsDesc
	ch <- c.interfaceBytesDesc
	ch <- c.geoCacheSizeDesc
	ch <- c.geoQueueDepthDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	global, apps, procs := c.registry.Snapshot()

	for _, g := range global {
		ch <- prometheus.MustNewConstMetric(
			c.interfaceBytesDesc, prometheus.CounterValue,
			float64(g.OutboundBytes), g.InterfaceName, "outbound",
		)
		ch <- prometheus.MustNewConstMetric(
			c.interfaceBytesDesc, prometheus.CounterValue,
			float64(g.InboundBytes), g.InterfaceName, "inbound",
		)
	}

	for _, app := range apps {
		ch <- prometheus.MustNewConstMetric(
			c.appBytesDesc, prometheus.CounterValue,
			float64(app.OutboundBytes), app.AppName, "outbound",
		)
		ch <- prometheus.MustNewConstMetric(
			c.appBytesDesc, prometheus.CounterValue,
			float64(app.InboundBytes), app.AppName, "inbound",
		)
	}

	for _, proc := range procs {
		ch <- prometheus.MustNewConstMetric(
			c.procPacketsDesc, prometheus.CounterValue,
			float64(proc.TotalPackets), proc.ID,
		)
	}

	if c.geo != nil {
		ch <- prometheus.MustNewConstMetric(c.geoCacheSizeDesc, prometheus.GaugeValue, float64(c.geo.CacheSize()))
		ch <- prometheus.MustNewConstMetric(c.geoQueueDepthDesc, prometheus.GaugeValue, float64(c.geo.QueueDepth()))
	}
}
