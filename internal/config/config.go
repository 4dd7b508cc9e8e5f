// Package config holds the plain tunables of the attribution engine
// (spec §6). Loading these from a file or flags is an external collaborator's
// job; this package only defines the struct and its defaults.
package config

import "time"

// Config carries every interval, timeout, and limit named in spec.md §6.
type Config struct {
	ProcessPollInterval    time.Duration
	ConnectionPollInterval time.Duration
	ConnectionSyncInterval time.Duration
	PacketProcessInterval  time.Duration

	UDPStaleAge     time.Duration
	NetstatTimeout  time.Duration
	LsofTimeout     time.Duration
	RetryMax        int
	GeoBatchSize    int
	GeoRateLimit    time.Duration
	GeoCallerTimeout time.Duration

	// CaptureBufferSize is the pcap kernel buffer size in bytes (0xA00000).
	CaptureBufferSize int
	// CaptureSnapLen is the max bytes captured per frame.
	CaptureSnapLen int32
	// CaptureBPFFilter is empty by default (no filter).
	CaptureBPFFilter string

	// GeoAPIBaseURL is the ip-api.com endpoint base.
	GeoAPIBaseURL string
	// PublicIPURL is the ipify endpoint used for get_public_ip().
	PublicIPURL string
}

// DefaultConfig returns the constants table from spec.md §6.
func DefaultConfig() Config {
	return Config{
		ProcessPollInterval:    1000 * time.Millisecond,
		ConnectionPollInterval: 300 * time.Millisecond,
		ConnectionSyncInterval: 1000 * time.Millisecond,
		PacketProcessInterval:  100 * time.Millisecond,

		UDPStaleAge:      30 * time.Second,
		NetstatTimeout:   5000 * time.Millisecond,
		LsofTimeout:      2000 * time.Millisecond,
		RetryMax:         3,
		GeoBatchSize:     10,
		GeoRateLimit:     700 * time.Millisecond,
		GeoCallerTimeout: 30 * time.Second,

		CaptureBufferSize: 0xA00000,
		CaptureSnapLen:    65535,
		CaptureBPFFilter:  "",

		GeoAPIBaseURL: "http://ip-api.com/json/",
		PublicIPURL:   "https://api.ipify.org/?format=json",
	}
}
