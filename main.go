package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privacyradar/netattrib/internal/attribution"
	"github.com/privacyradar/netattrib/internal/capture"
	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/geo"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/metrics"
	"github.com/privacyradar/netattrib/internal/model"
	"github.com/privacyradar/netattrib/internal/orchestrator"
	"github.com/privacyradar/netattrib/internal/procindex"
	"github.com/privacyradar/netattrib/internal/registry"
	"github.com/privacyradar/netattrib/internal/sockindex"
)

var log = logging.For("main")

func main() {
	ifaceFlag := flag.String("interfaces", "", "Comma-separated capture interfaces (default: all non-loopback)")
	bpfFlag := flag.String("bpf", "", "BPF filter applied to every capture handle")
	metricsAddrFlag := flag.String("metrics-addr", ":9464", "Address the Prometheus exporter listens on")
	jsonFlag := flag.Bool("json", false, "Stream attributed packets as JSONL to stdout")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *bpfFlag != "" {
		cfg.CaptureBPFFilter = *bpfFlag
	}

	interfaces, err := resolveInterfaces(*ifaceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve capture interfaces: %v\n", err)
		os.Exit(1)
	}
	if len(interfaces) == 0 {
		fmt.Fprintln(os.Stderr, "no capture interfaces found")
		os.Exit(1)
	}

	proc := procindex.New(cfg.ProcessPollInterval)
	sock, err := sockindex.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init socket index: %v\n", err)
		os.Exit(1)
	}
	geoSvc := geo.New(cfg)
	defer geoSvc.Close()

	reg := registry.New(cfg, proc, sock, geoSvc)
	attr := attribution.New(sock)
	src := capture.New(cfg)

	var sink orchestrator.Sink
	if *jsonFlag {
		sink = jsonSink(os.Stdout)
	}

	analyzer := orchestrator.New(cfg, proc, sock, src, attr, reg, sink)

	collector := metrics.New(reg, geoSvc)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collector)
	httpSrv := &http.Server{Addr: *metricsAddrFlag, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := analyzer.Start(ctx, interfaces); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	log.WithField("interfaces", interfaces).Info("attribution engine running")

	<-ctx.Done()
	log.Info("shutting down")
	analyzer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	stats := reg.SessionStats(start)
	fmt.Print(stats.Summary())
}

// resolveInterfaces returns the explicit comma-separated list in raw, or,
// when raw is empty, every pcap-visible device that has at least one address
// and is not named "lo" or "lo0".
func resolveInterfaces(raw string) ([]string, error) {
	if raw != "" {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}

	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range devices {
		if len(d.Addresses) == 0 {
			continue
		}
		if d.Name == "lo" || d.Name == "lo0" {
			continue
		}
		out = append(out, d.Name)
	}
	return out, nil
}

// jsonSink renders every attributed packet as one JSON line, for piping into
// downstream tooling without the metrics exporter.
func jsonSink(w *os.File) orchestrator.Sink {
	enc := json.NewEncoder(w)
	return func(pkt *model.PacketMetadata) {
		if err := enc.Encode(pkt); err != nil {
			log.WithError(err).Debug("failed to encode packet as json")
		}
	}
}
