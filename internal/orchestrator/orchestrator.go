// Package orchestrator implements the NetworkAnalyzer: it owns every
// component, drives the packet-processing and connection-sync timers, and
// delivers attributed packets to a caller-supplied sink (spec §4.5).
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privacyradar/netattrib/internal/attribution"
	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/errs"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
	"github.com/privacyradar/netattrib/internal/procindex"
	"github.com/privacyradar/netattrib/internal/registry"
	"github.com/privacyradar/netattrib/internal/sockindex"
)

var log = logging.For("orchestrator")

// PacketSource is the subset of *capture.Source the Orchestrator drives.
type PacketSource interface {
	Start(interfaces []string) error
	FlushQueue() []*model.PacketMetadata
	Stop()
}

// Sink receives every attributed packet. Must not block (spec §6).
type Sink func(*model.PacketMetadata)

// Analyzer is the NetworkAnalyzer: the top-level pipeline coordinator.
type Analyzer struct {
	cfg  config.Config
	proc *procindex.Index
	sock *sockindex.Index
	src  PacketSource
	attr *attribution.Engine
	reg  *registry.Manager
	sink Sink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	retry   []*model.PacketMetadata
}

// New constructs an Analyzer wiring together every component.
func New(
	cfg config.Config,
	proc *procindex.Index,
	sock *sockindex.Index,
	src PacketSource,
	attr *attribution.Engine,
	reg *registry.Manager,
	sink Sink,
) *Analyzer {
	return &Analyzer{cfg: cfg, proc: proc, sock: sock, src: src, attr: attr, reg: reg, sink: sink}
}

// Start brings the pipeline up in the order spec.md §4.5 requires: Process
// Index, Socket Index, connection-sync timer, Packet Source, packet
// processing timer. Idempotent: a second Start is a no-op.
func (a *Analyzer) Start(ctx context.Context, interfaces []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	a.proc.Start(groupCtx)
	a.sock.Start(groupCtx)

	group.Go(func() error {
		a.runConnectionSync(groupCtx)
		return nil
	})

	if err := a.src.Start(interfaces); err != nil {
		if !errors.Is(err, errs.ErrNoInterfacesCaptured) {
			cancel()
			a.proc.Stop()
			a.sock.Stop()
			return err
		}
		// Every interface failed to open: keep running with zero traffic.
		log.WithError(err).Warn("no capture interface opened, running with zero traffic")
	}

	group.Go(func() error {
		a.runPacketProcessing(groupCtx)
		return nil
	})

	a.cancel = cancel
	a.group = group
	a.running = true
	return nil
}

// Stop brings the pipeline down in reverse order: timers first (via context
// cancellation), then the Packet Source, then the Socket and Process
// Indices. Idempotent: a second Stop is a no-op.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel := a.cancel
	group := a.group
	a.running = false
	a.mu.Unlock()

	cancel()
	_ = group.Wait()

	a.src.Stop()
	a.sock.Stop()
	a.proc.Stop()
}

func (a *Analyzer) runConnectionSync(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ConnectionSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attribution.Reconcile(a.sock, a.proc.GetName)
		}
	}
}

func (a *Analyzer) runPacketProcessing(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PacketProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.processTick()
		}
	}
}

// processTick implements one packet-processing-timer cycle (spec §4.5
// "Packet processing timer"): drain the packet source, prepend the retry
// queue, attribute each packet, split matched/unmatched, requeue or
// surface, and hand matched packets to the Registry Manager and sink.
func (a *Analyzer) processTick() {
	batch := append(a.retry, a.src.FlushQueue()...)
	a.retry = nil
	if len(batch) == 0 {
		return
	}

	now := time.Now()
	for _, pkt := range batch {
		result := a.attr.Attribute(pkt)
		pkt.ApplyAttribution(result)

		if pkt.IsMatched() {
			a.reg.Process(pkt, now)
			a.deliver(pkt)
			continue
		}

		if pkt.RetryCount < a.cfg.RetryMax {
			pkt.RetryCount++
			a.retry = append(a.retry, pkt)
			continue
		}

		// Retries exhausted: surface as-is, keeping the UNKNOWN* tag.
		a.deliver(pkt)
	}
}

func (a *Analyzer) deliver(pkt *model.PacketMetadata) {
	if a.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn("packet sink panicked")
		}
	}()
	a.sink(pkt)
}
