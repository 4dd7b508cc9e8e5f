package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/privacyradar/netattrib/internal/attribution"
	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/model"
	"github.com/privacyradar/netattrib/internal/procindex"
	"github.com/privacyradar/netattrib/internal/registry"
	"github.com/privacyradar/netattrib/internal/sockindex"
)

type fakeSource struct {
	queued [][]*model.PacketMetadata
	idx    int
}

func (f *fakeSource) Start([]string) error { return nil }
func (f *fakeSource) Stop()                {}
func (f *fakeSource) FlushQueue() []*model.PacketMetadata {
	if f.idx >= len(f.queued) {
		return nil
	}
	batch := f.queued[f.idx]
	f.idx++
	return batch
}

type fakeSock struct{}

func (fakeSock) LookupConnection(a, b, proto string) (model.NetworkConnection, bool) {
	return model.NetworkConnection{}, false
}
func (fakeSock) LookupTCP(string) (model.TCPEndpoint, bool) { return model.TCPEndpoint{}, false }
func (fakeSock) LookupUDP(string) (model.UDPPortMapping, bool) {
	return model.UDPPortMapping{}, false
}
func (fakeSock) IsLocalIP(string) bool                              { return false }
func (fakeSock) PromoteTCP(local, remote string, pid int32, name string) {}
func (fakeSock) PromoteUDP(local, remote string, pid int32, name string) {}

type fakeProcs struct{}

func (fakeProcs) GetName(int32) string       { return "" }
func (fakeProcs) FindRootParent(pid int32) int32 { return pid }

type fakeLocal struct{}

func (fakeLocal) IsLocalIP(string) bool { return false }

func tcpPacket() *model.PacketMetadata {
	return &model.PacketMetadata{
		SrcIP: "203.0.113.5", DstIP: "198.51.100.9",
		SrcPort: 443, DstPort: 51000,
		ProtocolName: "tcp",
		TCP:          &model.TCPHeader{},
		FrameSize:    120,
		Interface:    "eth0",
	}
}

func newAnalyzer(t *testing.T, src PacketSource) *Analyzer {
	t.Helper()
	cfg := config.DefaultConfig()
	proc := procindex.New(cfg.ProcessPollInterval)
	sock, err := sockindex.New(cfg)
	if err != nil {
		t.Fatalf("sockindex.New: %v", err)
	}
	attr := attribution.New(fakeSock{})
	reg := registry.New(cfg, fakeProcs{}, fakeLocal{}, nil)
	var delivered []*model.PacketMetadata
	a := New(cfg, proc, sock, src, attr, reg, func(pkt *model.PacketMetadata) {
		delivered = append(delivered, pkt)
	})
	t.Cleanup(func() { _ = delivered })
	return a
}

func TestProcessTickSurfacesUnmatchedAfterRetryMax(t *testing.T) {
	cfg := config.DefaultConfig()
	pkt := tcpPacket()
	src := &fakeSource{}
	a := newAnalyzer(t, src)

	var seen []*model.PacketMetadata
	a.sink = func(p *model.PacketMetadata) { seen = append(seen, p) }

	// First tick pulls the packet from the source; every subsequent tick
	// re-processes it from the retry queue since no socket data resolves it.
	src.queued = [][]*model.PacketMetadata{{pkt}}

	for i := 0; i <= cfg.RetryMax; i++ {
		a.processTick()
	}

	if len(seen) != 1 {
		t.Fatalf("expected packet surfaced exactly once after exhausting retries, got %d", len(seen))
	}
	if seen[0].ProcName == "" || seen[0].ProcName[:7] != "UNKNOWN" {
		t.Errorf("expected UNKNOWN* proc_name, got %q", seen[0].ProcName)
	}
	if len(a.retry) != 0 {
		t.Errorf("expected retry queue drained after surfacing, got %d", len(a.retry))
	}
}

func TestProcessTickDeliversMatchedImmediately(t *testing.T) {
	pkt := tcpPacket()
	pkt.SrcPort = 9999
	pkt.DstPort = 9998
	pkt.SrcIP = "127.0.0.1"
	pkt.DstIP = "127.0.0.1"
	pkt.ProtocolName = "tcp"

	src := &fakeSource{queued: [][]*model.PacketMetadata{{pkt}}}
	a := newAnalyzer(t, src)

	var seen []*model.PacketMetadata
	a.sink = func(p *model.PacketMetadata) { seen = append(seen, p) }
	a.attr = attribution.New(matchingSock{})

	a.processTick()

	if len(seen) != 1 {
		t.Fatalf("expected one delivered packet, got %d", len(seen))
	}
	if !seen[0].IsMatched() {
		t.Errorf("expected matched packet, got pid=%d proc=%q", seen[0].PID, seen[0].ProcName)
	}
	if len(a.retry) != 0 {
		t.Errorf("expected nothing requeued for a matched packet")
	}
}

type matchingSock struct{ fakeSock }

func (matchingSock) LookupTCP(local string) (model.TCPEndpoint, bool) {
	return model.TCPEndpoint{PID: 42, ProcName: "testproc"}, true
}

func (matchingSock) IsLocalIP(string) bool { return true }

func TestProcessTickEmptyBatchIsNoop(t *testing.T) {
	src := &fakeSource{}
	a := newAnalyzer(t, src)
	a.processTick() // should not panic on an empty batch
	if len(a.retry) != 0 {
		t.Errorf("expected no retry entries from an empty tick")
	}
}

func TestAnalyzerStartStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	a := newAnalyzer(t, src)
	ctx := context.Background()

	if err := a.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx, nil); err != nil {
		t.Fatalf("second Start should be a no-op, got err: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	a.Stop()
	a.Stop() // idempotent
}
