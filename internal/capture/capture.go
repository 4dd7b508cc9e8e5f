// Package capture is the Packet Source & Decoder: one pcap handle per
// interface, copying each frame into an owned buffer before handing it to
// the decoder and pushing the result onto an internal queue (spec §4.3).
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/hashicorp/go-multierror"

	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/errs"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
)

var log = logging.For("capture")

// Source owns one pcap.Handle per interface and an internal unbounded
// packet queue.
type Source struct {
	cfg config.Config

	mu      sync.Mutex
	queue   []*model.PacketMetadata
	handles map[string]*pcap.Handle
	wg      sync.WaitGroup
}

// New constructs a Packet Source. Call Start to open handles and begin
// capturing.
func New(cfg config.Config) *Source {
	return &Source{cfg: cfg, handles: make(map[string]*pcap.Handle)}
}

// Start opens one capture handle per named interface and begins a capture
// goroutine for each. Per-interface open failures are collected and logged
// but do not stop the others; if every interface fails to open, Start
// returns errs.ErrNoInterfacesCaptured (spec §4.3, §7).
func (s *Source) Start(interfaces []string) error {
	var openErrs error
	opened := 0

	for _, name := range interfaces {
		handle, err := s.openHandle(name)
		if err != nil {
			openErrs = multierror.Append(openErrs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		opened++
		s.mu.Lock()
		s.handles[name] = handle
		s.mu.Unlock()

		s.wg.Add(1)
		go s.captureLoop(name, handle)
	}

	if opened == 0 {
		if openErrs != nil {
			return fmt.Errorf("%w: %v", errs.ErrNoInterfacesCaptured, openErrs)
		}
		return errs.ErrNoInterfacesCaptured
	}
	if openErrs != nil {
		log.WithError(openErrs).Warn("some interfaces failed to open for capture")
	}
	return nil
}

// openHandle configures a handle exactly as spec §4.3/§6 require: snap
// length 65535, the configured kernel buffer size, promiscuous mode, and an
// empty BPF filter by default.
func (s *Source) openHandle(iface string) (*pcap.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCaptureOpenFailed, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(s.cfg.CaptureSnapLen)); err != nil {
		return nil, fmt.Errorf("%w: snaplen: %v", errs.ErrCaptureOpenFailed, err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("%w: promisc: %v", errs.ErrCaptureOpenFailed, err)
	}
	if err := inactive.SetBufferSize(s.cfg.CaptureBufferSize); err != nil {
		return nil, fmt.Errorf("%w: buffer size: %v", errs.ErrCaptureOpenFailed, err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return nil, fmt.Errorf("%w: timeout: %v", errs.ErrCaptureOpenFailed, err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("%w: activate: %v", errs.ErrCaptureOpenFailed, err)
	}

	if s.cfg.CaptureBPFFilter != "" {
		if err := handle.SetBPFFilter(s.cfg.CaptureBPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("%w: bpf filter: %v", errs.ErrCaptureOpenFailed, err)
		}
	}

	return handle, nil
}

// captureLoop copies every frame into an owned buffer, decodes it, and
// enqueues the result. Malformed frames are dropped with a debug log (spec
// §7 CaptureDecodeMalformed); the loop exits once the handle is closed.
func (s *Source) captureLoop(iface string, handle *pcap.Handle) {
	defer s.wg.Done()
	for {
		data, _, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			// Any other read error (including "handle closed") ends this
			// interface's loop; other interfaces are unaffected.
			log.WithError(err).WithField("interface", iface).Debug("capture read ended")
			return
		}

		owned := make([]byte, len(data))
		copy(owned, data)

		pkt, err := decodeFrame(owned, iface, time.Now())
		if err != nil {
			log.WithError(err).WithField("interface", iface).Debug("dropping malformed frame")
			continue
		}
		s.enqueue(pkt)
	}
}

func (s *Source) enqueue(pkt *model.PacketMetadata) {
	s.mu.Lock()
	s.queue = append(s.queue, pkt)
	s.mu.Unlock()
}

// FlushQueue atomically drains and returns all queued packets (spec §4.3).
func (s *Source) FlushQueue() []*model.PacketMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	drained := s.queue
	s.queue = nil
	return drained
}

// Stop closes every handle; any individual close failure is logged and does
// not prevent the rest from stopping (spec §4.3 "Cancellation").
func (s *Source) Stop() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*pcap.Handle)
	s.mu.Unlock()

	for name, h := range handles {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("interface", name).Warn("panic closing capture handle")
				}
			}()
			h.Close()
		}()
	}
	s.wg.Wait()
}
