// Package procindex maintains a pid → ProcDetails cache refreshed from a
// live OS process enumeration (spec §4.1).
package procindex

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
)

var log = logging.For("procindex")

type snapshot struct {
	byPID map[int32]model.ProcDetails
}

// Index maintains a cache of running processes, refreshed periodically.
// Readers observe either the old or the new full snapshot, never a torn one
// (spec §4.1, "concurrency").
type Index struct {
	current atomic.Pointer[snapshot]

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a process index that has not yet been populated; call
// Refresh or Start before using it.
func New(interval time.Duration) *Index {
	idx := &Index{interval: interval}
	idx.current.Store(&snapshot{byPID: make(map[int32]model.ProcDetails)})
	return idx
}

// Start begins periodic refreshing on idx.interval, doing one refresh
// immediately. Call Stop to halt it. Idempotent: a second Start before Stop
// is a no-op.
func (idx *Index) Start(ctx context.Context) {
	if idx.stopCh != nil {
		return
	}
	idx.stopCh = make(chan struct{})
	idx.doneCh = make(chan struct{})

	idx.Refresh()

	go func() {
		defer close(idx.doneCh)
		ticker := time.NewTicker(idx.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-idx.stopCh:
				return
			case <-ticker.C:
				idx.Refresh()
			}
		}
	}()
}

// Stop halts periodic refreshing and waits for the background goroutine to
// exit.
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

// Refresh replaces the cache atomically from a fresh OS enumeration. On
// failure, it logs and leaves the previous snapshot intact (spec §4.1).
func (idx *Index) Refresh() {
	procs, err := process.Processes()
	if err != nil {
		log.WithError(err).Debug("process enumeration failed, keeping previous snapshot")
		return
	}

	byPID := make(map[int32]model.ProcDetails, len(procs))
	for _, p := range procs {
		name, _ := p.Name()
		cmd, _ := p.Cmdline()
		ppid, _ := p.Ppid()
		byPID[p.Pid] = model.ProcDetails{
			PID:       p.Pid,
			Name:      name,
			Cmd:       cmd,
			ParentPID: ppid,
		}
	}

	idx.current.Store(&snapshot{byPID: byPID})
}

// Get returns the details for pid, if known.
func (idx *Index) Get(pid int32) (model.ProcDetails, bool) {
	snap := idx.current.Load()
	d, ok := snap.byPID[pid]
	return d, ok
}

// GetName returns the process name for pid, or "" if unknown.
func (idx *Index) GetName(pid int32) string {
	d, ok := idx.Get(pid)
	if !ok {
		return ""
	}
	return d.Name
}

// FindRootParent walks the parent chain of pid until it reaches a process
// whose parent is either 0 or not present in the cache, returning that
// ancestor's pid. The walk is bounded at the cache size to stay cycle-safe
// (spec §4.1).
func (idx *Index) FindRootParent(pid int32) int32 {
	snap := idx.current.Load()
	bound := len(snap.byPID) + 1
	current := pid

	for i := 0; i < bound; i++ {
		d, ok := snap.byPID[current]
		if !ok {
			return current
		}
		if d.ParentPID == 0 {
			return current
		}
		if _, parentKnown := snap.byPID[d.ParentPID]; !parentKnown {
			return current
		}
		current = d.ParentPID
	}
	return current
}

// Len returns the number of processes currently cached (for tests/metrics).
func (idx *Index) Len() int {
	return len(idx.current.Load().byPID)
}
