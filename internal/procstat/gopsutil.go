package procstat

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/skobkin/tracetop/internal/proctree"
)

// GopsutilLister lists processes through gopsutil. Process handles are kept
// between calls so that CPU usage is measured over the interval since the
// previous List rather than over the process lifetime.
type GopsutilLister struct {
	mu      sync.Mutex
	handles map[int32]*handle
}

type handle struct {
	proc *process.Process
	name string
}

// NewGopsutilLister constructs an empty lister.
func NewGopsutilLister() *GopsutilLister {
	return &GopsutilLister{handles: make(map[int32]*handle)}
}

// List implements Lister. Processes that vanish while being read are left
// out of the result.
func (l *GopsutilLister) List(ctx context.Context) ([]proctree.Entry, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pids: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[int32]struct{}, len(pids))
	entries := make([]proctree.Entry, 0, len(pids))
	for _, pid := range pids {
		h, ok := l.handles[pid]
		if !ok {
			proc, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				continue
			}
			h = &handle{proc: proc}
			l.handles[pid] = h
		}

		entry, err := h.read(ctx)
		if err != nil {
			delete(l.handles, pid)
			continue
		}
		seen[pid] = struct{}{}
		entries = append(entries, entry)
	}

	for pid := range l.handles {
		if _, ok := seen[pid]; !ok {
			delete(l.handles, pid)
		}
	}

	return entries, nil
}

func (h *handle) read(ctx context.Context) (proctree.Entry, error) {
	ppid, err := h.proc.PpidWithContext(ctx)
	if err != nil {
		return proctree.Entry{}, err
	}
	if h.name == "" {
		h.name, _ = h.proc.NameWithContext(ctx)
	}

	// Zero interval compares against the times recorded on the previous call.
	cpuPercent, _ := h.proc.PercentWithContext(ctx, 0)

	var rss uint64
	if info, err := h.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		rss = info.RSS
	}

	return proctree.Entry{
		PID:         h.proc.Pid,
		PPID:        ppid,
		Name:        h.name,
		CPUPercent:  cpuPercent,
		MemoryBytes: rss,
	}, nil
}

// Host implements Lister.
func (l *GopsutilLister) Host(ctx context.Context) (Host, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Host{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Host{}, fmt.Errorf("failed to get cpu count: %w", err)
	}
	return Host{TotalMemoryBytes: vm.Total, LogicalCPUs: cpus}, nil
}
