// Package procstat produces per-tick CPU and memory snapshots of a traced
// process from the OS process table.
package procstat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/skobkin/tracetop/internal/proctree"
)

// ErrTransient reports that the OS could not be queried for this tick.
var ErrTransient = errors.New("process table unavailable")

// Host describes machine-wide totals reported alongside every snapshot.
type Host struct {
	TotalMemoryBytes uint64
	LogicalCPUs      int
}

// Lister is the OS process-query collaborator.
type Lister interface {
	// List refreshes and returns every visible process.
	List(ctx context.Context) ([]proctree.Entry, error)
	// Host returns machine-wide totals.
	Host(ctx context.Context) (Host, error)
}

// Snapshot is one point-in-time reading of the traced process.
type Snapshot struct {
	PID              int32
	Name             string
	CPUPercent       float64
	MemoryBytes      uint64
	TotalMemoryBytes uint64
	LogicalCPUs      int
	Timestamp        time.Time

	// Table is the full process table the snapshot was taken from, sorted
	// by pid.
	Table []proctree.Entry
}

// Source polls a Lister for one traced pid.
type Source struct {
	pid    int32
	lister Lister
	now    func() time.Time

	host    Host
	hostSet bool
}

// NewSource constructs a Source for pid.
func NewSource(pid int32, lister Lister) *Source {
	return &Source{
		pid:    pid,
		lister: lister,
		now:    time.Now,
	}
}

// PID returns the traced pid.
func (s *Source) PID() int32 {
	return s.pid
}

// Poll refreshes the process table and returns a snapshot of the traced
// process. A missing pid is reported as proctree.ErrProcessExited; failures
// to query the OS wrap ErrTransient.
func (s *Source) Poll(ctx context.Context) (Snapshot, error) {
	if !s.hostSet {
		host, err := s.lister.Host(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: host totals: %w", ErrTransient, err)
		}
		s.host = host
		s.hostSet = true
	}

	table, err := s.lister.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: list processes: %w", ErrTransient, err)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].PID < table[j].PID })

	idx := sort.Search(len(table), func(i int) bool { return table[i].PID >= s.pid })
	if idx == len(table) || table[idx].PID != s.pid {
		return Snapshot{}, fmt.Errorf("pid %d: %w", s.pid, proctree.ErrProcessExited)
	}
	self := table[idx]

	return Snapshot{
		PID:              self.PID,
		Name:             self.Name,
		CPUPercent:       self.CPUPercent,
		MemoryBytes:      self.MemoryBytes,
		TotalMemoryBytes: s.host.TotalMemoryBytes,
		LogicalCPUs:      s.host.LogicalCPUs,
		Timestamp:        s.now(),
		Table:            table,
	}, nil
}
