// Package gpu reads NVIDIA device telemetry by invoking nvidia-smi and
// parsing its CSV output.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrUnavailable reports that the query tool could not be used when the
	// source was constructed. It is never retried.
	ErrUnavailable = errors.New("gpu telemetry unavailable")
	// ErrTransient reports that a poll failed; the previous reading is
	// returned marked stale.
	ErrTransient = errors.New("gpu query failed")
)

const csvFormat = "--format=csv,noheader,nounits"

// Options configures a Source.
type Options struct {
	// ToolPath is the query tool; DefaultTool when empty.
	ToolPath string
	// Devices restricts polling to these indices. Empty means all devices.
	Devices []int
	// SkipProcesses disables the compute-apps query.
	SkipProcesses bool
	Runner        Runner
	Names         NameResolver
	Logger        *slog.Logger
	Now           func() time.Time
}

// Source polls the query tool. It is not safe for concurrent use.
type Source struct {
	tool          string
	runner        Runner
	names         NameResolver
	logger        *slog.Logger
	now           func() time.Time
	filter        map[int]struct{}
	skipProcesses bool

	available bool
	last      ReadingSet
}

// NewSource probes the tool once. When the probe fails the source stays
// unavailable and never runs the tool again.
func NewSource(ctx context.Context, opts Options) *Source {
	s := &Source{
		tool:          opts.ToolPath,
		runner:        opts.Runner,
		names:         opts.Names,
		logger:        opts.Logger,
		now:           opts.Now,
		skipProcesses: opts.SkipProcesses,
	}
	if s.tool == "" {
		s.tool = DefaultTool
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(opts.Devices) > 0 {
		s.filter = make(map[int]struct{}, len(opts.Devices))
		for _, idx := range opts.Devices {
			s.filter[idx] = struct{}{}
		}
	}

	out, err := s.runner.Run(ctx, s.tool, "--query-gpu=count", csvFormat)
	if err != nil {
		s.logger.Warn("gpu query tool not usable", "tool", s.tool, "err", err)
		return s
	}
	count, err := ParseCount(out)
	if err != nil {
		s.logger.Warn("gpu query tool returned no device count", "tool", s.tool, "err", err)
		return s
	}

	s.available = true
	s.logger.Info("gpu telemetry available", "tool", s.tool, "devices", count)
	return s
}

// Available reports whether the probe succeeded.
func (s *Source) Available() bool {
	return s.available
}

// Poll queries the tool once. All invocations of a poll share one
// timestamp.
//
// The returned error wraps ErrUnavailable when the source is unavailable,
// ErrTransient when an invocation failed (the previous reading is returned
// with Stale set), or ErrPartialRead when some rows were skipped (the
// reading is still current).
func (s *Source) Poll(ctx context.Context) (ReadingSet, error) {
	if !s.available {
		return ReadingSet{}, ErrUnavailable
	}

	now := s.now()

	out, err := s.runner.Run(ctx, s.tool, "--query-gpu=count", csvFormat)
	if err != nil {
		return s.stale(fmt.Errorf("%w: device count: %w", ErrTransient, err))
	}
	count, err := ParseCount(out)
	if err != nil {
		return s.stale(fmt.Errorf("%w: %w", ErrTransient, err))
	}
	if count == 0 {
		s.last = ReadingSet{Timestamp: now}
		return s.last.Clone(), nil
	}

	out, err = s.runner.Run(ctx, s.tool, "--query-gpu="+strings.Join(QueryFields(), ","), csvFormat)
	if err != nil {
		return s.stale(fmt.Errorf("%w: device query: %w", ErrTransient, err))
	}
	devices, rowErr := ParseDevices(out, now)
	devices = s.filterDevices(devices)
	for i := range devices {
		resolveName(&devices[i], s.names)
	}

	var (
		processes []Process
		procErr   error
	)
	if !s.skipProcesses {
		out, err = s.runner.Run(ctx, s.tool, "--query-compute-apps="+strings.Join(processFields, ","), csvFormat)
		if err != nil {
			return s.stale(fmt.Errorf("%w: process query: %w", ErrTransient, err))
		}
		processes, procErr = ParseProcesses(out)
		processes = s.attachProcesses(processes, devices)
	}

	s.last = ReadingSet{
		Devices:     devices,
		Processes:   processes,
		DeviceCount: count,
		Timestamp:   now,
	}
	return s.last.Clone(), errors.Join(rowErr, procErr)
}

func (s *Source) stale(err error) (ReadingSet, error) {
	set := s.last.Clone()
	set.Stale = true
	return set, err
}

func (s *Source) filterDevices(devices []Device) []Device {
	if s.filter == nil {
		return devices
	}
	kept := devices[:0]
	for _, d := range devices {
		if _, ok := s.filter[d.Index]; ok {
			kept = append(kept, d)
		}
	}
	return kept
}

// attachProcesses resolves each process's device index by UUID. Processes
// on devices excluded by the filter are dropped; unmatched ones are kept
// with a nil index.
func (s *Source) attachProcesses(processes []Process, devices []Device) []Process {
	byUUID := make(map[string]int, len(devices))
	for _, d := range devices {
		if d.UUID != "" {
			byUUID[d.UUID] = d.Index
		}
	}

	kept := processes[:0]
	for _, p := range processes {
		if idx, ok := byUUID[p.GPUUUID]; ok {
			p.GPUIndex = &idx
		} else if s.filter != nil && p.GPUUUID != "" {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}
