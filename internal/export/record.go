// Package export persists one record per completed engine tick to files or
// to ClickHouse.
package export

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/skobkin/tracetop/internal/gpu"
)

// Record is the denormalized reading of one tick.
type Record struct {
	Session          string      `json:"session"`
	Tick             uint64      `json:"tick"`
	Timestamp        time.Time   `json:"timestamp"`
	PID              int32       `json:"pid"`
	Process          string      `json:"process"`
	CPUPercent       float64     `json:"cpu_percent"`
	MemoryBytes      uint64      `json:"memory_bytes"`
	TotalMemoryBytes uint64      `json:"total_memory_bytes"`
	Processes        int         `json:"processes"`
	GPUs             []GPURecord `json:"gpus,omitempty"`
}

// GPURecord is the per-device part of a Record.
type GPURecord struct {
	Index              int      `json:"gpu_index"`
	Name               string   `json:"gpu_name"`
	UUID               string   `json:"gpu_uuid,omitempty"`
	MemoryUsedMB       *uint64  `json:"memory_used_mb,omitempty"`
	MemoryTotalMB      *uint64  `json:"memory_total_mb,omitempty"`
	MemoryFreeMB       *uint64  `json:"memory_free_mb,omitempty"`
	MemoryUsagePercent *float64 `json:"memory_usage_percent,omitempty"`
	GPUUtilization     *float64 `json:"gpu_utilization_percent,omitempty"`
	MemoryUtilization  *float64 `json:"memory_utilization_percent,omitempty"`
	TemperatureC       *float64 `json:"temperature_celsius,omitempty"`
	PowerDrawW         *float64 `json:"power_draw_watts,omitempty"`
	GraphicsClockMHz   *float64 `json:"graphics_clock_mhz,omitempty"`
	MemoryClockMHz     *float64 `json:"memory_clock_mhz,omitempty"`
	ProcessesCount     int      `json:"processes_count"`
	PState             string   `json:"pstate,omitempty"`
	DriverVersion      string   `json:"driver_version,omitempty"`
	ComputeCapability  string   `json:"compute_capability,omitempty"`
	Stale              bool     `json:"stale,omitempty"`
}

// NewGPURecord flattens a device reading.
func NewGPURecord(d gpu.Device, processes int, stale bool) GPURecord {
	rec := GPURecord{
		Index:             d.Index,
		Name:              d.Name,
		UUID:              d.UUID,
		MemoryUsedMB:      copyUint64(d.Memory.Used),
		MemoryTotalMB:     copyUint64(d.Memory.Total),
		MemoryFreeMB:      copyUint64(d.Memory.Free),
		GPUUtilization:    uint32ToFloat(d.Utilization.GPU),
		MemoryUtilization: uint32ToFloat(d.Utilization.Memory),
		TemperatureC:      copyFloat(d.Temperature.GPU),
		PowerDrawW:        copyFloat(d.Power.Draw),
		GraphicsClockMHz:  uint32ToFloat(d.Clocks.Graphics),
		MemoryClockMHz:    uint32ToFloat(d.Clocks.Memory),
		ProcessesCount:    processes,
		PState:            d.PState,
		DriverVersion:     d.DriverVersion,
		ComputeCapability: d.ComputeCap,
		Stale:             stale,
	}
	if pct, ok := d.Memory.UsedPercent(); ok {
		rec.MemoryUsagePercent = &pct
	}
	return rec
}

// Sink receives records in tick order.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Multi fans records out to several sinks.
type Multi []Sink

// Write implements Sink. Every sink is written even when an earlier one
// fails.
func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func uint32ToFloat(v *uint32) *float64 {
	if v == nil {
		return nil
	}
	out := float64(*v)
	return &out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatOptionalUint(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}
