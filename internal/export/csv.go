package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

func init() {
	Register(&CSVFormat{})
}

// CSVFormat writes one row per tick.
type CSVFormat struct{}

func (f *CSVFormat) Name() string         { return "csv" }
func (f *CSVFormat) Extensions() []string { return []string{".csv"} }

func (f *CSVFormat) Create(path string) (Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &CSVSink{file: file, writer: csv.NewWriter(file)}, nil
}

// csvHeaderWait is the number of GPU-less records held back while waiting for
// a record that names the devices.
const csvHeaderWait = 10

// CSVSink writes records as CSV. The header is fixed by the first record
// that carries GPU readings, or by the first record once csvHeaderWait
// records arrived without any. Devices that appear later are not written
// and devices that disappear leave empty cells.
type CSVSink struct {
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	header  []string
	pending []Record
}

var baseColumns = []string{"time", "tick", "pid", "process", "cpu_percent", "memory_kb", "total_memory_kb", "processes"}

var gpuColumns = []string{
	"name", "memory_used_mb", "memory_total_mb", "memory_free_mb", "memory_usage_percent",
	"gpu_utilization_percent", "memory_utilization_percent", "temperature_celsius",
	"power_draw_watts", "graphics_clock_mhz", "memory_clock_mhz", "processes_count", "pstate",
}

// Write implements Sink. Rows are flushed as soon as the header is known.
func (s *CSVSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header == nil {
		if len(rec.GPUs) == 0 && len(s.pending) < csvHeaderWait-1 {
			s.pending = append(s.pending, rec)
			return nil
		}
		if err := s.writeHeader(recordColumns(rec)); err != nil {
			return err
		}
	}

	if err := s.writeRow(rec); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVSink) writeHeader(header []string) error {
	s.header = header
	if err := s.writer.Write(s.header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	pending := s.pending
	s.pending = nil
	for _, rec := range pending {
		if err := s.writeRow(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *CSVSink) writeRow(rec Record) error {
	values := flattenRecord(rec)
	row := make([]string, len(s.header))
	for i, key := range s.header {
		row[i] = values[key]
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var headerErr error
	if s.header == nil && len(s.pending) > 0 {
		headerErr = s.writeHeader(recordColumns(s.pending[0]))
	}
	s.writer.Flush()
	if err := errors.Join(headerErr, s.writer.Error()); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

func recordColumns(rec Record) []string {
	cols := append([]string(nil), baseColumns...)
	for _, g := range rec.GPUs {
		for _, c := range gpuColumns {
			cols = append(cols, gpuColumn(g.Index, c))
		}
	}
	return cols
}

func gpuColumn(index int, name string) string {
	return "gpu" + strconv.Itoa(index) + "_" + name
}

func flattenRecord(rec Record) map[string]string {
	out := map[string]string{
		"time":            rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"tick":            strconv.FormatUint(rec.Tick, 10),
		"pid":             strconv.FormatInt(int64(rec.PID), 10),
		"process":         rec.Process,
		"cpu_percent":     formatFloat(rec.CPUPercent),
		"memory_kb":       strconv.FormatUint(rec.MemoryBytes/1024, 10),
		"total_memory_kb": strconv.FormatUint(rec.TotalMemoryBytes/1024, 10),
		"processes":       strconv.Itoa(rec.Processes),
	}
	for _, g := range rec.GPUs {
		values := map[string]string{
			"name":                       g.Name,
			"memory_used_mb":             formatOptionalUint(g.MemoryUsedMB),
			"memory_total_mb":            formatOptionalUint(g.MemoryTotalMB),
			"memory_free_mb":             formatOptionalUint(g.MemoryFreeMB),
			"memory_usage_percent":       formatOptionalFloat(g.MemoryUsagePercent),
			"gpu_utilization_percent":    formatOptionalFloat(g.GPUUtilization),
			"memory_utilization_percent": formatOptionalFloat(g.MemoryUtilization),
			"temperature_celsius":        formatOptionalFloat(g.TemperatureC),
			"power_draw_watts":           formatOptionalFloat(g.PowerDrawW),
			"graphics_clock_mhz":         formatOptionalFloat(g.GraphicsClockMHz),
			"memory_clock_mhz":           formatOptionalFloat(g.MemoryClockMHz),
			"processes_count":            strconv.Itoa(g.ProcessesCount),
			"pstate":                     g.PState,
		}
		for k, v := range values {
			out[gpuColumn(g.Index, k)] = v
		}
	}
	return out
}
