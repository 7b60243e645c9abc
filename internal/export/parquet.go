package export

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/parquet-go/parquet-go"
)

// ParquetBatchSize is the number of rows buffered before a write.
const ParquetBatchSize = 100

func init() {
	Register(&ParquetFormat{})
}

// ParquetFormat writes Snappy-compressed Parquet files.
type ParquetFormat struct{}

func (f *ParquetFormat) Name() string         { return "parquet" }
func (f *ParquetFormat) Extensions() []string { return []string{".parquet"} }

func (f *ParquetFormat) Create(path string) (Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &ParquetSink{
		file:   file,
		writer: parquet.NewGenericWriter[parquetRow](file, parquet.Compression(&parquet.Snappy)),
		buffer: make([]parquetRow, 0, ParquetBatchSize),
	}, nil
}

type parquetRow struct {
	Session          string       `parquet:"session"`
	Tick             uint64       `parquet:"tick"`
	TimestampMs      int64        `parquet:"timestamp_ms"`
	PID              int32        `parquet:"pid"`
	Process          string       `parquet:"process"`
	CPUPercent       float64      `parquet:"cpu_percent"`
	MemoryBytes      uint64       `parquet:"memory_bytes"`
	TotalMemoryBytes uint64       `parquet:"total_memory_bytes"`
	Processes        int64        `parquet:"processes"`
	GPUs             []parquetGPU `parquet:"gpus"`
}

type parquetGPU struct {
	Index              int64    `parquet:"gpu_index"`
	Name               string   `parquet:"gpu_name"`
	UUID               string   `parquet:"gpu_uuid"`
	MemoryUsedMB       *uint64  `parquet:"memory_used_mb"`
	MemoryTotalMB      *uint64  `parquet:"memory_total_mb"`
	MemoryUsagePercent *float64 `parquet:"memory_usage_percent"`
	GPUUtilization     *float64 `parquet:"gpu_utilization_percent"`
	MemoryUtilization  *float64 `parquet:"memory_utilization_percent"`
	TemperatureC       *float64 `parquet:"temperature_celsius"`
	PowerDrawW         *float64 `parquet:"power_draw_watts"`
	GraphicsClockMHz   *float64 `parquet:"graphics_clock_mhz"`
	MemoryClockMHz     *float64 `parquet:"memory_clock_mhz"`
	ProcessesCount     int64    `parquet:"processes_count"`
	PState             string   `parquet:"pstate"`
	Stale              bool     `parquet:"stale"`
}

// ParquetSink buffers rows and writes them in batches. Rows reach the file
// only on batch boundaries and on Close.
type ParquetSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *parquet.GenericWriter[parquetRow]
	buffer []parquetRow
}

// Write implements Sink.
func (s *ParquetSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, toParquetRow(rec))
	if len(s.buffer) >= ParquetBatchSize {
		return s.flush()
	}
	return nil
}

func (s *ParquetSink) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}
	if _, err := s.writer.Write(s.buffer); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	s.buffer = s.buffer[:0]
	return nil
}

// Close implements Sink.
func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	if err := s.writer.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return s.file.Close()
}

func toParquetRow(rec Record) parquetRow {
	row := parquetRow{
		Session:          rec.Session,
		Tick:             rec.Tick,
		TimestampMs:      rec.Timestamp.UnixMilli(),
		PID:              rec.PID,
		Process:          rec.Process,
		CPUPercent:       rec.CPUPercent,
		MemoryBytes:      rec.MemoryBytes,
		TotalMemoryBytes: rec.TotalMemoryBytes,
		Processes:        int64(rec.Processes),
	}
	for _, g := range rec.GPUs {
		row.GPUs = append(row.GPUs, parquetGPU{
			Index:              int64(g.Index),
			Name:               g.Name,
			UUID:               g.UUID,
			MemoryUsedMB:       g.MemoryUsedMB,
			MemoryTotalMB:      g.MemoryTotalMB,
			MemoryUsagePercent: g.MemoryUsagePercent,
			GPUUtilization:     g.GPUUtilization,
			MemoryUtilization:  g.MemoryUtilization,
			TemperatureC:       g.TemperatureC,
			PowerDrawW:         g.PowerDrawW,
			GraphicsClockMHz:   g.GraphicsClockMHz,
			MemoryClockMHz:     g.MemoryClockMHz,
			ProcessesCount:     int64(g.ProcessesCount),
			PState:             g.PState,
			Stale:              g.Stale,
		})
	}
	return row
}
