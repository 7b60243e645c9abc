package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseOptions configures a ClickHouseSink.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	// BatchSize is the number of ticks buffered before an insert.
	BatchSize int
}

const processTableDDL = `
CREATE TABLE IF NOT EXISTS process_samples (
	timestamp DateTime64(3),
	session String,
	tick UInt64,
	pid Int32,
	process String,
	cpu_percent Float64,
	memory_bytes UInt64,
	total_memory_bytes UInt64,
	processes UInt32
) ENGINE = MergeTree ORDER BY (session, timestamp)`

const gpuTableDDL = `
CREATE TABLE IF NOT EXISTS gpu_samples (
	timestamp DateTime64(3),
	session String,
	tick UInt64,
	gpu_index UInt8,
	gpu_name String,
	gpu_utilization_percent Nullable(Float64),
	memory_utilization_percent Nullable(Float64),
	gpu_memory_used_mb Nullable(UInt64),
	gpu_memory_total_mb Nullable(UInt64),
	temperature_celsius Nullable(Float64),
	power_draw_watts Nullable(Float64),
	processes_count UInt32,
	stale Bool
) ENGINE = MergeTree ORDER BY (session, gpu_index, timestamp)`

// ClickHouseSink inserts records into process_samples and gpu_samples.
type ClickHouseSink struct {
	mu        sync.Mutex
	db        clickhouse.Conn
	batchSize int
	pending   []Record
}

// OpenClickHouse connects, verifies the connection and creates the tables.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	for _, ddl := range []string{processTableDDL, gpuTableDDL} {
		if err := conn.Exec(ctx, ddl); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return newClickHouseSink(conn, opts.BatchSize), nil
}

func newClickHouseSink(conn clickhouse.Conn, batchSize int) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &ClickHouseSink{db: conn, batchSize: batchSize}
}

// Write implements Sink.
func (s *ClickHouseSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, rec)
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.flush(ctx)
}

// Close flushes pending records and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushErr := s.flush(ctx)
	if err := s.db.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

func (s *ClickHouseSink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	records := s.pending
	s.pending = nil

	if err := s.insertProcesses(ctx, records); err != nil {
		return err
	}
	return s.insertGPUs(ctx, records)
}

func (s *ClickHouseSink) insertProcesses(ctx context.Context, records []Record) error {
	batch, err := s.db.PrepareBatch(ctx, `
		INSERT INTO process_samples (
			timestamp, session, tick, pid, process, cpu_percent,
			memory_bytes, total_memory_bytes, processes
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.Timestamp,
			rec.Session,
			rec.Tick,
			rec.PID,
			rec.Process,
			rec.CPUPercent,
			rec.MemoryBytes,
			rec.TotalMemoryBytes,
			uint32(rec.Processes),
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

func (s *ClickHouseSink) insertGPUs(ctx context.Context, records []Record) error {
	var rows int
	for _, rec := range records {
		rows += len(rec.GPUs)
	}
	if rows == 0 {
		return nil
	}

	batch, err := s.db.PrepareBatch(ctx, `
		INSERT INTO gpu_samples (
			timestamp, session, tick, gpu_index, gpu_name, gpu_utilization_percent,
			memory_utilization_percent, gpu_memory_used_mb, gpu_memory_total_mb,
			temperature_celsius, power_draw_watts, processes_count, stale
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		for _, g := range rec.GPUs {
			if err := appendGPU(batch, rec, g); err != nil {
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
	}

	return batch.Send()
}

func appendGPU(batch driver.Batch, rec Record, g GPURecord) error {
	return batch.Append(
		rec.Timestamp,
		rec.Session,
		rec.Tick,
		uint8(g.Index),
		g.Name,
		g.GPUUtilization,
		g.MemoryUtilization,
		g.MemoryUsedMB,
		g.MemoryTotalMB,
		g.TemperatureC,
		g.PowerDrawW,
		uint32(g.ProcessesCount),
		g.Stale,
	)
}
