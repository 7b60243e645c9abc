package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/tracetop/internal/gpu"
)

func ptr[T any](v T) *T { return &v }

func sampleRecord(tick uint64) Record {
	return Record{
		Session:          "session-1",
		Tick:             tick,
		Timestamp:        time.Date(2024, 5, 1, 12, 0, int(tick), 0, time.UTC),
		PID:              4242,
		Process:          "trainer",
		CPUPercent:       123.5,
		MemoryBytes:      2 << 20,
		TotalMemoryBytes: 16 << 30,
		Processes:        3,
		GPUs: []GPURecord{NewGPURecord(gpu.Device{
			Index:       0,
			Name:        "NVIDIA A100",
			Memory:      gpu.Memory{Total: ptr[uint64](40000), Used: ptr[uint64](10000)},
			Utilization: gpu.Utilization{GPU: ptr[uint32](55)},
			Temperature: gpu.Temperature{GPU: ptr(64.0)},
		}, 2, false)},
	}
}

func TestNewGPURecord(t *testing.T) {
	t.Parallel()

	rec := sampleRecord(1).GPUs[0]
	require.NotNil(t, rec.MemoryUsagePercent)
	assert.InDelta(t, 25.0, *rec.MemoryUsagePercent, 1e-9)
	require.NotNil(t, rec.GPUUtilization)
	assert.Equal(t, 55.0, *rec.GPUUtilization)
	assert.Nil(t, rec.PowerDrawW)
	assert.Equal(t, 2, rec.ProcessesCount)
}

func TestCSVSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := Open(path, "")
	require.NoError(t, err)
	require.IsType(t, &CSVSink{}, sink)

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, sampleRecord(1)))
	second := sampleRecord(2)
	second.GPUs = nil
	require.NoError(t, sink.Write(ctx, second))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	assert.Equal(t, "time", header[0])
	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %s missing", name)
		return -1
	}

	assert.Equal(t, "123.5", rows[1][col("cpu_percent")])
	assert.Equal(t, "2048", rows[1][col("memory_kb")])
	assert.Equal(t, "55", rows[1][col("gpu0_gpu_utilization_percent")])
	assert.Equal(t, "", rows[1][col("gpu0_power_draw_watts")])
	assert.Equal(t, "", rows[2][col("gpu0_gpu_utilization_percent")])
	assert.Equal(t, "2", rows[2][col("tick")])
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSinkWaitsForGPUColumns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := Open(path, "csv")
	require.NoError(t, err)

	ctx := context.Background()
	first := sampleRecord(1)
	first.GPUs = nil
	require.NoError(t, sink.Write(ctx, first))
	require.NoError(t, sink.Write(ctx, sampleRecord(2)))
	require.NoError(t, sink.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Contains(t, rows[0], "gpu0_gpu_utilization_percent")
	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "2", rows[2][1])
}

func TestCSVSinkWithoutGPUs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := Open(path, "csv")
	require.NoError(t, err)

	ctx := context.Background()
	for tick := uint64(1); tick <= csvHeaderWait+2; tick++ {
		rec := sampleRecord(tick)
		rec.GPUs = nil
		require.NoError(t, sink.Write(ctx, rec))
	}

	// The header is written once the wait runs out, before Close.
	rows := readCSV(t, path)
	require.Len(t, rows, csvHeaderWait+2+1)
	assert.Equal(t, baseColumns, rows[0])
	require.NoError(t, sink.Close())

	short := filepath.Join(t.TempDir(), "short.csv")
	sink, err = Open(short, "csv")
	require.NoError(t, err)
	rec := sampleRecord(1)
	rec.GPUs = nil
	require.NoError(t, sink.Write(ctx, rec))
	require.NoError(t, sink.Close())

	rows = readCSV(t, short)
	require.Len(t, rows, 2)
	assert.Equal(t, baseColumns, rows[0])
}

func TestJSONLSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := Open(path, "")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Write(ctx, sampleRecord(uint64(i))))
	}
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ticks []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ticks = append(ticks, rec.Tick)
		require.Len(t, rec.GPUs, 1)
		assert.Equal(t, "NVIDIA A100", rec.GPUs[0].Name)
	}
	assert.Equal(t, []uint64{0, 1, 2}, ticks)
}

func TestParquetSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.parquet")
	sink, err := Open(path, "parquet")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(ctx, sampleRecord(uint64(i))))
	}
	require.NoError(t, sink.Close())

	rows, err := parquet.ReadFile[parquetRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, uint64(4), rows[4].Tick)
	assert.Equal(t, "trainer", rows[0].Process)
	require.Len(t, rows[0].GPUs, 1)
	require.NotNil(t, rows[0].GPUs[0].TemperatureC)
	assert.Equal(t, 64.0, *rows[0].GPUs[0].TemperatureC)
	assert.Nil(t, rows[0].GPUs[0].PowerDrawW)
}

func TestOpenUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "x.bin"), "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv")
}

type recordingSink struct {
	writes   []uint64
	writeErr error
	closed   bool
}

func (r *recordingSink) Write(_ context.Context, rec Record) error {
	r.writes = append(r.writes, rec.Tick)
	return r.writeErr
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestMultiWritesEverySink(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{writeErr: errors.New("disk full")}
	healthy := &recordingSink{}
	m := Multi{failing, healthy}

	err := m.Write(context.Background(), sampleRecord(7))
	require.Error(t, err)
	assert.Equal(t, []uint64{7}, healthy.writes)

	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}
