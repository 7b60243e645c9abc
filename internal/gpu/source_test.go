package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	out []byte
	err error
}

// scriptedRunner answers by query kind and records every invocation.
type scriptedRunner struct {
	count   response
	devices response
	procs   response
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	switch {
	case args[0] == "--query-gpu=count":
		return r.count.out, r.count.err
	case strings.HasPrefix(args[0], "--query-gpu="):
		return r.devices.out, r.devices.err
	case strings.HasPrefix(args[0], "--query-compute-apps="):
		return r.procs.out, r.procs.err
	}
	return nil, errors.New("unexpected query")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func healthyRunner() *scriptedRunner {
	return &scriptedRunner{
		count: response{out: []byte("2\n2\n")},
		devices: response{out: []byte(deviceRow(fullRow("0")) + "\n" + deviceRow(fullRow("1")) + "\n")},
		procs: response{out: []byte("4242, trainer, GPU-1, 900\n99, ghost, GPU-zzz, 10\n")},
	}
}

func TestSourceUnavailableNeverSpawns(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{count: response{err: errors.New("exec: not found")}}
	src := NewSource(context.Background(), Options{ToolPath: "/nonexistent/nvidia-smi", Runner: runner, Logger: testLogger()})

	require.False(t, src.Available())
	require.Len(t, runner.calls, 1)

	for n := 0; n < 3; n++ {
		set, err := src.Poll(context.Background())
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, set.Devices)
		assert.Empty(t, set.Processes)
	}
	assert.Len(t, runner.calls, 1)
}

func TestSourceUnavailableWithRealExec(t *testing.T) {
	t.Parallel()

	src := NewSource(context.Background(), Options{ToolPath: "/nonexistent/nvidia-smi", Logger: testLogger()})
	require.False(t, src.Available())

	set, err := src.Poll(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, set.Devices)
}

func TestSourceUnavailableOnUnparseableCount(t *testing.T) {
	t.Parallel()

	for _, out := range []string{"", "Failed to initialize NVML\n"} {
		runner := &scriptedRunner{count: response{out: []byte(out)}}
		src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger()})
		assert.False(t, src.Available(), "output %q", out)
	}
}

func TestSourcePollSharesTimestampAndResolvesIndex(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := healthyRunner()
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger(), Now: func() time.Time { return ts }})
	require.True(t, src.Available())

	set, err := src.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, set.DeviceCount)
	assert.Equal(t, ts, set.Timestamp)
	assert.False(t, set.Stale)
	require.Len(t, set.Devices, 2)
	for _, d := range set.Devices {
		assert.Equal(t, ts, d.Timestamp)
	}

	require.Len(t, set.Processes, 2)
	require.NotNil(t, set.Processes[0].GPUIndex)
	assert.Equal(t, 1, *set.Processes[0].GPUIndex)
	assert.Nil(t, set.Processes[1].GPUIndex)

	assert.Len(t, set.ProcessesOn(1), 1)
	assert.Empty(t, set.ProcessesOn(0))

	// probe + count + devices + processes
	assert.Len(t, runner.calls, 4)
}

func TestSourcePollZeroDevices(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{count: response{out: []byte("0\n")}}
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger()})
	require.True(t, src.Available())

	set, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set.Devices)
	assert.Len(t, runner.calls, 2)
}

func TestSourcePollPartialRows(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	runner.devices.out = []byte("broken\n" + deviceRow(fullRow("1")) + "\n")
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger()})

	set, err := src.Poll(context.Background())
	require.ErrorIs(t, err, ErrPartialRead)
	assert.NotErrorIs(t, err, ErrTransient)
	require.Len(t, set.Devices, 1)
	assert.Equal(t, 1, set.Devices[0].Index)
}

func TestSourcePollFailureKeepsPreviousReading(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger()})

	first, err := src.Poll(context.Background())
	require.NoError(t, err)

	runner.devices.err = errors.New("exit status 9")
	set, err := src.Poll(context.Background())
	require.ErrorIs(t, err, ErrTransient)
	assert.True(t, set.Stale)
	assert.Equal(t, len(first.Devices), len(set.Devices))
	assert.Equal(t, first.Timestamp, set.Timestamp)

	runner.devices.err = nil
	set, err = src.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, set.Stale)
}

func TestSourceDeviceFilter(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger(), Devices: []int{0}})

	set, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Devices, 1)
	assert.Equal(t, 0, set.Devices[0].Index)
	// trainer runs on the filtered-out GPU-1, ghost matches nothing.
	assert.Empty(t, set.Processes)
}

func TestSourceSkipProcesses(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger(), SkipProcesses: true})

	set, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, set.Processes)
	assert.Len(t, runner.calls, 3)
}

func TestSourceResolvesGenericNames(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	row := fullRow("0")
	row["name"] = "Graphics Device"
	row["pci.sub_device_id"] = "0x16F310DE"
	runner.devices.out = []byte(deviceRow(row) + "\n")

	var got []string
	names := func(vendor, device, subVendor, subDevice string) string {
		got = []string{vendor, device, subVendor, subDevice}
		return "AD102 [GeForce RTX 4090]"
	}
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger(), Names: names})

	set, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Devices, 1)
	assert.Equal(t, "AD102 [GeForce RTX 4090]", set.Devices[0].Name)
	assert.Equal(t, []string{"10de", "2684", "10de", "16f3"}, got)
}

func TestReadingSetHelpers(t *testing.T) {
	t.Parallel()

	runner := healthyRunner()
	row := fullRow("1")
	row["temperature.gpu"] = "N/A"
	row["utilization.gpu"] = "63"
	runner.devices.out = []byte(deviceRow(fullRow("0")) + "\n" + deviceRow(row) + "\n")
	src := NewSource(context.Background(), Options{Runner: runner, Logger: testLogger()})

	set, err := src.Poll(context.Background())
	require.NoError(t, err)

	d, ok := set.Device(1)
	require.True(t, ok)
	assert.Equal(t, "GPU-1", d.UUID)
	_, ok = set.Device(7)
	assert.False(t, ok)

	d, ok = set.DeviceByUUID("GPU-0")
	require.True(t, ok)
	assert.Equal(t, 0, d.Index)

	assert.Equal(t, uint64(2048), set.TotalMemoryUsed())
	assert.Equal(t, uint64(2*24564), set.TotalMemory())
	assert.InDelta(t, 50.0, set.AverageUtilization(), 1e-9)

	avg, ok := set.AverageTemperature()
	require.True(t, ok)
	assert.Equal(t, 61.0, avg)

	clone := set.Clone()
	*clone.Devices[0].Memory.Used = 1
	assert.Equal(t, uint64(1024), *set.Devices[0].Memory.Used)
}
