package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/tracetop/internal/event"
	"github.com/skobkin/tracetop/internal/export"
	"github.com/skobkin/tracetop/internal/gpu"
	"github.com/skobkin/tracetop/internal/procstat"
	"github.com/skobkin/tracetop/internal/proctree"
)

func ptr[T any](v T) *T { return &v }

type procResult struct {
	snap procstat.Snapshot
	err  error
}

// fakeProcs replays results and repeats the last one.
type fakeProcs struct {
	results []procResult
	calls   int
}

func (f *fakeProcs) Poll(context.Context) (procstat.Snapshot, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].snap, f.results[i].err
}

type gpuResult struct {
	set gpu.ReadingSet
	err error
}

type fakeGPU struct {
	available bool
	results   []gpuResult
	calls     int
}

func (f *fakeGPU) Available() bool { return f.available }

func (f *fakeGPU) Poll(context.Context) (gpu.ReadingSet, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].set, f.results[i].err
}

type recordingSink struct {
	records []export.Record
	err     error
}

func (s *recordingSink) Write(_ context.Context, rec export.Record) error {
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshot(cpu float64) procstat.Snapshot {
	return procstat.Snapshot{
		PID:              5,
		Name:             "trainer",
		CPUPercent:       cpu,
		MemoryBytes:      100,
		TotalMemoryBytes: 1000,
		LogicalCPUs:      8,
		Timestamp:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Table: []proctree.Entry{
			{PID: 1, PPID: 0, Name: "init", CPUPercent: 1},
			{PID: 5, PPID: 1, Name: "trainer", CPUPercent: cpu, MemoryBytes: 100},
			{PID: 6, PPID: 5, Name: "worker-a", CPUPercent: 3, MemoryBytes: 50},
			{PID: 7, PPID: 5, Name: "worker-b", CPUPercent: 2, MemoryBytes: 50},
			{PID: 8, PPID: 6, Name: "grandchild", CPUPercent: 100, MemoryBytes: 500},
		},
	}
}

func device(index int, util uint32, temp float64) gpu.Device {
	return gpu.Device{
		Index:       index,
		Name:        fmt.Sprintf("GPU %d", index),
		UUID:        fmt.Sprintf("GPU-%d", index),
		Memory:      gpu.Memory{Total: ptr[uint64](1000), Used: ptr[uint64](500)},
		Utilization: gpu.Utilization{GPU: ptr(util)},
		Temperature: gpu.Temperature{GPU: ptr(temp)},
	}
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Processes == nil {
		opts.Processes = &fakeProcs{results: []procResult{{snap: snapshot(5)}}}
	}
	if opts.HistoryLength == 0 {
		opts.HistoryLength = 4
	}
	if opts.Steps == 0 {
		opts.Steps = 2
	}
	opts.Logger = testLogger()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func handle(t *testing.T, e *Engine, ev event.Event) bool {
	t.Helper()
	done, err := e.Handle(context.Background(), ev)
	require.NoError(t, err)
	return done
}

func TestNewRequiresProcessSource(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestInitialStateIsPrefilled(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	st := e.State()
	assert.False(t, st.Polled)
	assert.Equal(t, []float64{0, 0, 0, 0}, st.CPU)
	assert.Equal(t, 1, st.Nav.Tabs)
	assert.NotEmpty(t, st.Session)
}

func TestTickAggregatesAndPushes(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	handle(t, e, event.Tick(time.Now()))

	st := e.State()
	require.True(t, st.Polled)
	assert.Equal(t, uint64(1), st.Tick)
	// 5 + 3 + 2, grandchild excluded.
	assert.Equal(t, 10.0, st.Usage.CPUPercent)
	assert.Equal(t, uint64(200), st.Usage.MemoryBytes)
	assert.Equal(t, 3, st.Usage.Processes)

	// Two steps from 0 to 0.1 after evicting one prefilled zero.
	require.Len(t, st.CPU, 5)
	assert.InDelta(t, 0.05, st.CPU[3], 1e-9)
	assert.Equal(t, 0.1, st.CPU[4])
	assert.Equal(t, 0.2, st.Memory[4])

	require.Len(t, st.Rows, 3)
	assert.Equal(t, int32(5), st.Rows[0].PID)
	assert.Equal(t, int32(6), st.Rows[1].PID)
	assert.Equal(t, 1, st.Rows[1].Depth)
}

func TestTreeDepthOption(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{TreeDepth: proctree.Unlimited})
	handle(t, e, event.Tick(time.Now()))
	assert.Equal(t, 110.0, e.State().Usage.CPUPercent)
	assert.Len(t, e.State().Rows, 4)
}

func TestTransientProcessFailureRetainsValues(t *testing.T) {
	t.Parallel()

	procs := &fakeProcs{results: []procResult{
		{snap: snapshot(5)},
		{err: fmt.Errorf("%w: boom", procstat.ErrTransient)},
	}}
	sink := &recordingSink{}
	e := newEngine(t, Options{Processes: procs, Sink: sink})

	handle(t, e, event.Tick(time.Now()))
	before := e.State()
	handle(t, e, event.Tick(time.Now()))
	after := e.State()

	assert.Equal(t, uint64(2), after.Tick)
	assert.Equal(t, before.Usage, after.Usage)
	assert.Equal(t, before.CPU, after.CPU)
	assert.Contains(t, after.LastError, "boom")
	assert.Len(t, sink.records, 1)
}

func TestProcessExitEndsRun(t *testing.T) {
	t.Parallel()

	procs := &fakeProcs{results: []procResult{
		{snap: snapshot(5)},
		{err: fmt.Errorf("pid 5: %w", proctree.ErrProcessExited)},
	}}
	e := newEngine(t, Options{Processes: procs})

	events := make(chan event.Event, 4)
	events <- event.Tick(time.Now())
	events <- event.Tick(time.Now())
	events <- event.Tick(time.Now())

	var yields int
	err := e.Run(context.Background(), events, func(State) { yields++ })
	require.ErrorIs(t, err, proctree.ErrProcessExited)
	assert.Equal(t, 1, yields)
	assert.Equal(t, 2, procs.calls)
}

func TestRunStopsOnQuitAndCancel(t *testing.T) {
	t.Parallel()

	for name, ev := range map[string]event.Event{
		"quit key": event.Input(event.Char('q')),
		"ctrl+c":   event.Input(event.Special(event.KeyCtrlC)),
		"cancel":   event.Cancel(),
	} {
		ev := ev
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			procs := &fakeProcs{results: []procResult{{snap: snapshot(5)}}}
			e := newEngine(t, Options{Processes: procs})
			events := make(chan event.Event, 3)
			events <- event.Input(event.Special(event.KeyDown))
			events <- ev
			events <- event.Tick(time.Now())

			var states []State
			require.NoError(t, e.Run(context.Background(), events, func(s State) { states = append(states, s) }))
			assert.Len(t, states, 1)
			assert.Zero(t, procs.calls)
		})
	}
}

func TestRunHonoursContext(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx, make(chan event.Event), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunYieldsBeforeNextEvent(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	events := make(chan event.Event, 1)
	events <- event.Tick(time.Now())

	var ticks []uint64
	err := e.Run(context.Background(), events, func(s State) {
		ticks = append(ticks, s.Tick)
		if len(ticks) < 3 {
			events <- event.Tick(time.Now())
			return
		}
		events <- event.Cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ticks)
}

func TestPublishedStateIsIsolated(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{GPU: &fakeGPU{available: true, results: []gpuResult{{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 40, 50)}}}}}})
	handle(t, e, event.Tick(time.Now()))

	st := e.State()
	st.CPU[0] = 42
	st.Rows[0].Name = "mutated"
	*st.GPU.Devices[0].Utilization.GPU = 99
	st.GPUHistory[0][SeriesGPUUtilization][0] = 7
	delete(st.GPUHistory, 0)

	again := e.State()
	assert.Equal(t, 0.0, again.CPU[0])
	assert.Equal(t, "trainer", again.Rows[0].Name)
	assert.Equal(t, uint32(40), *again.GPU.Devices[0].Utilization.GPU)
	require.Contains(t, again.GPUHistory, 0)
	assert.Equal(t, 0.0, again.GPUHistory[0][SeriesGPUUtilization][0])
}

func TestGPUHistories(t *testing.T) {
	t.Parallel()

	g := &fakeGPU{available: true, results: []gpuResult{
		{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 50, 60), device(1, 10, 40)}}},
	}}
	e := newEngine(t, Options{GPU: g})
	handle(t, e, event.Tick(time.Now()))

	st := e.State()
	require.True(t, st.GPUAvailable)
	assert.Equal(t, 2, st.Nav.Tabs)
	assert.Equal(t, 2, st.Nav.Devices)

	util := st.DeviceSeries(0, SeriesGPUUtilization)
	require.Len(t, util, 5)
	assert.Equal(t, 0.5, util[4])

	// Seeded series start at the first reading.
	assert.Equal(t, []float64{60, 60}, st.DeviceSeries(0, SeriesTemperature))
	assert.Equal(t, 0.5, st.DeviceSeries(1, SeriesMemoryUsed)[4])
	assert.Empty(t, st.DeviceSeries(0, SeriesPower))
}

func TestGPUMetricFilter(t *testing.T) {
	t.Parallel()

	metrics, unknown := ParseFamilies([]string{"temperature", "bogus"})
	assert.Equal(t, []string{"bogus"}, unknown)

	g := &fakeGPU{available: true, results: []gpuResult{{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 50, 60)}}}}}
	e := newEngine(t, Options{GPU: g, Metrics: metrics})
	handle(t, e, event.Tick(time.Now()))

	st := e.State()
	assert.NotEmpty(t, st.DeviceSeries(0, SeriesTemperature))
	assert.Nil(t, st.DeviceSeries(0, SeriesGPUUtilization))
}

func TestStaleGPUReadingIsNotPushed(t *testing.T) {
	t.Parallel()

	first := gpu.ReadingSet{Devices: []gpu.Device{device(0, 50, 60)}}
	stale := first.Clone()
	stale.Stale = true
	g := &fakeGPU{available: true, results: []gpuResult{
		{set: first},
		{set: stale, err: fmt.Errorf("%w: exit status 9", gpu.ErrTransient)},
	}}
	sink := &recordingSink{}
	e := newEngine(t, Options{GPU: g, Sink: sink})

	handle(t, e, event.Tick(time.Now()))
	before := e.State().DeviceSeries(0, SeriesGPUUtilization)
	handle(t, e, event.Tick(time.Now()))
	st := e.State()

	assert.True(t, st.GPU.Stale)
	assert.Equal(t, before, st.DeviceSeries(0, SeriesGPUUtilization))
	assert.Contains(t, st.LastError, "gpu poll failed")
	require.Len(t, sink.records, 2)
	assert.True(t, sink.records[1].GPUs[0].Stale)
}

func TestUnavailableGPUIsNeverPolled(t *testing.T) {
	t.Parallel()

	g := &fakeGPU{available: false}
	e := newEngine(t, Options{GPU: g})
	handle(t, e, event.Tick(time.Now()))

	assert.Zero(t, g.calls)
	assert.False(t, e.State().GPUAvailable)
}

func TestSinkReceivesRecords(t *testing.T) {
	t.Parallel()

	g := &fakeGPU{available: true, results: []gpuResult{{set: gpu.ReadingSet{
		Devices:   []gpu.Device{device(0, 50, 60)},
		Processes: []gpu.Process{{PID: 6, GPUUUID: "GPU-0", GPUIndex: ptr(0)}},
	}}}}
	sink := &recordingSink{err: errors.New("disk full")}
	e := newEngine(t, Options{GPU: g, Sink: sink, Session: "s1"})

	handle(t, e, event.Tick(time.Now()))
	handle(t, e, event.Tick(time.Now()))

	require.Len(t, sink.records, 2)
	rec := sink.records[1]
	assert.Equal(t, "s1", rec.Session)
	assert.Equal(t, uint64(2), rec.Tick)
	assert.Equal(t, 10.0, rec.CPUPercent)
	assert.Equal(t, 3, rec.Processes)
	require.Len(t, rec.GPUs, 1)
	assert.Equal(t, 1, rec.GPUs[0].ProcessesCount)
}

func TestAlertsTrackLevels(t *testing.T) {
	t.Parallel()

	g := &fakeGPU{available: true, results: []gpuResult{
		{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 10, 85)}}},
		{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 10, 50)}}},
	}}
	th := gpu.DefaultThresholds()
	e := newEngine(t, Options{GPU: g, Alerts: &th})

	handle(t, e, event.Tick(time.Now()))
	alerts := e.State().Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, gpu.AlertTemperature, alerts[0].Metric)
	assert.Equal(t, gpu.LevelWarning, alerts[0].Level)

	handle(t, e, event.Tick(time.Now()))
	assert.Empty(t, e.State().Alerts)
}

func TestNavigation(t *testing.T) {
	t.Parallel()

	g := &fakeGPU{available: true, results: []gpuResult{{set: gpu.ReadingSet{Devices: []gpu.Device{device(0, 1, 1), device(1, 1, 1)}}}}}
	e := newEngine(t, Options{GPU: g})
	handle(t, e, event.Tick(time.Now()))

	handle(t, e, event.Input(event.Special(event.KeyRight)))
	assert.Equal(t, TabGPU, e.State().Nav.Tab)
	handle(t, e, event.Input(event.Special(event.KeyRight)))
	assert.Equal(t, TabProcess, e.State().Nav.Tab)
	handle(t, e, event.Input(event.Special(event.KeyLeft)))
	assert.Equal(t, TabGPU, e.State().Nav.Tab)

	for n := 0; n < 5; n++ {
		handle(t, e, event.Input(event.Special(event.KeyDown)))
	}
	assert.Equal(t, 2, e.State().Nav.Selected)
	handle(t, e, event.Input(event.Special(event.KeyHome)))
	assert.Equal(t, 0, e.State().Nav.Selected)
	handle(t, e, event.Input(event.Special(event.KeyUp)))
	assert.Equal(t, 0, e.State().Nav.Selected)

	handle(t, e, event.Input(event.Char(']')))
	assert.Equal(t, 1, e.State().Nav.Device)
	handle(t, e, event.Input(event.Char(']')))
	assert.Equal(t, 0, e.State().Nav.Device)
	handle(t, e, event.Input(event.Char('[')))
	assert.Equal(t, 1, e.State().Nav.Device)

	handle(t, e, event.Input(event.Char('a')))
	assert.True(t, e.State().Nav.Autoscale)
}

func TestNavigationWithoutGPUHasOneTab(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	handle(t, e, event.Input(event.Special(event.KeyRight)))
	assert.Equal(t, TabProcess, e.State().Nav.Tab)
}
