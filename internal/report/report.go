// Package report renders the recorded session as an HTML page of line
// charts.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/skobkin/tracetop/internal/export"
)

// Recorder is an export.Sink that keeps every record in memory and writes
// the report when closed.
type Recorder struct {
	mu      sync.Mutex
	path    string
	records []export.Record
}

// NewRecorder returns a Recorder writing to path on Close.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Write implements export.Sink.
func (r *Recorder) Write(_ context.Context, rec export.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Close implements export.Sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return nil
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := Write(f, r.records); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type series struct {
	name   string
	values []opts.LineData
}

// Write renders records as one page with process and per-GPU charts.
func Write(w io.Writer, records []export.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("no records to render")
	}

	labels := make([]string, len(records))
	cpu := make([]opts.LineData, len(records))
	mem := make([]opts.LineData, len(records))
	procs := make([]opts.LineData, len(records))
	gpuUtil := map[int]*series{}
	gpuMem := map[int]*series{}
	gpuTemp := map[int]*series{}
	gpuPower := map[int]*series{}

	for i, rec := range records {
		labels[i] = rec.Timestamp.Format(time.TimeOnly)
		cpu[i] = opts.LineData{Value: rec.CPUPercent}
		mem[i] = opts.LineData{Value: float64(rec.MemoryBytes) / 1024}
		procs[i] = opts.LineData{Value: rec.Processes}
		for _, g := range rec.GPUs {
			add(gpuUtil, g, len(records), i, g.GPUUtilization)
			add(gpuMem, g, len(records), i, g.MemoryUsagePercent)
			add(gpuTemp, g, len(records), i, g.TemperatureC)
			add(gpuPower, g, len(records), i, g.PowerDrawW)
		}
	}

	first := records[0]
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("tracetop - %s (%d)", first.Process, first.PID)

	page.AddCharts(
		lineChart("CPU", "percent of one core", labels, []series{{name: "cpu", values: cpu}}),
		lineChart("Memory", "kB", labels, []series{{name: "memory", values: mem}}),
		lineChart("Processes", "count", labels, []series{{name: "processes", values: procs}}),
	)
	for _, group := range []struct {
		title, unit string
		data        map[int]*series
	}{
		{"GPU utilization", "percent", gpuUtil},
		{"GPU memory", "percent used", gpuMem},
		{"GPU temperature", "°C", gpuTemp},
		{"GPU power", "W", gpuPower},
	} {
		if len(group.data) == 0 {
			continue
		}
		page.AddCharts(lineChart(group.title, group.unit, labels, sorted(group.data)))
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render charts: %w", err)
	}
	return nil
}

// add stores v at position i of the device series, leaving gaps for ticks
// without a value. A device gets no series until it reports the metric.
func add(m map[int]*series, g export.GPURecord, n, i int, v *float64) {
	if v == nil {
		return
	}
	s, ok := m[g.Index]
	if !ok {
		s = &series{name: fmt.Sprintf("gpu%d %s", g.Index, g.Name), values: make([]opts.LineData, n)}
		for j := range s.values {
			s.values[j] = opts.LineData{Value: "-"}
		}
		m[g.Index] = s
	}
	s.values[i] = opts.LineData{Value: *v}
}

func sorted(m map[int]*series) []series {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]series, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m[k])
	}
	return out
}

func lineChart(title, unit string, labels []string, data []series) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: unit,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(len(data) > 1),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: "Time",
			Type: "category",
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: unit,
			Type: "value",
		}),
		charts.WithDataZoomOpts(opts.DataZoom{
			Type:  "slider",
			Start: 0,
			End:   100,
		}),
		charts.WithInitializationOpts(opts.Initialization{
			Width:  "100%",
			Height: "400px",
		}),
	)

	line.SetXAxis(labels)
	for _, s := range data {
		line.AddSeries(s.name, s.values)
	}
	return line
}
