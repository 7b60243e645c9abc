package app

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/tracetop/internal/engine"
)

// summary accumulates per-session peaks and averages for headless mode.
type summary struct {
	pid     int32
	name    string
	ticks   int
	first   time.Time
	last    time.Time
	cpuSum  float64
	cpuPeak float64
	memPeak uint64
	procMax int
	gpus    map[int]*gpuSummary
}

type gpuSummary struct {
	name     string
	utilSum  float64
	utilN    int
	utilPeak float64
	tempPeak float64
	memPeak  uint64
	powPeak  float64
}

func newSummary() *summary {
	return &summary{gpus: make(map[int]*gpuSummary)}
}

func (s *summary) observe(st engine.State) {
	if !st.Polled {
		return
	}
	if s.ticks == 0 {
		s.first = st.Timestamp
	}
	s.ticks++
	s.last = st.Timestamp
	s.pid, s.name = st.PID, st.Name
	s.cpuSum += st.Usage.CPUPercent
	s.cpuPeak = max(s.cpuPeak, st.Usage.CPUPercent)
	s.memPeak = max(s.memPeak, st.Usage.MemoryBytes)
	s.procMax = max(s.procMax, st.Usage.Processes)

	if st.GPU.Stale {
		return
	}
	for _, d := range st.GPU.Devices {
		g, ok := s.gpus[d.Index]
		if !ok {
			g = &gpuSummary{name: d.Name}
			s.gpus[d.Index] = g
		}
		if d.Utilization.GPU != nil {
			u := float64(*d.Utilization.GPU)
			g.utilSum += u
			g.utilN++
			g.utilPeak = max(g.utilPeak, u)
		}
		if d.Temperature.GPU != nil {
			g.tempPeak = max(g.tempPeak, *d.Temperature.GPU)
		}
		if d.Memory.Used != nil {
			g.memPeak = max(g.memPeak, *d.Memory.Used)
		}
		if d.Power.Draw != nil {
			g.powPeak = max(g.powPeak, *d.Power.Draw)
		}
	}
}

// render writes the session tables to w. Nothing is written before the
// first sample.
func (s *summary) render(w io.Writer) {
	if s.ticks == 0 {
		return
	}

	fmt.Fprintf(w, "\n%s (pid %d): %d samples over %s\n", s.name, s.pid, s.ticks, s.last.Sub(s.first).Round(time.Second))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Average", "Peak"})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append([]string{"CPU %", strconv.FormatFloat(s.cpuSum/float64(s.ticks), 'f', 1, 64), strconv.FormatFloat(s.cpuPeak, 'f', 1, 64)})
	table.Append([]string{"Memory", "", units.BytesSize(float64(s.memPeak))})
	table.Append([]string{"Processes", "", strconv.Itoa(s.procMax)})
	table.Render()

	if len(s.gpus) == 0 {
		return
	}

	indices := make([]int, 0, len(s.gpus))
	for idx := range s.gpus {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	gpuTable := tablewriter.NewWriter(w)
	gpuTable.SetHeader([]string{"GPU", "Name", "Avg util %", "Peak util %", "Peak temp C", "Peak memory", "Peak power W"})
	gpuTable.SetBorder(false)
	for _, idx := range indices {
		g := s.gpus[idx]
		avg := "-"
		if g.utilN > 0 {
			avg = strconv.FormatFloat(g.utilSum/float64(g.utilN), 'f', 1, 64)
		}
		gpuTable.Append([]string{
			strconv.Itoa(idx),
			g.name,
			avg,
			strconv.FormatFloat(g.utilPeak, 'f', 0, 64),
			strconv.FormatFloat(g.tempPeak, 'f', 0, 64),
			units.BytesSize(float64(g.memPeak) * units.MiB),
			strconv.FormatFloat(g.powPeak, 'f', 1, 64),
		})
	}
	gpuTable.Render()
}
