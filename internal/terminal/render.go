// Package terminal draws the engine state as a full-screen text UI.
package terminal

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/mattn/go-runewidth"

	"github.com/skobkin/tracetop/internal/engine"
	"github.com/skobkin/tracetop/internal/gpu"
)

// ANSI sequences.
const (
	enterAltScreen = "\x1b[?1049h\x1b[?25l"
	leaveAltScreen = "\x1b[?25h\x1b[?1049l"
	cursorHome     = "\x1b[H"
	clearLine      = "\x1b[K"
	clearBelow     = "\x1b[J"
	reverse        = "\x1b[7m"
	bold           = "\x1b[1m"
	reset          = "\x1b[0m"
)

// Messages shown in place of missing data.
const (
	NoGPUMessage     = "GPU telemetry not available"
	WaitingMessage   = "waiting for first sample"
	NoDevicesMessage = "no GPU devices reported"
)

const helpLine = "q quit  ←/→ tab  ↑/↓ select  [/] device  a autoscale"

// Renderer writes frames to a terminal in the alternate screen.
type Renderer struct {
	out    io.Writer
	width  int
	height int
	buf    bytes.Buffer
}

// NewRenderer returns a renderer for a width x height terminal.
func NewRenderer(out io.Writer, width, height int) *Renderer {
	r := &Renderer{out: out}
	r.Resize(width, height)
	return r
}

// Resize changes the frame size. Sizes below 20x10 are raised.
func (r *Renderer) Resize(width, height int) {
	r.width = max(width, 20)
	r.height = max(height, 10)
}

// Enter switches to the alternate screen and hides the cursor.
func (r *Renderer) Enter() error {
	_, err := io.WriteString(r.out, enterAltScreen)
	return err
}

// Leave restores the primary screen and the cursor.
func (r *Renderer) Leave() error {
	_, err := io.WriteString(r.out, leaveAltScreen)
	return err
}

// Render draws one frame with a single write.
func (r *Renderer) Render(st engine.State) error {
	r.buf.Reset()
	r.buf.WriteString(cursorHome)
	for i, line := range Frame(st, r.width, r.height) {
		if i > 0 {
			// Raw mode disables output post-processing, so lines need an
			// explicit carriage return.
			r.buf.WriteString("\r\n")
		}
		r.buf.WriteString(line)
		r.buf.WriteString(reset + clearLine)
	}
	r.buf.WriteString(clearBelow)
	_, err := r.out.Write(r.buf.Bytes())
	return err
}

// Frame lays out the state as at most height lines of at most width
// display columns.
func Frame(st engine.State, width, height int) []string {
	f := &frame{width: width}
	f.add(tabBar(st))

	switch {
	case st.Nav.Tab == engine.TabGPU && st.GPUAvailable:
		gpuTab(f, st, height)
	default:
		processTab(f, st, height)
	}

	for _, a := range st.Alerts {
		style := ""
		if a.Level == gpu.LevelCritical {
			style = bold
		}
		f.styled(style, "ALERT "+a.String())
	}
	if st.LastError != "" {
		f.add("error: " + st.LastError)
	}
	f.add(helpLine)

	if height > 0 && len(f.lines) > height {
		// Keep the footer visible.
		footer := f.lines[len(f.lines)-1]
		f.lines = append(f.lines[:height-1], footer)
	}
	return f.lines
}

type frame struct {
	width int
	lines []string
}

func (f *frame) add(s string) {
	f.lines = append(f.lines, runewidth.Truncate(s, f.width, "…"))
}

func (f *frame) styled(style, s string) {
	if style == "" {
		f.add(s)
		return
	}
	f.lines = append(f.lines, style+runewidth.Truncate(s, f.width, "…")+reset)
}

func (f *frame) chart(values []float64, height int, top float64) {
	f.lines = append(f.lines, Chart(values, f.width, height, top)...)
}

func tabBar(st engine.State) string {
	names := []string{"Process"}
	if st.GPUAvailable {
		names = append(names, "GPU")
	}
	var sb strings.Builder
	sb.WriteString("tracetop ")
	for i, name := range names {
		if i == st.Nav.Tab {
			fmt.Fprintf(&sb, " [%s]", name)
			continue
		}
		fmt.Fprintf(&sb, "  %s ", name)
	}
	if st.Nav.Autoscale {
		sb.WriteString("  (autoscale)")
	}
	return sb.String()
}

func processTab(f *frame, st engine.State, height int) {
	if !st.Polled {
		f.add(WaitingMessage)
		if !st.GPUAvailable {
			f.add(NoGPUMessage)
		}
		return
	}

	f.add(fmt.Sprintf("pid %d (%s)  tick %d  processes %d", st.PID, st.Name, st.Tick, st.Usage.Processes))

	// Tab bar, two headers, table header, help and the no-GPU line.
	fixed := 6 + len(st.Alerts)
	if st.LastError != "" {
		fixed++
	}
	chartHeight := max((height-fixed)/3, 1)

	// Without autoscale the axes span one CPU and all of host memory.
	cpuTop, memTop := 1.0, 1.0
	if st.Nav.Autoscale {
		cpuTop = Peak(st.CPU, cpuTop)
		memTop = Peak(st.Memory, memTop)
	}

	f.add(fmt.Sprintf("CPU %.1f%%  (scale 0-%.0f%%)", st.Usage.CPUPercent, cpuTop*100))
	f.chart(st.CPU, chartHeight, cpuTop)

	memPct := 0.0
	if st.TotalMemoryBytes > 0 {
		memPct = float64(st.Usage.MemoryBytes) / float64(st.TotalMemoryBytes) * 100
	}
	f.add(fmt.Sprintf("Memory %s / %s (%.1f%%)  (scale 0-%.0f%%)",
		units.BytesSize(float64(st.Usage.MemoryBytes)),
		units.BytesSize(float64(st.TotalMemoryBytes)),
		memPct, memTop*100))
	f.chart(st.Memory, chartHeight, memTop)

	if !st.GPUAvailable {
		f.add(NoGPUMessage)
	}

	f.add(fmt.Sprintf("%7s %7s %7s %10s  %s", "PID", "PPID", "CPU%", "MEM", "NAME"))
	rows := max(height-len(f.lines)-1-len(st.Alerts), 0)
	if st.LastError != "" {
		rows = max(rows-1, 0)
	}
	start := 0
	if st.Nav.Selected >= rows && rows > 0 {
		start = st.Nav.Selected - rows + 1
	}
	for i := start; i < len(st.Rows) && i < start+rows; i++ {
		row := st.Rows[i]
		line := fmt.Sprintf("%7d %7d %7.1f %10s  %s%s",
			row.PID, row.PPID, row.CPUPercent,
			units.BytesSize(float64(row.MemoryBytes)),
			strings.Repeat("  ", row.Depth), row.Name)
		if i == st.Nav.Selected {
			f.styled(reverse, line)
			continue
		}
		f.add(line)
	}
}

// fleetLine summarises every device on one line.
func fleetLine(set gpu.ReadingSet) string {
	temp := "-"
	if avg, ok := set.AverageTemperature(); ok {
		temp = fmt.Sprintf("%.0f°C", avg)
	}
	return fmt.Sprintf("All GPUs: util %.0f%%  memory %d / %d MiB  temp %s",
		set.AverageUtilization(), set.TotalMemoryUsed(), set.TotalMemory(), temp)
}

func gpuTab(f *frame, st engine.State, height int) {
	var sb strings.Builder
	for i, d := range st.GPU.Devices {
		if i == st.Nav.Device {
			fmt.Fprintf(&sb, "[%d: %s] ", d.Index, d.Name)
			continue
		}
		fmt.Fprintf(&sb, " %d: %s  ", d.Index, d.Name)
	}
	if st.GPU.Stale {
		sb.WriteString("(stale)")
	}
	f.add(sb.String())

	d, ok := st.SelectedDevice()
	if !ok {
		f.add(NoDevicesMessage)
		return
	}

	fixed := 8 + len(st.Alerts)
	if len(st.GPU.Devices) > 1 {
		f.add(fleetLine(st.GPU))
		fixed++
	}
	chartHeight := max((height-fixed)/4, 1)

	utilTop, memTop := 1.0, 1.0
	tempTop := 100.0
	if d.Temperature.Limit != nil && *d.Temperature.Limit > 0 {
		tempTop = *d.Temperature.Limit
	}
	util := st.DeviceSeries(d.Index, engine.SeriesGPUUtilization)
	mem := st.DeviceSeries(d.Index, engine.SeriesMemoryUsed)
	temp := st.DeviceSeries(d.Index, engine.SeriesTemperature)
	if st.Nav.Autoscale {
		utilTop = Peak(util, utilTop)
		memTop = Peak(mem, memTop)
		tempTop = Peak(temp, tempTop)
	}

	f.add("Utilization " + optionalPercent(d.Utilization.GPU))
	f.chart(util, chartHeight, utilTop)
	f.add("Memory " + memoryLine(d))
	f.chart(mem, chartHeight, memTop)
	f.add("Temperature " + optionalFloat(d.Temperature.GPU, "%.0f°C"))
	f.chart(temp, chartHeight, tempTop)

	f.add(fmt.Sprintf("Power %s / %s  Clocks %s / %s  P-state %s  Driver %s",
		optionalFloat(d.Power.Draw, "%.1f W"),
		optionalFloat(d.Power.Limit, "%.0f W"),
		optionalMHz(d.Clocks.Graphics),
		optionalMHz(d.Clocks.MaxGraphics),
		orDash(d.PState),
		orDash(d.DriverVersion)))

	procs := st.GPU.ProcessesOn(d.Index)
	f.add(fmt.Sprintf("%7s %10s  %s", "PID", "GPU MEM", "NAME"))
	for _, p := range procs {
		mem := "-"
		if p.UsedMemoryMiB != nil {
			mem = fmt.Sprintf("%d MiB", *p.UsedMemoryMiB)
		}
		f.add(fmt.Sprintf("%7d %10s  %s", p.PID, mem, p.Name))
	}
}

func memoryLine(d gpu.Device) string {
	if d.Memory.Used == nil || d.Memory.Total == nil {
		return "-"
	}
	pct, _ := d.Memory.UsedPercent()
	return fmt.Sprintf("%d / %d MiB (%.1f%%)", *d.Memory.Used, *d.Memory.Total, pct)
}

func optionalPercent(v *uint32) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d%%", *v)
}

func optionalFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func optionalMHz(v *uint32) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d MHz", *v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
