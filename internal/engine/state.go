package engine

import (
	"sort"
	"time"

	"github.com/skobkin/tracetop/internal/gpu"
	"github.com/skobkin/tracetop/internal/procstat"
	"github.com/skobkin/tracetop/internal/proctree"
)

// Row is one process of the aggregated tree, in breadth-first order with the
// traced process first.
type Row struct {
	PID         int32   `json:"pid"`
	PPID        int32   `json:"ppid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Depth       int     `json:"depth"`
}

// State is an immutable view of the engine published after every event.
// Slices and maps are never shared with the engine.
type State struct {
	Session   string    `json:"session"`
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	// Polled is false until the first successful process poll.
	Polled bool `json:"polled"`

	PID              int32          `json:"pid"`
	Name             string         `json:"name"`
	Usage            proctree.Usage `json:"usage"`
	TotalMemoryBytes uint64         `json:"total_memory_bytes"`
	LogicalCPUs      int            `json:"logical_cpus"`
	Rows             []Row          `json:"rows"`

	// CPU holds fractions of one core; Memory holds fractions of host
	// memory.
	CPU    []float64 `json:"-"`
	Memory []float64 `json:"-"`

	GPUAvailable bool                         `json:"gpu_available"`
	GPU          gpu.ReadingSet               `json:"gpu"`
	GPUHistory   map[int]map[string][]float64 `json:"-"`
	Alerts       []gpu.Alert                  `json:"alerts,omitempty"`
	Nav          Navigation                   `json:"navigation"`
	LastError    string                       `json:"last_error,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Rows = append([]Row(nil), s.Rows...)
	out.CPU = append([]float64(nil), s.CPU...)
	out.Memory = append([]float64(nil), s.Memory...)
	out.GPU = s.GPU.Clone()
	out.Alerts = append([]gpu.Alert(nil), s.Alerts...)
	if s.GPUHistory != nil {
		out.GPUHistory = make(map[int]map[string][]float64, len(s.GPUHistory))
		for idx, series := range s.GPUHistory {
			m := make(map[string][]float64, len(series))
			for name, values := range series {
				m[name] = append([]float64(nil), values...)
			}
			out.GPUHistory[idx] = m
		}
	}
	return out
}

// SelectedDevice returns the device picked by navigation.
func (s State) SelectedDevice() (gpu.Device, bool) {
	if s.Nav.Device < 0 || s.Nav.Device >= len(s.GPU.Devices) {
		return gpu.Device{}, false
	}
	return s.GPU.Devices[s.Nav.Device], true
}

// DeviceSeries returns the history of one metric of a device.
func (s State) DeviceSeries(index int, series string) []float64 {
	return s.GPUHistory[index][series]
}

func (e *Engine) publish() {
	st := &State{
		Session:          e.session,
		Tick:             e.tick,
		Timestamp:        e.snapshot.Timestamp,
		Polled:           e.polled,
		PID:              e.snapshot.PID,
		Name:             e.snapshot.Name,
		Usage:            e.usage,
		TotalMemoryBytes: e.snapshot.TotalMemoryBytes,
		LogicalCPUs:      e.snapshot.LogicalCPUs,
		Rows:             append([]Row(nil), e.rows...),
		CPU:              e.cpu.Values(),
		Memory:           e.memory.Values(),
		GPUAvailable:     e.gpuAvailable,
		GPU:              e.gpuSet.Clone(),
		GPUHistory:       make(map[int]map[string][]float64, len(e.gpuHistory)),
		Alerts:           append([]gpu.Alert(nil), e.activeAlerts...),
		Nav:              e.nav,
		LastError:        e.lastErr,
	}
	for idx, series := range e.gpuHistory {
		m := make(map[string][]float64, len(series))
		for name, s := range series {
			m[name] = s.Values()
		}
		st.GPUHistory[idx] = m
	}
	e.state.Store(st)
}

// buildRows lists the processes counted for snap.PID, parents before
// children.
func buildRows(snap procstat.Snapshot, depth int) []Row {
	byPID := make(map[int32]proctree.Entry, len(snap.Table))
	for _, entry := range snap.Table {
		byPID[entry.PID] = entry
	}
	root, ok := byPID[snap.PID]
	if !ok {
		return nil
	}

	levels := map[int32]int{root.PID: 0}
	rows := []Row{toRow(root, 0)}
	for _, pid := range proctree.Descendants(snap.PID, snap.Table, depth) {
		entry := byPID[pid]
		level := levels[entry.PPID] + 1
		levels[pid] = level
		rows = append(rows, toRow(entry, level))
	}

	// Keep breadth-first order but list siblings by descending CPU.
	sort.SliceStable(rows[1:], func(i, j int) bool {
		a, b := rows[1+i], rows[1+j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.CPUPercent > b.CPUPercent
	})
	return rows
}

func toRow(e proctree.Entry, depth int) Row {
	cpu := e.CPUPercent
	if cpu < 0 {
		cpu = 0
	}
	return Row{
		PID:         e.PID,
		PPID:        e.PPID,
		Name:        e.Name,
		CPUPercent:  cpu,
		MemoryBytes: e.MemoryBytes,
		Depth:       depth,
	}
}
