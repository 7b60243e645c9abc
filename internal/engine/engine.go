// Package engine owns the tracing session: it consumes bus events one at a
// time, polls the process and GPU sources on every tick, keeps the chart
// histories and publishes an immutable State after each event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/skobkin/tracetop/internal/event"
	"github.com/skobkin/tracetop/internal/export"
	"github.com/skobkin/tracetop/internal/gpu"
	"github.com/skobkin/tracetop/internal/history"
	"github.com/skobkin/tracetop/internal/procstat"
	"github.com/skobkin/tracetop/internal/proctree"
)

// Defaults applied by New.
const (
	DefaultHistoryLength = 5000
	DefaultSteps         = 50
	DefaultQuitKey       = 'q'
)

// ProcessSource yields one snapshot of the traced process per call.
type ProcessSource interface {
	Poll(ctx context.Context) (procstat.Snapshot, error)
}

// GPUSource yields one GPU reading set per call.
type GPUSource interface {
	Available() bool
	Poll(ctx context.Context) (gpu.ReadingSet, error)
}

// Options configures an Engine.
type Options struct {
	Processes ProcessSource
	// GPU may be nil when telemetry is disabled.
	GPU GPUSource
	// Sink receives one record per completed tick. Optional.
	Sink export.Sink

	HistoryLength int
	Steps         int
	// TreeDepth is the number of process tree levels aggregated.
	TreeDepth int
	// Metrics selects GPU metric families; nil selects all.
	Metrics map[string]bool
	// Alerts enables threshold evaluation when non-nil.
	Alerts    *gpu.Thresholds
	Autoscale bool
	QuitKey   rune
	// Session identifies exported records; a random id is used when empty.
	Session string
	Logger  *slog.Logger
}

// Engine is the single consumer of the event bus. Everything except State is
// owned by the goroutine calling Run or Handle.
type Engine struct {
	procs   ProcessSource
	gpus    GPUSource
	sink    export.Sink
	logger  *slog.Logger
	quit    rune
	depth   int
	metrics map[string]bool
	alerts  *gpu.Thresholds
	session string

	historyLength int
	steps         int

	tick     uint64
	snapshot procstat.Snapshot
	usage    proctree.Usage
	rows     []Row
	polled   bool
	lastErr  string

	cpu    *history.Buffer[float64]
	memory *history.Buffer[float64]

	gpuAvailable bool
	gpuSet       gpu.ReadingSet
	gpuHistory   map[int]map[string]history.Series
	alertLevels  map[alertKey]gpu.Level
	activeAlerts []gpu.Alert

	nav Navigation

	state atomic.Pointer[State]
}

type alertKey struct {
	index  int
	metric string
}

// New validates options and constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Processes == nil {
		return nil, errors.New("engine: process source is required")
	}
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = DefaultHistoryLength
	}
	if opts.Steps <= 0 {
		opts.Steps = DefaultSteps
	}
	if opts.TreeDepth == 0 {
		opts.TreeDepth = proctree.MaxDepth
	}
	if opts.QuitKey == 0 {
		opts.QuitKey = DefaultQuitKey
	}
	if opts.Metrics == nil {
		opts.Metrics, _ = ParseFamilies(nil)
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		procs:         opts.Processes,
		gpus:          opts.GPU,
		sink:          opts.Sink,
		logger:        logger.With("component", "engine"),
		quit:          opts.QuitKey,
		depth:         opts.TreeDepth,
		metrics:       opts.Metrics,
		alerts:        opts.Alerts,
		session:       opts.Session,
		historyLength: opts.HistoryLength,
		steps:         opts.Steps,
		cpu:           history.Prefilled[float64](opts.HistoryLength, opts.Steps, 0),
		memory:        history.Prefilled[float64](opts.HistoryLength, opts.Steps, 0),
		gpuAvailable:  opts.GPU != nil && opts.GPU.Available(),
		gpuHistory:    make(map[int]map[string]history.Series),
		alertLevels:   make(map[alertKey]gpu.Level),
	}
	e.nav.Autoscale = opts.Autoscale
	e.nav.resize(e.tabs(), 0, 0)
	e.publish()
	return e, nil
}

// Session returns the id stamped on exported records.
func (e *Engine) Session() string {
	return e.session
}

// State returns a copy of the most recently published state. Safe for
// concurrent use.
func (e *Engine) State() State {
	return e.state.Load().Clone()
}

// Run consumes events until quit, cancellation, exit of the traced process or
// ctx expiry. After each event that does not end the loop it calls yield with
// the published state before reading the next event.
func (e *Engine) Run(ctx context.Context, events <-chan event.Event, yield func(State)) error {
	// Ticks are never interrupted halfway; ctx only stops the loop between
	// events.
	tickCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			done, err := e.Handle(tickCtx, ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if yield != nil {
				yield(e.State())
			}
		}
	}
}

// Handle fully applies one event and publishes the resulting state. It
// reports done for quit and cancel events.
func (e *Engine) Handle(ctx context.Context, ev event.Event) (done bool, err error) {
	switch ev.Kind {
	case event.KindCancel:
		e.logger.Info("cancel requested")
		return true, nil
	case event.KindInput:
		if event.IsQuit(ev.Key, e.quit) {
			e.logger.Info("quit key pressed", "key", ev.Key.String())
			return true, nil
		}
		e.nav.Apply(ev.Key)
	case event.KindTick:
		if err := e.poll(ctx); err != nil {
			return false, err
		}
	default:
		e.logger.Warn("ignoring unknown event", "kind", ev.Kind.String())
		return false, nil
	}

	e.publish()
	return false, nil
}

func (e *Engine) tabs() int {
	if e.gpuAvailable {
		return 2
	}
	return 1
}

func (e *Engine) poll(ctx context.Context) error {
	e.tick++
	e.lastErr = ""

	processOK := true
	snap, err := e.procs.Poll(ctx)
	switch {
	case errors.Is(err, proctree.ErrProcessExited):
		e.logger.Info("traced process exited", "tick", e.tick)
		return err
	case err != nil:
		processOK = false
		e.setError("process poll failed", err)
	default:
		usage, aggErr := proctree.AggregateDepth(snap.PID, snap.Table, e.depth)
		if aggErr != nil {
			return aggErr
		}
		e.rows = buildRows(snap, e.depth)
		snap.Table = nil
		e.snapshot = snap
		e.usage = usage
		e.polled = true
	}

	gpuFresh := false
	if e.gpuAvailable {
		set, gerr := e.gpus.Poll(ctx)
		switch {
		case gerr == nil:
			e.gpuSet = set
			gpuFresh = true
		case errors.Is(gerr, gpu.ErrPartialRead):
			e.logger.Warn("gpu poll skipped rows", "err", gerr)
			e.gpuSet = set
			gpuFresh = true
		default:
			e.setError("gpu poll failed", gerr)
			e.gpuSet = set
			e.gpuSet.Stale = true
		}
	}

	if processOK {
		e.cpu.Push(e.usage.CPUPercent / 100)
		if total := e.snapshot.TotalMemoryBytes; total > 0 {
			e.memory.Push(float64(e.usage.MemoryBytes) / float64(total))
		}
	}
	if gpuFresh {
		e.pushGPU()
	}
	if e.alerts != nil {
		e.evaluateAlerts()
	}
	e.nav.resize(e.tabs(), len(e.rows), len(e.gpuSet.Devices))

	if processOK && e.sink != nil {
		if err := e.sink.Write(ctx, e.record()); err != nil {
			e.logger.Warn("export write failed", "tick", e.tick, "err", err)
		}
	}
	return nil
}

func (e *Engine) setError(msg string, err error) {
	e.lastErr = fmt.Sprintf("%s: %v", msg, err)
	e.logger.Warn(msg, "tick", e.tick, "err", err)
}

func (e *Engine) pushGPU() {
	for _, d := range e.gpuSet.Devices {
		series, ok := e.gpuHistory[d.Index]
		if !ok {
			series = e.newDeviceHistory()
			e.gpuHistory[d.Index] = series
		}
		for _, m := range gpuMetrics {
			if !e.metrics[m.family] {
				continue
			}
			v, ok := m.extract(d)
			if !ok {
				continue
			}
			s := series[m.series]
			if m.seeded {
				s.(seeder).PushFrom(v, v)
				continue
			}
			s.Push(v)
		}
	}
}

type seeder interface {
	PushFrom(v, seed float64)
}

func (e *Engine) newDeviceHistory() map[string]history.Series {
	series := make(map[string]history.Series, len(gpuMetrics))
	for _, m := range gpuMetrics {
		if !e.metrics[m.family] {
			continue
		}
		if m.seeded {
			series[m.series] = history.New[float32](e.historyLength, e.steps)
			continue
		}
		series[m.series] = history.Prefilled[float32](e.historyLength, e.steps, 0)
	}
	return series
}

func (e *Engine) evaluateAlerts() {
	var active []gpu.Alert
	for _, d := range e.gpuSet.Devices {
		for _, a := range e.alerts.Evaluate(d) {
			key := alertKey{index: a.Index, metric: a.Metric}
			prev := e.alertLevels[key]
			if a.Level != prev {
				e.logAlert(a, prev)
				e.alertLevels[key] = a.Level
			}
			if a.Level != gpu.LevelOK {
				active = append(active, a)
			}
		}
	}
	e.activeAlerts = active
}

func (e *Engine) logAlert(a gpu.Alert, prev gpu.Level) {
	attrs := []any{"gpu", a.Index, "metric", a.Metric, "value", a.Value, "previous", prev.String()}
	switch a.Level {
	case gpu.LevelCritical:
		e.logger.Error("gpu alert "+a.Level.String(), attrs...)
	case gpu.LevelWarning:
		e.logger.Warn("gpu alert "+a.Level.String(), attrs...)
	default:
		e.logger.Info("gpu alert cleared", attrs...)
	}
}

func (e *Engine) record() export.Record {
	rec := export.Record{
		Session:          e.session,
		Tick:             e.tick,
		Timestamp:        e.snapshot.Timestamp,
		PID:              e.snapshot.PID,
		Process:          e.snapshot.Name,
		CPUPercent:       e.usage.CPUPercent,
		MemoryBytes:      e.usage.MemoryBytes,
		TotalMemoryBytes: e.snapshot.TotalMemoryBytes,
		Processes:        e.usage.Processes,
	}
	for _, d := range e.gpuSet.Devices {
		procs := 0
		if e.metrics[FamilyProcesses] {
			procs = len(e.gpuSet.ProcessesOn(d.Index))
		}
		rec.GPUs = append(rec.GPUs, export.NewGPURecord(d, procs, e.gpuSet.Stale))
	}
	return rec
}
