// Package app wires up and runs tracetop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/tracetop/internal/config"
	"github.com/skobkin/tracetop/internal/engine"
	"github.com/skobkin/tracetop/internal/event"
	"github.com/skobkin/tracetop/internal/export"
	"github.com/skobkin/tracetop/internal/gpu"
	"github.com/skobkin/tracetop/internal/httpserver"
	"github.com/skobkin/tracetop/internal/procstat"
	"github.com/skobkin/tracetop/internal/proctree"
	"github.com/skobkin/tracetop/internal/report"
	"github.com/skobkin/tracetop/internal/terminal"
)

const (
	shutdownTimeout = 10 * time.Second
	busCapacity     = 64
)

// Streams are the standard streams the application runs on.
type Streams struct {
	In  *os.File
	Out *os.File
}

// Run bootstraps the application lifecycle. It returns nil when the user
// quits, a signal arrives or the traced process exits.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, streams Streams) error {
	appLogger := baseLogger.With("component", "app")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pid := cfg.PID
	if pid == 0 {
		dir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		child, err := Spawn(cfg.Command, dir, baseLogger.With("component", "child"))
		if err != nil {
			return fmt.Errorf("spawn traced application: %w", err)
		}
		defer func() {
			if err := child.Kill(); err != nil {
				appLogger.Warn("failed to stop traced application", "err", err)
			}
		}()
		pid = child.PID()
	}

	procs := procstat.NewSource(pid, procstat.NewGopsutilLister())

	var gpus engine.GPUSource
	if cfg.GPU.Enable {
		gpus = gpu.NewSource(ctx, gpuOptions(cfg, baseLogger.With("component", "gpu")))
	}

	metrics, unknown := engine.ParseFamilies(cfg.GPU.Metrics)
	if len(unknown) > 0 {
		appLogger.Warn("ignoring unknown GPU metric families", "families", unknown, "known", engine.AllFamilies)
	}

	var thresholds *gpu.Thresholds
	if cfg.Alerts.Enable {
		thresholds = &gpu.Thresholds{
			TempWarning:  cfg.Alerts.TempWarning,
			TempCritical: cfg.Alerts.TempCritical,
			MemWarning:   cfg.Alerts.MemWarning,
			MemCritical:  cfg.Alerts.MemCritical,
			UtilWarning:  cfg.Alerts.UtilWarning,
			UtilCritical: cfg.Alerts.UtilCritical,
		}
	}

	sink, err := openSinks(ctx, cfg, appLogger)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Processes:     procs,
		GPU:           gpus,
		Sink:          sink,
		HistoryLength: cfg.HistoryLength,
		Steps:         cfg.InterpolationSteps,
		TreeDepth:     cfg.TreeDepth,
		Metrics:       metrics,
		Alerts:        thresholds,
		Autoscale:     cfg.Autoscale,
		QuitKey:       engine.DefaultQuitKey,
		Logger:        baseLogger.With("component", "engine"),
	})
	if err != nil {
		closeSink(sink, appLogger)
		return fmt.Errorf("init engine: %w", err)
	}
	appLogger.Info("tracing", "pid", pid, "session", eng.Session(), "interval", cfg.RefreshInterval, "tree_depth", cfg.TreeDepth)

	var srv *httpserver.Server
	if cfg.HTTP.ListenAddr != "" {
		srv = httpserver.New(cfg, baseLogger.With("component", "http"), eng)
	}

	bus := event.NewBus(busCapacity)
	producers := []event.Producer{
		event.Ticker{Interval: cfg.RefreshInterval},
		event.Signal{Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}},
	}

	var (
		renderer *terminal.Renderer
		stats    *summary
	)
	if cfg.NoUI {
		stats = newSummary()
	} else {
		restore, err := terminal.MakeRaw(int(streams.In.Fd()))
		if err != nil {
			closeSink(sink, appLogger)
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer func() {
			if err := restore(); err != nil {
				appLogger.Warn("failed to restore terminal", "err", err)
			}
		}()

		width, height, err := terminal.Size(int(streams.Out.Fd()))
		if err != nil {
			appLogger.Warn("failed to read terminal size", "err", err)
			width, height = 80, 24
		}
		renderer = terminal.NewRenderer(streams.Out, width, height)
		if err := renderer.Enter(); err != nil {
			appLogger.Warn("failed to enter alternate screen", "err", err)
		}
		defer func() {
			if err := renderer.Leave(); err != nil {
				appLogger.Warn("failed to leave alternate screen", "err", err)
			}
		}()

		// The keyboard reader may stay blocked in read(2) until exit, so it
		// is not waited for.
		event.Start(ctx, bus, baseLogger.With("component", "keyboard"),
			event.Keyboard{Input: streams.In, Quit: engine.DefaultQuitKey})
	}

	var lastTick uint64
	yield := func(st engine.State) {
		if srv != nil {
			srv.Publish(st)
		}
		if renderer != nil {
			if width, height, err := terminal.Size(int(streams.Out.Fd())); err == nil {
				renderer.Resize(width, height)
			}
			if err := renderer.Render(st); err != nil {
				appLogger.Debug("render failed", "err", err)
			}
			return
		}
		if st.Tick == lastTick || !st.Polled {
			return
		}
		lastTick = st.Tick
		stats.observe(st)
		appLogger.Info(fmt.Sprintf("CPU: %.1f [%%], memory: %d [kB]", st.Usage.CPUPercent, st.Usage.MemoryBytes/1024),
			"tick", st.Tick, "processes", st.Usage.Processes)
	}

	g, gctx := errgroup.WithContext(ctx)
	waitProducers := event.Start(gctx, bus, baseLogger.With("component", "events"), producers...)

	if srv != nil {
		g.Go(srv.Start)
	}
	g.Go(func() error {
		runErr := eng.Run(gctx, bus.Events(), yield)
		bus.Close()
		waitProducers()
		closeSink(sink, appLogger)
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Warn("http shutdown", "err", err)
			}
		}

		switch {
		case errors.Is(runErr, proctree.ErrProcessExited):
			appLogger.Info("traced process exited", "pid", pid)
			return nil
		case errors.Is(runErr, context.Canceled):
			return nil
		}
		return runErr
	})

	err = g.Wait()
	if stats != nil {
		stats.render(streams.Out)
	}
	appLogger.Info("shutdown complete")
	return err
}

// gpuOptions maps the GPU configuration onto source options. Generic device
// names are resolved through the system PCI database.
func gpuOptions(cfg config.Config, logger *slog.Logger) gpu.Options {
	return gpu.Options{
		ToolPath:      gpu.ResolveToolPath(cfg.GPU.ToolPath),
		Devices:       cfg.GPU.Devices,
		SkipProcesses: !cfg.GPU.Processes,
		Names:         gpu.LookupName,
		Logger:        logger,
	}
}

func openSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) (export.Sink, error) {
	var sinks export.Multi
	fail := func(err error) (export.Sink, error) {
		closeSink(sinks, logger)
		return nil, err
	}

	if cfg.Export.Path != "" {
		s, err := export.Open(cfg.Export.Path, cfg.Export.Format)
		if err != nil {
			return fail(fmt.Errorf("open export: %w", err))
		}
		logger.Info("exporting samples", "path", cfg.Export.Path)
		sinks = append(sinks, s)
	}
	if cfg.ClickHouse.Addr != "" {
		s, err := export.OpenClickHouse(ctx, export.ClickHouseOptions{
			Addr:      cfg.ClickHouse.Addr,
			Database:  cfg.ClickHouse.Database,
			Username:  cfg.ClickHouse.Username,
			Password:  cfg.ClickHouse.Password,
			BatchSize: cfg.ClickHouse.BatchSize,
		})
		if err != nil {
			return fail(fmt.Errorf("open clickhouse: %w", err))
		}
		logger.Info("exporting samples to clickhouse", "addr", cfg.ClickHouse.Addr, "database", cfg.ClickHouse.Database)
		sinks = append(sinks, s)
	}
	if cfg.Export.ReportPath != "" {
		logger.Info("report will be written on exit", "path", cfg.Export.ReportPath)
		sinks = append(sinks, report.NewRecorder(cfg.Export.ReportPath))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func closeSink(sink export.Sink, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		logger.Warn("failed to close sink", "err", err)
	}
}
