package config

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// AddFlags binds command line flags to c. Flag defaults are the values
// already in c, so flags override the environment.
func (c *Config) AddFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int32VarP(&c.PID, "pid", "p", c.PID, "Trace an existing process instead of starting one")
	flags.DurationVarP(&c.RefreshInterval, "interval", "i", c.RefreshInterval, "Refresh interval")
	flags.IntVar(&c.HistoryLength, "history", c.HistoryLength, "Chart history length in points")
	flags.IntVar(&c.InterpolationSteps, "steps", c.InterpolationSteps, "Interpolated points per sample")
	flags.IntVar(&c.TreeDepth, "depth", c.TreeDepth, "Process tree levels to aggregate: 2 counts the process and its children, 3 adds grandchildren (needed when the command runs under a wrapper such as sh -c), -1 for unlimited")
	flags.BoolVar(&c.NoUI, "noui", c.NoUI, "Log samples instead of drawing the terminal UI")
	flags.BoolVar(&c.Autoscale, "autoscale", c.Autoscale, "Scale charts to the visible data")
	flags.Var((*levelValue)(&c.LogLevel), "log-level", "Log level (debug, info, warn, error)")
	flags.StringVar(&c.LogFile, "log-file", c.LogFile, "Log file (default tracetop.log with the terminal UI, stderr otherwise)")

	flags.BoolVar(&c.GPU.Enable, "gpu", c.GPU.Enable, "Collect NVIDIA GPU telemetry")
	flags.StringVar(&c.GPU.ToolPath, "gpu-tool", c.GPU.ToolPath, "Path or name of nvidia-smi")
	flags.IntSliceVar(&c.GPU.Devices, "gpu-devices", c.GPU.Devices, "GPU indices to poll (default all)")
	flags.BoolVar(&c.GPU.Processes, "gpu-procs", c.GPU.Processes, "List compute processes per GPU")
	flags.StringSliceVar(&c.GPU.Metrics, "gpu-metrics", c.GPU.Metrics, "GPU metric families to chart")

	flags.BoolVar(&c.Alerts.Enable, "alerts", c.Alerts.Enable, "Evaluate GPU warning and critical thresholds")
	flags.Float64Var(&c.Alerts.TempWarning, "temp-warning", c.Alerts.TempWarning, "GPU temperature warning threshold in °C")
	flags.Float64Var(&c.Alerts.TempCritical, "temp-critical", c.Alerts.TempCritical, "GPU temperature critical threshold in °C")
	flags.Float64Var(&c.Alerts.MemWarning, "mem-warning", c.Alerts.MemWarning, "GPU memory warning threshold in percent")
	flags.Float64Var(&c.Alerts.MemCritical, "mem-critical", c.Alerts.MemCritical, "GPU memory critical threshold in percent")
	flags.Float64Var(&c.Alerts.UtilWarning, "util-warning", c.Alerts.UtilWarning, "GPU utilization warning threshold in percent")
	flags.Float64Var(&c.Alerts.UtilCritical, "util-critical", c.Alerts.UtilCritical, "GPU utilization critical threshold in percent")

	flags.StringVarP(&c.Export.Path, "output", "o", c.Export.Path, "Export samples to this file")
	flags.StringVarP(&c.Export.Format, "format", "f", c.Export.Format, "Export format (csv, jsonl, parquet); inferred from the extension when empty")
	flags.StringVar(&c.Export.ReportPath, "report", c.Export.ReportPath, "Write an HTML chart report on exit")

	flags.StringVar(&c.ClickHouse.Addr, "clickhouse", c.ClickHouse.Addr, "ClickHouse address (host:port) to insert samples into")
	flags.StringVar(&c.ClickHouse.Database, "clickhouse-db", c.ClickHouse.Database, "ClickHouse database")

	flags.StringVar(&c.HTTP.ListenAddr, "listen", c.HTTP.ListenAddr, "Serve the HTTP API on this address")
	flags.BoolVar(&c.HTTP.EnablePrometheus, "prometheus", c.HTTP.EnablePrometheus, "Expose /metrics")
	flags.BoolVar(&c.HTTP.EnablePprof, "pprof", c.HTTP.EnablePprof, "Expose /debug/pprof")
}

// levelValue adapts slog.Level to a flag value.
type levelValue slog.Level

func (v *levelValue) String() string {
	return slog.Level(*v).String()
}

func (v *levelValue) Set(s string) error {
	level, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	*v = levelValue(level)
	return nil
}

func (v *levelValue) Type() string {
	return "level"
}
