// Command gpuprobe runs one nvidia-smi poll the same way tracetop does and
// prints the result. It is meant for checking driver and tool setup.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/skobkin/tracetop/internal/gpu"
)

type options struct {
	tool       string
	devices    []int
	processes  bool
	alerts     bool
	jsonOutput bool
	verbose    bool
}

func main() {
	opts := options{
		tool:      envOrDefault("APP_GPU_TOOL", gpu.DefaultTool),
		processes: true,
	}

	cmd := &cobra.Command{
		Use:           "gpuprobe",
		Short:         "Poll NVIDIA GPUs once and print the readings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return probe(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.tool, "tool", opts.tool, "Path or name of nvidia-smi")
	flags.IntSliceVar(&opts.devices, "gpu", nil, "Limit the poll to these GPU indices")
	flags.BoolVar(&opts.processes, "procs", opts.processes, "Query compute processes")
	flags.BoolVar(&opts.alerts, "alerts", false, "Evaluate default alert thresholds")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Emit the reading as JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log tool invocations")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gpuprobe:", err)
		os.Exit(1)
	}
}

func probe(cmd *cobra.Command, opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := cmd.Context()
	src := gpu.NewSource(ctx, gpu.Options{
		ToolPath:      gpu.ResolveToolPath(opts.tool),
		Devices:       opts.devices,
		SkipProcesses: !opts.processes,
		Names:         gpu.LookupName,
		Logger:        logger.With("component", "gpu"),
	})
	if !src.Available() {
		return fmt.Errorf("%s: %w", opts.tool, gpu.ErrUnavailable)
	}

	set, err := src.Poll(ctx)
	switch {
	case errors.Is(err, gpu.ErrPartialRead):
		logger.Warn("some rows could not be parsed", "err", err)
	case err != nil:
		return err
	}

	var alerts []gpu.Alert
	if opts.alerts {
		thresholds := gpu.DefaultThresholds()
		for _, d := range set.Devices {
			alerts = append(alerts, thresholds.Evaluate(d)...)
		}
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			gpu.ReadingSet
			Alerts []gpu.Alert `json:"alerts,omitempty"`
		}{set, alerts})
	}

	printReading(out, set, alerts)
	return nil
}

func printReading(w io.Writer, set gpu.ReadingSet, alerts []gpu.Alert) {
	if len(set.Devices) == 0 {
		fmt.Fprintln(w, "No GPUs detected")
		return
	}
	fmt.Fprintf(w, "%d of %d GPUs at %s\n", len(set.Devices), set.DeviceCount, set.Timestamp.Format("15:04:05"))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"GPU", "Name", "Util %", "Memory", "Temp C", "Power W", "PState"})
	table.SetBorder(false)
	for _, d := range set.Devices {
		table.Append([]string{
			strconv.Itoa(d.Index),
			d.Name,
			orDash(d.Utilization.GPU, func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }),
			memoryCell(d.Memory),
			orDash(d.Temperature.GPU, func(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }),
			orDash(d.Power.Draw, func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }),
			d.PState,
		})
	}
	table.Render()

	if len(set.Processes) > 0 {
		procs := tablewriter.NewWriter(w)
		procs.SetHeader([]string{"GPU", "Device", "PID", "Name", "Memory"})
		procs.SetBorder(false)
		for _, p := range set.Processes {
			device := "-"
			if d, ok := set.DeviceByUUID(p.GPUUUID); ok {
				device = d.Name
			}
			procs.Append([]string{
				orDash(p.GPUIndex, strconv.Itoa),
				device,
				strconv.Itoa(int(p.PID)),
				p.Name,
				orDash(p.UsedMemoryMiB, mibSize),
			})
		}
		procs.Render()
	}

	for _, a := range alerts {
		fmt.Fprintln(w, a.String())
	}
}

func memoryCell(m gpu.Memory) string {
	if m.Used == nil || m.Total == nil {
		return "-"
	}
	return mibSize(*m.Used) + " / " + mibSize(*m.Total)
}

func mibSize(v uint64) string {
	return units.BytesSize(float64(v) * units.MiB)
}

func orDash[T any](v *T, format func(T) string) string {
	if v == nil {
		return "-"
	}
	return format(*v)
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
