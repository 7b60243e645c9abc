package httpserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/tracetop/internal/engine"
	"github.com/skobkin/tracetop/internal/gpu"
)

const namespace = "tracetop"

type stateCollector struct {
	source  StateSource
	process []processMetric
	gpus    []gpuMetric
	ticks   *prometheus.Desc
	alert   *prometheus.Desc
}

type processMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(st engine.State) (float64, bool)
}

type gpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(d gpu.Device, set gpu.ReadingSet) (float64, bool)
}

func newStateCollector(source StateSource) prometheus.Collector {
	collector := &stateCollector{
		source: source,
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ticks_total"),
			"Poll cycles completed since start.",
			nil, nil,
		),
		alert: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gpu", "alert_value"),
			"Value of a GPU metric currently above its warning or critical threshold.",
			[]string{"gpu", "metric", "level"}, nil,
		),
	}

	processDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", name),
			help,
			[]string{"pid", "name"},
			nil,
		)
	}
	gpuDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gpu", name),
			help,
			[]string{"gpu", "name", "uuid"},
			nil,
		)
	}

	collector.process = []processMetric{
		{
			desc:      processDesc("cpu_percent", "CPU usage of the traced process tree, 100 per fully used core."),
			valueType: prometheus.GaugeValue,
			extract: func(st engine.State) (float64, bool) {
				return st.Usage.CPUPercent, true
			},
		},
		{
			desc:      processDesc("memory_bytes", "Resident memory of the traced process tree in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(st engine.State) (float64, bool) {
				return float64(st.Usage.MemoryBytes), true
			},
		},
		{
			desc:      processDesc("tree_processes", "Number of processes summed into the tree usage."),
			valueType: prometheus.GaugeValue,
			extract: func(st engine.State) (float64, bool) {
				return float64(st.Usage.Processes), true
			},
		},
		{
			desc:      processDesc("sample_age_seconds", "Seconds elapsed since the latest process sample was collected."),
			valueType: prometheus.GaugeValue,
			extract: func(st engine.State) (float64, bool) {
				if st.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(st.Timestamp).Seconds(), 0), true
			},
		},
	}

	collector.gpus = []gpuMetric{
		{
			desc:      gpuDesc("utilization_percent", "GPU utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromUint32(d.Utilization.GPU)
			},
		},
		{
			desc:      gpuDesc("memory_utilization_percent", "Memory controller utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromUint32(d.Utilization.Memory)
			},
		},
		{
			desc:      gpuDesc("memory_used_bytes", "Framebuffer memory in use in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return mibToBytes(d.Memory.Used)
			},
		},
		{
			desc:      gpuDesc("memory_total_bytes", "Total framebuffer memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return mibToBytes(d.Memory.Total)
			},
		},
		{
			desc:      gpuDesc("temperature_celsius", "Core temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromFloat(d.Temperature.GPU)
			},
		},
		{
			desc:      gpuDesc("power_watts", "Power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromFloat(d.Power.Draw)
			},
		},
		{
			desc:      gpuDesc("power_limit_watts", "Enforced power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromFloat(d.Power.EnforcedLimit)
			},
		},
		{
			desc:      gpuDesc("graphics_clock_mhz", "Graphics clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromUint32(d.Clocks.Graphics)
			},
		},
		{
			desc:      gpuDesc("memory_clock_mhz", "Memory clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromUint32(d.Clocks.Memory)
			},
		},
		{
			desc:      gpuDesc("fan_speed_percent", "Fan speed as a percentage of its maximum."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, _ gpu.ReadingSet) (float64, bool) {
				return fromFloat(d.FanSpeed)
			},
		},
		{
			desc:      gpuDesc("compute_processes", "Compute processes running on the device."),
			valueType: prometheus.GaugeValue,
			extract: func(d gpu.Device, set gpu.ReadingSet) (float64, bool) {
				return float64(len(set.ProcessesOn(d.Index))), true
			},
		},
		{
			desc:      gpuDesc("stale", "1 when the last poll failed and the values are from an earlier poll."),
			valueType: prometheus.GaugeValue,
			extract: func(_ gpu.Device, set gpu.ReadingSet) (float64, bool) {
				if set.Stale {
					return 1, true
				}
				return 0, true
			},
		},
	}

	return collector
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ticks
	ch <- c.alert
	for _, metric := range c.process {
		ch <- metric.desc
	}
	for _, metric := range c.gpus {
		ch <- metric.desc
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	st := c.source.State()
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(st.Tick))
	if !st.Polled {
		return
	}

	pid := strconv.Itoa(int(st.PID))
	for _, metric := range c.process {
		value, ok := metric.extract(st)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, pid, st.Name)
	}

	for _, device := range st.GPU.Devices {
		index := strconv.Itoa(device.Index)
		for _, metric := range c.gpus {
			value, ok := metric.extract(device, st.GPU)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, index, device.Name, device.UUID)
		}
	}

	for _, alert := range st.Alerts {
		ch <- prometheus.MustNewConstMetric(c.alert, prometheus.GaugeValue, alert.Value,
			strconv.Itoa(alert.Index), alert.Metric, alert.Level.String())
	}
}

func fromUint32(v *uint32) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

func fromFloat(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func mibToBytes(v *uint64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v) * 1024 * 1024, true
}
