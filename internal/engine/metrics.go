package engine

import (
	"strings"

	"github.com/skobkin/tracetop/internal/gpu"
)

// GPU metric families selectable in Options.Metrics.
const (
	FamilyMemory      = "memory"
	FamilyUtilization = "utilization"
	FamilyTemperature = "temperature"
	FamilyPower       = "power"
	FamilyClocks      = "clocks"
	FamilyProcesses   = "processes"
)

// AllFamilies lists every metric family.
var AllFamilies = []string{FamilyMemory, FamilyUtilization, FamilyTemperature, FamilyPower, FamilyClocks, FamilyProcesses}

// Per-device history series names.
const (
	SeriesGPUUtilization    = "gpu_utilization"
	SeriesMemoryUtilization = "memory_utilization"
	SeriesMemoryUsed        = "memory_used"
	SeriesTemperature       = "temperature"
	SeriesPower             = "power_draw"
	SeriesGraphicsClock     = "graphics_clock"
	SeriesMemoryClock       = "memory_clock"
)

// gpuMetric maps a device reading onto one history series. Fractions are
// stored in [0,1]; temperature, power and clocks keep their units.
type gpuMetric struct {
	series  string
	family  string
	extract func(gpu.Device) (float64, bool)
	// seeded series start from their first value instead of ramping up
	// from zero.
	seeded bool
}

var gpuMetrics = []gpuMetric{
	{
		series: SeriesGPUUtilization,
		family: FamilyUtilization,
		extract: func(d gpu.Device) (float64, bool) {
			return percentFraction(d.Utilization.GPU)
		},
	},
	{
		series: SeriesMemoryUtilization,
		family: FamilyUtilization,
		extract: func(d gpu.Device) (float64, bool) {
			return percentFraction(d.Utilization.Memory)
		},
	},
	{
		series: SeriesMemoryUsed,
		family: FamilyMemory,
		extract: func(d gpu.Device) (float64, bool) {
			pct, ok := d.Memory.UsedPercent()
			return pct / 100, ok
		},
	},
	{
		series: SeriesTemperature,
		family: FamilyTemperature,
		seeded: true,
		extract: func(d gpu.Device) (float64, bool) {
			if d.Temperature.GPU == nil {
				return 0, false
			}
			return *d.Temperature.GPU, true
		},
	},
	{
		series: SeriesPower,
		family: FamilyPower,
		seeded: true,
		extract: func(d gpu.Device) (float64, bool) {
			if d.Power.Draw == nil {
				return 0, false
			}
			return *d.Power.Draw, true
		},
	},
	{
		series: SeriesGraphicsClock,
		family: FamilyClocks,
		seeded: true,
		extract: func(d gpu.Device) (float64, bool) {
			return uint32Value(d.Clocks.Graphics)
		},
	},
	{
		series: SeriesMemoryClock,
		family: FamilyClocks,
		seeded: true,
		extract: func(d gpu.Device) (float64, bool) {
			return uint32Value(d.Clocks.Memory)
		},
	},
}

func percentFraction(v *uint32) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v) / 100, true
}

func uint32Value(v *uint32) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

// ParseFamilies normalises a metric family list. An empty list selects
// every family; unknown names are returned separately.
func ParseFamilies(names []string) (map[string]bool, []string) {
	selected := make(map[string]bool, len(AllFamilies))
	if len(names) == 0 {
		for _, f := range AllFamilies {
			selected[f] = true
		}
		return selected, nil
	}

	var unknown []string
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		known := false
		for _, f := range AllFamilies {
			if f == name {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, name)
			continue
		}
		selected[name] = true
	}
	return selected, unknown
}
