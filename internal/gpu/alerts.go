package gpu

import "fmt"

// Level is the severity of a threshold check.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Alert metric names.
const (
	AlertTemperature = "temperature"
	AlertMemory      = "memory"
	AlertUtilization = "utilization"
)

// Thresholds are warning and critical limits per metric. Temperatures are in
// degrees Celsius, memory and utilization in percent.
type Thresholds struct {
	TempWarning  float64
	TempCritical float64
	MemWarning   float64
	MemCritical  float64
	UtilWarning  float64
	UtilCritical float64
}

// DefaultThresholds returns the limits used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempWarning:  80,
		TempCritical: 90,
		MemWarning:   80,
		MemCritical:  95,
		UtilWarning:  90,
		UtilCritical: 95,
	}
}

// Alert is the result of one threshold check on one device.
type Alert struct {
	Index  int     `json:"index"`
	Metric string  `json:"metric"`
	Level  Level   `json:"level"`
	Value  float64 `json:"value"`
}

func (a Alert) String() string {
	return fmt.Sprintf("gpu %d %s %s (%.1f)", a.Index, a.Metric, a.Level, a.Value)
}

// Evaluate checks every metric the device reports. Metrics that are absent
// are not checked.
func (t Thresholds) Evaluate(d Device) []Alert {
	var alerts []Alert
	check := func(metric string, value, warning, critical float64) {
		alerts = append(alerts, Alert{
			Index:  d.Index,
			Metric: metric,
			Level:  classify(value, warning, critical),
			Value:  value,
		})
	}

	if d.Temperature.GPU != nil {
		check(AlertTemperature, *d.Temperature.GPU, t.TempWarning, t.TempCritical)
	}
	if pct, ok := d.Memory.UsedPercent(); ok {
		check(AlertMemory, pct, t.MemWarning, t.MemCritical)
	}
	if d.Utilization.GPU != nil {
		check(AlertUtilization, float64(*d.Utilization.GPU), t.UtilWarning, t.UtilCritical)
	}
	return alerts
}

func classify(value, warning, critical float64) Level {
	switch {
	case critical > 0 && value >= critical:
		return LevelCritical
	case warning > 0 && value >= warning:
		return LevelWarning
	default:
		return LevelOK
	}
}
