package gpu

import (
	"fmt"
	"strconv"
	"strings"
)

type field struct {
	name     string
	required bool
	set      func(d *Device, raw string) error
}

// deviceFields is the ordered column list of the device query. Parsing is
// positional, so the order here is the order of the tool's output.
var deviceFields = []field{
	{name: "timestamp", set: setString(func(d *Device) *string { return &d.ToolTimestamp })},
	{name: "name", set: setString(func(d *Device) *string { return &d.Name })},
	{name: "uuid", set: setString(func(d *Device) *string { return &d.UUID })},
	{name: "pci.bus_id", set: setString(func(d *Device) *string { return &d.PCIe.BusID })},
	{name: "pci.device_id", set: setString(func(d *Device) *string { return &d.PCIe.DeviceID })},
	{name: "pci.sub_device_id", set: setString(func(d *Device) *string { return &d.PCIe.SubsystemID })},
	{name: "driver_version", set: setString(func(d *Device) *string { return &d.DriverVersion })},
	{name: "vbios_version", set: setString(func(d *Device) *string { return &d.VBIOSVersion })},
	{name: "compute_cap", set: setString(func(d *Device) *string { return &d.ComputeCap })},
	{name: "pstate", set: setString(func(d *Device) *string { return &d.PState })},
	{name: "memory.total", set: setUint64(func(d *Device) **uint64 { return &d.Memory.Total })},
	{name: "memory.used", set: setUint64(func(d *Device) **uint64 { return &d.Memory.Used })},
	{name: "memory.free", set: setUint64(func(d *Device) **uint64 { return &d.Memory.Free })},
	{name: "memory.reserved", set: setUint64(func(d *Device) **uint64 { return &d.Memory.Reserved })},
	{name: "utilization.gpu", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.GPU })},
	{name: "utilization.memory", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.Memory })},
	{name: "utilization.encoder", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.Encoder })},
	{name: "utilization.decoder", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.Decoder })},
	{name: "utilization.jpeg", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.JPEG })},
	{name: "utilization.ofa", set: setUint32(func(d *Device) **uint32 { return &d.Utilization.OFA })},
	{name: "temperature.gpu", set: setFloat(func(d *Device) **float64 { return &d.Temperature.GPU })},
	{name: "temperature.gpu.tlimit", set: setFloat(func(d *Device) **float64 { return &d.Temperature.Limit })},
	{name: "temperature.memory", set: setFloat(func(d *Device) **float64 { return &d.Temperature.Memory })},
	{name: "power.draw", set: setFloat(func(d *Device) **float64 { return &d.Power.Draw })},
	{name: "power.draw.average", set: setFloat(func(d *Device) **float64 { return &d.Power.DrawAverage })},
	{name: "power.draw.instant", set: setFloat(func(d *Device) **float64 { return &d.Power.DrawInstant })},
	{name: "power.limit", set: setFloat(func(d *Device) **float64 { return &d.Power.Limit })},
	{name: "enforced.power.limit", set: setFloat(func(d *Device) **float64 { return &d.Power.EnforcedLimit })},
	{name: "power.default_limit", set: setFloat(func(d *Device) **float64 { return &d.Power.DefaultLimit })},
	{name: "power.min_limit", set: setFloat(func(d *Device) **float64 { return &d.Power.MinLimit })},
	{name: "power.max_limit", set: setFloat(func(d *Device) **float64 { return &d.Power.MaxLimit })},
	{name: "power.management", set: setString(func(d *Device) *string { return &d.Power.Management })},
	{name: "clocks.current.graphics", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.Graphics })},
	{name: "clocks.current.sm", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.SM })},
	{name: "clocks.current.memory", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.Memory })},
	{name: "clocks.current.video", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.Video })},
	{name: "clocks.max.graphics", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.MaxGraphics })},
	{name: "clocks.max.sm", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.MaxSM })},
	{name: "clocks.max.memory", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.MaxMemory })},
	{name: "clocks.applications.graphics", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.AppGraphics })},
	{name: "clocks.applications.memory", set: setUint32(func(d *Device) **uint32 { return &d.Clocks.AppMemory })},
	{name: "ecc.mode.current", set: setString(func(d *Device) *string { return &d.ECC.Current })},
	{name: "ecc.mode.pending", set: setString(func(d *Device) *string { return &d.ECC.Pending })},
	{name: "pcie.link.gen.current", set: setUint32(func(d *Device) **uint32 { return &d.PCIe.GenCurrent })},
	{name: "pcie.link.gen.max", set: setUint32(func(d *Device) **uint32 { return &d.PCIe.GenMax })},
	{name: "pcie.link.width.current", set: setUint32(func(d *Device) **uint32 { return &d.PCIe.WidthCurrent })},
	{name: "pcie.link.width.max", set: setUint32(func(d *Device) **uint32 { return &d.PCIe.WidthMax })},
	{name: "pci.domain", set: setString(func(d *Device) *string { return &d.PCIe.Domain })},
	{name: "pci.bus", set: setString(func(d *Device) *string { return &d.PCIe.Bus })},
	{name: "pci.device", set: setString(func(d *Device) *string { return &d.PCIe.Device })},
	{name: "fan.speed", set: setFloat(func(d *Device) **float64 { return &d.FanSpeed })},
	{name: "display_mode", set: setString(func(d *Device) *string { return &d.DisplayMode })},
	{name: "persistence_mode", set: setString(func(d *Device) *string { return &d.PersistenceMode })},
	{name: "compute_mode", set: setString(func(d *Device) *string { return &d.ComputeMode })},
	{name: "index", required: true, set: func(d *Device, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid index %q", raw)
		}
		d.Index = v
		return nil
	}},
}

// QueryFields returns the device query columns in output order.
func QueryFields() []string {
	names := make([]string, len(deviceFields))
	for i, f := range deviceFields {
		names[i] = f.name
	}
	return names
}

// processFields is the column list of the compute-apps query.
var processFields = []string{"pid", "process_name", "gpu_uuid", "used_memory"}

// isAbsent reports whether the tool marked a value as not available.
func isAbsent(raw string) bool {
	switch strings.ToLower(raw) {
	case "", "n/a", "[n/a]", "[not supported]", "not supported", "[unknown error]", "unknown error":
		return true
	}
	return false
}

func setString(get func(*Device) *string) func(*Device, string) error {
	return func(d *Device, raw string) error {
		*get(d) = raw
		return nil
	}
}

// Malformed optional numbers are treated like absent ones.

func setFloat(get func(*Device) **float64) func(*Device, string) error {
	return func(d *Device, raw string) error {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*get(d) = &v
		}
		return nil
	}
}

func setUint64(get func(*Device) **uint64) func(*Device, string) error {
	return func(d *Device, raw string) error {
		if v, ok := parseUnsigned(raw, 64); ok {
			*get(d) = &v
		}
		return nil
	}
}

func setUint32(get func(*Device) **uint32) func(*Device, string) error {
	return func(d *Device, raw string) error {
		if v, ok := parseUnsigned(raw, 32); ok {
			u := uint32(v)
			*get(d) = &u
		}
		return nil
	}
}

func parseUnsigned(raw string, bits int) (uint64, bool) {
	if v, err := strconv.ParseUint(raw, 10, bits); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	if bits == 32 && f > float64(^uint32(0)) {
		return 0, false
	}
	return uint64(f), true
}
