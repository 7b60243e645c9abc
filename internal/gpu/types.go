package gpu

import "time"

// Device is one row of the device query. Values the tool reports as not
// applicable are left nil or empty.
type Device struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	UUID          string `json:"uuid"`
	DriverVersion string `json:"driver_version,omitempty"`
	VBIOSVersion  string `json:"vbios_version,omitempty"`
	ComputeCap    string `json:"compute_cap,omitempty"`
	PState        string `json:"pstate,omitempty"`

	Memory      Memory      `json:"memory"`
	Utilization Utilization `json:"utilization"`
	Temperature Temperature `json:"temperature"`
	Power       Power       `json:"power"`
	Clocks      Clocks      `json:"clocks"`
	ECC         ECC         `json:"ecc"`
	PCIe        PCIe        `json:"pcie"`

	FanSpeed        *float64 `json:"fan_speed_percent,omitempty"`
	DisplayMode     string   `json:"display_mode,omitempty"`
	PersistenceMode string   `json:"persistence_mode,omitempty"`
	ComputeMode     string   `json:"compute_mode,omitempty"`

	// ToolTimestamp is the timestamp column as printed by the tool.
	ToolTimestamp string    `json:"tool_timestamp,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Memory values are in MiB.
type Memory struct {
	Total    *uint64 `json:"total_mib,omitempty"`
	Used     *uint64 `json:"used_mib,omitempty"`
	Free     *uint64 `json:"free_mib,omitempty"`
	Reserved *uint64 `json:"reserved_mib,omitempty"`
}

// UsedPercent returns used/total*100 when both are known.
func (m Memory) UsedPercent() (float64, bool) {
	if m.Total == nil || m.Used == nil || *m.Total == 0 {
		return 0, false
	}
	return float64(*m.Used) / float64(*m.Total) * 100, true
}

// Utilization values are percentages.
type Utilization struct {
	GPU     *uint32 `json:"gpu,omitempty"`
	Memory  *uint32 `json:"memory,omitempty"`
	Encoder *uint32 `json:"encoder,omitempty"`
	Decoder *uint32 `json:"decoder,omitempty"`
	JPEG    *uint32 `json:"jpeg,omitempty"`
	OFA     *uint32 `json:"ofa,omitempty"`
}

// Temperature values are in degrees Celsius.
type Temperature struct {
	GPU    *float64 `json:"gpu,omitempty"`
	Limit  *float64 `json:"limit,omitempty"`
	Memory *float64 `json:"memory,omitempty"`
}

// Power values are in watts.
type Power struct {
	Draw          *float64 `json:"draw,omitempty"`
	DrawAverage   *float64 `json:"draw_average,omitempty"`
	DrawInstant   *float64 `json:"draw_instant,omitempty"`
	Limit         *float64 `json:"limit,omitempty"`
	EnforcedLimit *float64 `json:"enforced_limit,omitempty"`
	DefaultLimit  *float64 `json:"default_limit,omitempty"`
	MinLimit      *float64 `json:"min_limit,omitempty"`
	MaxLimit      *float64 `json:"max_limit,omitempty"`
	Management    string   `json:"management,omitempty"`
}

// Clocks values are in MHz.
type Clocks struct {
	Graphics    *uint32 `json:"graphics,omitempty"`
	SM          *uint32 `json:"sm,omitempty"`
	Memory      *uint32 `json:"memory,omitempty"`
	Video       *uint32 `json:"video,omitempty"`
	MaxGraphics *uint32 `json:"max_graphics,omitempty"`
	MaxSM       *uint32 `json:"max_sm,omitempty"`
	MaxMemory   *uint32 `json:"max_memory,omitempty"`
	AppGraphics *uint32 `json:"applications_graphics,omitempty"`
	AppMemory   *uint32 `json:"applications_memory,omitempty"`
}

// ECC holds the current and pending ECC modes.
type ECC struct {
	Current string `json:"current,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// PCIe describes the bus location and link state.
type PCIe struct {
	BusID        string  `json:"bus_id,omitempty"`
	DeviceID     string  `json:"device_id,omitempty"`
	SubsystemID  string  `json:"subsystem_id,omitempty"`
	GenCurrent   *uint32 `json:"gen_current,omitempty"`
	GenMax       *uint32 `json:"gen_max,omitempty"`
	WidthCurrent *uint32 `json:"width_current,omitempty"`
	WidthMax     *uint32 `json:"width_max,omitempty"`
	Domain       string  `json:"domain,omitempty"`
	Bus          string  `json:"bus,omitempty"`
	Device       string  `json:"device,omitempty"`
}

// Process is one compute application using a device.
type Process struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	GPUUUID       string  `json:"gpu_uuid"`
	UsedMemoryMiB *uint64 `json:"used_memory_mib,omitempty"`
	// GPUIndex is resolved by matching GPUUUID against the polled devices
	// and stays nil when no device matches.
	GPUIndex *int `json:"gpu_index,omitempty"`
}

// ReadingSet is the result of one poll.
type ReadingSet struct {
	Devices     []Device  `json:"devices"`
	Processes   []Process `json:"processes"`
	DeviceCount int       `json:"device_count"`
	Timestamp   time.Time `json:"timestamp"`
	// Stale is set when the last poll failed and these are the values of an
	// earlier successful poll.
	Stale bool `json:"stale,omitempty"`
}

// Device returns the device with the given index.
func (r ReadingSet) Device(index int) (Device, bool) {
	for _, d := range r.Devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceByUUID returns the device with the given UUID.
func (r ReadingSet) DeviceByUUID(uuid string) (Device, bool) {
	for _, d := range r.Devices {
		if d.UUID == uuid {
			return d, true
		}
	}
	return Device{}, false
}

// ProcessesOn returns the processes resolved to the device index.
func (r ReadingSet) ProcessesOn(index int) []Process {
	var out []Process
	for _, p := range r.Processes {
		if p.GPUIndex != nil && *p.GPUIndex == index {
			out = append(out, p)
		}
	}
	return out
}

// TotalMemoryUsed sums used memory in MiB over devices that report it.
func (r ReadingSet) TotalMemoryUsed() uint64 {
	var total uint64
	for _, d := range r.Devices {
		if d.Memory.Used != nil {
			total += *d.Memory.Used
		}
	}
	return total
}

// TotalMemory sums total memory in MiB over devices that report it.
func (r ReadingSet) TotalMemory() uint64 {
	var total uint64
	for _, d := range r.Devices {
		if d.Memory.Total != nil {
			total += *d.Memory.Total
		}
	}
	return total
}

// AverageUtilization is the mean GPU utilization over devices that report
// it, or zero.
func (r ReadingSet) AverageUtilization() float64 {
	var (
		sum float64
		n   int
	)
	for _, d := range r.Devices {
		if d.Utilization.GPU != nil {
			sum += float64(*d.Utilization.GPU)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// AverageTemperature is the mean GPU temperature over devices that report
// it.
func (r ReadingSet) AverageTemperature() (float64, bool) {
	var (
		sum float64
		n   int
	)
	for _, d := range r.Devices {
		if d.Temperature.GPU != nil {
			sum += *d.Temperature.GPU
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Clone returns a deep copy sharing no slices or pointers with r.
func (r ReadingSet) Clone() ReadingSet {
	out := r
	if r.Devices != nil {
		out.Devices = make([]Device, len(r.Devices))
		for i, d := range r.Devices {
			out.Devices[i] = d.clone()
		}
	}
	if r.Processes != nil {
		out.Processes = make([]Process, len(r.Processes))
		for i, p := range r.Processes {
			p.UsedMemoryMiB = clonePtr(p.UsedMemoryMiB)
			p.GPUIndex = clonePtr(p.GPUIndex)
			out.Processes[i] = p
		}
	}
	return out
}

func (d Device) clone() Device {
	d.Memory = Memory{clonePtr(d.Memory.Total), clonePtr(d.Memory.Used), clonePtr(d.Memory.Free), clonePtr(d.Memory.Reserved)}
	u := d.Utilization
	d.Utilization = Utilization{clonePtr(u.GPU), clonePtr(u.Memory), clonePtr(u.Encoder), clonePtr(u.Decoder), clonePtr(u.JPEG), clonePtr(u.OFA)}
	d.Temperature = Temperature{clonePtr(d.Temperature.GPU), clonePtr(d.Temperature.Limit), clonePtr(d.Temperature.Memory)}
	p := d.Power
	d.Power = Power{
		Draw: clonePtr(p.Draw), DrawAverage: clonePtr(p.DrawAverage), DrawInstant: clonePtr(p.DrawInstant),
		Limit: clonePtr(p.Limit), EnforcedLimit: clonePtr(p.EnforcedLimit), DefaultLimit: clonePtr(p.DefaultLimit),
		MinLimit: clonePtr(p.MinLimit), MaxLimit: clonePtr(p.MaxLimit), Management: p.Management,
	}
	c := d.Clocks
	d.Clocks = Clocks{
		Graphics: clonePtr(c.Graphics), SM: clonePtr(c.SM), Memory: clonePtr(c.Memory), Video: clonePtr(c.Video),
		MaxGraphics: clonePtr(c.MaxGraphics), MaxSM: clonePtr(c.MaxSM), MaxMemory: clonePtr(c.MaxMemory),
		AppGraphics: clonePtr(c.AppGraphics), AppMemory: clonePtr(c.AppMemory),
	}
	d.PCIe.GenCurrent = clonePtr(d.PCIe.GenCurrent)
	d.PCIe.GenMax = clonePtr(d.PCIe.GenMax)
	d.PCIe.WidthCurrent = clonePtr(d.PCIe.WidthCurrent)
	d.PCIe.WidthMax = clonePtr(d.PCIe.WidthMax)
	d.FanSpeed = clonePtr(d.FanSpeed)
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
