package engine

import "github.com/skobkin/tracetop/internal/event"

// Tabs.
const (
	TabProcess = 0
	TabGPU     = 1
)

// Navigation is the presentation selection state. Apply never performs I/O.
type Navigation struct {
	Tab       int  `json:"tab"`
	Tabs      int  `json:"tabs"`
	Selected  int  `json:"selected_row"`
	Rows      int  `json:"rows"`
	Device    int  `json:"device"`
	Devices   int  `json:"devices"`
	Autoscale bool `json:"autoscale"`
}

// Apply updates the selection for one key.
func (n *Navigation) Apply(k event.Key) {
	switch k.Code {
	case event.KeyRight, event.KeyTab:
		n.Tab = wrap(n.Tab+1, n.Tabs)
	case event.KeyLeft:
		n.Tab = wrap(n.Tab-1, n.Tabs)
	case event.KeyUp:
		n.Selected--
	case event.KeyDown:
		n.Selected++
	case event.KeyHome:
		n.Selected = 0
	case event.KeyEnd:
		n.Selected = n.Rows - 1
	case event.KeyRune:
		switch k.Rune {
		case ']':
			n.Device = wrap(n.Device+1, n.Devices)
		case '[':
			n.Device = wrap(n.Device-1, n.Devices)
		case 'a':
			n.Autoscale = !n.Autoscale
		}
	}
	n.clamp()
}

// resize updates the bounds after a poll and clamps the selection.
func (n *Navigation) resize(tabs, rows, devices int) {
	n.Tabs, n.Rows, n.Devices = tabs, rows, devices
	n.clamp()
}

func (n *Navigation) clamp() {
	if n.Tabs < 1 {
		n.Tabs = 1
	}
	n.Tab = clampInt(n.Tab, 0, n.Tabs-1)
	n.Selected = clampInt(n.Selected, 0, n.Rows-1)
	n.Device = clampInt(n.Device, 0, n.Devices-1)
}

func wrap(v, n int) int {
	if n <= 0 {
		return 0
	}
	return ((v % n) + n) % n
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
