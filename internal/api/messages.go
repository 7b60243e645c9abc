package api

import (
	"github.com/skobkin/tracetop/internal/engine"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	Session    string          `json:"session"`
	IntervalMS int             `json:"interval_ms"`
	PID        int32           `json:"pid"`
	Name       string          `json:"name"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload from the current state.
func NewHelloMessage(intervalMS int, st engine.State, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		Session:    st.Session,
		IntervalMS: intervalMS,
		PID:        st.PID,
		Name:       st.Name,
		Features:   features,
	}
}

// StateMessage wraps an engine state for transport.
type StateMessage struct {
	Type string `json:"type"`
	engine.State
}

// NewStateMessage constructs a state payload.
func NewStateMessage(st engine.State) StateMessage {
	return StateMessage{
		Type:  "state",
		State: st,
	}
}

// HistoryMessage carries the chart history of the traced tree and of one
// device. Values are fractions of the chart scale.
type HistoryMessage struct {
	Type     string               `json:"type"`
	CPU      []float64            `json:"cpu"`
	Memory   []float64            `json:"memory"`
	GPUIndex *int                 `json:"gpu_index,omitempty"`
	GPU      map[string][]float64 `json:"gpu,omitempty"`
}

// NewHistoryMessage constructs a history payload. A nil gpuIndex leaves the
// device series out.
func NewHistoryMessage(st engine.State, gpuIndex *int) HistoryMessage {
	msg := HistoryMessage{
		Type:   "history",
		CPU:    st.CPU,
		Memory: st.Memory,
	}
	if gpuIndex != nil {
		if series, ok := st.GPUHistory[*gpuIndex]; ok {
			idx := *gpuIndex
			msg.GPUIndex = &idx
			msg.GPU = series
		}
	}
	return msg
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// HistoryRequest asks for the chart history, optionally with one device.
type HistoryRequest struct {
	Type     string `json:"type"`
	GPUIndex *int   `json:"gpu_index,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
