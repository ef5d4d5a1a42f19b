package main

import (
	"encoding/json"
	"fmt"
	"time"

	"eventaxis"
)

// ============================================================================
// Control Events
// ============================================================================
// Events carry intent from IPC clients and the WebSocket server into the
// daemon loop. Only the daemon goroutine touches trackers, so every change to
// a tracker is expressed as an Event.
// ============================================================================

// Event is a marker interface for all daemon control events.
type Event interface {
	eventMarker()
}

// EnableAxis enables or disables an axis. Passive keeps auto-ranging while disabled.
type EnableAxis struct {
	Axis    string `json:"axis"`
	Enabled bool   `json:"enabled"`
	Passive bool   `json:"passive,omitempty"`
}

func (EnableAxis) eventMarker() {}

// CalibrateAxis changes calibration of an axis. Only non-nil fields are applied.
type CalibrateAxis struct {
	Axis               string `json:"axis"`
	StartValue         *int   `json:"start_value,omitempty"`
	StartBoundary      *int   `json:"start_boundary,omitempty"`
	EndBoundary        *int   `json:"end_boundary,omitempty"`
	Min                *int   `json:"min,omitempty"`
	Max                *int   `json:"max,omitempty"`
	NegativeIncrements *int   `json:"negative_increments,omitempty"`
	PositiveIncrements *int   `json:"positive_increments,omitempty"`
	IdleTimeoutMS      *int   `json:"idle_timeout_ms,omitempty"`
	RateLimitMS        *int   `json:"rate_limit_ms,omitempty"`
}

func (CalibrateAxis) eventMarker() {}

// SetUserState stores an opaque caller state on an axis.
type SetUserState struct {
	Axis  string `json:"axis"`
	State uint   `json:"state"`
}

func (SetUserState) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a StateSnapshot.
// Reply should be buffered (size 1); the daemon never blocks on it.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// AckedEvent wraps an event whose outcome the sender waits for.
// The daemon sends exactly one value on Reply (nil on success) without blocking; Reply should be
// buffered (size 1).
type AckedEvent struct {
	Event Event
	Reply chan<- error
}

func (AckedEvent) eventMarker() {}

// ============================================================================
// Daemon outputs
// ============================================================================

// StateBroadcast is a marker interface for values the daemon publishes to the WebSocket
// broadcaster. They are produced by tracker handlers inside Update.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastAxisChanged is published when an axis moves to a new position.
type BroadcastAxisChanged struct {
	Axis             string
	UserID           uint
	Position         int
	PreviousPosition int
	Sample           int
	At               time.Time
}

func (BroadcastAxisChanged) broadcastMarker() {}

// BroadcastAxisIdle is published once when an axis has been still for its idle timeout.
type BroadcastAxisIdle struct {
	Axis     string
	UserID   uint
	Position int
	At       time.Time
}

func (BroadcastAxisIdle) broadcastMarker() {}

// StateSnapshot is a point-in-time copy of every axis, in configuration order.
type StateSnapshot struct {
	At   time.Time      `json:"at"`
	Axes []AxisSnapshot `json:"axes"`
}

// AxisSnapshot is the published form of one tracker.
type AxisSnapshot struct {
	Name             string              `json:"name"`
	UserID           uint                `json:"user_id"`
	UserState        uint                `json:"user_state"`
	Enabled          bool                `json:"enabled"`
	PassiveSampling  bool                `json:"passive_sampling"`
	Position         int                 `json:"position"`
	PreviousPosition int                 `json:"previous_position"`
	Sample           int                 `json:"sample"`
	Idle             bool                `json:"idle"`
	IdleTimeoutMS    int64               `json:"idle_timeout_ms"`
	RateLimitMS      int64               `json:"rate_limit_ms"`
	Calibration      CalibrationSnapshot `json:"calibration"`
}

// CalibrationSnapshot is the published form of eventaxis.Calibration.
type CalibrationSnapshot struct {
	StartValue         int `json:"start_value"`
	StartBoundary      int `json:"start_boundary"`
	EndBoundary        int `json:"end_boundary"`
	Min                int `json:"min"`
	Max                int `json:"max"`
	NegativeIncrements int `json:"negative_increments"`
	PositiveIncrements int `json:"positive_increments"`
	SliceNegative      int `json:"slice_negative"`
	SlicePositive      int `json:"slice_positive"`
}

func newAxisSnapshot(name string, t *eventaxis.Tracker) AxisSnapshot {
	st := t.Snapshot()
	c := st.Calibration
	return AxisSnapshot{
		Name:             name,
		UserID:           st.UserID,
		UserState:        st.UserState,
		Enabled:          st.Enabled,
		PassiveSampling:  st.PassiveSampling,
		Position:         st.Position,
		PreviousPosition: st.PreviousPosition,
		Sample:           st.Sample,
		Idle:             st.Idle,
		IdleTimeoutMS:    t.IdleTimeout().Milliseconds(),
		RateLimitMS:      t.RateLimit().Milliseconds(),
		Calibration: CalibrationSnapshot{
			StartValue:         c.StartValue,
			StartBoundary:      c.StartBoundary,
			EndBoundary:        c.EndBoundary,
			Min:                c.Min,
			Max:                c.Max,
			NegativeIncrements: c.NegativeIncrements,
			PositiveIncrements: c.PositiveIncrements,
			SliceNegative:      c.SliceNegative,
			SlicePositive:      c.SlicePositive,
		},
	}
}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events for JSON serialization/deserialization.
// Since Go doesn't have union types, we use a type discriminator.
//
// Wire types:
//   enable_axis, calibrate_axis, set_user_state: control events
//   get_state: decoded as GetState, answered by the IPC server with a snapshot
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GetState is the wire form of a state query. The IPC server turns it into a
// RequestStateSnapshot round-trip.
type GetState struct{}

func (GetState) eventMarker() {}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "enable_axis":
		var e EnableAxis
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal EnableAxis: %w", err)
		}
		return e, nil

	case "calibrate_axis":
		var e CalibrateAxis
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal CalibrateAxis: %w", err)
		}
		return e, nil

	case "set_user_state":
		var e SetUserState
		if err := unmarshalData(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal SetUserState: %w", err)
		}
		return e, nil

	case "get_state":
		return GetState{}, nil

	case "":
		return nil, fmt.Errorf("missing event type")

	default:
		return nil, fmt.Errorf("unknown event type: %s", env.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

// MarshalEvent serializes an Event into a JSON envelope
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case EnableAxis:
		env.Type = "enable_axis"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal EnableAxis: %w", err)
		}
		env.Data = data

	case CalibrateAxis:
		env.Type = "calibrate_axis"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal CalibrateAxis: %w", err)
		}
		env.Data = data

	case SetUserState:
		env.Type = "set_user_state"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetUserState: %w", err)
		}
		env.Data = data

	case GetState:
		env.Type = "get_state"

	default:
		return nil, fmt.Errorf("event type %T cannot be sent over the wire", e)
	}

	return json.Marshal(env)
}
