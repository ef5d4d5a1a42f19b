package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestUnmarshalEvent_CalibrateAxisPartial tests that absent calibration fields stay nil so the
// daemon leaves them untouched.
func TestUnmarshalEvent_CalibrateAxisPartial(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"calibrate_axis","data":{"axis":"throttle","start_value":0,"positive_increments":12}}`))
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	cal, ok := ev.(CalibrateAxis)
	if !ok {
		t.Fatalf("got %T, want CalibrateAxis", ev)
	}

	zero, twelve := 0, 12
	want := CalibrateAxis{Axis: "throttle", StartValue: &zero, PositiveIncrements: &twelve}
	if diff := cmp.Diff(want, cal); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalEvent_Errors(t *testing.T) {
	cases := map[string]string{
		`not json`:                            "unmarshal envelope",
		`{"data":{}}`:                         "missing event type",
		`{"type":"reboot"}`:                   "unknown event type",
		`{"type":"enable_axis"}`:              "missing data",
		`{"type":"set_user_state","data":[]}`: "SetUserState",
	}
	for in, want := range cases {
		_, err := UnmarshalEvent([]byte(in))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("UnmarshalEvent(%s) = %v, want error containing %q", in, err, want)
		}
	}
}

func TestMarshalEvent_WireShape(t *testing.T) {
	b, err := MarshalEvent(EnableAxis{Axis: "brake", Enabled: false, Passive: true})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{"axis": "brake", "enabled": false, "passive": true}
	if env.Type != "enable_axis" {
		t.Fatalf("type = %q", env.Type)
	}
	if diff := cmp.Diff(want, env.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	b, err = MarshalEvent(GetState{})
	if err != nil {
		t.Fatalf("MarshalEvent(GetState): %v", err)
	}
	if string(b) != `{"type":"get_state"}` {
		t.Fatalf("get_state encoded as %s", b)
	}
}

func TestMarshalEvent_InternalEventsRejected(t *testing.T) {
	for _, ev := range []Event{RequestStateSnapshot{}, AckedEvent{}} {
		if _, err := MarshalEvent(ev); err == nil {
			t.Fatalf("MarshalEvent(%T) succeeded, want error", ev)
		}
	}
}
