package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"eventaxis"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// scriptedSource is a sampleSource whose value is set by the test.
type scriptedSource struct {
	value  int
	closed bool
}

func (s *scriptedSource) Read() int { return s.value }

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

// testAxes builds an axisSet over scripted sources and a manual clock.
type testAxes struct {
	set     *axisSet
	sources map[string]*scriptedSource
	now     uint32
	out     chan StateBroadcast
}

func newTestAxes(t *testing.T, cfgs ...AxisConfig) *testAxes {
	t.Helper()
	ta := &testAxes{
		sources: make(map[string]*scriptedSource),
		out:     make(chan StateBroadcast, 64),
	}
	// newAxisSet opens sources in configuration order.
	next := 0
	open := func(cfg SourceConfig, _ *slog.Logger) (sampleSource, error) {
		s := &scriptedSource{value: cfg.Value}
		ta.sources[cfgs[next].Name] = s
		next++
		return s, nil
	}

	set, err := newAxisSet(cfgs, open, eventaxis.ClockFunc(func() uint32 { return ta.now }), testLogger())
	if err != nil {
		t.Fatalf("newAxisSet: %v", err)
	}
	set.publishTo(ta.out)
	ta.set = set
	return ta
}

// step advances the clock by ms and runs one tick.
func (ta *testAxes) step(ms uint32) {
	ta.now += ms
	ta.set.update(time.Unix(0, 0).Add(time.Duration(ta.now) * time.Millisecond).UTC())
}

func (ta *testAxes) drain() []StateBroadcast {
	var out []StateBroadcast
	for {
		select {
		case b := <-ta.out:
			out = append(out, b)
		default:
			return out
		}
	}
}

// scenarioAxis is a 10-bit axis centered at 512 with 10 steps on each side.
func scenarioAxis(name string) AxisConfig {
	a := DefaultAxisConfig()
	a.Name = name
	a.Source = SourceConfig{Type: sourceStatic, Value: 512}
	a.Calibration = CalibrationConfig{
		StartValue:         512,
		StartBoundary:      50,
		EndBoundary:        50,
		Min:                0,
		Max:                1023,
		NegativeIncrements: 10,
		PositiveIncrements: 10,
	}
	a.IdleTimeoutMS = 1000
	return a
}

func TestAxisSet_ChangedAndIdleBroadcasts(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))
	src := ta.sources["throttle"]

	ta.step(10) // seeds
	if got := ta.drain(); len(got) != 0 {
		t.Fatalf("seed tick broadcast %v", got)
	}

	// (700-50-512)/41 = 3
	src.value = 700
	ta.step(10)

	got := ta.drain()
	want := []StateBroadcast{
		BroadcastAxisChanged{Axis: "throttle", Position: 3, PreviousPosition: 0, Sample: 700},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(BroadcastAxisChanged{}, "At")); diff != "" {
		t.Fatalf("broadcasts mismatch (-want +got):\n%s", diff)
	}

	// Quiet for longer than the idle timeout: exactly one idle.
	ta.step(500)
	ta.step(600)
	ta.step(600)
	got = ta.drain()
	want = []StateBroadcast{
		BroadcastAxisIdle{Axis: "throttle", Position: 3},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(BroadcastAxisIdle{}, "At")); diff != "" {
		t.Fatalf("idle broadcasts mismatch (-want +got):\n%s", diff)
	}
}

func TestAxisSet_BroadcastCarriesTickTime(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))
	ta.step(10)
	ta.sources["throttle"].value = 900
	ta.step(20)

	got := ta.drain()
	if len(got) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(got))
	}
	changed, ok := got[0].(BroadcastAxisChanged)
	if !ok {
		t.Fatalf("got %T, want BroadcastAxisChanged", got[0])
	}
	if want := time.Unix(0, 0).Add(30 * time.Millisecond).UTC(); !changed.At.Equal(want) {
		t.Fatalf("At = %v, want %v", changed.At, want)
	}
}

func TestAxisSet_UnknownAxisRejected(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))

	err := ta.set.apply(EnableAxis{Axis: "rudder", Enabled: false})
	var unknown errUnknownAxis
	if !errors.As(err, &unknown) {
		t.Fatalf("apply error = %v, want errUnknownAxis", err)
	}
	if unknown.name != "rudder" {
		t.Fatalf("unknown axis name = %q", unknown.name)
	}
}

func TestAxisSet_DisableStopsEventsPassiveKeepsRanging(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))
	src := ta.sources["throttle"]
	ta.step(10)

	if err := ta.set.apply(EnableAxis{Axis: "throttle", Enabled: false, Passive: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	src.value = 1100 // beyond the configured max
	ta.step(10)

	if got := ta.drain(); len(got) != 0 {
		t.Fatalf("disabled axis broadcast %v", got)
	}
	snap := ta.set.snapshot(time.Time{})
	if snap.Axes[0].Position != 0 {
		t.Fatalf("passive position = %d, want 0", snap.Axes[0].Position)
	}
	if snap.Axes[0].Calibration.Max != 1100 {
		t.Fatalf("passive sampling did not extend max: %d", snap.Axes[0].Calibration.Max)
	}

	if err := ta.set.apply(EnableAxis{Axis: "throttle", Enabled: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ta.step(10)
	got := ta.drain()
	if len(got) != 1 {
		t.Fatalf("re-enabled axis: got %d broadcasts, want 1", len(got))
	}
	if c := got[0].(BroadcastAxisChanged); c.Position != 10 {
		t.Fatalf("re-enabled position = %d, want 10", c.Position)
	}
}

func TestApplyCalibration_OnlyPresentFields(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))

	hi := 2047
	inc := 20
	idle := 250
	if err := ta.set.apply(CalibrateAxis{Axis: "throttle", Max: &hi, PositiveIncrements: &inc, IdleTimeoutMS: &idle}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := ta.set.snapshot(time.Time{})
	got := snap.Axes[0].Calibration
	want := CalibrationSnapshot{
		StartValue:         512,
		StartBoundary:      50,
		EndBoundary:        50,
		Min:                0,
		Max:                2047,
		NegativeIncrements: 10,
		PositiveIncrements: 20,
		SliceNegative:      (512 - 50 - 0 - 50) / 10,
		SlicePositive:      (2047 - 50 - 50 - 512) / 20,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("calibration mismatch (-want +got):\n%s", diff)
	}
	if snap.Axes[0].IdleTimeoutMS != 250 {
		t.Fatalf("idle timeout = %d, want 250", snap.Axes[0].IdleTimeoutMS)
	}
}

func TestAxisSet_SetUserStateAndSnapshot(t *testing.T) {
	first := scenarioAxis("throttle")
	first.UserID = 7
	second := scenarioAxis("brake")
	second.Enabled = false
	ta := newTestAxes(t, first, second)

	if err := ta.set.apply(SetUserState{Axis: "throttle", State: 3}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := ta.set.snapshot(time.Time{})
	type summary struct {
		Name      string
		UserID    uint
		UserState uint
		Enabled   bool
	}
	var got []summary
	for _, a := range snap.Axes {
		got = append(got, summary{a.Name, a.UserID, a.UserState, a.Enabled})
	}
	want := []summary{
		{"throttle", 7, 3, true},
		{"brake", 0, 0, false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestAxisSet_CloseClosesSources(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("a"), scenarioAxis("b"))
	if err := ta.set.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for name, s := range ta.sources {
		if !s.closed {
			t.Fatalf("source %s not closed", name)
		}
	}
}

func TestNewAxisSet_OpenErrorClosesOpenedSources(t *testing.T) {
	opened := &scriptedSource{}
	calls := 0
	open := func(SourceConfig, *slog.Logger) (sampleSource, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("no such device")
		}
		return opened, nil
	}

	_, err := newAxisSet([]AxisConfig{scenarioAxis("a"), scenarioAxis("b")}, open, nil, testLogger())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !opened.closed {
		t.Fatalf("first source not closed after second failed")
	}
}

func TestAxisSet_FullBroadcastQueueDoesNotBlock(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))
	ta.out = make(chan StateBroadcast) // unbuffered, nobody reading
	ta.set.publishTo(ta.out)

	ta.step(10)
	ta.sources["throttle"].value = 900

	done := make(chan struct{})
	go func() {
		defer close(done)
		ta.step(10)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("update blocked on a full broadcast queue")
	}
}

func TestRunDaemon_SnapshotAndAckedEvents(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(ctx, events, ta.set, 1000, testLogger())
	}()
	defer func() {
		cancel()
		<-done
	}()

	ack := make(chan error, 1)
	events <- AckedEvent{Event: SetUserState{Axis: "throttle", State: 9}, Reply: ack}
	select {
	case err := <-ack:
		if err != nil {
			t.Fatalf("ack error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for ack")
	}

	events <- AckedEvent{Event: EnableAxis{Axis: "nope"}, Reply: ack}
	select {
	case err := <-ack:
		var unknown errUnknownAxis
		if !errors.As(err, &unknown) {
			t.Fatalf("ack error = %v, want errUnknownAxis", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for ack")
	}

	reply := make(chan StateSnapshot, 1)
	events <- RequestStateSnapshot{Reply: reply}
	select {
	case snap := <-reply:
		if len(snap.Axes) != 1 || snap.Axes[0].UserState != 9 {
			t.Fatalf("snapshot = %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for snapshot")
	}
}

func TestRunDaemon_StopsWhenEventsClosed(t *testing.T) {
	ta := newTestAxes(t, scenarioAxis("throttle"))
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(context.Background(), events, ta.set, 100, testLogger())
	}()

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("daemon did not stop after events channel closed")
	}
}
