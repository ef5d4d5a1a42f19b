// Package eventaxis turns a noisy analog input (potentiometer, joystick axis, slider) into a small
// set of discrete positions and raises edge-triggered events when the position changes or when the
// input has been quiet for a while.
//
// A Tracker is polled: the owner calls Update once per control cycle. Update never blocks, never
// spawns goroutines and performs a bounded amount of work. The sample source, the time source and
// the event sink are all injected, so a Tracker can be driven by scripted samples and a virtual
// clock in tests.
//
// Trackers are not safe for concurrent use. Exactly one goroutine (the control loop) should own a
// Tracker, call Update and invoke its setters.
package eventaxis

import (
	"log/slog"
	"time"
)

// Defaults applied by New. They describe a 10-bit ADC with the rest position near the low end of the
// range, matching the behavior of the hardware library this package grew out of.
const (
	DefaultStartValue    = 100
	DefaultStartBoundary = 50
	DefaultEndBoundary   = 50
	DefaultMin           = 100
	DefaultMax           = 980
	DefaultIncrements    = 25
	DefaultIdleTimeout   = 10 * time.Second
)

// Sampler is the sampling collaborator ("channel") of a Tracker.
//
// Read returns the latest raw value. It must be callable at any frequency and must not block;
// its range is whatever the host ADC produces (0-1023, 0-4095, ...).
type Sampler interface {
	Read() int
}

// SamplerFunc adapts a plain function to the Sampler interface.
type SamplerFunc func() int

// Read calls f.
func (f SamplerFunc) Read() int { return f() }

// Handler receives tracker events. Both methods run synchronously inside Update on the caller's
// goroutine and must not call Update on the same Tracker.
type Handler interface {
	OnChanged(t *Tracker)
	OnIdle(t *Tracker)
}

// HandlerFuncs adapts two optional functions to the Handler interface.
// A nil field disables that event without affecting the other.
type HandlerFuncs struct {
	Changed func(t *Tracker)
	Idle    func(t *Tracker)
}

// OnChanged calls h.Changed if set.
func (h HandlerFuncs) OnChanged(t *Tracker) {
	if h.Changed != nil {
		h.Changed(t)
	}
}

// OnIdle calls h.Idle if set.
func (h HandlerFuncs) OnIdle(t *Tracker) {
	if h.Idle != nil {
		h.Idle(t)
	}
}

// Calibration describes how raw samples map onto positions.
//
// SliceNegative and SlicePositive are derived values reported by Tracker.Calibration;
// Configure ignores them.
type Calibration struct {
	StartValue         int // raw value mapped to position 0
	StartBoundary      int // half-width of the center deadzone
	EndBoundary        int // width of the outer deadzone on each side
	Min                int // observed (or seeded) minimum raw value
	Max                int // observed (or seeded) maximum raw value
	NegativeIncrements int
	PositiveIncrements int

	SliceNegative int
	SlicePositive int
}

// State is a point-in-time copy of a Tracker, suitable for publishing to other goroutines.
type State struct {
	UserID           uint
	UserState        uint
	Enabled          bool
	PassiveSampling  bool
	Position         int
	PreviousPosition int
	Sample           int // most recent raw sample read, filtered or not
	Changed          bool
	Idle             bool
	Calibration      Calibration
}

// Tracker maps raw samples from a Sampler onto bounded integer positions and raises
// changed/idle events.
type Tracker struct {
	sampler Sampler
	clock   Clock
	logger  *slog.Logger

	onChanged func(*Tracker)
	onIdle    func(*Tracker)

	// Calibration
	startValue    int
	startBoundary int
	endBoundary   int
	observedMin   int
	observedMax   int

	// Quantization
	negativeIncrements int
	positiveIncrements int
	sliceNegative      int // always >= 1
	slicePositive      int // always >= 1

	// Runtime sample state
	lastRawSample    int // reference for the noise filter
	lastSample       int
	currentPosition  int
	previousPosition int

	// Timing, in Clock milliseconds
	lastChange    uint32
	idleTimeout   uint32
	idleFired     bool
	rateLimit     uint32
	lastRateLimit uint32

	enabled bool
	passive bool
	changed bool
	started bool

	userID    uint
	userState uint
}

// New creates an enabled Tracker reading from s.
//
// A nil Clock selects SystemClock. A nil Sampler produces the same disabled placeholder as
// NewDisabled.
func New(s Sampler, c Clock) *Tracker {
	if c == nil {
		c = SystemClock()
	}

	t := &Tracker{
		sampler: s,
		clock:   c,
		logger:  slog.New(slog.DiscardHandler),

		startValue:    DefaultStartValue,
		startBoundary: DefaultStartBoundary,
		endBoundary:   DefaultEndBoundary,
		observedMin:   DefaultMin,
		observedMax:   DefaultMax,

		negativeIncrements: DefaultIncrements,
		positiveIncrements: DefaultIncrements,

		idleTimeout: durationToMillis(DefaultIdleTimeout),
		enabled:     s != nil,
	}
	t.lastChange = c.Millis()
	t.recomputeNegative()
	t.recomputePositive()
	return t
}

// NewDisabled creates a placeholder Tracker with no sampler. It never reads, never fires events
// and always reports position 0.
func NewDisabled() *Tracker {
	return New(nil, nil)
}

// SetLogger attaches a logger used for Debug-level transition records. A nil logger discards.
func (t *Tracker) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	t.logger = l
}

// SetHandler registers both event callbacks from h. A nil h clears both.
func (t *Tracker) SetHandler(h Handler) {
	if h == nil {
		t.onChanged, t.onIdle = nil, nil
		return
	}
	t.onChanged = h.OnChanged
	t.onIdle = h.OnIdle
}

// SetChangedHandler registers the changed callback only. A nil f disables the event.
func (t *Tracker) SetChangedHandler(f func(*Tracker)) { t.onChanged = f }

// SetIdleHandler registers the idle callback only. A nil f disables the event.
func (t *Tracker) SetIdleHandler(f func(*Tracker)) { t.onIdle = f }

// ============================================================================
// Configuration
// ============================================================================
//
// Every setter clamps its input to the smallest valid value and recomputes the derived slice
// widths immediately. Nothing is ever rejected.

// SetStartValue sets the raw value mapped to position 0.
func (t *Tracker) SetStartValue(v int) {
	t.startValue = max(v, 0)
	t.recomputeNegative()
	t.recomputePositive()
}

// SetStartBoundary sets the half-width of the center deadzone.
func (t *Tracker) SetStartBoundary(w int) {
	t.startBoundary = max(w, 1)
	t.recomputeNegative()
	t.recomputePositive()
}

// SetEndBoundary sets the width of the outer deadzone.
func (t *Tracker) SetEndBoundary(w int) {
	t.endBoundary = max(w, 1)
	t.recomputeNegative()
	t.recomputePositive()
}

// SetRange seeds the observed bounds. Auto-ranging only ever widens them from here.
func (t *Tracker) SetRange(lo, hi int) {
	if hi < lo {
		lo, hi = hi, lo
	}
	t.observedMin = lo
	t.observedMax = hi
	t.recomputeNegative()
	t.recomputePositive()
}

// SetNumIncrements splits both sides of the range into n positions.
func (t *Tracker) SetNumIncrements(n int) {
	n = max(n, 1)
	t.negativeIncrements = n
	t.positiveIncrements = n
	t.recomputeNegative()
	t.recomputePositive()
	t.clampPositions()
}

// SetNumNegativeIncrements sets the number of positions below center.
func (t *Tracker) SetNumNegativeIncrements(n int) {
	t.negativeIncrements = max(n, 1)
	t.recomputeNegative()
	t.clampPositions()
}

// SetNumPositiveIncrements sets the number of positions above center.
func (t *Tracker) SetNumPositiveIncrements(n int) {
	t.positiveIncrements = max(n, 1)
	t.recomputePositive()
	t.clampPositions()
}

// SetIdleTimeout sets how long the position must stay unchanged before the idle event fires.
func (t *Tracker) SetIdleTimeout(d time.Duration) {
	t.idleTimeout = durationToMillis(d)
}

// SetRateLimit sets the minimum spacing between position recomputations. 0 means every Update.
// Auto-ranging is not rate limited.
func (t *Tracker) SetRateLimit(d time.Duration) {
	t.rateLimit = durationToMillis(d)
}

// Enable turns event firing on or off. With on == false and allowPassive == true the tracker keeps
// sampling and auto-ranging (useful for sweeping an axis to calibrate it) while reporting
// position 0 and firing nothing.
func (t *Tracker) Enable(on, allowPassive bool) {
	t.enabled = on && t.sampler != nil
	t.passive = allowPassive
}

// SetUserID sets an opaque identifier the tracker carries but never interprets.
func (t *Tracker) SetUserID(id uint) { t.userID = id }

// SetUserState sets an opaque state value the tracker carries but never interprets.
func (t *Tracker) SetUserState(s uint) { t.userState = s }

// Configure applies every calibration field through the regular setters.
// Derived slice widths in c are ignored.
func (t *Tracker) Configure(c Calibration) {
	t.SetRange(c.Min, c.Max)
	t.SetStartValue(c.StartValue)
	t.SetStartBoundary(c.StartBoundary)
	t.SetEndBoundary(c.EndBoundary)
	t.SetNumNegativeIncrements(c.NegativeIncrements)
	t.SetNumPositiveIncrements(c.PositiveIncrements)
}

// recomputeNegative divides the usable raw span below the deadzone into negativeIncrements slices.
func (t *Tracker) recomputeNegative() {
	t.sliceNegative = max(1, (t.startValue-t.startBoundary-t.observedMin-t.endBoundary)/t.negativeIncrements)
}

// recomputePositive divides the usable raw span above the deadzone into positiveIncrements slices.
func (t *Tracker) recomputePositive() {
	t.slicePositive = max(1, (t.observedMax-t.endBoundary-t.startBoundary-t.startValue)/t.positiveIncrements)
}

// clampPositions keeps stored positions inside the bounds after the increment counts shrink.
// No event fires; the next Update compares against the clamped value.
func (t *Tracker) clampPositions() {
	t.currentPosition = min(max(t.currentPosition, -t.negativeIncrements), t.positiveIncrements)
	t.previousPosition = min(max(t.previousPosition, -t.negativeIncrements), t.positiveIncrements)
}

// ============================================================================
// Per-cycle update
// ============================================================================

// Update reads one sample and advances the state machine. Call it once per control cycle.
//
// The first sample seeds the filter reference and the positions and never fires a changed event;
// it can fire the idle event when the idle timeout already elapsed since construction.
// After that, when enabled and outside the rate limit window, a position different from the
// current one fires the changed event, and a position left untouched for longer than the idle
// timeout fires the idle event once.
func (t *Tracker) Update() {
	t.changed = false

	if !(t.enabled || t.passive) || t.sampler == nil {
		return
	}

	sample := t.sampler.Read()
	t.lastSample = sample
	t.autoRange(sample)

	now := t.clock.Millis()

	seeding := !t.started
	if seeding {
		t.lastRawSample = sample
		pos := 0
		if t.enabled {
			pos = t.mapPosition(sample)
		}
		t.currentPosition = pos
		t.previousPosition = pos
		t.started = true
	}

	if !t.enabled {
		// Passive sampling: calibrate only.
		t.currentPosition = 0
		return
	}

	// The seeding read counts as the first computation of the rate limit window. Quantizing the
	// seed sample again reproduces the seeded position, so only the idle check can fire here.
	if !seeding && elapsed(now, t.lastRateLimit) < t.rateLimit {
		return
	}

	candidate := t.quantize(sample)
	if candidate != t.currentPosition {
		t.previousPosition = t.currentPosition
		t.currentPosition = candidate
		t.lastChange = now
		t.idleFired = false
		t.changed = true

		t.logger.Debug("axis position changed",
			"user_id", t.userID,
			"position", t.currentPosition,
			"previous", t.previousPosition,
			"sample", sample)
		if t.onChanged != nil {
			t.onChanged(t)
		}
	}

	if !t.idleFired && elapsed(now, t.lastChange) > t.idleTimeout {
		t.idleFired = true
		t.logger.Debug("axis idle", "user_id", t.userID, "position", t.currentPosition)
		if t.onIdle != nil {
			t.onIdle(t)
		}
	}

	t.lastRateLimit = now
}

// autoRange widens the observed bounds and recomputes the affected slice width.
func (t *Tracker) autoRange(sample int) {
	if sample < t.observedMin {
		t.observedMin = sample
		t.recomputeNegative()
		t.logger.Debug("axis min expanded", "user_id", t.userID, "min", sample, "slice_negative", t.sliceNegative)
	}
	if sample > t.observedMax {
		t.observedMax = sample
		t.recomputePositive()
		t.logger.Debug("axis max expanded", "user_id", t.userID, "max", sample, "slice_positive", t.slicePositive)
	}
}

// quantize maps sample to a position, applying the noise filter: outside the center deadzone a
// sample is only accepted once it has moved more than one slice away from the last accepted
// sample. A rejected sample leaves the position where it is.
func (t *Tracker) quantize(sample int) int {
	offset := sample - t.startValue
	switch {
	case offset > t.startBoundary:
		if abs(sample-t.lastRawSample) > t.slicePositive {
			t.lastRawSample = sample
			return t.positivePosition(sample)
		}
	case -offset > t.startBoundary:
		if abs(sample-t.lastRawSample) > t.sliceNegative {
			t.lastRawSample = sample
			return t.negativePosition(sample)
		}
	default:
		t.lastRawSample = sample
		return 0
	}
	return t.currentPosition
}

// mapPosition maps sample to a position without the noise filter.
func (t *Tracker) mapPosition(sample int) int {
	offset := sample - t.startValue
	switch {
	case offset > t.startBoundary:
		return t.positivePosition(sample)
	case -offset > t.startBoundary:
		return t.negativePosition(sample)
	}
	return 0
}

// Integer division truncates toward zero; a partial slice does not count.
func (t *Tracker) positivePosition(sample int) int {
	return min(t.positiveIncrements, (sample-t.startBoundary-t.startValue)/t.slicePositive)
}

func (t *Tracker) negativePosition(sample int) int {
	return max(-t.negativeIncrements, -((t.startValue - t.startBoundary - sample) / t.sliceNegative))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ============================================================================
// Queries
// ============================================================================

// Position returns the current quantized position, in [-NegativeIncrements, PositiveIncrements].
func (t *Tracker) Position() int { return t.currentPosition }

// PreviousPosition returns the position before the most recent change.
func (t *Tracker) PreviousPosition() int { return t.previousPosition }

// HasChanged reports whether the position changed during the most recent Update.
func (t *Tracker) HasChanged() bool { return t.changed }

// IsIdle reports whether the position has been unchanged for longer than the idle timeout,
// whether or not the idle event has fired.
func (t *Tracker) IsIdle() bool {
	return elapsed(t.clock.Millis(), t.lastChange) > t.idleTimeout
}

// Enabled reports whether events are enabled.
func (t *Tracker) Enabled() bool { return t.enabled }

// PassiveSampling reports whether the tracker samples while disabled.
func (t *Tracker) PassiveSampling() bool { return t.passive }

// UserID returns the opaque identifier set with SetUserID.
func (t *Tracker) UserID() uint { return t.userID }

// UserState returns the opaque state set with SetUserState.
func (t *Tracker) UserState() uint { return t.userState }

// LastSample returns the most recent raw sample read, whether or not the filter accepted it.
func (t *Tracker) LastSample() int { return t.lastSample }

// IdleTimeout returns the configured idle timeout.
func (t *Tracker) IdleTimeout() time.Duration {
	return time.Duration(t.idleTimeout) * time.Millisecond
}

// RateLimit returns the configured rate limit.
func (t *Tracker) RateLimit() time.Duration {
	return time.Duration(t.rateLimit) * time.Millisecond
}

// Calibration returns the current calibration including the derived slice widths.
func (t *Tracker) Calibration() Calibration {
	return Calibration{
		StartValue:         t.startValue,
		StartBoundary:      t.startBoundary,
		EndBoundary:        t.endBoundary,
		Min:                t.observedMin,
		Max:                t.observedMax,
		NegativeIncrements: t.negativeIncrements,
		PositiveIncrements: t.positiveIncrements,
		SliceNegative:      t.sliceNegative,
		SlicePositive:      t.slicePositive,
	}
}

// Snapshot returns a copy of the tracker's observable state.
func (t *Tracker) Snapshot() State {
	return State{
		UserID:           t.userID,
		UserState:        t.userState,
		Enabled:          t.enabled,
		PassiveSampling:  t.passive,
		Position:         t.currentPosition,
		PreviousPosition: t.previousPosition,
		Sample:           t.lastSample,
		Changed:          t.changed,
		Idle:             t.IsIdle(),
		Calibration:      t.Calibration(),
	}
}
