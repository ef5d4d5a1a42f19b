package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventaxis"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The daemon goroutine is the single owner of every tracker:
//   - Each tick calls Update on every axis in configuration order.
//   - Control events are applied between ticks.
//   - Tracker handlers run inside Update and only enqueue broadcasts; they never block.
//
// Other goroutines (IPC, WebSocket) only see trackers through StateSnapshot values.
// ============================================================================

// errUnknownAxis is returned for control events naming an axis that is not configured.
type errUnknownAxis struct {
	name string
}

func (e errUnknownAxis) Error() string {
	return fmt.Sprintf("unknown axis %q", e.name)
}

// axis binds a tracker to its source and configured name.
type axis struct {
	name    string
	tracker *eventaxis.Tracker
	source  sampleSource
}

// axisSet is the collection of trackers owned by the daemon goroutine.
type axisSet struct {
	axes   []*axis
	byName map[string]*axis
	logger *slog.Logger

	// now is the wall-clock time of the tick being processed, stamped on broadcasts.
	now time.Time
	out chan<- StateBroadcast
}

// newAxisSet opens a source and builds a tracker for every configured axis.
// On error, sources opened so far are closed.
func newAxisSet(cfgs []AxisConfig, open sourceOpener, clock eventaxis.Clock, logger *slog.Logger) (*axisSet, error) {
	s := &axisSet{
		byName: make(map[string]*axis, len(cfgs)),
		logger: logger,
	}
	if clock == nil {
		clock = eventaxis.SystemClock()
	}

	for _, cfg := range cfgs {
		axisLogger := logger.With("axis", cfg.Name)

		src, err := open(cfg.Source, axisLogger)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("axis %s: %w", cfg.Name, err)
		}

		t := eventaxis.New(src, clock)
		t.SetLogger(axisLogger)
		t.Configure(cfg.Calibration.ToCalibration())
		t.SetIdleTimeout(cfg.idleTimeout())
		t.SetRateLimit(cfg.rateLimit())
		t.SetUserID(cfg.UserID)
		t.Enable(cfg.Enabled, cfg.PassiveSampling)

		a := &axis{name: cfg.Name, tracker: t, source: src}
		s.axes = append(s.axes, a)
		s.byName[cfg.Name] = a

		axisLogger.Info("axis configured",
			"source", cfg.Source.Type,
			"enabled", cfg.Enabled,
			"passive", cfg.PassiveSampling,
			"user_id", cfg.UserID,
		)
	}
	return s, nil
}

// publishTo routes tracker events of every axis to out.
// Sends never block; when out is full the broadcast is dropped with a warning.
func (s *axisSet) publishTo(out chan<- StateBroadcast) {
	s.out = out
	for _, a := range s.axes {
		name := a.name
		a.tracker.SetHandler(eventaxis.HandlerFuncs{
			Changed: func(t *eventaxis.Tracker) {
				s.publish(BroadcastAxisChanged{
					Axis:             name,
					UserID:           t.UserID(),
					Position:         t.Position(),
					PreviousPosition: t.PreviousPosition(),
					Sample:           t.LastSample(),
					At:               s.now,
				})
			},
			Idle: func(t *eventaxis.Tracker) {
				s.publish(BroadcastAxisIdle{
					Axis:     name,
					UserID:   t.UserID(),
					Position: t.Position(),
					At:       s.now,
				})
			},
		})
	}
}

func (s *axisSet) publish(b StateBroadcast) {
	if s.out == nil {
		return
	}
	select {
	case s.out <- b:
	default:
		s.logger.Warn("broadcast queue full, dropping event", "type", fmt.Sprintf("%T", b))
	}
}

// update polls every tracker once.
func (s *axisSet) update(now time.Time) {
	s.now = now
	for _, a := range s.axes {
		a.tracker.Update()
	}
}

func (s *axisSet) lookup(name string) (*axis, error) {
	a, ok := s.byName[name]
	if !ok {
		return nil, errUnknownAxis{name: name}
	}
	return a, nil
}

// apply executes a control event against the trackers.
func (s *axisSet) apply(ev Event) error {
	switch e := ev.(type) {
	case EnableAxis:
		a, err := s.lookup(e.Axis)
		if err != nil {
			return err
		}
		a.tracker.Enable(e.Enabled, e.Passive)
		s.logger.Info("axis enable changed", "axis", a.name, "enabled", a.tracker.Enabled(), "passive", a.tracker.PassiveSampling())

	case CalibrateAxis:
		a, err := s.lookup(e.Axis)
		if err != nil {
			return err
		}
		applyCalibration(a.tracker, e)
		s.logger.Info("axis calibrated", "axis", a.name, "calibration", a.tracker.Calibration())

	case SetUserState:
		a, err := s.lookup(e.Axis)
		if err != nil {
			return err
		}
		a.tracker.SetUserState(e.State)

	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
	return nil
}

// applyCalibration applies the present fields of e. The range goes first so that start value and
// boundaries are recomputed against the new bounds.
func applyCalibration(t *eventaxis.Tracker, e CalibrateAxis) {
	if e.Min != nil || e.Max != nil {
		c := t.Calibration()
		lo, hi := c.Min, c.Max
		if e.Min != nil {
			lo = *e.Min
		}
		if e.Max != nil {
			hi = *e.Max
		}
		t.SetRange(lo, hi)
	}
	if e.StartValue != nil {
		t.SetStartValue(*e.StartValue)
	}
	if e.StartBoundary != nil {
		t.SetStartBoundary(*e.StartBoundary)
	}
	if e.EndBoundary != nil {
		t.SetEndBoundary(*e.EndBoundary)
	}
	if e.NegativeIncrements != nil {
		t.SetNumNegativeIncrements(*e.NegativeIncrements)
	}
	if e.PositiveIncrements != nil {
		t.SetNumPositiveIncrements(*e.PositiveIncrements)
	}
	if e.IdleTimeoutMS != nil {
		t.SetIdleTimeout(time.Duration(*e.IdleTimeoutMS) * time.Millisecond)
	}
	if e.RateLimitMS != nil {
		t.SetRateLimit(time.Duration(*e.RateLimitMS) * time.Millisecond)
	}
}

// snapshot copies every axis.
func (s *axisSet) snapshot(now time.Time) StateSnapshot {
	snap := StateSnapshot{
		At:   now,
		Axes: make([]AxisSnapshot, 0, len(s.axes)),
	}
	for _, a := range s.axes {
		snap.Axes = append(snap.Axes, newAxisSnapshot(a.name, a.tracker))
	}
	return snap
}

// Close closes every source.
func (s *axisSet) Close() error {
	var errs []error
	for _, a := range s.axes {
		if err := a.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("axis %s: %w", a.name, err))
		}
	}
	return errors.Join(errs...)
}

// handleEvent applies one inbound event. This is intended to be called only by the daemon
// goroutine (single-owner).
func (s *axisSet) handleEvent(ev Event, now time.Time) {
	switch e := ev.(type) {
	case RequestStateSnapshot:
		if e.Reply == nil {
			return
		}
		select {
		case e.Reply <- s.snapshot(now):
		default:
			s.logger.Warn("snapshot reply dropped (receiver not ready)")
		}

	case AckedEvent:
		err := s.apply(e.Event)
		if err != nil {
			s.logger.Warn("control event rejected", "type", fmt.Sprintf("%T", e.Event), "error", err)
		}
		if e.Reply != nil {
			select {
			case e.Reply <- err:
			default:
			}
		}

	default:
		if err := s.apply(ev); err != nil {
			s.logger.Warn("control event rejected", "type", fmt.Sprintf("%T", ev), "error", err)
		}
	}
}

// runDaemon is the main daemon loop that:
//   - Polls every tracker at updateHz
//   - Applies control events between ticks
//   - Answers snapshot requests
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(ctx context.Context, events <-chan Event, axes *axisSet, updateHz int, logger *slog.Logger) {
	if axes == nil {
		logger.Error("daemon axis set is nil")
		return
	}
	if updateHz <= 0 {
		updateHz = defaultUpdateHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(updateHz))
	defer ticker.Stop()

	logger.Info("daemon started", "axes", len(axes.axes), "update_hz", updateHz)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			axes.handleEvent(ev, time.Now().UTC())

		case now := <-ticker.C:
			axes.update(now.UTC())
		}
	}
}
