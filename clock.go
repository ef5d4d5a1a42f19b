package eventaxis

import "time"

// Clock is the time collaborator of a Tracker.
//
// Millis must be monotonically non-decreasing within one counter epoch. It is allowed to wrap at
// 2^32 like a microcontroller tick counter: the tracker only ever compares differences
// (now - then) using unsigned arithmetic, which stays correct across a single wrap.
type Clock interface {
	Millis() uint32
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() uint32

// Millis calls f.
func (f ClockFunc) Millis() uint32 { return f() }

// monotonicClock counts milliseconds since it was created, using the runtime monotonic clock.
type monotonicClock struct {
	start time.Time
}

func (c monotonicClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// SystemClock returns a Clock backed by the process monotonic clock.
// Its epoch starts when SystemClock is called.
func SystemClock() Clock {
	return monotonicClock{start: time.Now()}
}

// elapsed returns now-then in milliseconds, tolerating one wrap of the counter.
func elapsed(now, then uint32) uint32 {
	return now - then
}

// durationToMillis converts d to a millisecond count, clamping negatives to 0 and
// saturating at the counter width.
func durationToMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
