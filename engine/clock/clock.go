// Package clock abstracts time for the engine. Production code takes a Clock
// instead of calling the time package directly so that timer behavior is
// deterministic under test: the fake clock fires timers synchronously when
// time is advanced, which keeps suspension and retry tests free of sleeps.
package clock

import "time"

type (
	// Clock supplies the current time and timer primitives.
	Clock interface {
		// Now returns the current time.
		Now() time.Time
		// NewTimer returns a timer that fires once after d.
		NewTimer(d time.Duration) Timer
		// After returns a channel that receives the fire time after d.
		After(d time.Duration) <-chan time.Time
	}

	// Timer is a single-shot timer handle.
	Timer interface {
		// C returns the channel the fire time is delivered on.
		C() <-chan time.Time
		// Stop disarms the timer. It reports whether the timer was still
		// armed; a stopped or fired timer returns false.
		Stop() bool
	}
)

// System returns a Clock backed by the time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type systemTimer struct{ t *time.Timer }

func (t systemTimer) C() <-chan time.Time { return t.t.C }

func (t systemTimer) Stop() bool { return t.t.Stop() }
