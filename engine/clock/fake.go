package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Advance and SetTime fire due
// timers synchronously in fire-time order, ties broken by creation order.
type Fake struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

// NewFake returns a Fake whose current time is start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer arms a fake timer firing at Now()+d. A non-positive d fires
// immediately, matching time.NewTimer.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		clk:    f,
		ch:     make(chan time.Time, 1),
		fireAt: f.now.Add(d),
		seq:    f.seq,
	}
	if d <= 0 {
		t.done = true
		t.ch <- f.now
		return t
	}
	f.timers = append(f.timers, t)
	f.cond.Broadcast()
	return t
}

// After arms a timer and returns its channel.
func (f *Fake) After(d time.Duration) <-chan time.Time { return f.NewTimer(d).C() }

// Advance moves the current time forward by d, firing every due timer.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.advanceLocked(f.now.Add(d))
	f.mu.Unlock()
}

// SetTime moves the current time to t, firing every due timer. Moving time
// backwards only changes Now; armed timers keep their fire times.
func (f *Fake) SetTime(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.advanceLocked(t)
	} else {
		f.now = t
	}
	f.mu.Unlock()
}

// BlockUntil blocks until at least n timers are armed and unfired. Tests use
// it to wait for a goroutine under test to arm its timer before advancing.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	for f.armedLocked() < n {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Armed reports the number of armed, unfired timers.
func (f *Fake) Armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armedLocked()
}

func (f *Fake) armedLocked() int {
	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (f *Fake) advanceLocked(to time.Time) {
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if t.done || t.fireAt.After(to) {
				continue
			}
			if next == nil || t.fireAt.Before(next.fireAt) ||
				(t.fireAt.Equal(next.fireAt) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.fireAt.After(f.now) {
			f.now = next.fireAt
		}
		next.done = true
		next.ch <- f.now
	}
	f.now = to
	f.compactLocked()
	f.cond.Broadcast()
}

func (f *Fake) compactLocked() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	f.timers = live
	sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].seq < f.timers[j].seq })
}

type fakeTimer struct {
	clk    *Fake
	ch     chan time.Time
	fireAt time.Time
	seq    uint64
	done   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
