// Package timer schedules durable timers. Timer rows live in the Store so
// they survive restarts; the Service keeps an in-process min-heap mirror and
// sleeps until the earliest deadline instead of polling. Firing is
// at-least-once: consumers dedupe through the conditional consume operations
// on the Store (a fired timer whose row is already gone is a no-op).
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// FireFunc consumes a due timer. Implementations perform the transactional
	// consume against the Store and wake the owning instance. Returning an
	// error re-arms the timer after the retry interval.
	FireFunc func(ctx context.Context, t store.PendingTimer) error

	// Service arms and fires durable timers for the dispatcher.
	Service struct {
		store store.Store
		clk   clock.Clock
		fire  FireFunc

		logger        telemetry.Logger
		metrics       telemetry.Metrics
		retryInterval time.Duration

		mu    sync.Mutex
		heap  timerHeap
		armed map[string]bool // timer ID -> armed

		wake   chan struct{}
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// Option configures a Service.
	Option func(*Service)
)

// WithLogger configures the service logger. When nil, the service uses a noop
// logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics configures the service metrics recorder. When nil, the service
// uses a noop recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithRetryInterval sets how long the service waits before re-arming a timer
// whose FireFunc returned an error. Defaults to 5 seconds.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Service) {
		s.retryInterval = d
	}
}

// New constructs a Service. fire is invoked in the service goroutine for each
// due timer; it must not block indefinitely.
func New(st store.Store, clk clock.Clock, fire FireFunc, opts ...Option) *Service {
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		store:         st,
		clk:           clk,
		fire:          fire,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		retryInterval: 5 * time.Second,
		armed:         make(map[string]bool),
		wake:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Start launches the firing loop. It returns immediately; use Stop to shut
// the loop down.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop terminates the firing loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Schedule persists the timer row and arms it in-process. Use Arm when the
// row was already written as part of an AppendCycle commit.
func (s *Service) Schedule(ctx context.Context, t store.PendingTimer) error {
	if err := s.store.InsertTimer(ctx, t); err != nil {
		return err
	}
	s.Arm(t)
	return nil
}

// Arm registers an already persisted timer with the in-process heap. Arming
// the same timer ID twice is a no-op.
func (s *Service) Arm(t store.PendingTimer) {
	s.mu.Lock()
	if s.armed[t.ID] {
		s.mu.Unlock()
		return
	}
	s.armed[t.ID] = true
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.poke()
}

// Cancel deletes the timer row and disarms the in-process entry.
func (s *Service) Cancel(ctx context.Context, timerID string) error {
	if _, err := s.store.DeleteTimer(ctx, timerID); err != nil {
		return err
	}
	s.Disarm(timerID)
	return nil
}

// Disarm drops the in-process entry without touching the Store. Callers use
// it after a conditional consume (SatisfyWait, FireSleep) already removed the
// row.
func (s *Service) Disarm(timerID string) {
	s.mu.Lock()
	delete(s.armed, timerID)
	s.mu.Unlock()
	s.poke()
}

// Reload replaces the in-process heap with the pending timer rows from the
// Store. Called once at startup so timers scheduled before a crash fire again.
func (s *Service) Reload(ctx context.Context) error {
	timers, err := s.store.ListTimers(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.heap = nil
	s.armed = make(map[string]bool, len(timers))
	for _, t := range timers {
		s.armed[t.ID] = true
		s.heap = append(s.heap, t)
	}
	heap.Init(&s.heap)
	s.mu.Unlock()
	s.poke()
	return nil
}

// Armed reports the number of armed in-process timers.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		var (
			fireCh <-chan time.Time
			tmr    clock.Timer
		)
		if at, ok := s.next(); ok {
			d := at.Sub(s.clk.Now())
			if d < 0 {
				d = 0
			}
			tmr = s.clk.NewTimer(d)
			fireCh = tmr.C()
		}
		select {
		case <-ctx.Done():
			if tmr != nil {
				tmr.Stop()
			}
			return
		case <-s.wake:
			if tmr != nil {
				tmr.Stop()
			}
		case <-fireCh:
			s.fireDue(ctx)
		}
	}
}

// next returns the earliest armed fire time, skipping disarmed heap entries.
func (s *Service) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if !s.armed[top.ID] {
			heap.Pop(&s.heap)
			continue
		}
		return top.FireAt, true
	}
	return time.Time{}, false
}

func (s *Service) fireDue(ctx context.Context) {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			return
		}
		top := s.heap[0]
		if !s.armed[top.ID] {
			heap.Pop(&s.heap)
			s.mu.Unlock()
			continue
		}
		if top.FireAt.After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.heap)
		delete(s.armed, top.ID)
		s.mu.Unlock()

		if err := s.fire(ctx, top); err != nil {
			s.logger.Error(ctx, "timer fire failed",
				"timer_id", top.ID,
				"instance_id", top.InstanceID,
				"purpose", top.Purpose,
				"error", err,
			)
			retry := top
			retry.FireAt = now.Add(s.retryInterval)
			s.Arm(retry)
			continue
		}
		s.metrics.IncCounter(telemetry.MetricTimersFired, 1, "purpose", string(top.Purpose))
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// timerHeap orders pending timers by FireAt, ties broken by ID for stability.
type timerHeap []store.PendingTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].FireAt.Before(h[j].FireAt)
	}
	return h[i].ID < h[j].ID
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(store.PendingTimer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
