package inspect

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// Limits bound per-instance consumption. Zero fields are unlimited.
	// Crossing a limit never fails the instance; the monitor warns, at most
	// once per interval per instance, and counts a violation metric.
	Limits struct {
		MaxCycles    int64
		MaxCycleTime time.Duration
		MaxSteps     int64
		MaxStoreOps  int64
	}

	// Usage is one instance's consumption so far. CycleTime measures from
	// the row load that opens a cycle to the commit that closes it; other
	// loads in between shorten the measure harmlessly.
	Usage struct {
		Cycles         int64         `json:"cycles"`
		CycleTime      time.Duration `json:"cycleTime"`
		StepsExecuted  int64         `json:"stepsExecuted"`
		StoreReads     int64         `json:"storeReads"`
		StoreWrites    int64         `json:"storeWrites"`
		EventsConsumed int64         `json:"eventsConsumed"`
		TimersFired    int64         `json:"timersFired"`
	}

	// Monitor is a metering store middleware. It wraps every Store method,
	// attributing reads and writes to the instance each call names and
	// deriving cycle, step, event, and timer counts from the calls the
	// engine makes. Wrap the store before handing it to the executor and
	// dispatcher, and attach the same Monitor to the Inspector to surface
	// usage in reports.
	Monitor struct {
		next    store.Store
		clk     clock.Clock
		logger  telemetry.Logger
		metrics telemetry.Metrics
		limits  Limits

		mu    sync.Mutex
		usage map[string]*instanceUsage
	}

	instanceUsage struct {
		Usage
		cycleStart time.Time
		warn       rate.Sometimes
	}
)

// warnInterval throttles repeated budget warnings for one instance.
const warnInterval = time.Minute

// NewMonitor wraps next with per-instance metering. A nil clock, logger, or
// metrics sink falls back to the system clock and no-ops.
func NewMonitor(next store.Store, clk clock.Clock, limits Limits, logger telemetry.Logger, metrics telemetry.Metrics) *Monitor {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Monitor{
		next:    next,
		clk:     clk,
		logger:  logger,
		metrics: metrics,
		limits:  limits,
		usage:   make(map[string]*instanceUsage),
	}
}

// Usage returns the instance's consumption so far.
func (m *Monitor) Usage(instanceID string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[instanceID]; ok {
		return u.Usage
	}
	return Usage{}
}

// Forget drops the instance's counters, e.g. once it reaches a terminal
// status. Counters otherwise live for the process lifetime.
func (m *Monitor) Forget(instanceID string) {
	m.mu.Lock()
	delete(m.usage, instanceID)
	m.mu.Unlock()
}

func (m *Monitor) ensure(id string) *instanceUsage {
	u, ok := m.usage[id]
	if !ok {
		u = &instanceUsage{warn: rate.Sometimes{First: 1, Interval: warnInterval}}
		m.usage[id] = u
	}
	return u
}

func (m *Monitor) read(ctx context.Context, id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	u := m.ensure(id)
	u.StoreReads++
	m.check(ctx, id, u)
	m.mu.Unlock()
}

func (m *Monitor) write(ctx context.Context, id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	u := m.ensure(id)
	u.StoreWrites++
	m.check(ctx, id, u)
	m.mu.Unlock()
}

// check warns when a limit is crossed. The warning and its metric are
// throttled together so a hot instance cannot flood either.
func (m *Monitor) check(ctx context.Context, id string, u *instanceUsage) {
	limit := ""
	switch {
	case m.limits.MaxCycles > 0 && u.Cycles > m.limits.MaxCycles:
		limit = "cycles"
	case m.limits.MaxCycleTime > 0 && u.CycleTime > m.limits.MaxCycleTime:
		limit = "cycle_time"
	case m.limits.MaxSteps > 0 && u.StepsExecuted > m.limits.MaxSteps:
		limit = "steps"
	case m.limits.MaxStoreOps > 0 && u.StoreReads+u.StoreWrites > m.limits.MaxStoreOps:
		limit = "store_ops"
	}
	if limit == "" {
		return
	}
	u.warn.Do(func() {
		m.metrics.IncCounter(telemetry.MetricResourceViolations, 1, "limit", limit)
		m.logger.Warn(ctx, "instance over resource budget",
			"instance_id", id,
			"limit", limit,
			"cycles", u.Cycles,
			"cycle_time", u.CycleTime.String(),
			"steps", u.StepsExecuted,
			"reads", u.StoreReads,
			"writes", u.StoreWrites,
		)
	})
}

// CreateInstance implements store.Store.
func (m *Monitor) CreateInstance(ctx context.Context, inst store.Instance, entries []journal.Entry) error {
	m.write(ctx, inst.ID)
	return m.next.CreateInstance(ctx, inst, entries)
}

// LoadInstance implements store.Store. The load marks a possible cycle
// start; AppendCycle closes the measurement.
func (m *Monitor) LoadInstance(ctx context.Context, id string) (store.Instance, error) {
	m.mu.Lock()
	u := m.ensure(id)
	u.StoreReads++
	u.cycleStart = m.clk.Now()
	m.check(ctx, id, u)
	m.mu.Unlock()
	return m.next.LoadInstance(ctx, id)
}

// ListInstances implements store.Store.
func (m *Monitor) ListInstances(ctx context.Context, f store.InstanceFilter) ([]store.Instance, error) {
	return m.next.ListInstances(ctx, f)
}

// FindByCorrelation implements store.Store.
func (m *Monitor) FindByCorrelation(ctx context.Context, value string) ([]store.Instance, error) {
	return m.next.FindByCorrelation(ctx, value)
}

// AppendCycle implements store.Store, counting the committed cycle, its
// step starts, and the time since the opening load.
func (m *Monitor) AppendCycle(ctx context.Context, up store.CycleUpdate) ([]journal.Entry, error) {
	out, err := m.next.AppendCycle(ctx, up)
	if err != nil {
		m.write(ctx, up.InstanceID)
		return out, err
	}
	steps := 0
	for _, e := range out {
		if e.Kind == journal.KindStepStarted {
			steps++
		}
	}
	m.mu.Lock()
	u := m.ensure(up.InstanceID)
	u.StoreWrites++
	u.Cycles++
	u.StepsExecuted += int64(steps)
	if !u.cycleStart.IsZero() {
		u.CycleTime += m.clk.Now().Sub(u.cycleStart)
		u.cycleStart = time.Time{}
	}
	m.check(ctx, up.InstanceID, u)
	m.mu.Unlock()
	return out, nil
}

// Journal implements store.Store.
func (m *Monitor) Journal(ctx context.Context, id string, fromOrdinal uint64, limit int) (journal.Page, error) {
	m.read(ctx, id)
	return m.next.Journal(ctx, id, fromOrdinal, limit)
}

// StepRecords implements store.Store.
func (m *Monitor) StepRecords(ctx context.Context, id string) ([]store.StepRecord, error) {
	m.read(ctx, id)
	return m.next.StepRecords(ctx, id)
}

// FindWaiters implements store.Store.
func (m *Monitor) FindWaiters(ctx context.Context, event, correlationKey string) ([]store.PendingWait, error) {
	return m.next.FindWaiters(ctx, event, correlationKey)
}

// GetWait implements store.Store.
func (m *Monitor) GetWait(ctx context.Context, instanceID, key string) (*store.PendingWait, error) {
	m.read(ctx, instanceID)
	return m.next.GetWait(ctx, instanceID, key)
}

// ListWaits implements store.Store.
func (m *Monitor) ListWaits(ctx context.Context, instanceID string) ([]store.PendingWait, error) {
	m.read(ctx, instanceID)
	return m.next.ListWaits(ctx, instanceID)
}

// SatisfyWait implements store.Store, counting a consumed event delivery.
func (m *Monitor) SatisfyWait(ctx context.Context, instanceID, key string, entry journal.Entry) (*journal.Entry, error) {
	stamped, err := m.next.SatisfyWait(ctx, instanceID, key, entry)
	m.mu.Lock()
	u := m.ensure(instanceID)
	u.StoreWrites++
	if err == nil && stamped != nil {
		u.EventsConsumed++
	}
	m.check(ctx, instanceID, u)
	m.mu.Unlock()
	return stamped, err
}

// TimeoutWait implements store.Store, counting a fired deadline.
func (m *Monitor) TimeoutWait(ctx context.Context, instanceID, key, timerID string, entry journal.Entry) (*journal.Entry, error) {
	stamped, err := m.next.TimeoutWait(ctx, instanceID, key, timerID, entry)
	m.mu.Lock()
	u := m.ensure(instanceID)
	u.StoreWrites++
	if err == nil && stamped != nil {
		u.TimersFired++
	}
	m.check(ctx, instanceID, u)
	m.mu.Unlock()
	return stamped, err
}

// EnqueueEvent implements store.Store.
func (m *Monitor) EnqueueEvent(ctx context.Context, ev store.QueuedEvent, perNameLimit int) (store.QueueResult, error) {
	m.write(ctx, ev.InstanceID)
	return m.next.EnqueueEvent(ctx, ev, perNameLimit)
}

// DequeueMatching implements store.Store.
func (m *Monitor) DequeueMatching(ctx context.Context, instanceID, event, correlationKey string) (*store.QueuedEvent, error) {
	m.write(ctx, instanceID)
	return m.next.DequeueMatching(ctx, instanceID, event, correlationKey)
}

// PurgeExpiredQueued implements store.Store.
func (m *Monitor) PurgeExpiredQueued(ctx context.Context) (int, error) {
	return m.next.PurgeExpiredQueued(ctx)
}

// SeenPublisherKey implements store.Store.
func (m *Monitor) SeenPublisherKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.next.SeenPublisherKey(ctx, key, ttl)
}

// PurgePublisherKeys implements store.Store.
func (m *Monitor) PurgePublisherKeys(ctx context.Context) (int, error) {
	return m.next.PurgePublisherKeys(ctx)
}

// RequestCancel implements store.Store.
func (m *Monitor) RequestCancel(ctx context.Context, instanceID string, entry journal.Entry) error {
	m.write(ctx, instanceID)
	return m.next.RequestCancel(ctx, instanceID, entry)
}

// InsertTimer implements store.Store.
func (m *Monitor) InsertTimer(ctx context.Context, t store.PendingTimer) error {
	m.write(ctx, t.InstanceID)
	return m.next.InsertTimer(ctx, t)
}

// DeleteTimer implements store.Store.
func (m *Monitor) DeleteTimer(ctx context.Context, timerID string) (bool, error) {
	return m.next.DeleteTimer(ctx, timerID)
}

// ListTimers implements store.Store.
func (m *Monitor) ListTimers(ctx context.Context) ([]store.PendingTimer, error) {
	return m.next.ListTimers(ctx)
}

// FireSleep implements store.Store, counting a fired sleep.
func (m *Monitor) FireSleep(ctx context.Context, instanceID, timerID string, entry journal.Entry) (*journal.Entry, error) {
	stamped, err := m.next.FireSleep(ctx, instanceID, timerID, entry)
	m.mu.Lock()
	u := m.ensure(instanceID)
	u.StoreWrites++
	if err == nil && stamped != nil {
		u.TimersFired++
	}
	m.check(ctx, instanceID, u)
	m.mu.Unlock()
	return stamped, err
}

// AcquireLease implements store.Store.
func (m *Monitor) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	m.write(ctx, instanceID)
	return m.next.AcquireLease(ctx, instanceID, owner, ttl)
}

// RenewLease implements store.Store.
func (m *Monitor) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	m.write(ctx, instanceID)
	return m.next.RenewLease(ctx, instanceID, owner, ttl)
}

// ReleaseLease implements store.Store.
func (m *Monitor) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	m.write(ctx, instanceID)
	return m.next.ReleaseLease(ctx, instanceID, owner)
}

// MoveToDLQ implements store.Store.
func (m *Monitor) MoveToDLQ(ctx context.Context, e store.DLQEntry) error {
	m.write(ctx, e.InstanceID)
	return m.next.MoveToDLQ(ctx, e)
}

// ListDLQ implements store.Store.
func (m *Monitor) ListDLQ(ctx context.Context) ([]store.DLQEntry, error) {
	return m.next.ListDLQ(ctx)
}

// TakeDLQ implements store.Store.
func (m *Monitor) TakeDLQ(ctx context.Context, instanceID string) (*store.DLQEntry, error) {
	m.write(ctx, instanceID)
	return m.next.TakeDLQ(ctx, instanceID)
}

// PurgeDLQ implements store.Store.
func (m *Monitor) PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error) {
	return m.next.PurgeDLQ(ctx, olderThan)
}

// PutSnapshot implements store.Store.
func (m *Monitor) PutSnapshot(ctx context.Context, s store.Snapshot) error {
	m.write(ctx, s.InstanceID)
	return m.next.PutSnapshot(ctx, s)
}

// GetSnapshot implements store.Store.
func (m *Monitor) GetSnapshot(ctx context.Context, id string) (store.Snapshot, error) {
	return m.next.GetSnapshot(ctx, id)
}

// ListSnapshots implements store.Store.
func (m *Monitor) ListSnapshots(ctx context.Context, instanceID string) ([]store.Snapshot, error) {
	m.read(ctx, instanceID)
	return m.next.ListSnapshots(ctx, instanceID)
}

// PurgeSnapshots implements store.Store.
func (m *Monitor) PurgeSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	return m.next.PurgeSnapshots(ctx, olderThan)
}

var _ store.Store = (*Monitor)(nil)
