// Package dispatch schedules resume cycles. The dispatcher owns the wake
// queue, a fixed worker pool, the lease protocol that keeps one process
// driving an instance at a time, and the durable timer service. Wakes
// coalesce per instance: an instance is queued or in flight at most once,
// and a wake arriving mid-cycle schedules exactly one follow-up cycle.
// Every action the dispatcher triggers is idempotent through the store's
// conditional consumes and the journal head fence, so a duplicate or stale
// wake costs one no-op cycle.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/exec"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/timer"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// Cause classifies why an instance was woken. It is diagnostic: the
	// resumed cycle reads whatever the journal accumulated, in append order,
	// regardless of which wake reached the queue first.
	Cause string

	// Definitions resolves workflow kinds and validates creation input.
	// The sealed catalog implements it.
	Definitions interface {
		Resolve(name, version string) (workflow.Kind, error)
		ValidateInput(name, version string, input []byte) error
	}

	// EventQueue drains buffered events against newly registered waits. The
	// event bus implements it.
	EventQueue interface {
		DeliverQueued(ctx context.Context, w store.PendingWait) (bool, error)
	}

	// CreateRequest describes a new instance admission.
	CreateRequest struct {
		// Kind names the workflow definition.
		Kind string
		// Version pins a definition version. Empty selects the latest.
		Version string
		// Input is the JSON payload validated against the kind's input
		// schema and handed to the first state's handler.
		Input json.RawMessage
		// IdempotencyKey dedupes retried creations. A reused key fails with
		// *store.DuplicateKeyError naming the existing instance.
		IdempotencyKey string
		// CorrelationKeys register event routing values at admission, e.g.
		// {"pitchId": "p-42"}.
		CorrelationKeys map[string]string
	}

	// Dispatcher turns wakes into serialized, leased resume cycles.
	Dispatcher struct {
		store store.Store
		exec  *exec.Executor
		defs  Definitions
		clk   clock.Clock

		timers  *timer.Service
		queue   EventQueue
		streams stream.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics

		owner        string
		workerCount  int
		leaseTTL     time.Duration
		requeueDelay time.Duration
		sweepEvery   time.Duration

		mu       sync.Mutex
		queued   map[string]bool
		ready    []wakeItem
		inflight map[string]bool
		again    map[string]Cause
		stopped  bool

		wakeCh chan struct{}
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
		bg     sync.WaitGroup
	}

	// Option configures a Dispatcher.
	Option func(*Dispatcher)

	// wakeItem is one coalesced wake waiting for a worker.
	wakeItem struct {
		id    string
		cause Cause
		at    time.Time
	}
)

const (
	// WakeCreated schedules the first cycle of a new instance.
	WakeCreated Cause = "created"
	// WakeEvent follows an event delivery.
	WakeEvent Cause = "event"
	// WakeTimer follows a fired sleep or deadline.
	WakeTimer Cause = "timer"
	// WakeRetry follows an elapsed retry backoff.
	WakeRetry Cause = "retry"
	// WakeCancel follows a cancellation request.
	WakeCancel Cause = "cancel"
	// WakeDLQRetry follows an operator dead-letter retry.
	WakeDLQRetry Cause = "dlq-retry"
	// WakeManual covers operator verbs and the crash recovery scan.
	WakeManual Cause = "manual"
)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clk = clk
	}
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithStream sets the lifecycle event bus used to announce created instances.
// Nil disables stream emission.
func WithStream(b stream.Bus) Option {
	return func(d *Dispatcher) {
		d.streams = b
	}
}

// WithEventQueue sets the queue drained against waits registered by each
// committed cycle. Nil leaves buffered events to their next publisher.
func WithEventQueue(q EventQueue) Option {
	return func(d *Dispatcher) {
		d.queue = q
	}
}

// WithWorkerCount sets the number of concurrent cycle workers. Defaults to 4.
func WithWorkerCount(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workerCount = n
		}
	}
}

// WithLeaseTTL sets how long a worker's exclusive claim on an instance lasts
// between heartbeats. Defaults to 30 seconds.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

// WithRequeueDelay sets how long a wake is shelved when the instance's lease
// is held elsewhere or the store misbehaved. Defaults to 1 second.
func WithRequeueDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.requeueDelay = delay
		}
	}
}

// WithSweepInterval sets the cadence of the expired queued event and
// publisher key purges. Defaults to 1 minute.
func WithSweepInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.sweepEvery = interval
		}
	}
}

// WithOwner sets the lease owner identity. Defaults to a per-process random
// identifier.
func WithOwner(owner string) Option {
	return func(d *Dispatcher) {
		if owner != "" {
			d.owner = owner
		}
	}
}

// New constructs a Dispatcher. The store, executor, and definition resolver
// are required; everything else has working defaults. Call Start to launch
// the workers and the timer service.
func New(st store.Store, x *exec.Executor, defs Definitions, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		exec:         x,
		defs:         defs,
		clk:          clock.System(),
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		owner:        "dispatch-" + uuid.NewString()[:8],
		workerCount:  4,
		leaseTTL:     30 * time.Second,
		requeueDelay: time.Second,
		sweepEvery:   time.Minute,
		queued:       make(map[string]bool),
		inflight:     make(map[string]bool),
		again:        make(map[string]Cause),
		wakeCh:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	d.timers = timer.New(st, d.clk, d.fireTimer,
		timer.WithLogger(d.logger),
		timer.WithMetrics(d.metrics),
	)
	return d
}

// Start reloads durable timers, re-wakes instances stranded by a crash, and
// launches the worker pool and timer service. It returns immediately; use
// Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.ctx, d.cancel = ctx, cancel
	if err := d.timers.Reload(ctx); err != nil {
		cancel()
		return fmt.Errorf("reload timers: %w", err)
	}
	d.timers.Start(ctx)
	if err := d.recoverInstances(ctx); err != nil {
		cancel()
		d.timers.Stop()
		return fmt.Errorf("recover instances: %w", err)
	}
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.bg.Add(1)
	go d.sweep(ctx)
	d.logger.Info(ctx, "dispatcher started",
		"owner", d.owner,
		"workers", d.workerCount,
		"lease_ttl", d.leaseTTL.String(),
	)
	return nil
}

// Stop stops intake, lets in-flight cycles finish, then shuts down the timer
// service and background loops. Wakes still queued are dropped; the recovery
// scan at the next Start re-derives them from the durable rows.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.poke()
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	d.bg.Wait()
	d.timers.Stop()
}

// Create admits a new instance: the input is validated against the kind's
// schema, the row is persisted with the resolved definition version pinned,
// and the instance is woken for its first cycle. The first cycle stages the
// transition into the initial state, so a crash between creation and that
// cycle leaves a pending row the recovery scan picks up.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (store.Instance, error) {
	if req.Kind == "" {
		return store.Instance{}, faults.Validationf("workflow kind is required")
	}
	k, err := d.defs.Resolve(req.Kind, req.Version)
	if err != nil {
		return store.Instance{}, fmt.Errorf("resolve kind %s: %w", req.Kind, err)
	}
	if err := d.defs.ValidateInput(k.Name, k.Version, req.Input); err != nil {
		return store.Instance{}, err
	}
	now := d.clk.Now()
	inst := store.Instance{
		ID:              uuid.NewString(),
		Kind:            k.Name,
		KindVersion:     k.Version,
		Status:          journal.StatusPending,
		State:           string(k.Initial),
		Input:           req.Input,
		CorrelationKeys: req.CorrelationKeys,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.store.CreateInstance(ctx, inst, nil); err != nil {
		return store.Instance{}, err
	}
	d.metrics.IncCounter(telemetry.MetricInstancesStarted, 1, "kind", k.Name)
	if d.streams != nil {
		ev := stream.New(stream.EventInstanceCreated, inst.ID, now, stream.InstanceCreatedPayload{
			Kind:            k.Name,
			KindVersion:     k.Version,
			CorrelationKeys: req.CorrelationKeys,
		})
		if err := d.streams.Publish(ctx, ev); err != nil {
			d.logger.Warn(ctx, "stream publish failed",
				"instance_id", inst.ID,
				"event", string(stream.EventInstanceCreated),
				"error", err,
			)
		}
	}
	d.logger.Info(ctx, "instance created", "instance_id", inst.ID, "kind", k.Ref())
	d.Wake(inst.ID, WakeCreated)
	return inst, nil
}

// Cancel records a cancellation request and wakes the instance so its next
// suspension point observes it. Idempotent; store.ErrTerminal when the log
// is already sealed.
func (d *Dispatcher) Cancel(ctx context.Context, instanceID, reason string) error {
	entry, err := journal.New(instanceID, journal.KindCancelRequested, d.clk.Now(), journal.CancelRequestedPayload{
		Reason: reason,
	})
	if err != nil {
		return err
	}
	if err := d.store.RequestCancel(ctx, instanceID, entry); err != nil {
		return err
	}
	d.logger.Info(ctx, "cancellation requested", "instance_id", instanceID, "reason", reason)
	d.Wake(instanceID, WakeCancel)
	return nil
}

// Wake schedules a resume cycle for the instance. Wakes coalesce: a queued
// instance is not queued twice, and a wake during an in-flight cycle
// schedules exactly one follow-up cycle after the current one commits.
func (d *Dispatcher) Wake(instanceID string, cause Cause) {
	if instanceID == "" {
		return
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.inflight[instanceID] {
		if _, ok := d.again[instanceID]; !ok {
			d.again[instanceID] = cause
		}
		d.mu.Unlock()
		return
	}
	if d.queued[instanceID] {
		d.mu.Unlock()
		return
	}
	d.queued[instanceID] = true
	d.ready = append(d.ready, wakeItem{id: instanceID, cause: cause, at: d.clk.Now()})
	d.mu.Unlock()
	d.poke()
}

// Pending reports the number of wakes waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}

// Arm hands timer rows persisted outside a resume cycle to the live
// scheduler. Operator verbs that insert timers directly use it so the rows
// fire without waiting for the next reload.
func (d *Dispatcher) Arm(timers []store.PendingTimer) {
	for _, t := range timers {
		d.timers.Arm(t)
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	d.logger.Debug(ctx, "worker started", "worker", n)
	defer d.logger.Debug(ctx, "worker stopped", "worker", n)
	for {
		it, ok := d.take()
		if !ok {
			if d.isStopped() {
				d.poke()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-d.wakeCh:
			}
			continue
		}
		d.runOne(ctx, it)
		d.finish(it.id)
	}
}

// take pops the next coalesced wake. While more remain it passes the poke on
// so every idle worker gets pulled in.
func (d *Dispatcher) take() (wakeItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.ready) == 0 {
		return wakeItem{}, false
	}
	it := d.ready[0]
	d.ready = d.ready[1:]
	delete(d.queued, it.id)
	d.inflight[it.id] = true
	if len(d.ready) > 0 {
		d.poke()
	}
	return it, true
}

// finish clears the in-flight mark and replays a wake that arrived while the
// cycle ran.
func (d *Dispatcher) finish(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	cause, rewake := d.again[id]
	delete(d.again, id)
	d.mu.Unlock()
	if rewake {
		d.Wake(id, cause)
	}
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Dispatcher) poke() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// runOne leases the instance, runs one resume cycle under a heartbeat, and
// applies the committed cycle's scheduling effects.
func (d *Dispatcher) runOne(ctx context.Context, it wakeItem) {
	d.metrics.RecordTimer(telemetry.MetricWakeLatency, d.clk.Now().Sub(it.at), "cause", string(it.cause))

	held, err := d.store.AcquireLease(ctx, it.id, d.owner, d.leaseTTL)
	if err != nil {
		d.logger.Error(ctx, "lease acquire failed", "instance_id", it.id, "error", err)
		d.requeueAfter(it.id, it.cause, d.requeueDelay)
		return
	}
	if !held {
		d.logger.Debug(ctx, "instance leased elsewhere", "instance_id", it.id, "cause", it.cause)
		d.requeueAfter(it.id, it.cause, d.requeueDelay)
		return
	}
	defer func() {
		if err := d.store.ReleaseLease(ctx, it.id, d.owner); err != nil {
			d.logger.Warn(ctx, "lease release failed", "instance_id", it.id, "error", err)
		}
	}()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go d.heartbeat(cctx, it.id, cancel, hbDone)

	out, err := d.exec.Resume(cctx, it.id)
	cancel()
	<-hbDone

	switch {
	case err == nil:
		d.afterCycle(ctx, out)
	case errors.Is(err, store.ErrConflict):
		// Another appender advanced the head mid-cycle. Nothing committed;
		// redo immediately against the longer log.
		d.logger.Debug(ctx, "cycle lost head race", "instance_id", it.id)
		d.Wake(it.id, it.cause)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown or lease loss. Nothing committed; whoever holds the
		// instance next resumes from the durable log.
		d.logger.Info(ctx, "cycle aborted", "instance_id", it.id, "error", err)
	default:
		d.logger.Error(ctx, "resume cycle failed",
			"instance_id", it.id,
			"cause", it.cause,
			"error", err,
		)
		d.requeueAfter(it.id, it.cause, d.requeueDelay)
	}
}

// heartbeat renews the lease at a third of its ttl. Losing the lease cancels
// the cycle context so the worker abandons the cycle before its commit; the
// journal head fence rejects any commit that slips through late.
func (d *Dispatcher) heartbeat(ctx context.Context, instanceID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := d.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	for {
		t := d.clk.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
		held, err := d.store.RenewLease(ctx, instanceID, d.owner, d.leaseTTL)
		if err == nil && held {
			continue
		}
		if err != nil {
			d.logger.Warn(ctx, "lease renewal failed", "instance_id", instanceID, "error", err)
		} else {
			d.logger.Warn(ctx, "lease lost mid-cycle", "instance_id", instanceID, "owner", d.owner)
		}
		cancel()
		return
	}
}

// requeueAfter re-wakes the instance after a delay, typically because its
// lease was held elsewhere. The sleeper exits on shutdown without waking.
func (d *Dispatcher) requeueAfter(id string, cause Cause, delay time.Duration) {
	ctx := d.ctx
	if ctx == nil {
		return
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		t := d.clk.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C():
			d.Wake(id, cause)
		}
	}()
}

// afterCycle applies a committed cycle's scheduling effects. Buffered events
// drain against the new waits before their deadline timers arm, so an event
// that was queued ahead of time beats an equal-time timeout.
func (d *Dispatcher) afterCycle(ctx context.Context, out exec.Outcome) {
	if d.queue != nil {
		for _, w := range out.NewWaits {
			delivered, err := d.queue.DeliverQueued(ctx, w)
			if err != nil {
				d.logger.Warn(ctx, "queued event delivery failed",
					"instance_id", w.InstanceID,
					"wait", w.Key,
					"error", err,
				)
				continue
			}
			if delivered {
				d.logger.Debug(ctx, "queued event delivered", "instance_id", w.InstanceID, "wait", w.Key)
			}
		}
	}
	for _, t := range out.NewTimers {
		d.timers.Arm(t)
	}
}

// fireTimer consumes a due timer row. Consumption is conditional: a row
// already satisfied or cancelled is a no-op, which makes at-least-once
// firing safe.
func (d *Dispatcher) fireTimer(ctx context.Context, t store.PendingTimer) error {
	switch t.Purpose {
	case store.TimerSleep:
		purpose, ordinal := journal.SplitKey(t.Key)
		entry, err := journal.New(t.InstanceID, journal.KindSleepFired, d.clk.Now(), journal.SleepFiredPayload{
			Purpose: purpose,
			Ordinal: ordinal,
		})
		if err != nil {
			return err
		}
		stamped, err := d.store.FireSleep(ctx, t.InstanceID, t.ID, entry)
		if err != nil {
			return err
		}
		if stamped != nil {
			d.Wake(t.InstanceID, WakeTimer)
		}
		return nil
	case store.TimerRetry:
		// The retry gate is the fire time recorded in the journal; the row
		// only decides when to look again.
		if _, err := d.store.DeleteTimer(ctx, t.ID); err != nil {
			return err
		}
		d.Wake(t.InstanceID, WakeRetry)
		return nil
	case store.TimerDeadline:
		return d.fireDeadline(ctx, t)
	default:
		return fmt.Errorf("timer %s: unknown purpose %q", t.ID, t.Purpose)
	}
}

// fireDeadline resolves a due deadline timer. State deadlines wake the
// instance and let the cycle re-derive the timeout from the journal. Wait
// deadlines append the timeout outcome atomically with the wait's removal:
// a defaulted review decision for review gates, a timeout failure for event
// waits.
func (d *Dispatcher) fireDeadline(ctx context.Context, t store.PendingTimer) error {
	if exec.IsStateTimerKey(t.Key) {
		if _, err := d.store.DeleteTimer(ctx, t.ID); err != nil {
			return err
		}
		d.Wake(t.InstanceID, WakeTimer)
		return nil
	}
	w, err := d.store.GetWait(ctx, t.InstanceID, t.Key)
	if err != nil {
		return err
	}
	if w == nil {
		// Satisfied before the deadline; drop the stale row.
		_, err := d.store.DeleteTimer(ctx, t.ID)
		return err
	}
	now := d.clk.Now()
	var entry journal.Entry
	if w.Scope != "" {
		action := w.DefaultAction
		if action == "" {
			action = journal.ReviewReject
		}
		entry, err = journal.New(t.InstanceID, journal.KindReviewResponded, now, journal.ReviewRespondedPayload{
			Scope:   w.Scope,
			Ordinal: w.Ordinal,
			Action:  action,
			Comment: "deadline elapsed",
		})
	} else {
		entry, err = journal.New(t.InstanceID, journal.KindErrorRaised, now, journal.ErrorRaisedPayload{
			Wait: t.Key,
			Failure: &faults.Info{
				Kind:    faults.KindTimeout,
				Message: fmt.Sprintf("event %q did not arrive before the deadline", w.Event),
			},
		})
	}
	if err != nil {
		return err
	}
	stamped, err := d.store.TimeoutWait(ctx, t.InstanceID, t.Key, t.ID, entry)
	if err != nil {
		return err
	}
	if stamped != nil {
		d.Wake(t.InstanceID, WakeTimer)
	}
	return nil
}

// recoverInstances re-wakes work stranded by a crash. Anything non-terminal
// without a pending timer or wait has no future wake source; its journal
// alone decides what the redone cycle does. Suspended instances whose log
// grew after their last commit also re-run, so arrivals consumed by nobody
// are picked back up.
func (d *Dispatcher) recoverInstances(ctx context.Context) error {
	insts, err := d.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []journal.Status{journal.StatusPending, journal.StatusRunning, journal.StatusSuspended},
	})
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		return nil
	}
	timers, err := d.store.ListTimers(ctx)
	if err != nil {
		return err
	}
	hasTimer := make(map[string]bool, len(timers))
	for _, t := range timers {
		hasTimer[t.InstanceID] = true
	}
	woken := 0
	for _, inst := range insts {
		cause := WakeManual
		switch inst.Status {
		case journal.StatusPending:
			cause = WakeCreated
		case journal.StatusSuspended:
			if inst.LastLogAt.After(inst.UpdatedAt) {
				break
			}
			if hasTimer[inst.ID] {
				continue
			}
			waits, err := d.store.ListWaits(ctx, inst.ID)
			if err != nil {
				return err
			}
			if len(waits) > 0 {
				continue
			}
		}
		d.Wake(inst.ID, cause)
		woken++
	}
	if woken > 0 {
		d.logger.Info(ctx, "recovered instances", "woken", woken)
	}
	return nil
}

// sweep drops expired queued events and publisher keys on a fixed cadence.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.bg.Done()
	for {
		t := d.clk.NewTimer(d.sweepEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
		if n, err := d.store.PurgeExpiredQueued(ctx); err != nil {
			d.logger.Warn(ctx, "queued event purge failed", "error", err)
		} else if n > 0 {
			d.logger.Debug(ctx, "purged queued events", "count", n)
		}
		if n, err := d.store.PurgePublisherKeys(ctx); err != nil {
			d.logger.Warn(ctx, "publisher key purge failed", "error", err)
		} else if n > 0 {
			d.logger.Debug(ctx, "purged publisher keys", "count", n)
		}
	}
}
