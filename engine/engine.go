// Package engine assembles the durable workflow engine from its parts: the
// sealed kind catalog, the executor that replays and extends instance
// journals, the event bus that routes external events to waiting instances,
// the dispatcher that schedules resume cycles across a worker pool, and the
// inspector that gives operators read and repair access.
//
// The package is the single entry point for embedding the engine. Callers
// provide a store backend and the workflow kinds to serve, tune behavior
// through Config, then drive everything through the Engine surface:
//
//	e, err := engine.New(st, workflows.All(deps))
//	if err != nil {
//	    return err
//	}
//	if err := e.Start(ctx); err != nil {
//	    return err
//	}
//	defer e.Stop()
//
//	inst, err := e.Create(ctx, engine.CreateRequest{Kind: "pitch.investment", Input: input})
//	rcpt, err := e.Publish(ctx, engine.Event{Name: "investor_qualified", CorrelationKey: pitchID})
//
// All wiring between the parts happens in New; the sub-packages stay usable
// on their own for tests and tooling that need a narrower surface.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pitchlane/flow/engine/bus"
	"github.com/pitchlane/flow/engine/catalog"
	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/dispatch"
	"github.com/pitchlane/flow/engine/exec"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/inspect"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// CreateRequest describes a new instance admission.
	CreateRequest = dispatch.CreateRequest

	// Event is an external event routed to waiting or correlated instances.
	Event = bus.Event

	// Receipt reports what Publish did with an event.
	Receipt = bus.Receipt

	// Response is a reviewer decision for a pending approval gate.
	Response = bus.Response

	// Engine owns the assembled workflow engine. Construct with New, then
	// Start before creating instances or publishing events. All public
	// methods are safe for concurrent use.
	Engine struct {
		cfg      Config
		store    store.Store
		clk      clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		streams  stream.Bus
		notifier notify.Sender
		limits   *inspect.Limits

		catalog    *catalog.Catalog
		executor   *exec.Executor
		events     *bus.Bus
		dispatcher *dispatch.Dispatcher
		inspector  *inspect.Inspector
		monitor    *inspect.Monitor

		mu      sync.Mutex
		started bool
		stopped bool
		cancel  context.CancelFunc
		bg      sync.WaitGroup
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// retentionSweepEvery is the cadence of the DLQ and snapshot retention sweep.
const retentionSweepEvery = time.Hour

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the time source. Tests install a fake.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clk = clk
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for resume cycle spans.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithStream sets the lifecycle event bus. Without it the engine creates an
// in-process bus reachable through Stream.
func WithStream(b stream.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.streams = b
		}
	}
}

// WithNotifier sets the sender for workflow notifications. Without it
// notifications go to the log.
func WithNotifier(n notify.Sender) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithLimits enables per-instance resource metering with the given soft
// budgets. The engine wraps the store in a metering middleware and reports
// usage through the inspector.
func WithLimits(l inspect.Limits) Option {
	return func(e *Engine) { e.limits = &l }
}

// New assembles an engine over the store, serving exactly the given workflow
// kinds. The catalog is sealed before New returns: registration faults
// surface here, never at runtime. The engine is inert until Start.
func New(st store.Store, kinds []workflow.Kind, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, faults.Validationf("store is required")
	}
	if len(kinds) == 0 {
		return nil, faults.Validationf("at least one workflow kind is required")
	}
	e := &Engine{
		cfg:     DefaultConfig(),
		store:   st,
		clk:     clock.System(),
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.streams == nil {
		e.streams = stream.NewBus()
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogSender(e.logger)
	}

	cat := catalog.New()
	for _, k := range kinds {
		if err := cat.Register(k); err != nil {
			return nil, err
		}
	}
	cat.Seal()
	e.catalog = cat

	if e.limits != nil {
		e.monitor = inspect.NewMonitor(e.store, e.clk, *e.limits, e.logger, e.metrics)
		e.store = e.monitor
	}

	retry := faults.DefaultRetryPolicy()
	retry.MaxAttempts = e.cfg.MaxRetries
	retry.InitialBackoff = e.cfg.DefaultInitialBackoff
	retry.BackoffMultiplier = e.cfg.DefaultBackoffMultiplier
	retry.MaxBackoff = e.cfg.DefaultMaxBackoff

	e.executor = exec.New(e.store, cat,
		exec.WithClock(e.clk),
		exec.WithLogger(e.logger),
		exec.WithMetrics(e.metrics),
		exec.WithTracer(e.tracer),
		exec.WithStream(e.streams),
		exec.WithNotifier(e.notifier),
		exec.WithRetryDefaults(retry),
		exec.WithOverallTimeout(e.cfg.InstanceOverallTimeout),
	)

	// The bus and the dispatcher reference each other: deliveries wake
	// instances through the dispatcher, and the dispatcher drains queued
	// events through the bus. The waker closure resolves e.dispatcher at
	// delivery time, after both exist.
	e.events = bus.New(e.store, e.clk,
		bus.WithValidator(cat),
		bus.WithWaker(bus.WakerFunc(func(instanceID string) {
			e.dispatcher.Wake(instanceID, dispatch.WakeEvent)
		})),
		bus.WithStream(e.streams),
		bus.WithLogger(e.logger),
		bus.WithMetrics(e.metrics),
		bus.WithQueueLimit(e.cfg.MaxQueuedEventsPerName),
		bus.WithQueueTTL(e.cfg.EventQueueTTL),
		bus.WithPublisherKeyTTL(e.cfg.PublisherKeyTTL),
	)

	e.dispatcher = dispatch.New(e.store, e.executor, cat,
		dispatch.WithClock(e.clk),
		dispatch.WithLogger(e.logger),
		dispatch.WithMetrics(e.metrics),
		dispatch.WithStream(e.streams),
		dispatch.WithEventQueue(e.events),
		dispatch.WithWorkerCount(e.cfg.WorkerCount),
		dispatch.WithLeaseTTL(e.cfg.LeaseDuration),
	)

	iopts := []inspect.Option{
		inspect.WithClock(e.clk),
		inspect.WithLogger(e.logger),
		inspect.WithMetrics(e.metrics),
		inspect.WithWaker(e.dispatcher),
		inspect.WithStuckThreshold(e.cfg.StuckThreshold),
	}
	if e.monitor != nil {
		iopts = append(iopts, inspect.WithMonitor(e.monitor))
	}
	e.inspector = inspect.New(e.store, cat, iopts...)

	return e, nil
}

// Start reloads persisted timers, recovers instances that died mid-cycle,
// and launches the worker pool and background sweeps. It returns an error
// when recovery fails; the engine is then unusable.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return faults.Validationf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	if err := e.dispatcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	e.bg.Add(1)
	go e.retain(ctx)
	e.logger.Info(ctx, "engine started",
		"kinds", len(e.catalog.Kinds()),
		"workers", e.cfg.WorkerCount,
		"metered", e.monitor != nil,
	)
	return nil
}

// Stop drains the dispatcher, letting in-flight resume cycles finish, then
// shuts down the timer service and background sweeps. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.dispatcher.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.bg.Wait()
}

// Create admits a new workflow instance and schedules its first resume
// cycle. The input is validated against the kind's schema before anything
// is persisted.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (store.Instance, error) {
	return e.dispatcher.Create(ctx, req)
}

// Publish routes an event to a waiting instance, or buffers it for a
// correlated instance that has not reached its wait yet.
func (e *Engine) Publish(ctx context.Context, ev Event) (Receipt, error) {
	return e.events.Publish(ctx, ev)
}

// PublishTo routes an event to one explicit instance, bypassing correlation
// lookup.
func (e *Engine) PublishTo(ctx context.Context, instanceID string, ev Event) (Receipt, error) {
	return e.events.PublishTo(ctx, instanceID, ev)
}

// Respond resolves a pending review gate with a reviewer decision and wakes
// the instance.
func (e *Engine) Respond(ctx context.Context, instanceID string, r Response) error {
	return e.events.Respond(ctx, instanceID, r)
}

// Cancel requests cooperative cancellation of the instance. The next resume
// cycle runs compensations and seals the journal.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	return e.dispatcher.Cancel(ctx, instanceID, reason)
}

// Inspector returns the operator inspection and repair surface.
func (e *Engine) Inspector() *inspect.Inspector { return e.inspector }

// Catalog returns the sealed kind catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Stream returns the lifecycle event bus. Sinks registered on it receive
// every event the engine publishes.
func (e *Engine) Stream() stream.Bus { return e.streams }

// Store returns the store handle the engine runs against. With metering
// enabled this is the metering middleware, so reads through it are
// attributed like the engine's own.
func (e *Engine) Store() store.Store { return e.store }

// Monitor returns the resource meter, or nil when metering is disabled.
func (e *Engine) Monitor() *inspect.Monitor { return e.monitor }

// Pending returns the number of queued wakes.
func (e *Engine) Pending() int { return e.dispatcher.Pending() }

// retain drops dead-letter records and snapshots past their retention
// windows.
func (e *Engine) retain(ctx context.Context) {
	defer e.bg.Done()
	for {
		t := e.clk.NewTimer(retentionSweepEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
		now := e.clk.Now()
		if n, err := e.store.PurgeDLQ(ctx, now.Add(-e.cfg.DLQRetention)); err != nil {
			e.logger.Warn(ctx, "dlq retention sweep failed", "error", err)
		} else if n > 0 {
			e.logger.Debug(ctx, "purged dead letter records", "count", n)
		}
		if n, err := e.store.PurgeSnapshots(ctx, now.Add(-e.cfg.SnapshotRetention)); err != nil {
			e.logger.Warn(ctx, "snapshot retention sweep failed", "error", err)
		} else if n > 0 {
			e.logger.Debug(ctx, "purged snapshots", "count", n)
		}
	}
}
