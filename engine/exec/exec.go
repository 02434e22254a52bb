// Package exec drives workflow instances through resume cycles. A cycle
// loads the instance's journal, replays it into a projection, and re-runs
// the current state's handler from the top with recorded outcomes
// short-circuiting re-execution. Everything the handler did is committed as
// one atomic append fenced on the journal head, so a crashed or conflicting
// cycle leaves no trace and redoing it is equivalent to running it for the
// first time.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

// ErrSuspended is returned by Context primitives whose outcome is not yet
// recorded. Handlers propagate it unchanged; the executor recognizes it and
// commits the cycle with the instance suspended.
var ErrSuspended = errors.New("workflow suspended")

// maxHopsPerCycle bounds same-cycle state chaining so a transition loop in
// handler code cannot spin a worker forever.
const maxHopsPerCycle = 64

type (
	// Kinds resolves workflow definitions by name and version. The catalog
	// implements it.
	Kinds interface {
		Resolve(name, version string) (workflow.Kind, error)
	}

	// Executor runs resume cycles against a store. It is stateless between
	// cycles and safe for concurrent use; per-instance serialization is the
	// dispatcher's job and the journal head fence backstops it.
	Executor struct {
		store    store.Store
		kinds    Kinds
		clk      clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		streams  stream.Bus
		notifier notify.Sender

		retry          faults.RetryPolicy
		overallTimeout time.Duration
		maxPanics      int
		pageSize       int
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Outcome reports what one resume cycle did, so the dispatcher can
	// deliver queued events, arm timers, and decide whether to reschedule.
	Outcome struct {
		// InstanceID is the instance the cycle ran.
		InstanceID string
		// Status is the instance status after the cycle.
		Status journal.Status
		// State is the workflow state after the cycle.
		State string
		// Suspended reports that the instance is parked on one or more open
		// suspensions and will be woken by a timer, event, or review.
		Suspended bool
		// Terminal reports that the instance reached a final status.
		Terminal bool
		// Parked reports that the instance sits in the dead-letter queue
		// awaiting an operator retry.
		Parked bool
		// NewWaits lists the event waits registered by this cycle. The
		// dispatcher drains matching queued events against them.
		NewWaits []store.PendingWait
		// NewTimers lists the timer rows persisted by this cycle for the
		// in-process timer service to arm.
		NewTimers []store.PendingTimer
	}
)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(x *Executor) {
		x.clk = clk
	}
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(x *Executor) {
		x.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(x *Executor) {
		x.metrics = m
	}
}

// WithTracer sets the tracer used to span resume cycles.
func WithTracer(t telemetry.Tracer) Option {
	return func(x *Executor) {
		x.tracer = t
	}
}

// WithStream sets the lifecycle event bus. Nil disables stream emission.
func WithStream(b stream.Bus) Option {
	return func(x *Executor) {
		x.streams = b
	}
}

// WithNotifier sets the sender used for review notifications. Defaults to
// the log sender.
func WithNotifier(n notify.Sender) Option {
	return func(x *Executor) {
		x.notifier = n
	}
}

// WithRetryDefaults sets the engine-wide retry policy steps fall back to.
func WithRetryDefaults(p faults.RetryPolicy) Option {
	return func(x *Executor) {
		x.retry = p
	}
}

// WithOverallTimeout sets the default bound on instance lifetime for kinds
// that do not declare their own.
func WithOverallTimeout(d time.Duration) Option {
	return func(x *Executor) {
		x.overallTimeout = d
	}
}

// WithMaxPanics sets how many panics a step occurrence survives before it is
// quarantined with a permanent failure.
func WithMaxPanics(n int) Option {
	return func(x *Executor) {
		x.maxPanics = n
	}
}

// WithPageSize sets the journal page size used when loading logs.
func WithPageSize(n int) Option {
	return func(x *Executor) {
		x.pageSize = n
	}
}

// New constructs an Executor. The store and kind resolver are required;
// everything else has working defaults.
func New(st store.Store, kinds Kinds, opts ...Option) *Executor {
	x := &Executor{
		store:          st,
		kinds:          kinds,
		clk:            clock.System(),
		logger:         telemetry.NewClueLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		tracer:         telemetry.NewNoopTracer(),
		retry:          faults.DefaultRetryPolicy(),
		overallTimeout: 30 * 24 * time.Hour,
		maxPanics:      3,
		pageSize:       500,
	}
	for _, o := range opts {
		if o != nil {
			o(x)
		}
	}
	if x.notifier == nil {
		x.notifier = notify.NewLogSender(x.logger)
	}
	return x
}

// Resume runs one cycle for the instance and commits its effects atomically.
// A terminal or parked instance is a no-op. A store.ErrConflict from the
// commit means another appender won the head; the caller re-wakes the
// instance and the redone cycle observes the new log.
func (x *Executor) Resume(ctx context.Context, instanceID string) (Outcome, error) {
	ctx, span := x.tracer.Start(ctx, "flow.resume", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	started := x.clk.Now()
	inst, err := x.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	x.metrics.IncCounter(telemetry.MetricResumeCycles, 1, "kind", inst.Kind)

	out := Outcome{InstanceID: instanceID, Status: inst.Status, State: inst.State}
	if inst.Status.Terminal() {
		out.Terminal = true
		return out, nil
	}

	entries, err := x.loadJournal(ctx, instanceID)
	if err != nil {
		return Outcome{}, err
	}
	proj, err := journal.Replay(instanceID, entries)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("replay instance %s: %w", instanceID, err)
	}
	if proj.Parked {
		out.Status = proj.Status
		out.State = proj.State
		out.Suspended = true
		out.Parked = true
		return out, nil
	}

	kind, err := x.kinds.Resolve(inst.Kind, inst.KindVersion)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve kind %s: %w", workflow.Ref(inst.Kind, inst.KindVersion), err)
	}
	recs, err := x.store.StepRecords(ctx, instanceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load step records %s: %w", instanceID, err)
	}

	rc := newCycle(x, ctx, inst, kind, proj, entries, recs)
	if proj.State == "" {
		// First cycle of a fresh log: enter the initial state.
		rc.transitionTo(string(kind.Initial), "created")
	}
	if err := x.drive(rc, kind); err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	if err := x.commit(ctx, rc); err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	x.afterCommit(ctx, rc)

	x.metrics.RecordTimer(telemetry.MetricCycleDuration, x.clk.Now().Sub(started), "kind", inst.Kind)
	span.SetStatus(codes.Ok, "cycle committed")

	proj = rc.proj
	out.Status = proj.Status
	out.State = proj.State
	out.Terminal = proj.Status.Terminal()
	out.Suspended = !out.Terminal
	out.Parked = proj.Parked
	out.NewWaits = rc.newWaits
	out.NewTimers = rc.newTimers
	return out, nil
}

// loadJournal pages the full log into memory in ordinal order.
func (x *Executor) loadJournal(ctx context.Context, instanceID string) ([]journal.Entry, error) {
	var entries []journal.Entry
	var from uint64
	for {
		page, err := x.store.Journal(ctx, instanceID, from, x.pageSize)
		if err != nil {
			return nil, fmt.Errorf("load journal %s: %w", instanceID, err)
		}
		entries = append(entries, page.Entries...)
		if page.NextOrdinal == 0 {
			return entries, nil
		}
		from = page.NextOrdinal
	}
}

// drive runs the state loop: timeouts, the handler, and same-cycle chaining
// across GoTo transitions. It stages effects on rc and returns only when the
// cycle should abort without committing.
func (x *Executor) drive(rc *cycleCore, kind workflow.Kind) error {
	for hop := 0; ; hop++ {
		if hop >= maxHopsPerCycle {
			return x.finishFailed(rc, kind, faults.Permanentf(
				"instance made %d state transitions in one cycle, transition loop suspected", hop))
		}
		if err := rc.ctx.Err(); err != nil {
			return err
		}

		overall := kind.OverallTimeout
		if overall <= 0 {
			overall = x.overallTimeout
		}
		if overall > 0 && !rc.now.Before(rc.inst.CreatedAt.Add(overall)) {
			return x.finishFailed(rc, kind, faults.Timeoutf(
				"instance exceeded overall timeout %s", overall))
		}

		state := rc.proj.State
		def, ok := kind.States[workflow.State(state)]
		if !ok {
			return x.finishFailed(rc, kind, faults.Validationf(
				"state %q is not declared by kind %s", state, kind.Ref()))
		}

		if def.Timeout > 0 && !rc.enteredThisCycle && !rc.now.Before(rc.enteredAt.Add(def.Timeout)) {
			if err := rc.closeOpenSuspensions("state_timeout"); err != nil {
				return err
			}
			if def.OnTimeout == "" {
				return x.finishFailed(rc, kind, faults.Timeoutf(
					"state %q exceeded its timeout %s", state, def.Timeout))
			}
			rc.transitionTo(string(def.OnTimeout), "state_timeout")
			continue
		}

		if def.Handler == nil {
			// Validate guarantees handlerless states are terminal.
			return x.finishTerminal(rc, kind, def)
		}

		tr, err := x.runHandler(rc, def)
		if rc.internalErr != nil {
			return rc.internalErr
		}
		if err != nil {
			if errors.Is(err, ErrSuspended) {
				if rc.proj.OpenSuspensions() == 0 {
					// Nothing registered can ever wake this instance.
					return x.finishFailed(rc, kind, faults.Validationf(
						"state %q suspended with no pending suspensions", state))
				}
				return x.finishSuspended(rc, def)
			}
			switch faults.KindOf(err) {
			case faults.KindCancelled:
				return x.finishCancelled(rc, kind, err)
			case faults.KindStepExhausted:
				return x.finishParked(rc, err)
			default:
				return x.finishFailed(rc, kind, err)
			}
		}

		switch tr.Kind() {
		case workflow.TransitionStay:
			if rc.proj.CancelRequested {
				return x.finishCancelled(rc, kind, rc.cancelFault())
			}
			if rc.proj.OpenSuspensions() == 0 {
				return x.finishFailed(rc, kind, faults.Validationf(
					"state %q stayed with no pending suspensions", state))
			}
			return x.finishSuspended(rc, def)

		case workflow.TransitionGoTo:
			if rc.proj.CancelRequested {
				return x.finishCancelled(rc, kind, rc.cancelFault())
			}
			target := string(tr.Target())
			tdef, declared := kind.States[tr.Target()]
			if !declared {
				return x.finishFailed(rc, kind, faults.Validationf(
					"state %q transitioned to undeclared state %q", state, target))
			}
			if def.Terminal {
				return x.finishFailed(rc, kind, faults.Validationf(
					"terminal state %q attempted a transition to %q", state, target))
			}
			if err := rc.closeOpenSuspensions("superseded"); err != nil {
				return err
			}
			rc.transitionTo(target, "handler")
			if tdef.Terminal && tdef.Handler == nil {
				return x.finishTerminal(rc, kind, tdef)
			}
			continue

		case workflow.TransitionComplete:
			var raw json.RawMessage
			if tr.Output() != nil {
				raw, err = json.Marshal(tr.Output())
				if err != nil {
					return x.finishFailed(rc, kind, faults.Permanentf(
						"state %q produced unencodable output: %v", state, err))
				}
			}
			return x.finishCompleted(rc, raw)

		case workflow.TransitionFail:
			ferr := tr.Err()
			if ferr == nil {
				ferr = faults.Permanentf("state %q failed without an error", state)
			}
			return x.finishFailed(rc, kind, ferr)

		default:
			return x.finishFailed(rc, kind, faults.Validationf(
				"state %q returned an invalid transition", state))
		}
	}
}

// runHandler invokes the state handler with panic containment. A panicking
// handler is a code bug, not a transient condition, so it fails the instance.
func (x *Executor) runHandler(rc *cycleCore, def workflow.StateDef) (tr workflow.Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error(rc.ctx, "handler panic",
				"instance_id", rc.inst.ID,
				"state", rc.proj.State,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = faults.Permanentf("state %q handler panicked: %v", rc.proj.State, r)
		}
	}()
	return def.Handler(&runContext{core: rc})
}

// finishSuspended closes a cycle that leaves the instance waiting. The state
// deadline timer is staged here so it exists exactly while the instance can
// sit in the state.
func (x *Executor) finishSuspended(rc *cycleCore, def workflow.StateDef) error {
	if len(rc.update.Entries) == 0 {
		// Spurious wake: everything is still pending and the state deadline
		// timer from the suspending cycle is still armed.
		return nil
	}
	if def.Timeout > 0 {
		rc.putTimer(store.PendingTimer{
			ID:         stateTimerID(rc.inst.ID, rc.proj.State),
			InstanceID: rc.inst.ID,
			Purpose:    store.TimerDeadline,
			Key:        stateTimerKey(rc.proj.State),
			FireAt:     rc.enteredAt.Add(def.Timeout),
			CreatedAt:  rc.now,
		})
	}
	rc.streamEvent(stream.EventInstanceSuspended, stream.InstanceSuspendedPayload{
		State: rc.proj.State,
		Open:  rc.openKeys(),
	})
	return nil
}

// finishTerminal ends the instance in a declared terminal state.
func (x *Executor) finishTerminal(rc *cycleCore, kind workflow.Kind, def workflow.StateDef) error {
	status := def.TerminalStatus
	if status == "" {
		status = journal.StatusCompleted
	}
	switch status {
	case journal.StatusCompleted:
		return x.finishCompleted(rc, nil)
	case journal.StatusCancelled:
		return x.finishCancelled(rc, kind, faults.Cancelledf("reached terminal state %q", rc.proj.State))
	default:
		return x.finishFailed(rc, kind, faults.Permanentf("reached terminal state %q", rc.proj.State))
	}
}

func (x *Executor) finishCompleted(rc *cycleCore, output json.RawMessage) error {
	rc.deleteOpenRows()
	if err := rc.stage(journal.KindTerminal, journal.TerminalPayload{
		Status: journal.StatusCompleted,
		State:  rc.proj.State,
		Output: output,
	}); err != nil {
		return err
	}
	x.metrics.IncCounter(telemetry.MetricInstancesCompleted, 1, "kind", rc.inst.Kind)
	rc.streamEvent(stream.EventInstanceCompleted, stream.InstanceCompletedPayload{
		State:  rc.proj.State,
		Output: output,
	})
	return nil
}

func (x *Executor) finishFailed(rc *cycleCore, kind workflow.Kind, cause error) error {
	if err := x.compensate(rc, kind); err != nil {
		return err
	}
	rc.deleteOpenRows()
	info := faults.InfoOf(cause)
	if err := rc.stage(journal.KindTerminal, journal.TerminalPayload{
		Status:  journal.StatusFailed,
		State:   rc.proj.State,
		Failure: info,
	}); err != nil {
		return err
	}
	x.metrics.IncCounter(telemetry.MetricInstancesFailed, 1, "kind", rc.inst.Kind, "status", string(journal.StatusFailed))
	rc.streamEvent(stream.EventInstanceFailed, stream.InstanceFailedPayload{
		State:   rc.proj.State,
		Failure: info,
	})
	return nil
}

func (x *Executor) finishCancelled(rc *cycleCore, kind workflow.Kind, cause error) error {
	if err := x.compensate(rc, kind); err != nil {
		return err
	}
	rc.deleteOpenRows()
	info := faults.InfoOf(cause)
	if err := rc.stage(journal.KindTerminal, journal.TerminalPayload{
		Status:  journal.StatusCancelled,
		State:   rc.proj.State,
		Failure: info,
	}); err != nil {
		return err
	}
	x.metrics.IncCounter(telemetry.MetricInstancesFailed, 1, "kind", rc.inst.Kind, "status", string(journal.StatusCancelled))
	rc.streamEvent(stream.EventInstanceCancelled, stream.InstanceCancelledPayload{
		Reason: rc.proj.CancelReason,
	})
	return nil
}

// finishParked records an uncaught step failure and parks the instance in
// the dead-letter queue. Parking is not terminal: the log stays open so an
// operator retry can append a reopening entry later.
func (x *Executor) finishParked(rc *cycleCore, cause error) error {
	key := rc.lastStepFailKey
	if key == "" {
		// Exhaustion error not raised by a step this cycle; without an
		// occurrence to park on, fail the instance instead.
		return x.finishFailed(rc, rc.kind, cause)
	}
	info := faults.InfoOf(cause)
	if err := rc.stage(journal.KindErrorRaised, journal.ErrorRaisedPayload{
		Failure: info,
		Step:    key,
	}); err != nil {
		return err
	}
	attempts := 0
	if rec, ok := rc.steps[key]; ok {
		attempts = rec.Attempts
	}
	rc.dlq = &store.DLQEntry{
		InstanceID: rc.inst.ID,
		Kind:       rc.inst.Kind,
		State:      rc.proj.State,
		Step:       key,
		Failure:    info,
		Attempts:   attempts,
		MovedAt:    rc.now,
	}
	rc.streamEvent(stream.EventDLQAdded, stream.DLQAddedPayload{
		Step:    key,
		Failure: info,
	})
	return nil
}

// compensate runs the compensation handlers of entered states in reverse
// entry order, each as a memoised step, before a failed or cancelled
// terminal commit. A failing compensation is recorded and logged but never
// blocks the remaining ones or the terminal transition.
func (x *Executor) compensate(rc *cycleCore, kind workflow.Kind) error {
	rc.compensating = true
	defer func() { rc.compensating = false }()

	top := &runContext{core: rc}
	for i := len(rc.proj.Entered) - 1; i >= 0; i-- {
		state := rc.proj.Entered[i]
		def, ok := kind.States[workflow.State(state)]
		if !ok || def.Compensate == nil {
			continue
		}
		comp := def.Compensate
		_, err := top.runStep("compensate:"+state, func(context.Context, workflow.StepInfo) (any, error) {
			return nil, comp(top)
		}, workflow.StepSettings{Retry: &faults.RetryPolicy{MaxAttempts: 1}})
		if rc.internalErr != nil {
			return rc.internalErr
		}
		if err != nil {
			x.logger.Error(rc.ctx, "compensation failed",
				"instance_id", rc.inst.ID,
				"state", state,
				"error", err,
			)
		}
	}
	return nil
}

// commit assembles the cycle update and appends it. An empty cycle, such as
// a spurious wake with everything still pending, commits nothing.
func (x *Executor) commit(ctx context.Context, rc *cycleCore) error {
	if rc.empty() {
		return nil
	}
	rc.update.Instance = store.InstanceUpdate{
		Status:          rc.proj.Status,
		State:           rc.proj.State,
		Output:          rc.proj.Output,
		Failure:         rc.proj.Failure,
		OpenSuspensions: rc.proj.OpenSuspensions(),
	}
	rc.update.Steps = rc.touchedRecords()
	if _, err := x.store.AppendCycle(ctx, rc.update); err != nil {
		if errors.Is(err, store.ErrConflict) {
			x.logger.Warn(ctx, "cycle conflict, redo required",
				"instance_id", rc.inst.ID,
				"expected_head", rc.update.ExpectedHead,
			)
		}
		return fmt.Errorf("append cycle %s: %w", rc.inst.ID, err)
	}
	return nil
}

// afterCommit performs the cycle's side effects: dead-letter rows, stream
// events, and notifications. Failures here are logged, never propagated;
// the journal is already the source of truth.
func (x *Executor) afterCommit(ctx context.Context, rc *cycleCore) {
	if rc.dlq != nil {
		if err := x.store.MoveToDLQ(ctx, *rc.dlq); err != nil {
			x.logger.Error(ctx, "move to dlq failed", "instance_id", rc.inst.ID, "error", err)
		}
	}
	if x.streams != nil {
		for _, ev := range rc.events {
			if err := x.streams.Publish(ctx, ev); err != nil {
				x.logger.Warn(ctx, "stream publish failed",
					"instance_id", rc.inst.ID,
					"event", string(ev.Type),
					"error", err,
				)
			}
		}
	}
	for _, n := range rc.notifications {
		if err := x.notifier.Send(ctx, n); err != nil {
			x.logger.Warn(ctx, "notification failed",
				"instance_id", rc.inst.ID,
				"scope", n.Scope,
				"error", err,
			)
		}
	}
}

// Timer row identifiers are deterministic so a redone cycle upserts the same
// rows instead of accumulating duplicates.

func sleepTimerID(instanceID, key string) string {
	return "sleep:" + instanceID + ":" + key
}

func retryTimerID(instanceID, key string) string {
	return "retry:" + instanceID + ":" + key
}

func waitTimerID(instanceID, key string) string {
	return "wait:" + instanceID + ":" + key
}

func reviewTimerID(instanceID, key string) string {
	return "review:" + instanceID + ":" + key
}

func stateTimerID(instanceID, state string) string {
	return "state:" + instanceID + ":" + state
}

// stateTimerKey marks a deadline timer row as a state deadline rather than a
// wait deadline. The timer service routes on the prefix.
func stateTimerKey(state string) string { return "state:" + state }

// IsStateTimerKey reports whether a deadline timer row belongs to a state
// deadline. Wait and review deadlines carry the wait's occurrence key
// instead.
func IsStateTimerKey(key string) bool {
	return len(key) > 6 && key[:6] == "state:"
}

// sortedKeys returns map keys in stable order so staged entries and row
// deletes are deterministic within a cycle.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
