package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// reg is one primitive registration recorded during the current state
	// visit. The cycle replays the handler against these in order: the i-th
	// primitive call must be the i-th registration, which is how two runs of
	// a deterministic handler line up without any persisted cursor.
	reg struct {
		kind    journal.Kind
		name    string
		ordinal int
	}

	// frame is the replay cursor for one name prefix. The top-level handler
	// advances through the frame with prefix ""; each parallel branch gets
	// its own frame so its calls line up against its own registrations.
	frame struct {
		regs []reg
		pos  int
	}

	// cycleCore is the mutable state of one resume cycle. Everything a
	// handler does lands here first: journal entries and the projection
	// advance together through stage, step records are upserted in steps,
	// and timer and wait rows queue on update. Nothing touches the store
	// until the executor commits the whole batch.
	cycleCore struct {
		x    *Executor
		ctx  context.Context
		inst store.Instance
		kind workflow.Kind
		proj *journal.Projection
		now  time.Time

		update store.CycleUpdate

		// steps holds prior records plus this cycle's staged upserts,
		// keyed by occurrence key. touched marks which go in the commit.
		steps   map[string]*store.StepRecord
		touched map[string]bool

		// visitRegs and frames implement the replay cursor for the current
		// state visit. The counters assign ordinals to new occurrences and
		// span visits, so re-entering a state never reuses a key.
		visitRegs        []reg
		frames           map[string]*frame
		stepCounts       map[string]int
		sleepCounts      map[string]int
		waitCounts       map[string]int
		reviewCounts     map[string]int
		checkpointCounts map[string]int

		enteredAt        time.Time
		enteredThisCycle bool

		compensating bool
		// internalErr aborts the cycle without committing. It is set when
		// staging fails or the handler's calls diverge from the recorded
		// registrations; handlers cannot swallow it because the executor
		// checks it after the handler returns.
		internalErr error

		lastStepFailKey string

		newWaits      []store.PendingWait
		newTimers     []store.PendingTimer
		events        []stream.Event
		notifications []notify.Notification
		dlq           *store.DLQEntry
	}

	// runContext is the workflow.Context handed to handlers, branch bodies,
	// and compensations. It is a thin view over the cycle: prefix is empty
	// for the top-level handler and "group/branch/" inside a parallel
	// branch.
	runContext struct {
		core   *cycleCore
		prefix string
	}
)

var _ workflow.Context = (*runContext)(nil)

// newCycle builds the cycle state from the loaded instance. Registrations
// after the last state transition become the replay cursor; occurrence
// counters are seeded from the projection so new keys continue where the
// log left off.
func newCycle(x *Executor, ctx context.Context, inst store.Instance, kind workflow.Kind, proj *journal.Projection, entries []journal.Entry, recs []store.StepRecord) *cycleCore {
	c := &cycleCore{
		x:    x,
		ctx:  ctx,
		inst: inst,
		kind: kind,
		proj: proj,
		now:  x.clk.Now(),
		update: store.CycleUpdate{
			InstanceID:   inst.ID,
			ExpectedHead: proj.LastOrdinal,
		},
		steps:            make(map[string]*store.StepRecord, len(recs)),
		touched:          make(map[string]bool),
		frames:           make(map[string]*frame),
		stepCounts:       make(map[string]int),
		sleepCounts:      make(map[string]int),
		waitCounts:       make(map[string]int),
		reviewCounts:     make(map[string]int),
		checkpointCounts: make(map[string]int),
		enteredAt:        inst.CreatedAt,
	}
	for i := range recs {
		rec := recs[i]
		c.steps[rec.Key()] = &rec
	}
	for _, st := range proj.Steps {
		if st.Ordinal+1 > c.stepCounts[st.Step] {
			c.stepCounts[st.Step] = st.Ordinal + 1
		}
	}
	for _, sl := range proj.Sleeps {
		if sl.Ordinal+1 > c.sleepCounts[sl.Purpose] {
			c.sleepCounts[sl.Purpose] = sl.Ordinal + 1
		}
	}
	for _, w := range proj.Waits {
		if w.Ordinal+1 > c.waitCounts[w.Event] {
			c.waitCounts[w.Event] = w.Ordinal + 1
		}
	}
	for _, r := range proj.Reviews {
		if r.Ordinal+1 > c.reviewCounts[r.Scope] {
			c.reviewCounts[r.Scope] = r.Ordinal + 1
		}
	}

	visit := -1
	for i, e := range entries {
		if e.Kind == journal.KindStateTransition {
			visit = i
		}
	}
	if visit >= 0 {
		c.enteredAt = entries[visit].Timestamp
	}
	for _, e := range entries[visit+1:] {
		switch e.Kind {
		case journal.KindStepStarted:
			var pl journal.StepStartedPayload
			if e.Decode(&pl) != nil || pl.Attempt != 1 {
				continue
			}
			c.visitRegs = append(c.visitRegs, reg{journal.KindStepStarted, pl.Step, pl.Ordinal})
		case journal.KindSleepStarted:
			var pl journal.SleepStartedPayload
			if e.Decode(&pl) != nil {
				continue
			}
			c.visitRegs = append(c.visitRegs, reg{journal.KindSleepStarted, pl.Purpose, pl.Ordinal})
		case journal.KindEventAwaited:
			var pl journal.EventAwaitedPayload
			if e.Decode(&pl) != nil {
				continue
			}
			c.visitRegs = append(c.visitRegs, reg{journal.KindEventAwaited, pl.Event, pl.Ordinal})
		case journal.KindReviewRequested:
			var pl journal.ReviewRequestedPayload
			if e.Decode(&pl) != nil {
				continue
			}
			c.visitRegs = append(c.visitRegs, reg{journal.KindReviewRequested, pl.Scope, pl.Ordinal})
		case journal.KindCheckpoint:
			var pl journal.CheckpointPayload
			if e.Decode(&pl) != nil {
				continue
			}
			c.visitRegs = append(c.visitRegs, reg{journal.KindCheckpoint, pl.Label, 0})
		}
	}
	return c
}

// stage appends an entry to the cycle's batch and folds it into the
// projection in one motion. Row state and replayed state cannot drift
// because both views flow through the same reducer.
func (c *cycleCore) stage(kind journal.Kind, payload any) error {
	e := journal.MustNew(c.inst.ID, kind, c.now, payload)
	if err := c.proj.Apply(e); err != nil {
		err = fmt.Errorf("stage %s for instance %s: %w", kind, c.inst.ID, err)
		if c.internalErr == nil {
			c.internalErr = err
		}
		return err
	}
	c.update.Entries = append(c.update.Entries, e)
	return nil
}

func (c *cycleCore) putTimer(t store.PendingTimer) {
	c.update.PutTimers = append(c.update.PutTimers, t)
	c.newTimers = append(c.newTimers, t)
}

func (c *cycleCore) deleteTimer(id string) {
	c.update.DeleteTimers = append(c.update.DeleteTimers, id)
}

// putWait stages a wait row. Event waits are surfaced on the outcome so
// the dispatcher can drain queued events against them; review waits are
// satisfied through the review API instead.
func (c *cycleCore) putWait(w store.PendingWait) {
	c.update.PutWaits = append(c.update.PutWaits, w)
	if w.Scope == "" {
		c.newWaits = append(c.newWaits, w)
	}
}

func (c *cycleCore) deleteWait(key string) {
	c.update.DeleteWaits = append(c.update.DeleteWaits, key)
}

// stepRecord returns the record for an occurrence, creating and marking it
// for the commit as needed.
func (c *cycleCore) stepRecord(key, name string, ordinal int) *store.StepRecord {
	if rec, ok := c.steps[key]; ok {
		c.touched[key] = true
		rec.UpdatedAt = c.now
		return rec
	}
	rec := &store.StepRecord{
		InstanceID:     c.inst.ID,
		Step:           name,
		Ordinal:        ordinal,
		Status:         store.StepRunning,
		IdempotencyKey: c.inst.ID + "/" + key,
		StartedAt:      c.now,
		UpdatedAt:      c.now,
	}
	c.steps[key] = rec
	c.touched[key] = true
	return rec
}

func (c *cycleCore) touchedRecords() []store.StepRecord {
	keys := sortedKeys(c.touched)
	out := make([]store.StepRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.steps[k])
	}
	return out
}

// empty reports whether the cycle changed anything worth committing. A
// spurious wake that finds everything still pending stays off the log.
func (c *cycleCore) empty() bool {
	return len(c.update.Entries) == 0 &&
		len(c.touched) == 0 &&
		len(c.update.PutTimers) == 0 &&
		len(c.update.DeleteTimers) == 0 &&
		len(c.update.PutWaits) == 0 &&
		len(c.update.DeleteWaits) == 0
}

func (c *cycleCore) streamEvent(t stream.EventType, payload any) {
	if c.x.streams == nil {
		return
	}
	c.events = append(c.events, stream.New(t, c.inst.ID, c.now, payload))
}

// transitionTo records entry into a state and resets the replay cursor.
// Occurrence counters survive the reset so a revisited state re-executes
// its steps under fresh keys instead of replaying stale outcomes.
func (c *cycleCore) transitionTo(target, cause string) {
	from := c.proj.State
	if from != "" {
		if def, ok := c.kind.States[workflow.State(from)]; ok && def.Timeout > 0 {
			c.deleteTimer(stateTimerID(c.inst.ID, from))
		}
	}
	_ = c.stage(journal.KindStateTransition, journal.StateTransitionPayload{
		From:  from,
		To:    target,
		Cause: cause,
	})
	c.enteredAt = c.now
	c.enteredThisCycle = true
	c.visitRegs = nil
	c.frames = make(map[string]*frame)
	c.streamEvent(stream.EventStateChanged, stream.StateChangedPayload{
		From:  from,
		To:    target,
		Cause: cause,
	})
}

// closeOpenSuspensions resolves every open suspension with a synthetic
// outcome before the instance moves on without it. Waits time out, sleeps
// fire, reviews abort, and pending retries fail; the rows and timers
// backing them are removed in the same commit.
func (c *cycleCore) closeOpenSuspensions(cause string) error {
	for _, key := range sortedKeys(c.proj.Waits) {
		w := c.proj.Waits[key]
		if w.Arrived || w.TimedOut {
			continue
		}
		if err := c.stage(journal.KindErrorRaised, journal.ErrorRaisedPayload{
			Failure: &faults.Info{
				Kind:    faults.KindTimeout,
				Message: fmt.Sprintf("wait %q abandoned: %s", key, cause),
			},
			Wait: key,
		}); err != nil {
			return err
		}
		c.deleteWait(key)
		c.deleteTimer(waitTimerID(c.inst.ID, key))
	}
	for _, key := range sortedKeys(c.proj.Sleeps) {
		sl := c.proj.Sleeps[key]
		if sl.Fired {
			continue
		}
		if err := c.stage(journal.KindSleepFired, journal.SleepFiredPayload{
			Purpose: sl.Purpose,
			Ordinal: sl.Ordinal,
		}); err != nil {
			return err
		}
		c.deleteTimer(sleepTimerID(c.inst.ID, key))
	}
	for _, key := range sortedKeys(c.proj.Reviews) {
		r := c.proj.Reviews[key]
		if r.Responded {
			continue
		}
		if err := c.stage(journal.KindReviewResponded, journal.ReviewRespondedPayload{
			Scope:   r.Scope,
			Ordinal: r.Ordinal,
			Action:  journal.ReviewAbort,
			Comment: cause,
		}); err != nil {
			return err
		}
		c.deleteWait(key)
		c.deleteTimer(reviewTimerID(c.inst.ID, key))
	}
	for _, key := range sortedKeys(c.proj.Steps) {
		st := c.proj.Steps[key]
		if !st.RetryPending {
			continue
		}
		info := &faults.Info{
			Kind:    faults.KindTimeout,
			Message: fmt.Sprintf("retry abandoned: %s", cause),
		}
		if err := c.stage(journal.KindStepFailed, journal.StepFailedPayload{
			Step:     st.Step,
			Ordinal:  st.Ordinal,
			Attempts: st.Attempts,
			Failure:  info,
		}); err != nil {
			return err
		}
		rec := c.stepRecord(key, st.Step, st.Ordinal)
		rec.Status = store.StepFailed
		rec.Failure = info
		c.deleteTimer(retryTimerID(c.inst.ID, key))
	}
	return nil
}

// closeGroupRetries fails the retry-pending steps under a parallel group
// prefix when the group fails fast. Their timers would otherwise wake a
// group that no longer wants them.
func (c *cycleCore) closeGroupRetries(group, cause string) error {
	prefix := group + "/"
	for _, key := range sortedKeys(c.proj.Steps) {
		st := c.proj.Steps[key]
		if !st.RetryPending || !strings.HasPrefix(st.Step, prefix) {
			continue
		}
		info := &faults.Info{
			Kind:    faults.KindPermanent,
			Message: fmt.Sprintf("step %q abandoned: %s", key, cause),
		}
		if err := c.stage(journal.KindStepFailed, journal.StepFailedPayload{
			Step:     st.Step,
			Ordinal:  st.Ordinal,
			Attempts: st.Attempts,
			Failure:  info,
		}); err != nil {
			return err
		}
		rec := c.stepRecord(key, st.Step, st.Ordinal)
		rec.Status = store.StepFailed
		rec.Failure = info
		c.deleteTimer(retryTimerID(c.inst.ID, key))
	}
	return nil
}

// deleteOpenRows removes the wait and timer rows of open suspensions on a
// terminal commit. No synthetic entries here: the terminal entry already
// zeroes the projection's open count.
func (c *cycleCore) deleteOpenRows() {
	for _, key := range sortedKeys(c.proj.Waits) {
		w := c.proj.Waits[key]
		if w.Arrived || w.TimedOut {
			continue
		}
		c.deleteWait(key)
		c.deleteTimer(waitTimerID(c.inst.ID, key))
	}
	for _, key := range sortedKeys(c.proj.Sleeps) {
		if !c.proj.Sleeps[key].Fired {
			c.deleteTimer(sleepTimerID(c.inst.ID, key))
		}
	}
	for _, key := range sortedKeys(c.proj.Reviews) {
		if !c.proj.Reviews[key].Responded {
			c.deleteWait(key)
			c.deleteTimer(reviewTimerID(c.inst.ID, key))
		}
	}
	for _, key := range sortedKeys(c.proj.Steps) {
		if c.proj.Steps[key].RetryPending {
			c.deleteTimer(retryTimerID(c.inst.ID, key))
		}
	}
	if c.proj.State != "" {
		if def, ok := c.kind.States[workflow.State(c.proj.State)]; ok && def.Timeout > 0 {
			c.deleteTimer(stateTimerID(c.inst.ID, c.proj.State))
		}
	}
}

// openKeys lists the open suspension occurrence keys in stable order.
func (c *cycleCore) openKeys() []string {
	var keys []string
	for k, w := range c.proj.Waits {
		if !w.Arrived && !w.TimedOut {
			keys = append(keys, k)
		}
	}
	for k, sl := range c.proj.Sleeps {
		if !sl.Fired {
			keys = append(keys, k)
		}
	}
	for k, r := range c.proj.Reviews {
		if !r.Responded {
			keys = append(keys, k)
		}
	}
	for k, st := range c.proj.Steps {
		if st.RetryPending {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *cycleCore) cancelFault() error {
	reason := c.proj.CancelReason
	if reason == "" {
		reason = "cancel requested"
	}
	return faults.Cancelledf("%s", reason)
}

// frame returns the replay cursor for a prefix, building it lazily from
// the visit registrations whose remainder under the prefix names a direct
// child.
func (c *cycleCore) frame(prefix string) *frame {
	if f, ok := c.frames[prefix]; ok {
		return f
	}
	f := &frame{}
	for _, r := range c.visitRegs {
		rest, ok := strings.CutPrefix(r.name, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		f.regs = append(f.regs, r)
	}
	c.frames[prefix] = f
	return f
}

func (rc *runContext) Context() context.Context { return rc.core.ctx }

func (rc *runContext) Now() time.Time { return rc.core.now }

func (rc *runContext) Logger() telemetry.Logger { return rc.core.x.logger }

func (rc *runContext) InstanceID() string { return rc.core.inst.ID }

func (rc *runContext) State() workflow.State { return workflow.State(rc.core.proj.State) }

func (rc *runContext) Input(v any) error {
	if len(rc.core.inst.Input) == 0 {
		return nil
	}
	return json.Unmarshal(rc.core.inst.Input, v)
}

// gate is the common entry check of every primitive: an aborted cycle stays
// aborted, host shutdown aborts without committing, and a cancel request
// surfaces as a cancellation fault so the handler unwinds cooperatively.
// Compensations run after the cancel decision and are exempt.
func (rc *runContext) gate() error {
	c := rc.core
	if c.internalErr != nil {
		return c.internalErr
	}
	if err := c.ctx.Err(); err != nil {
		return rc.abort(err)
	}
	if c.proj.CancelRequested && !c.compensating {
		return c.cancelFault()
	}
	return nil
}

// abort marks the cycle as uncommittable. The error is also returned to the
// caller so handlers unwind, but even a handler that swallows it cannot get
// the cycle committed.
func (rc *runContext) abort(err error) error {
	if rc.core.internalErr == nil {
		rc.core.internalErr = err
	}
	return err
}

func (rc *runContext) qualify(name string) (string, error) {
	if name == "" {
		return "", faults.Validationf("a name is required")
	}
	if strings.Contains(name, "/") {
		return "", faults.Validationf("name %q may not contain %q", name, "/")
	}
	return rc.prefix + name, nil
}

// occurrence matches a primitive call against the replay cursor. Within the
// recorded registrations the call must agree on kind and name; past them it
// is a new occurrence and draws the next ordinal for its name. Compensation
// steps bypass the cursor: they are executor-driven and never recorded
// before the terminal commit.
func (rc *runContext) occurrence(kind journal.Kind, name string, counts map[string]int) (ord int, replayed bool, err error) {
	c := rc.core
	if c.compensating {
		ord = counts[name]
		counts[name]++
		return ord, false, nil
	}
	f := c.frame(rc.prefix)
	if f.pos < len(f.regs) {
		r := f.regs[f.pos]
		if r.kind != kind || r.name != name {
			return 0, false, rc.abort(faults.Permanentf(
				"deterministic replay violated in state %q: recorded %s %q at position %d, handler called %s %q",
				c.proj.State, r.kind, r.name, f.pos, kind, name))
		}
		f.pos++
		return r.ordinal, true, nil
	}
	ord = counts[name]
	counts[name]++
	return ord, false, nil
}

func (rc *runContext) Run(name string, fn workflow.StepFunc, opts ...workflow.StepOption) (json.RawMessage, error) {
	if err := rc.gate(); err != nil {
		return nil, err
	}
	return rc.runStep(name, fn, workflow.NewStepSettings(opts...))
}

// runStep is the memoised step core shared by Run, parallel branches, and
// compensation. A recorded outcome short-circuits without invoking the
// body; an unfired retry keeps the instance suspended; everything else is
// the next attempt.
func (rc *runContext) runStep(name string, fn workflow.StepFunc, settings workflow.StepSettings) (json.RawMessage, error) {
	c := rc.core
	full, err := rc.qualify(name)
	if err != nil {
		return nil, err
	}
	ord, _, err := rc.occurrence(journal.KindStepStarted, full, c.stepCounts)
	if err != nil {
		return nil, err
	}
	key := journal.StepKey(full, ord)
	if out, ok := c.proj.Steps[key]; ok {
		if out.Done {
			if out.Failed {
				return nil, recordedFailure(out.Failure, key)
			}
			return out.Output, nil
		}
		if out.RetryPending && c.now.Before(out.RetryFireAt) {
			return nil, ErrSuspended
		}
	}
	return rc.attempt(key, full, ord, fn, settings)
}

// attempt stages and runs one invocation of the step body, then records its
// outcome: completion, a scheduled retry, or a final failure with the retry
// budget spent.
func (rc *runContext) attempt(key, full string, ord int, fn workflow.StepFunc, settings workflow.StepSettings) (json.RawMessage, error) {
	c := rc.core
	policy := c.kind.Retry
	if settings.Retry != nil {
		policy = *settings.Retry
	}
	policy = policy.Normalize(c.x.retry)

	attempt := 1
	if out, ok := c.proj.Steps[key]; ok && out.Attempts > 0 {
		attempt = out.Attempts + 1
	}
	var inputRaw json.RawMessage
	if settings.Input != nil {
		raw, merr := json.Marshal(settings.Input)
		if merr != nil {
			return nil, faults.Validationf("step %q input is not encodable: %v", full, merr)
		}
		inputRaw = raw
	}
	if err := c.stage(journal.KindStepStarted, journal.StepStartedPayload{
		Step:    full,
		Ordinal: ord,
		Attempt: attempt,
		Input:   inputRaw,
	}); err != nil {
		return nil, err
	}
	rec := c.stepRecord(key, full, ord)
	rec.Status = store.StepRunning
	rec.Attempts = attempt
	if inputRaw != nil {
		rec.Input = inputRaw
	}

	info := workflow.StepInfo{
		InstanceID:     c.inst.ID,
		Step:           full,
		Ordinal:        ord,
		Attempt:        attempt,
		IdempotencyKey: rec.IdempotencyKey,
	}
	out, err := rc.invoke(fn, info, rec)
	if err == nil {
		var raw json.RawMessage
		if out != nil {
			raw, err = json.Marshal(out)
		}
		if err != nil {
			err = faults.Permanentf("step %q returned unencodable output: %v", full, err)
		} else {
			if serr := c.stage(journal.KindStepCompleted, journal.StepCompletedPayload{
				Step:    full,
				Ordinal: ord,
				Output:  raw,
			}); serr != nil {
				return nil, serr
			}
			rec.Status = store.StepCompleted
			rec.Output = raw
			rec.Failure = nil
			c.streamEvent(stream.EventStepCompleted, stream.StepCompletedPayload{
				Step:  key,
				State: c.proj.State,
			})
			return raw, nil
		}
	}

	if cerr := c.ctx.Err(); cerr != nil {
		// Host shutdown mid-step. Abort uncommitted so the redone cycle
		// runs the attempt as if this one never happened.
		return nil, rc.abort(cerr)
	}

	fkind := faults.KindOf(err)
	if policy.ShouldRetry(fkind) {
		if attempt < policy.MaxAttempts {
			backoff := policy.Backoff(attempt)
			fireAt := c.now.Add(backoff)
			if serr := c.stage(journal.KindRetry, journal.RetryPayload{
				Step:    full,
				Ordinal: ord,
				Attempt: attempt + 1,
				Backoff: backoff,
				FireAt:  fireAt,
			}); serr != nil {
				return nil, serr
			}
			c.putTimer(store.PendingTimer{
				ID:         retryTimerID(c.inst.ID, key),
				InstanceID: c.inst.ID,
				Purpose:    store.TimerRetry,
				Key:        key,
				FireAt:     fireAt,
				CreatedAt:  c.now,
			})
			rec.Failure = faults.InfoOf(err)
			c.x.metrics.IncCounter(telemetry.MetricStepRetries, 1, "step", full)
			return nil, ErrSuspended
		}
		err = &faults.ExhaustedError{Step: full, Attempts: attempt, LastError: err}
	}

	finfo := faults.InfoOf(err)
	if serr := c.stage(journal.KindStepFailed, journal.StepFailedPayload{
		Step:     full,
		Ordinal:  ord,
		Attempts: attempt,
		Failure:  finfo,
	}); serr != nil {
		return nil, serr
	}
	rec.Status = store.StepFailed
	rec.Failure = finfo
	c.lastStepFailKey = key
	c.streamEvent(stream.EventStepFailed, stream.StepFailedPayload{
		Step:     key,
		Attempts: attempt,
		Failure:  finfo,
	})
	return nil, err
}

// invoke runs the step body with panic containment. Panics count against
// the occurrence across cycles; within the budget they retry as transient
// failures, past it the step is quarantined with a permanent one.
func (rc *runContext) invoke(fn workflow.StepFunc, info workflow.StepInfo, rec *store.StepRecord) (out any, err error) {
	c := rc.core
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rec.Panics++
		c.x.logger.Error(c.ctx, "step panic",
			"instance_id", c.inst.ID,
			"step", info.Step,
			"attempt", info.Attempt,
			"panics", rec.Panics,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		if rec.Panics >= c.x.maxPanics {
			err = faults.Permanentf("step %q quarantined after %d panics: %v", info.Step, rec.Panics, r)
		} else {
			err = faults.Transientf("step %q panicked: %v", info.Step, r)
		}
	}()
	c.x.metrics.IncCounter(telemetry.MetricStepsExecuted, 1, "step", info.Step)
	return fn(c.ctx, info)
}

func (rc *runContext) Sleep(purpose string, d time.Duration) error {
	if err := rc.gate(); err != nil {
		return err
	}
	c := rc.core
	if rc.prefix != "" {
		return faults.Validationf("sleep %q is not available inside a parallel branch", purpose)
	}
	if c.compensating {
		return faults.Validationf("sleep %q is not available during compensation", purpose)
	}
	if _, err := rc.qualify(purpose); err != nil {
		return err
	}
	ord, _, err := rc.occurrence(journal.KindSleepStarted, purpose, c.sleepCounts)
	if err != nil {
		return err
	}
	key := journal.SleepKey(purpose, ord)
	if sl, ok := c.proj.Sleeps[key]; ok {
		if sl.Fired {
			return nil
		}
		return ErrSuspended
	}
	if d <= 0 {
		// Zero and negative durations complete immediately but still leave
		// the paired entries so replay sees the same shape.
		if err := c.stage(journal.KindSleepStarted, journal.SleepStartedPayload{
			Purpose: purpose,
			Ordinal: ord,
			FireAt:  c.now,
		}); err != nil {
			return err
		}
		return c.stage(journal.KindSleepFired, journal.SleepFiredPayload{
			Purpose: purpose,
			Ordinal: ord,
		})
	}
	fireAt := c.now.Add(d)
	if err := c.stage(journal.KindSleepStarted, journal.SleepStartedPayload{
		Purpose:  purpose,
		Ordinal:  ord,
		Duration: d,
		FireAt:   fireAt,
	}); err != nil {
		return err
	}
	c.putTimer(store.PendingTimer{
		ID:         sleepTimerID(c.inst.ID, key),
		InstanceID: c.inst.ID,
		Purpose:    store.TimerSleep,
		Key:        key,
		FireAt:     fireAt,
		CreatedAt:  c.now,
	})
	return ErrSuspended
}

func (rc *runContext) WaitEvent(name string, opts ...workflow.WaitOption) (json.RawMessage, error) {
	if err := rc.gate(); err != nil {
		return nil, err
	}
	c := rc.core
	if rc.prefix != "" {
		return nil, faults.Validationf("wait %q is not available inside a parallel branch", name)
	}
	if c.compensating {
		return nil, faults.Validationf("wait %q is not available during compensation", name)
	}
	if _, err := rc.qualify(name); err != nil {
		return nil, err
	}
	settings := workflow.NewWaitSettings(opts...)
	ord, _, err := rc.occurrence(journal.KindEventAwaited, name, c.waitCounts)
	if err != nil {
		return nil, err
	}
	key := journal.WaitKey(name, ord)
	if w, ok := c.proj.Waits[key]; ok {
		switch {
		case w.Arrived:
			return w.Payload, nil
		case w.TimedOut:
			return nil, faults.Timeoutf("wait %q timed out", key)
		default:
			return nil, ErrSuspended
		}
	}
	var deadline *time.Time
	var timerID string
	if settings.Timeout > 0 {
		dl := c.now.Add(settings.Timeout)
		deadline = &dl
		timerID = waitTimerID(c.inst.ID, key)
	}
	if err := c.stage(journal.KindEventAwaited, journal.EventAwaitedPayload{
		Event:          name,
		Ordinal:        ord,
		CorrelationKey: settings.CorrelationKey,
		Deadline:       deadline,
	}); err != nil {
		return nil, err
	}
	c.putWait(store.PendingWait{
		InstanceID:     c.inst.ID,
		Key:            key,
		Event:          name,
		Ordinal:        ord,
		CorrelationKey: settings.CorrelationKey,
		Deadline:       deadline,
		TimerID:        timerID,
		CreatedAt:      c.now,
	})
	if timerID != "" {
		c.putTimer(store.PendingTimer{
			ID:         timerID,
			InstanceID: c.inst.ID,
			Purpose:    store.TimerDeadline,
			Key:        key,
			FireAt:     *deadline,
			CreatedAt:  c.now,
		})
	}
	return nil, ErrSuspended
}

func (rc *runContext) WaitApproval(scope string, opts ...workflow.ApprovalOption) (workflow.Decision, error) {
	if err := rc.gate(); err != nil {
		return workflow.Decision{}, err
	}
	c := rc.core
	if rc.prefix != "" {
		return workflow.Decision{}, faults.Validationf("review %q is not available inside a parallel branch", scope)
	}
	if c.compensating {
		return workflow.Decision{}, faults.Validationf("review %q is not available during compensation", scope)
	}
	if _, err := rc.qualify(scope); err != nil {
		return workflow.Decision{}, err
	}
	settings := workflow.NewApprovalSettings(opts...)
	ord, _, err := rc.occurrence(journal.KindReviewRequested, scope, c.reviewCounts)
	if err != nil {
		return workflow.Decision{}, err
	}
	key := journal.ReviewKey(scope, ord)
	if r, ok := c.proj.Reviews[key]; ok {
		if r.Responded {
			return workflow.DecisionFor(r.Action, r.Reviewer, r.Comment, r.Edited), nil
		}
		return workflow.Decision{}, ErrSuspended
	}
	var payloadRaw json.RawMessage
	if settings.Payload != nil {
		raw, merr := json.Marshal(settings.Payload)
		if merr != nil {
			return workflow.Decision{}, faults.Validationf("review %q payload is not encodable: %v", scope, merr)
		}
		payloadRaw = raw
	}
	var deadline *time.Time
	var timerID string
	defaultAction := settings.DefaultAction
	if settings.Timeout > 0 {
		dl := c.now.Add(settings.Timeout)
		deadline = &dl
		timerID = reviewTimerID(c.inst.ID, key)
		if defaultAction == "" {
			defaultAction = journal.ReviewReject
		}
	}
	if err := c.stage(journal.KindReviewRequested, journal.ReviewRequestedPayload{
		Scope:     scope,
		Ordinal:   ord,
		Reviewers: settings.Reviewers,
		Deadline:  deadline,
		Payload:   payloadRaw,
	}); err != nil {
		return workflow.Decision{}, err
	}
	c.putWait(store.PendingWait{
		InstanceID:    c.inst.ID,
		Key:           key,
		Scope:         scope,
		Ordinal:       ord,
		Reviewers:     settings.Reviewers,
		DefaultAction: defaultAction,
		Deadline:      deadline,
		TimerID:       timerID,
		CreatedAt:     c.now,
	})
	if timerID != "" {
		c.putTimer(store.PendingTimer{
			ID:         timerID,
			InstanceID: c.inst.ID,
			Purpose:    store.TimerDeadline,
			Key:        key,
			FireAt:     *deadline,
			CreatedAt:  c.now,
		})
	}
	c.streamEvent(stream.EventReviewRequested, stream.ReviewRequestedPayload{
		Scope:     key,
		Reviewers: settings.Reviewers,
		Deadline:  deadline,
	})
	c.notifications = append(c.notifications, notify.Notification{
		Recipients: settings.Reviewers,
		Subject:    fmt.Sprintf("review requested: %s", scope),
		Body: fmt.Sprintf("Instance %s of %s is waiting on %q in state %s.",
			c.inst.ID, c.inst.Kind, scope, c.proj.State),
		InstanceID: c.inst.ID,
		Scope:      key,
	})
	return workflow.Decision{}, ErrSuspended
}

// Parallel runs branches as one memoised step occurrence. Branch bodies run
// sequentially and may only call Run; their results are recorded per branch
// so a cycle resumed after a partial run re-executes only the branches
// without a recorded outcome. Any branch failure fails the group fast with
// the first failure; otherwise the group completes with the tuple of branch
// outputs in declaration order.
func (rc *runContext) Parallel(group string, branches ...workflow.Branch) ([]json.RawMessage, error) {
	if err := rc.gate(); err != nil {
		return nil, err
	}
	c := rc.core
	if rc.prefix != "" {
		return nil, faults.Validationf("parallel group %q cannot nest inside a branch", group)
	}
	if c.compensating {
		return nil, faults.Validationf("parallel group %q is not available during compensation", group)
	}
	if _, err := rc.qualify(group); err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, faults.Validationf("parallel group %q declares no branches", group)
	}
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b.Name == "" || strings.Contains(b.Name, "/") {
			return nil, faults.Validationf("parallel group %q has an invalid branch name %q", group, b.Name)
		}
		if b.Run == nil {
			return nil, faults.Validationf("parallel group %q branch %q has no body", group, b.Name)
		}
		if seen[b.Name] {
			return nil, faults.Validationf("parallel group %q declares branch %q twice", group, b.Name)
		}
		seen[b.Name] = true
	}

	ord, _, err := rc.occurrence(journal.KindStepStarted, group, c.stepCounts)
	if err != nil {
		return nil, err
	}
	key := journal.StepKey(group, ord)
	gout := c.proj.Steps[key]
	if gout != nil && gout.Done {
		if gout.Failed {
			return nil, recordedFailure(gout.Failure, key)
		}
		var outs []json.RawMessage
		if err := json.Unmarshal(gout.Output, &outs); err != nil {
			return nil, faults.Permanentf("parallel group %q recorded output is corrupt: %v", key, err)
		}
		return outs, nil
	}
	attempt := 1
	register := gout == nil
	if gout != nil && gout.RetryPending {
		if c.now.Before(gout.RetryFireAt) {
			return nil, ErrSuspended
		}
		register = true
		attempt = gout.Attempts + 1
	}
	if register {
		if err := c.stage(journal.KindStepStarted, journal.StepStartedPayload{
			Step:    group,
			Ordinal: ord,
			Attempt: attempt,
		}); err != nil {
			return nil, err
		}
	}
	grec := c.stepRecord(key, group, ord)
	grec.Status = store.StepRunning
	if register {
		grec.Attempts = attempt
	}

	results := make([]json.RawMessage, len(branches))
	pending := 0
	var failure error
	for i, b := range branches {
		brName := group + "/" + b.Name
		brKey := journal.StepKey(brName, ord)
		if bo, ok := c.proj.Steps[brKey]; ok && bo.Done {
			if bo.Failed {
				if failure == nil {
					failure = recordedFailure(bo.Failure, brKey)
				}
			} else {
				results[i] = bo.Output
			}
			continue
		}
		if failure != nil {
			// Fail fast: a recorded branch failure stops unstarted branches
			// from ever running.
			continue
		}
		sub := &runContext{core: c, prefix: brName + "/"}
		out, berr := runBranch(sub, b)
		if errors.Is(berr, ErrSuspended) {
			pending++
			continue
		}
		if c.internalErr != nil {
			return nil, c.internalErr
		}
		var raw json.RawMessage
		if berr == nil && out != nil {
			raw, berr = json.Marshal(out)
			if berr != nil {
				berr = faults.Permanentf("branch %q returned unencodable output: %v", b.Name, berr)
			}
		}
		brec := c.stepRecord(brKey, brName, ord)
		if brec.Attempts == 0 {
			brec.Attempts = 1
		}
		if berr == nil {
			if serr := c.stage(journal.KindStepCompleted, journal.StepCompletedPayload{
				Step:    brName,
				Ordinal: ord,
				Output:  raw,
			}); serr != nil {
				return nil, serr
			}
			brec.Status = store.StepCompleted
			brec.Output = raw
			results[i] = raw
			continue
		}
		binfo := faults.InfoOf(berr)
		if serr := c.stage(journal.KindStepFailed, journal.StepFailedPayload{
			Step:     brName,
			Ordinal:  ord,
			Attempts: brec.Attempts,
			Failure:  binfo,
		}); serr != nil {
			return nil, serr
		}
		brec.Status = store.StepFailed
		brec.Failure = binfo
		failure = berr
	}

	if failure != nil {
		if err := c.closeGroupRetries(group, "group failed"); err != nil {
			return nil, err
		}
		ginfo := faults.InfoOf(failure)
		if err := c.stage(journal.KindStepFailed, journal.StepFailedPayload{
			Step:     group,
			Ordinal:  ord,
			Attempts: grec.Attempts,
			Failure:  ginfo,
		}); err != nil {
			return nil, err
		}
		grec.Status = store.StepFailed
		grec.Failure = ginfo
		c.lastStepFailKey = key
		c.streamEvent(stream.EventStepFailed, stream.StepFailedPayload{
			Step:     key,
			Attempts: grec.Attempts,
			Failure:  ginfo,
		})
		return nil, failure
	}
	if pending > 0 {
		return nil, ErrSuspended
	}

	tuple, err := json.Marshal(results)
	if err != nil {
		return nil, faults.Permanentf("parallel group %q output is not encodable: %v", group, err)
	}
	if err := c.stage(journal.KindStepCompleted, journal.StepCompletedPayload{
		Step:    group,
		Ordinal: ord,
		Output:  tuple,
	}); err != nil {
		return nil, err
	}
	grec.Status = store.StepCompleted
	grec.Output = tuple
	c.streamEvent(stream.EventStepCompleted, stream.StepCompletedPayload{
		Step:  key,
		State: c.proj.State,
	})
	return results, nil
}

func (rc *runContext) Checkpoint(label string, data any) error {
	if err := rc.gate(); err != nil {
		return err
	}
	c := rc.core
	if rc.prefix != "" {
		return faults.Validationf("checkpoint %q is not available inside a parallel branch", label)
	}
	if c.compensating {
		return faults.Validationf("checkpoint %q is not available during compensation", label)
	}
	if _, err := rc.qualify(label); err != nil {
		return err
	}
	_, replayed, err := rc.occurrence(journal.KindCheckpoint, label, c.checkpointCounts)
	if err != nil {
		return err
	}
	if replayed {
		return nil
	}
	var raw json.RawMessage
	if data != nil {
		b, merr := json.Marshal(data)
		if merr != nil {
			return faults.Validationf("checkpoint %q data is not encodable: %v", label, merr)
		}
		raw = b
	}
	return c.stage(journal.KindCheckpoint, journal.CheckpointPayload{
		Label: label,
		Data:  raw,
	})
}

// runBranch invokes a branch body with panic containment. A panicking
// branch fails its group permanently.
func runBranch(sub *runContext, b workflow.Branch) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			sub.core.x.logger.Error(sub.core.ctx, "branch panic",
				"instance_id", sub.core.inst.ID,
				"branch", b.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = faults.Permanentf("branch %q panicked: %v", b.Name, r)
		}
	}()
	return b.Run(sub)
}

// recordedFailure rebuilds the error of a recorded step failure so replays
// surface the same fault kind the live run did.
func recordedFailure(info *faults.Info, key string) error {
	if info == nil {
		return faults.Permanentf("step %q failed", key)
	}
	return info.Err()
}
