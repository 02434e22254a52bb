package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlane/flow/engine/dispatch"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

// ForceTimeout injects a synthetic timeout into every pending wait of the
// instance. Event waits record a timeout failure, review gates apply their
// default action, both through the same conditional consumes the deadline
// path uses, so a concurrent real arrival wins harmlessly.
func (in *Inspector) ForceTimeout(ctx context.Context, id string) error {
	waits, err := in.store.ListWaits(ctx, id)
	if err != nil {
		return err
	}
	if len(waits) == 0 {
		return faults.Validationf("instance %s has no pending waits", id)
	}
	now := in.clk.Now()
	forced := 0
	for _, w := range waits {
		var entry journal.Entry
		if w.Scope != "" {
			action := w.DefaultAction
			if action == "" {
				action = journal.ReviewReject
			}
			entry, err = journal.New(id, journal.KindReviewResponded, now, journal.ReviewRespondedPayload{
				Scope:   w.Scope,
				Ordinal: w.Ordinal,
				Action:  action,
				Comment: "timed out by operator",
			})
		} else {
			entry, err = journal.New(id, journal.KindErrorRaised, now, journal.ErrorRaisedPayload{
				Wait: w.Key,
				Failure: &faults.Info{
					Kind:    faults.KindTimeout,
					Message: fmt.Sprintf("event %q timed out by operator", w.Event),
				},
			})
		}
		if err != nil {
			return err
		}
		stamped, err := in.store.TimeoutWait(ctx, id, w.Key, w.TimerID, entry)
		if err != nil {
			return err
		}
		if stamped != nil {
			forced++
		}
	}
	if forced > 0 {
		in.logger.Info(ctx, "forced timeout", "instance_id", id, "waits", forced)
		in.wake(id, dispatch.WakeManual)
	}
	return nil
}

// ForceFail seals the instance with a permanent failure and deletes its
// pending rows. Compensations do not run: the verb exists for instances
// whose handlers cannot make progress at all. A concurrent cycle wins the
// head fence and surfaces as store.ErrConflict; retry once it settles.
func (in *Inspector) ForceFail(ctx context.Context, id, reason string) error {
	inst, err := in.store.LoadInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return store.ErrTerminal
	}
	proj, err := in.replayInstance(ctx, id)
	if err != nil {
		return err
	}
	info := &faults.Info{Kind: faults.KindPermanent, Message: reason}
	entry, err := journal.New(id, journal.KindTerminal, in.clk.Now(), journal.TerminalPayload{
		Status:  journal.StatusFailed,
		State:   proj.State,
		Failure: info,
	})
	if err != nil {
		return err
	}
	head := proj.LastOrdinal
	if err := proj.Apply(entry); err != nil {
		return err
	}
	waits, err := in.store.ListWaits(ctx, id)
	if err != nil {
		return err
	}
	up := store.CycleUpdate{
		InstanceID:   id,
		ExpectedHead: head,
		Entries:      []journal.Entry{entry},
		Instance:     instanceUpdate(proj),
	}
	for _, w := range waits {
		up.DeleteWaits = append(up.DeleteWaits, w.Key)
	}
	timers, err := in.store.ListTimers(ctx)
	if err != nil {
		return err
	}
	for _, t := range timers {
		if t.InstanceID == id {
			up.DeleteTimers = append(up.DeleteTimers, t.ID)
		}
	}
	if _, err := in.store.AppendCycle(ctx, up); err != nil {
		return err
	}
	if _, err := in.store.TakeDLQ(ctx, id); err != nil {
		in.logger.Warn(ctx, "dead-letter row cleanup failed", "instance_id", id, "error", err)
	}
	in.metrics.IncCounter(telemetry.MetricInstancesFailed, 1, "kind", inst.Kind, "status", string(journal.StatusFailed))
	in.logger.Info(ctx, "forced failure", "instance_id", id, "reason", reason)
	return nil
}

// ForceCancel records a cancellation request and wakes the instance so its
// next suspension point observes it and winds down through compensations.
func (in *Inspector) ForceCancel(ctx context.Context, id, reason string) error {
	entry, err := journal.New(id, journal.KindCancelRequested, in.clk.Now(), journal.CancelRequestedPayload{
		Reason: reason,
	})
	if err != nil {
		return err
	}
	if err := in.store.RequestCancel(ctx, id, entry); err != nil {
		return err
	}
	in.logger.Info(ctx, "forced cancellation", "instance_id", id, "reason", reason)
	in.wake(id, dispatch.WakeCancel)
	return nil
}

// AutoApprove satisfies the pending review gate in scope with a synthetic
// approval attributed to reviewer. store.ErrNotFound when no such gate is
// open, including when a real decision won the race.
func (in *Inspector) AutoApprove(ctx context.Context, id, scope, reviewer string) error {
	waits, err := in.store.ListWaits(ctx, id)
	if err != nil {
		return err
	}
	var gate *store.PendingWait
	for i := range waits {
		if waits[i].Scope == scope {
			gate = &waits[i]
			break
		}
	}
	if gate == nil {
		return fmt.Errorf("review %q on instance %s: %w", scope, id, store.ErrNotFound)
	}
	entry, err := journal.New(id, journal.KindReviewResponded, in.clk.Now(), journal.ReviewRespondedPayload{
		Scope:    scope,
		Ordinal:  gate.Ordinal,
		Action:   journal.ReviewApprove,
		Reviewer: reviewer,
		Comment:  "approved by operator",
	})
	if err != nil {
		return err
	}
	stamped, err := in.store.SatisfyWait(ctx, id, gate.Key, entry)
	if err != nil {
		return err
	}
	if stamped == nil {
		return fmt.Errorf("review %q on instance %s: %w", scope, id, store.ErrNotFound)
	}
	in.logger.Info(ctx, "review auto-approved", "instance_id", id, "scope", scope, "reviewer", reviewer)
	in.wake(id, dispatch.WakeManual)
	return nil
}

// RetryDLQ reopens the exhausted step of a parked instance and wakes it for
// another run. The reopening is a journal entry, so replay reproduces the
// rewound attempt budget; the dead-letter row is consumed, and restored if
// the commit fails.
func (in *Inspector) RetryDLQ(ctx context.Context, id string, p RetryPolicy) error {
	rec, err := in.store.TakeDLQ(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("instance %s is not in the dead-letter queue: %w", id, store.ErrNotFound)
	}
	if err := in.retryParked(ctx, id, *rec, p); err != nil {
		if merr := in.store.MoveToDLQ(ctx, *rec); merr != nil {
			in.logger.Error(ctx, "dead-letter row restore failed", "instance_id", id, "error", merr)
		}
		return err
	}
	return nil
}

func (in *Inspector) retryParked(ctx context.Context, id string, rec store.DLQEntry, p RetryPolicy) error {
	proj, err := in.replayInstance(ctx, id)
	if err != nil {
		return err
	}
	if !proj.Parked || proj.ParkedStep != rec.Step {
		return faults.Validationf("journal of instance %s does not show step %s parked", id, rec.Step)
	}
	attempts := rec.Attempts
	if st, ok := proj.Steps[rec.Step]; ok {
		attempts = st.Attempts
	}
	// The next attempt number rewinds the recorded budget: an exhausted
	// step sits exactly at its declared maximum, so rewinding by n grants n
	// further attempts before the policy exhausts again.
	next := attempts
	switch {
	case p.ResetAttempts:
		next = 1
	case p.MaxAttempts > 0:
		next = attempts - p.MaxAttempts + 1
	}
	if next < 1 {
		next = 1
	}
	name, ord := journal.SplitKey(rec.Step)
	now := in.clk.Now()
	entry, err := journal.New(id, journal.KindRetry, now, journal.RetryPayload{
		Step:    name,
		Ordinal: ord,
		Attempt: next,
		FireAt:  now,
	})
	if err != nil {
		return err
	}
	head := proj.LastOrdinal
	if err := proj.Apply(entry); err != nil {
		return err
	}
	step := store.StepRecord{
		InstanceID: id,
		Step:       name,
		Ordinal:    ord,
		Status:     store.StepRunning,
		Attempts:   next - 1,
		UpdatedAt:  now,
	}
	rows, err := in.store.StepRecords(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.Key() != rec.Step {
			continue
		}
		// Bookkeeping the journal does not carry: the panic count keeps the
		// quarantine budget honest across operator retries.
		step.Panics = r.Panics
		step.Input = r.Input
		step.IdempotencyKey = r.IdempotencyKey
		step.StartedAt = r.StartedAt
		break
	}
	up := store.CycleUpdate{
		InstanceID:   id,
		ExpectedHead: head,
		Entries:      []journal.Entry{entry},
		Steps:        []store.StepRecord{step},
		Instance:     instanceUpdate(proj),
	}
	if _, err := in.store.AppendCycle(ctx, up); err != nil {
		return err
	}
	in.metrics.IncCounter(telemetry.MetricDLQRetried, 1, "kind", rec.Kind)
	in.logger.Info(ctx, "dead-letter retry", "instance_id", id, "step", rec.Step, "attempt", next)
	in.wake(id, dispatch.WakeDLQRetry)
	return nil
}

// PurgeDLQ drops dead-letter records moved before the cutoff.
func (in *Inspector) PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := in.store.PurgeDLQ(ctx, olderThan)
	if err == nil && n > 0 {
		in.logger.Info(ctx, "purged dead-letter records", "count", n)
	}
	return n, err
}

// Snapshot captures the instance's journal position and materialised
// projection under a label. The snapshot pins the log head; Restore forks
// from it.
func (in *Inspector) Snapshot(ctx context.Context, id, label string) (store.Snapshot, error) {
	proj, err := in.replayInstance(ctx, id)
	if err != nil {
		return store.Snapshot{}, err
	}
	raw, err := json.Marshal(proj)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode projection: %w", err)
	}
	snap := store.Snapshot{
		ID:         uuid.NewString(),
		InstanceID: id,
		Label:      label,
		LogHead:    proj.LastOrdinal,
		State:      raw,
		TakenAt:    in.clk.Now(),
	}
	if err := in.store.PutSnapshot(ctx, snap); err != nil {
		return store.Snapshot{}, err
	}
	in.logger.Info(ctx, "snapshot taken", "instance_id", id, "label", label, "log_head", snap.LogHead)
	return snap, nil
}

// Snapshots lists the instance's snapshots, newest first.
func (in *Inspector) Snapshots(ctx context.Context, id string) ([]store.Snapshot, error) {
	return in.store.ListSnapshots(ctx, id)
}

// PurgeSnapshots drops snapshots taken before the cutoff.
func (in *Inspector) PurgeSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	return in.store.PurgeSnapshots(ctx, olderThan)
}

// Restore forks a new instance from the snapshot. The source is never
// touched: the fork gets its own ID, a copy of the journal prefix up to the
// snapshot's log head, rebuilt step, wait, and timer rows, and lineage
// correlation keys naming the source and label. A non-terminal fork is
// armed and woken so it resumes from the restored position. Deadlines keep
// their recorded wall-clock instants; restoring past one times it out on
// the spot.
func (in *Inspector) Restore(ctx context.Context, snapshotID string) (store.Instance, error) {
	snap, err := in.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return store.Instance{}, err
	}
	src, err := in.store.LoadInstance(ctx, snap.InstanceID)
	if err != nil {
		return store.Instance{}, err
	}
	kind, err := in.defs.Resolve(src.Kind, src.KindVersion)
	if err != nil {
		return store.Instance{}, fmt.Errorf("resolve kind %s: %w", src.Kind, err)
	}
	all, err := in.journalAll(ctx, snap.InstanceID)
	if err != nil {
		return store.Instance{}, err
	}
	if uint64(len(all)) < snap.LogHead {
		return store.Instance{}, fmt.Errorf("snapshot %s: journal holds %d entries, log head is %d", snapshotID, len(all), snap.LogHead)
	}
	forkID := uuid.NewString()
	prefix := make([]journal.Entry, snap.LogHead)
	for i, e := range all[:snap.LogHead] {
		e.ID = uuid.NewString()
		e.InstanceID = forkID
		prefix[i] = e
	}
	proj, err := journal.Replay(forkID, prefix)
	if err != nil {
		return store.Instance{}, err
	}

	keys := make(map[string]string, len(src.CorrelationKeys)+2)
	for k, v := range src.CorrelationKeys {
		keys[k] = v
	}
	keys[ForkOfKey] = src.ID
	keys[SnapshotKey] = snap.Label

	now := in.clk.Now()
	inst := store.Instance{
		ID:              forkID,
		Kind:            src.Kind,
		KindVersion:     src.KindVersion,
		Status:          proj.Status,
		State:           proj.State,
		Input:           src.Input,
		Output:          proj.Output,
		Failure:         proj.Failure,
		CancelRequested: proj.CancelRequested,
		CorrelationKeys: keys,
		OpenSuspensions: proj.OpenSuspensions(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := in.store.CreateInstance(ctx, inst, prefix); err != nil {
		return store.Instance{}, err
	}
	if !proj.Status.Terminal() {
		steps, waits, timers := forkRows(forkID, kind, proj, prefix, now)
		up := store.CycleUpdate{
			InstanceID:   forkID,
			ExpectedHead: snap.LogHead,
			Steps:        steps,
			PutWaits:     waits,
			PutTimers:    timers,
			Instance:     instanceUpdate(proj),
		}
		if _, err := in.store.AppendCycle(ctx, up); err != nil {
			return store.Instance{}, err
		}
		if in.waker != nil {
			in.waker.Arm(timers)
			in.waker.Wake(forkID, dispatch.WakeManual)
		}
	}
	in.logger.Info(ctx, "instance restored",
		"snapshot_id", snapshotID,
		"source", src.ID,
		"fork", forkID,
		"log_head", snap.LogHead,
	)
	return in.store.LoadInstance(ctx, forkID)
}

// MigrateInstance repins the instance to another registered version of its
// kind. Without force the target must declare exactly the states the pinned
// version does: handlers may change, the state machine's shape may not
// drift mid-flight. The repin commits through the head fence with a
// checkpoint entry recording the move.
func (in *Inspector) MigrateInstance(ctx context.Context, id, toVersion string, force bool) error {
	inst, err := in.store.LoadInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return store.ErrTerminal
	}
	cur, err := in.defs.Resolve(inst.Kind, inst.KindVersion)
	if err != nil {
		return fmt.Errorf("resolve kind %s: %w", inst.Kind, err)
	}
	next, err := in.defs.Resolve(inst.Kind, toVersion)
	if err != nil {
		return fmt.Errorf("resolve kind %s: %w", inst.Kind, err)
	}
	if next.Version == cur.Version {
		return nil
	}
	if !force {
		if diff := stateSetDiff(cur, next); diff != "" {
			return faults.Validationf("cannot migrate instance %s to %s/%s: %s", id, inst.Kind, next.Version, diff)
		}
	}
	proj, err := in.replayInstance(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"from": cur.Version, "to": next.Version})
	if err != nil {
		return err
	}
	entry, err := journal.New(id, journal.KindCheckpoint, in.clk.Now(), journal.CheckpointPayload{
		Label: "migrate",
		Data:  data,
	})
	if err != nil {
		return err
	}
	head := proj.LastOrdinal
	if err := proj.Apply(entry); err != nil {
		return err
	}
	up := store.CycleUpdate{
		InstanceID:   id,
		ExpectedHead: head,
		Entries:      []journal.Entry{entry},
		Instance:     instanceUpdate(proj),
	}
	up.Instance.KindVersion = next.Version
	if _, err := in.store.AppendCycle(ctx, up); err != nil {
		return err
	}
	in.logger.Info(ctx, "instance migrated",
		"instance_id", id,
		"kind", inst.Kind,
		"from_version", cur.Version,
		"to_version", next.Version,
		"forced", force,
	)
	return nil
}

// wake forwards to the waker when one is wired.
func (in *Inspector) wake(id string, cause dispatch.Cause) {
	if in.waker != nil {
		in.waker.Wake(id, cause)
	}
}

// replayInstance folds the instance's full log into a projection.
func (in *Inspector) replayInstance(ctx context.Context, id string) (*journal.Projection, error) {
	entries, err := in.journalAll(ctx, id)
	if err != nil {
		return nil, err
	}
	return journal.Replay(id, entries)
}

// instanceUpdate derives the row fields a commit must carry from the
// post-append projection, keeping row and log in agreement.
func instanceUpdate(p *journal.Projection) store.InstanceUpdate {
	return store.InstanceUpdate{
		Status:          p.Status,
		State:           p.State,
		Output:          p.Output,
		Failure:         p.Failure,
		OpenSuspensions: p.OpenSuspensions(),
	}
}

// forkRows rebuilds the dispatchable rows a fork needs from its replayed
// projection: step records mirroring settled outcomes, wait rows for open
// waits and reviews, and timer rows for unfired sleeps, pending retries,
// wait deadlines, and the current state's timeout. The journal does not
// carry a review's default action, so forked review gates fall back to
// reject when their deadline fires.
func forkRows(id string, kind workflow.Kind, proj *journal.Projection, entries []journal.Entry, now time.Time) ([]store.StepRecord, []store.PendingWait, []store.PendingTimer) {
	var steps []store.StepRecord
	for _, key := range sortedKeys(proj.Steps) {
		st := proj.Steps[key]
		rec := store.StepRecord{
			InstanceID: id,
			Step:       st.Step,
			Ordinal:    st.Ordinal,
			Attempts:   st.Attempts,
			StartedAt:  now,
			UpdatedAt:  now,
		}
		switch {
		case st.Done && st.Failed:
			rec.Status = store.StepFailed
			rec.Failure = st.Failure
		case st.Done:
			rec.Status = store.StepCompleted
			rec.Output = st.Output
		default:
			rec.Status = store.StepRunning
			rec.Failure = st.Failure
		}
		steps = append(steps, rec)
	}

	var waits []store.PendingWait
	var timers []store.PendingTimer
	deadlineTimer := func(timerID, key string, fireAt time.Time) {
		timers = append(timers, store.PendingTimer{
			ID:         timerID,
			InstanceID: id,
			Purpose:    store.TimerDeadline,
			Key:        key,
			FireAt:     fireAt,
			CreatedAt:  now,
		})
	}
	for _, key := range sortedKeys(proj.Waits) {
		w := proj.Waits[key]
		if w.Arrived || w.TimedOut {
			continue
		}
		pw := store.PendingWait{
			InstanceID:     id,
			Key:            key,
			Event:          w.Event,
			Ordinal:        w.Ordinal,
			CorrelationKey: w.CorrelationKey,
			Deadline:       w.Deadline,
			CreatedAt:      now,
		}
		if w.Deadline != nil {
			pw.TimerID = timerRowID("wait", id, key)
			deadlineTimer(pw.TimerID, key, *w.Deadline)
		}
		waits = append(waits, pw)
	}
	for _, key := range sortedKeys(proj.Reviews) {
		r := proj.Reviews[key]
		if r.Responded {
			continue
		}
		pw := store.PendingWait{
			InstanceID: id,
			Key:        key,
			Scope:      r.Scope,
			Ordinal:    r.Ordinal,
			Reviewers:  r.Reviewers,
			Deadline:   r.Deadline,
			CreatedAt:  now,
		}
		if r.Deadline != nil {
			pw.TimerID = timerRowID("review", id, key)
			deadlineTimer(pw.TimerID, key, *r.Deadline)
		}
		waits = append(waits, pw)
	}
	for _, key := range sortedKeys(proj.Sleeps) {
		sl := proj.Sleeps[key]
		if sl.Fired {
			continue
		}
		timers = append(timers, store.PendingTimer{
			ID:         timerRowID("sleep", id, key),
			InstanceID: id,
			Purpose:    store.TimerSleep,
			Key:        key,
			FireAt:     sl.FireAt,
			CreatedAt:  now,
		})
	}
	for _, key := range sortedKeys(proj.Steps) {
		st := proj.Steps[key]
		if !st.RetryPending {
			continue
		}
		timers = append(timers, store.PendingTimer{
			ID:         timerRowID("retry", id, key),
			InstanceID: id,
			Purpose:    store.TimerRetry,
			Key:        key,
			FireAt:     st.RetryFireAt,
			CreatedAt:  now,
		})
	}
	if def, ok := kind.States[workflow.State(proj.State)]; ok && def.Timeout > 0 {
		deadlineTimer(timerRowID("state", id, proj.State), "state:"+proj.State, enteredAt(entries, proj.State, now).Add(def.Timeout))
	}
	return steps, waits, timers
}

// enteredAt finds when the fork entered its current state, from the last
// transition entry of the copied prefix.
func enteredAt(entries []journal.Entry, state string, fallback time.Time) time.Time {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind != journal.KindStateTransition {
			continue
		}
		var pl journal.StateTransitionPayload
		if err := entries[i].Decode(&pl); err == nil && pl.To == state {
			return entries[i].Timestamp
		}
		break
	}
	return fallback
}

// timerRowID reproduces the executor's timer row naming so a fork's rows
// collide with, rather than duplicate, the ones later cycles stage.
func timerRowID(purpose, instanceID, key string) string {
	return purpose + ":" + instanceID + ":" + key
}

// stateSetDiff describes how the target version's state set departs from
// the pinned one, or "" when the sets are identical.
func stateSetDiff(cur, next workflow.Kind) string {
	var dropped, added []string
	for name := range cur.States {
		if _, ok := next.States[name]; !ok {
			dropped = append(dropped, string(name))
		}
	}
	for name := range next.States {
		if _, ok := cur.States[name]; !ok {
			added = append(added, string(name))
		}
	}
	sort.Strings(dropped)
	sort.Strings(added)
	switch {
	case len(dropped) > 0 && len(added) > 0:
		return fmt.Sprintf("target drops states %v and adds %v", dropped, added)
	case len(dropped) > 0:
		return fmt.Sprintf("target drops states %v", dropped)
	case len(added) > 0:
		return fmt.Sprintf("target adds states %v", added)
	}
	return ""
}
