package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/dispatch"
	"github.com/pitchlane/flow/engine/exec"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type kindsMap map[string]workflow.Kind

func (m kindsMap) Resolve(name, version string) (workflow.Kind, error) {
	if k, ok := m[workflow.Ref(name, version)]; ok {
		return k, nil
	}
	return workflow.Kind{}, fmt.Errorf("unknown kind %s", workflow.Ref(name, version))
}

// memWaker records what the verbs hand to the dispatcher.
type memWaker struct {
	mu     sync.Mutex
	woken  []string
	causes []dispatch.Cause
	armed  []store.PendingTimer
}

func (w *memWaker) Wake(instanceID string, cause dispatch.Cause) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, instanceID)
	w.causes = append(w.causes, cause)
}

func (w *memWaker) Arm(timers []store.PendingTimer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = append(w.armed, timers...)
}

func (w *memWaker) wakes() ([]string, []dispatch.Cause) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.woken...), append([]dispatch.Cause(nil), w.causes...)
}

func (w *memWaker) armedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.armed))
	for i, t := range w.armed {
		ids[i] = t.ID
	}
	return ids
}

type harness struct {
	store *inmem.Store
	clk   *clock.Fake
	defs  kindsMap
	x     *exec.Executor
	wk    *memWaker
	in    *Inspector
}

func newHarness(t *testing.T, kinds ...workflow.Kind) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	st := inmem.New(clk)
	m := kindsMap{}
	for _, k := range kinds {
		if k.Version == "" {
			k.Version = "1"
		}
		m[k.Ref()] = k
	}
	x := exec.New(st, m,
		exec.WithClock(clk),
		exec.WithLogger(telemetry.NewNoopLogger()),
	)
	wk := &memWaker{}
	in := New(st, m,
		WithClock(clk),
		WithLogger(telemetry.NewNoopLogger()),
		WithWaker(wk),
		WithStuckThreshold(time.Minute),
	)
	return &harness{store: st, clk: clk, defs: m, x: x, wk: wk, in: in}
}

func (h *harness) create(t *testing.T, id, kind string, input any) {
	t.Helper()
	var raw json.RawMessage
	if input != nil {
		b, err := json.Marshal(input)
		require.NoError(t, err)
		raw = b
	}
	err := h.store.CreateInstance(context.Background(), store.Instance{
		ID:          id,
		Kind:        kind,
		KindVersion: "1",
		Status:      journal.StatusPending,
		Input:       raw,
	}, nil)
	require.NoError(t, err)
}

func (h *harness) resume(t *testing.T, id string) exec.Outcome {
	t.Helper()
	out, err := h.x.Resume(context.Background(), id)
	require.NoError(t, err)
	return out
}

func (h *harness) deliver(t *testing.T, id, event string, ordinal int, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	key := journal.WaitKey(event, ordinal)
	e := journal.MustNew(id, journal.KindEventArrived, h.clk.Now(), journal.EventArrivedPayload{
		Event:   event,
		Ordinal: ordinal,
		Payload: raw,
	})
	stamped, err := h.store.SatisfyWait(context.Background(), id, key, e)
	require.NoError(t, err)
	require.NotNil(t, stamped)
}

func (h *harness) fireSleep(t *testing.T, id, purpose string, ordinal int) {
	t.Helper()
	key := journal.SleepKey(purpose, ordinal)
	e := journal.MustNew(id, journal.KindSleepFired, h.clk.Now(), journal.SleepFiredPayload{
		Purpose: purpose,
		Ordinal: ordinal,
	})
	stamped, err := h.store.FireSleep(context.Background(), id, timerRowID("sleep", id, key), e)
	require.NoError(t, err)
	require.NotNil(t, stamped)
}

func (h *harness) entries(t *testing.T, id string) []journal.Entry {
	t.Helper()
	page, err := h.store.Journal(context.Background(), id, 0, 0)
	require.NoError(t, err)
	return page.Entries
}

func (h *harness) instance(t *testing.T, id string) store.Instance {
	t.Helper()
	inst, err := h.store.LoadInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) requireRowMatchesReplay(t *testing.T, id string) {
	t.Helper()
	inst := h.instance(t, id)
	proj, err := journal.Replay(id, h.entries(t, id))
	require.NoError(t, err)
	require.Equal(t, proj.Status, inst.Status)
	require.Equal(t, proj.State, inst.State)
	require.Equal(t, proj.OpenSuspensions(), inst.OpenSuspensions)
	require.Equal(t, proj.LastOrdinal, inst.LogHead)
}

func kindsOf(entries []journal.Entry) []journal.Kind {
	out := make([]journal.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// dealKind runs one step and then waits for the docs event with a one hour
// deadline, completing with the event payload.
func dealKind(invocations *int) workflow.Kind {
	return workflow.Kind{
		Name:    "deal",
		Initial: "Collect",
		States: map[workflow.State]workflow.StateDef{
			"Collect": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.Run("prep", func(context.Context, workflow.StepInfo) (any, error) {
					if invocations != nil {
						*invocations++
					}
					return "ready", nil
				}); err != nil {
					return workflow.Transition{}, err
				}
				got, err := ctx.WaitEvent("docs", workflow.WithTimeout(time.Hour))
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(json.RawMessage(got)), nil
			}},
		},
	}
}

// dripKind sleeps ten minutes in its first state, then runs a step in the
// second and completes.
func dripKind() workflow.Kind {
	return workflow.Kind{
		Name:    "drip",
		Initial: "Cooldown",
		States: map[workflow.State]workflow.StateDef{
			"Cooldown": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if err := ctx.Sleep("cool", 10*time.Minute); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.GoTo("Send"), nil
			}},
			"Send": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.Run("send", func(context.Context, workflow.StepInfo) (any, error) {
					return "sent", nil
				}); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete("sent"), nil
			}},
		},
	}
}

// billingKind parks on its first failure: the charge step fails transiently
// while failing[instance] is set and the budget allows a single attempt.
func billingKind(failing map[string]bool) workflow.Kind {
	return workflow.Kind{
		Name:    "billing",
		Initial: "Charge",
		Retry:   faults.RetryPolicy{MaxAttempts: 1},
		States: map[workflow.State]workflow.StateDef{
			"Charge": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				out, err := ctx.Run("charge", func(_ context.Context, info workflow.StepInfo) (any, error) {
					if failing[info.InstanceID] {
						return nil, faults.Transientf("card processor unavailable")
					}
					return "charged", nil
				})
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(json.RawMessage(out)), nil
			}},
		},
	}
}

func TestInspectReportsOpenWork(t *testing.T) {
	h := newHarness(t, dealKind(nil))
	h.create(t, "i1", "deal", nil)
	out := h.resume(t, "i1")
	require.True(t, out.Suspended)

	rep, err := h.in.Inspect(context.Background(), "i1")
	require.NoError(t, err)
	require.Equal(t, "i1", rep.Instance.ID)
	require.Equal(t, journal.StatusSuspended, rep.Instance.Status)
	require.Equal(t, "Collect", rep.Instance.State)

	require.Len(t, rep.Steps, 1)
	require.Equal(t, "prep", rep.Steps[0].Step)
	require.Equal(t, store.StepCompleted, rep.Steps[0].Status)

	require.Len(t, rep.Waits, 1)
	require.Equal(t, "docs#0", rep.Waits[0].Key)
	require.NotNil(t, rep.Waits[0].Deadline)

	require.Len(t, rep.Timers, 1)
	require.Equal(t, store.TimerDeadline, rep.Timers[0].Purpose)
	require.Equal(t, t0.Add(time.Hour), rep.Timers[0].FireAt)

	require.Nil(t, rep.Parked)
	require.Nil(t, rep.Usage)
	require.Equal(t, []journal.Kind{
		journal.KindStateTransition,
		journal.KindStepStarted,
		journal.KindStepCompleted,
		journal.KindEventAwaited,
	}, kindsOf(rep.Tail))

	short := New(h.store, h.defs, WithClock(h.clk), WithTailLength(2))
	rep2, err := short.Inspect(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, rep2.Tail, 2)
	require.Equal(t, uint64(3), rep2.Tail[0].Ordinal)
	require.Equal(t, journal.KindEventAwaited, rep2.Tail[1].Kind)
}

func TestStateAtTimeReplaysPrefix(t *testing.T) {
	h := newHarness(t, dripKind())
	h.create(t, "i1", "drip", nil)
	out := h.resume(t, "i1")
	require.True(t, out.Suspended)

	h.clk.Advance(10 * time.Minute)
	h.fireSleep(t, "i1", "cool", 0)
	out = h.resume(t, "i1")
	require.True(t, out.Terminal)
	require.Len(t, h.entries(t, "i1"), 7)

	before, err := h.in.StateAtTime(context.Background(), "i1", t0.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(0), before.LastOrdinal)
	require.Equal(t, journal.StatusPending, before.Status)

	mid, err := h.in.StateAtTime(context.Background(), "i1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "Cooldown", mid.State)
	require.Equal(t, journal.StatusSuspended, mid.Status)
	require.Equal(t, uint64(2), mid.LastOrdinal)

	after, err := h.in.StateAtTime(context.Background(), "i1", t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, journal.StatusCompleted, after.Status)
	require.Equal(t, uint64(7), after.LastOrdinal)
}

func TestTimelineDerivesSpans(t *testing.T) {
	h := newHarness(t, dripKind())
	h.create(t, "i1", "drip", nil)
	h.resume(t, "i1")
	h.clk.Advance(10 * time.Minute)
	h.fireSleep(t, "i1", "cool", 0)
	h.resume(t, "i1")

	spans, err := h.in.Timeline(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, spans, 2)

	require.Equal(t, "Cooldown", spans[0].State)
	require.Equal(t, "created", spans[0].Cause)
	require.Equal(t, t0, spans[0].EnteredAt)
	require.NotNil(t, spans[0].LeftAt)
	require.Equal(t, 10*time.Minute, spans[0].Duration)

	require.Equal(t, "Send", spans[1].State)
	require.Equal(t, "handler", spans[1].Cause)
	require.NotNil(t, spans[1].LeftAt, "terminal entry closes the last span")
	require.Equal(t, time.Duration(0), spans[1].Duration)

	// An instance still sitting in a state has an open span whose duration
	// keeps running.
	h.create(t, "i2", "drip", nil)
	h.resume(t, "i2")
	h.clk.Advance(3 * time.Minute)
	spans, err = h.in.Timeline(context.Background(), "i2")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Nil(t, spans[0].LeftAt)
	require.Equal(t, 3*time.Minute, spans[0].Duration)
}

func TestCompareFindsFirstDivergence(t *testing.T) {
	score := workflow.Kind{
		Name:    "score",
		Initial: "Rate",
		States: map[workflow.State]workflow.StateDef{
			"Rate": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				var in struct {
					Amount int  `json:"amount"`
					Audit  bool `json:"audit"`
				}
				if err := ctx.Input(&in); err != nil {
					return workflow.Transition{}, err
				}
				if _, err := ctx.Run("fetch", func(context.Context, workflow.StepInfo) (any, error) {
					return in.Amount * 2, nil
				}); err != nil {
					return workflow.Transition{}, err
				}
				if in.Audit {
					if _, err := ctx.Run("audit", func(context.Context, workflow.StepInfo) (any, error) {
						return "flagged", nil
					}); err != nil {
						return workflow.Transition{}, err
					}
				}
				return workflow.Complete(in.Amount), nil
			}},
		},
	}
	h := newHarness(t, score, dripKind())
	for id, input := range map[string]map[string]any{
		"a": {"amount": 1},
		"b": {"amount": 1},
		"c": {"amount": 9},
		"d": {"amount": 1, "audit": true},
	} {
		h.create(t, id, "score", input)
		out := h.resume(t, id)
		require.True(t, out.Terminal)
	}

	same, err := h.in.Compare(context.Background(), "a", "b")
	require.NoError(t, err)
	require.True(t, same.Equal)
	require.True(t, same.A.Present)
	require.True(t, same.B.Present)

	diff, err := h.in.Compare(context.Background(), "a", "c")
	require.NoError(t, err)
	require.False(t, diff.Equal)
	require.Equal(t, "fetch", diff.Step)
	require.Equal(t, 0, diff.Ordinal)
	require.JSONEq(t, `2`, string(diff.A.Output))
	require.JSONEq(t, `18`, string(diff.B.Output))

	longer, err := h.in.Compare(context.Background(), "a", "d")
	require.NoError(t, err)
	require.False(t, longer.Equal)
	require.Equal(t, "audit", longer.Step)
	require.False(t, longer.A.Present, "a's log ends before the divergence point")
	require.True(t, longer.B.Present)

	h.create(t, "other", "drip", nil)
	_, err = h.in.Compare(context.Background(), "a", "other")
	require.True(t, faults.Is(err, faults.KindValidation))
}

func TestReplayRunsHooksAndMatchesRow(t *testing.T) {
	h := newHarness(t, dealKind(nil))
	h.create(t, "i1", "deal", nil)
	h.resume(t, "i1")
	h.deliver(t, "i1", "docs", 0, map[string]string{"doc": "signed"})
	out := h.resume(t, "i1")
	require.True(t, out.Terminal)

	var seen []journal.Kind
	proj, err := h.in.Replay(context.Background(), "i1", ReplayHooks{
		OnEntry: func(e journal.Entry, p *journal.Projection) error {
			require.Equal(t, e.Ordinal, p.LastOrdinal)
			seen = append(seen, e.Kind)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, kindsOf(h.entries(t, "i1")), seen)

	inst := h.instance(t, "i1")
	require.Equal(t, inst.Status, proj.Status)
	require.Equal(t, inst.State, proj.State)
	require.Equal(t, inst.LogHead, proj.LastOrdinal)

	sentinel := errors.New("stop early")
	_, err = h.in.Replay(context.Background(), "i1", ReplayHooks{
		OnEntry: func(e journal.Entry, _ *journal.Projection) error {
			if e.Ordinal == 2 {
				return sentinel
			}
			return nil
		},
	})
	require.ErrorIs(t, err, sentinel)
}

func TestStuckScanDiagnosesIdleInstances(t *testing.T) {
	failing := map[string]bool{"parked": true}
	waitKind := workflow.Kind{
		Name:    "gate",
		Initial: "Hold",
		States: map[workflow.State]workflow.StateDef{
			"Hold": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.WaitEvent("docs"); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(nil), nil
			}},
		},
	}
	napKind := workflow.Kind{
		Name:    "nap",
		Initial: "Rest",
		States: map[workflow.State]workflow.StateDef{
			"Rest": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if err := ctx.Sleep("doze", 30*time.Minute); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(nil), nil
			}},
		},
	}
	blinkKind := workflow.Kind{
		Name:    "blink",
		Initial: "Rest",
		States: map[workflow.State]workflow.StateDef{
			"Rest": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if err := ctx.Sleep("doze", 90*time.Second); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(nil), nil
			}},
		},
	}
	h := newHarness(t, waitKind, napKind, blinkKind, billingKind(failing))

	h.create(t, "waiting", "gate", nil)
	h.resume(t, "waiting")
	h.create(t, "napping", "nap", nil)
	h.resume(t, "napping")
	h.create(t, "overdue", "blink", nil)
	h.resume(t, "overdue")
	h.create(t, "parked", "billing", nil)
	out := h.resume(t, "parked")
	require.True(t, out.Parked)

	// No wait or timer rows and nothing unconsumed in the journal: nothing
	// will ever wake this row.
	require.NoError(t, h.store.CreateInstance(context.Background(), store.Instance{
		ID:     "orphan",
		Kind:   "gate",
		Status: journal.StatusSuspended,
	}, nil))

	h.clk.Advance(2 * time.Minute)

	// Created after the idle window opened; must not be flagged.
	h.create(t, "fresh", "gate", nil)
	h.resume(t, "fresh")

	stuck, err := h.in.Stuck(context.Background())
	require.NoError(t, err)
	byID := make(map[string]StuckInstance, len(stuck))
	for _, s := range stuck {
		byID[s.Instance.ID] = s
	}
	require.Len(t, byID, 5)
	require.NotContains(t, byID, "fresh")

	require.Contains(t, byID["waiting"].Diagnosis, `waiting on event "docs" with no deadline`)
	require.Equal(t, 2*time.Minute, byID["waiting"].IdleFor)
	require.Len(t, byID["waiting"].Waits, 1)

	require.Contains(t, byID["napping"].Diagnosis, "due in")
	require.Len(t, byID["napping"].Timers, 1)

	require.Contains(t, byID["overdue"].Diagnosis, "has not fired")

	require.True(t, byID["parked"].Parked)
	require.Contains(t, byID["parked"].Diagnosis, "dead-letter queue")
	require.Contains(t, byID["parked"].Diagnosis, "charge#0")

	require.Contains(t, byID["orphan"].Diagnosis, "no pending wake source")
}

func TestForceTimeoutFailsEventWait(t *testing.T) {
	k := workflow.Kind{
		Name:    "gate",
		Initial: "Hold",
		States: map[workflow.State]workflow.StateDef{
			"Hold": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.WaitEvent("docs"); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(nil), nil
			}},
		},
	}
	h := newHarness(t, k)
	h.create(t, "i1", "gate", nil)
	h.resume(t, "i1")

	require.NoError(t, h.in.ForceTimeout(context.Background(), "i1"))

	waits, err := h.store.ListWaits(context.Background(), "i1")
	require.NoError(t, err)
	require.Empty(t, waits)

	entries := h.entries(t, "i1")
	last := entries[len(entries)-1]
	require.Equal(t, journal.KindErrorRaised, last.Kind)
	var pl journal.ErrorRaisedPayload
	require.NoError(t, last.Decode(&pl))
	require.Equal(t, "docs#0", pl.Wait)
	require.Equal(t, faults.KindTimeout, pl.Failure.Kind)
	require.Contains(t, pl.Failure.Message, "timed out by operator")

	woken, causes := h.wk.wakes()
	require.Equal(t, []string{"i1"}, woken)
	require.Equal(t, []dispatch.Cause{dispatch.WakeManual}, causes)

	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusFailed, inst.Status)
	require.Equal(t, faults.KindTimeout, inst.Failure.Kind)
	h.requireRowMatchesReplay(t, "i1")

	// Nothing left to time out.
	err = h.in.ForceTimeout(context.Background(), "i1")
	require.True(t, faults.Is(err, faults.KindValidation))
}

func TestForceTimeoutAppliesReviewDefault(t *testing.T) {
	k := workflow.Kind{
		Name:    "legalcheck",
		Initial: "Review",
		States: map[workflow.State]workflow.StateDef{
			"Review": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				d, err := ctx.WaitApproval("legal", workflow.WithApprovalTimeout(48*time.Hour, workflow.ActionApprove))
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(d), nil
			}},
		},
	}
	h := newHarness(t, k)
	h.create(t, "i1", "legalcheck", nil)
	h.resume(t, "i1")

	require.NoError(t, h.in.ForceTimeout(context.Background(), "i1"))

	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusCompleted, inst.Status)
	var d workflow.Decision
	require.NoError(t, json.Unmarshal(inst.Output, &d))
	require.True(t, d.Approved, "the gate's default action resolves it")
	require.Equal(t, journal.ReviewApprove, d.Action)
	require.Equal(t, "timed out by operator", d.Comment)
	h.requireRowMatchesReplay(t, "i1")
}

func TestForceFailSealsInstance(t *testing.T) {
	h := newHarness(t, dealKind(nil))
	h.create(t, "i1", "deal", nil)
	h.resume(t, "i1")

	require.NoError(t, h.in.ForceFail(context.Background(), "i1", "operator gave up"))

	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusFailed, inst.Status)
	require.Equal(t, faults.KindPermanent, inst.Failure.Kind)
	require.Equal(t, "operator gave up", inst.Failure.Message)

	entries := h.entries(t, "i1")
	require.Equal(t, journal.KindTerminal, entries[len(entries)-1].Kind)
	h.requireRowMatchesReplay(t, "i1")

	waits, err := h.store.ListWaits(context.Background(), "i1")
	require.NoError(t, err)
	require.Empty(t, waits)
	timers, err := h.store.ListTimers(context.Background())
	require.NoError(t, err)
	for _, tm := range timers {
		require.NotEqual(t, "i1", tm.InstanceID, "sealed instances keep no timer rows")
	}

	require.ErrorIs(t, h.in.ForceFail(context.Background(), "i1", "again"), store.ErrTerminal)

	out := h.resume(t, "i1")
	require.True(t, out.Terminal, "resume on a sealed instance is a no-op")
}

func TestForceFailConsumesDeadLetterRow(t *testing.T) {
	failing := map[string]bool{"i1": true}
	h := newHarness(t, billingKind(failing))
	h.create(t, "i1", "billing", nil)
	out := h.resume(t, "i1")
	require.True(t, out.Parked)

	require.NoError(t, h.in.ForceFail(context.Background(), "i1", "unrecoverable"))

	dlq, err := h.in.DLQ(context.Background())
	require.NoError(t, err)
	require.Empty(t, dlq)
	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusFailed, inst.Status)
	h.requireRowMatchesReplay(t, "i1")
}

func TestForceCancelWindsDown(t *testing.T) {
	h := newHarness(t, dealKind(nil))
	h.create(t, "i1", "deal", nil)
	h.resume(t, "i1")

	require.NoError(t, h.in.ForceCancel(context.Background(), "i1", "deal withdrawn"))

	woken, causes := h.wk.wakes()
	require.Equal(t, []string{"i1"}, woken)
	require.Equal(t, []dispatch.Cause{dispatch.WakeCancel}, causes)

	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusCancelled, inst.Status)
	require.Equal(t, "deal withdrawn", inst.Failure.Message)
	require.Contains(t, kindsOf(h.entries(t, "i1")), journal.KindCancelRequested)
	h.requireRowMatchesReplay(t, "i1")
}

func TestAutoApproveSatisfiesReviewGate(t *testing.T) {
	k := workflow.Kind{
		Name:    "legalcheck",
		Initial: "Review",
		States: map[workflow.State]workflow.StateDef{
			"Review": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				d, err := ctx.WaitApproval("legal", workflow.WithReviewers("ava", "li"))
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(d), nil
			}},
		},
	}
	h := newHarness(t, k)
	h.create(t, "i1", "legalcheck", nil)
	h.resume(t, "i1")

	err := h.in.AutoApprove(context.Background(), "i1", "compliance", "ops@fund")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.in.AutoApprove(context.Background(), "i1", "legal", "ops@fund"))

	woken, causes := h.wk.wakes()
	require.Equal(t, []string{"i1"}, woken)
	require.Equal(t, []dispatch.Cause{dispatch.WakeManual}, causes)

	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	inst := h.instance(t, "i1")
	var d workflow.Decision
	require.NoError(t, json.Unmarshal(inst.Output, &d))
	require.True(t, d.Approved)
	require.Equal(t, "ops@fund", d.Reviewer)
	require.Equal(t, "approved by operator", d.Comment)
	h.requireRowMatchesReplay(t, "i1")

	// The gate is spent; approving again reports it gone.
	err = h.in.AutoApprove(context.Background(), "i1", "legal", "ops@fund")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryDLQReopensParkedStep(t *testing.T) {
	failing := map[string]bool{"i1": true}
	h := newHarness(t, billingKind(failing))
	h.create(t, "i1", "billing", nil)
	out := h.resume(t, "i1")
	require.True(t, out.Parked)
	h.requireRowMatchesReplay(t, "i1")

	rep, err := h.in.Inspect(context.Background(), "i1")
	require.NoError(t, err)
	require.NotNil(t, rep.Parked)
	require.Equal(t, "charge#0", rep.Parked.Step)
	require.Equal(t, 1, rep.Parked.Attempts)
	require.Equal(t, faults.KindStepExhausted, rep.Instance.Failure.Kind)

	// Reopen while the step still fails: it exhausts and parks again.
	require.NoError(t, h.in.RetryDLQ(context.Background(), "i1", RetryPolicy{}))
	h.requireRowMatchesReplay(t, "i1")
	inst := h.instance(t, "i1")
	require.Equal(t, journal.StatusSuspended, inst.Status)
	require.Nil(t, inst.Failure, "reopening clears the recorded failure")

	out = h.resume(t, "i1")
	require.True(t, out.Parked)
	dlq, err := h.in.DLQ(context.Background())
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	// Fix the downstream dependency and retry once more.
	failing["i1"] = false
	require.NoError(t, h.in.RetryDLQ(context.Background(), "i1", RetryPolicy{}))
	out = h.resume(t, "i1")
	require.True(t, out.Terminal)
	inst = h.instance(t, "i1")
	require.Equal(t, journal.StatusCompleted, inst.Status)
	require.JSONEq(t, `"charged"`, string(inst.Output))
	h.requireRowMatchesReplay(t, "i1")

	dlq, err = h.in.DLQ(context.Background())
	require.NoError(t, err)
	require.Empty(t, dlq)

	_, causes := h.wk.wakes()
	require.Equal(t, []dispatch.Cause{dispatch.WakeDLQRetry, dispatch.WakeDLQRetry}, causes)

	err = h.in.RetryDLQ(context.Background(), "i1", RetryPolicy{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryDLQRewindsAttemptBudget(t *testing.T) {
	failing := map[string]bool{"i1": true, "i2": true}
	k := billingKind(failing)
	k.Retry = faults.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Minute}
	h := newHarness(t, k)

	park := func(id string) {
		t.Helper()
		h.create(t, id, "billing", nil)
		out := h.resume(t, id)
		for i := 0; i < 2; i++ {
			require.True(t, out.Suspended)
			h.clk.Advance(10 * time.Minute)
			out = h.resume(t, id)
		}
		require.True(t, out.Parked)
	}
	lastRetry := func(id string) journal.RetryPayload {
		t.Helper()
		entries := h.entries(t, id)
		last := entries[len(entries)-1]
		require.Equal(t, journal.KindRetry, last.Kind)
		var pl journal.RetryPayload
		require.NoError(t, last.Decode(&pl))
		return pl
	}

	park("i1")
	rep, err := h.in.Inspect(context.Background(), "i1")
	require.NoError(t, err)
	require.Equal(t, 3, rep.Parked.Attempts)

	// Granting two more attempts rewinds the counter so the next run is
	// attempt two of three.
	require.NoError(t, h.in.RetryDLQ(context.Background(), "i1", RetryPolicy{MaxAttempts: 2}))
	require.Equal(t, 2, lastRetry("i1").Attempt)
	recs, err := h.store.StepRecords(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, store.StepRunning, recs[0].Status)
	require.Equal(t, 1, recs[0].Attempts)

	failing["i1"] = false
	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	require.Equal(t, journal.StatusCompleted, h.instance(t, "i1").Status)

	park("i2")
	require.NoError(t, h.in.RetryDLQ(context.Background(), "i2", RetryPolicy{ResetAttempts: true}))
	require.Equal(t, 1, lastRetry("i2").Attempt, "reset grants the full declared budget")
}

func TestDLQStatsSummariseQueue(t *testing.T) {
	failing := map[string]bool{"i1": true, "i2": true}
	h := newHarness(t, billingKind(failing))
	h.create(t, "i1", "billing", nil)
	h.resume(t, "i1")
	h.clk.Advance(time.Minute)
	h.create(t, "i2", "billing", nil)
	h.resume(t, "i2")

	stats, err := h.in.DLQStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Depth)
	require.Equal(t, 2, stats.ByKind["billing"])
	require.Equal(t, 2, stats.ByFault[string(faults.KindStepExhausted)])
	require.NotNil(t, stats.Oldest)
	require.Equal(t, t0, *stats.Oldest)

	n, err := h.in.PurgeDLQ(context.Background(), h.clk.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	stats, err = h.in.DLQStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Depth)
	require.Nil(t, stats.Oldest)
}

func TestSnapshotRestoreForksInstance(t *testing.T) {
	invocations := 0
	h := newHarness(t, dealKind(&invocations))
	h.create(t, "i1", "deal", map[string]string{"fund": "alpha"})
	h.resume(t, "i1")
	require.Equal(t, 1, invocations)

	snap, err := h.in.Snapshot(context.Background(), "i1", "pre-sig")
	require.NoError(t, err)
	require.Equal(t, "i1", snap.InstanceID)
	require.Equal(t, uint64(4), snap.LogHead)

	// The source moves on past the snapshot.
	h.deliver(t, "i1", "docs", 0, map[string]string{"doc": "signed"})
	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	srcHead := h.instance(t, "i1").LogHead

	fork, err := h.in.Restore(context.Background(), snap.ID)
	require.NoError(t, err)
	require.NotEqual(t, "i1", fork.ID)
	require.Equal(t, journal.StatusSuspended, fork.Status)
	require.Equal(t, "Collect", fork.State)
	require.Equal(t, uint64(4), fork.LogHead)
	require.Equal(t, "i1", fork.CorrelationKeys[ForkOfKey])
	require.Equal(t, "pre-sig", fork.CorrelationKeys[SnapshotKey])
	require.JSONEq(t, `{"fund":"alpha"}`, string(fork.Input))
	h.requireRowMatchesReplay(t, fork.ID)

	waits, err := h.store.ListWaits(context.Background(), fork.ID)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	require.Equal(t, "docs#0", waits[0].Key)
	require.Equal(t, t0.Add(time.Hour), *waits[0].Deadline)

	require.Equal(t, []string{timerRowID("wait", fork.ID, "docs#0")}, h.wk.armedIDs())
	woken, causes := h.wk.wakes()
	require.Equal(t, []string{fork.ID}, woken)
	require.Equal(t, []dispatch.Cause{dispatch.WakeManual}, causes)

	// The fork resumes from the restored position without rerunning the
	// recorded step.
	h.deliver(t, fork.ID, "docs", 0, map[string]string{"doc": "resigned"})
	out, err = h.x.Resume(context.Background(), fork.ID)
	require.NoError(t, err)
	require.True(t, out.Terminal)
	require.Equal(t, 1, invocations, "recorded steps replay from the copied journal")
	require.JSONEq(t, `{"doc":"resigned"}`, string(h.instance(t, fork.ID).Output))

	// The source is untouched.
	src := h.instance(t, "i1")
	require.Equal(t, journal.StatusCompleted, src.Status)
	require.Equal(t, srcHead, src.LogHead)
	require.JSONEq(t, `{"doc":"signed"}`, string(src.Output))

	snaps, err := h.in.Snapshots(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "pre-sig", snaps[0].Label)
}

func TestRestoreRebuildsSleepTimerRows(t *testing.T) {
	h := newHarness(t, dripKind())
	h.create(t, "i1", "drip", nil)
	h.resume(t, "i1")

	snap, err := h.in.Snapshot(context.Background(), "i1", "mid-nap")
	require.NoError(t, err)

	fork, err := h.in.Restore(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuspended, fork.Status)

	timers, err := h.store.ListTimers(context.Background())
	require.NoError(t, err)
	var forkTimer *store.PendingTimer
	for i := range timers {
		if timers[i].InstanceID == fork.ID {
			forkTimer = &timers[i]
		}
	}
	require.NotNil(t, forkTimer)
	require.Equal(t, store.TimerSleep, forkTimer.Purpose)
	require.Equal(t, t0.Add(10*time.Minute), forkTimer.FireAt, "the fork keeps the recorded deadline")

	h.clk.Advance(10 * time.Minute)
	h.fireSleep(t, fork.ID, "cool", 0)
	out, err := h.x.Resume(context.Background(), fork.ID)
	require.NoError(t, err)
	require.True(t, out.Terminal)
	require.Equal(t, journal.StatusCompleted, h.instance(t, fork.ID).Status)
	h.requireRowMatchesReplay(t, fork.ID)
}

func TestRestoreTerminalSnapshotStaysSealed(t *testing.T) {
	h := newHarness(t, dealKind(nil))
	h.create(t, "i1", "deal", nil)
	h.resume(t, "i1")
	h.deliver(t, "i1", "docs", 0, map[string]string{"doc": "signed"})
	h.resume(t, "i1")

	snap, err := h.in.Snapshot(context.Background(), "i1", "post")
	require.NoError(t, err)

	fork, err := h.in.Restore(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, journal.StatusCompleted, fork.Status)
	require.JSONEq(t, `{"doc":"signed"}`, string(fork.Output))

	waits, err := h.store.ListWaits(context.Background(), fork.ID)
	require.NoError(t, err)
	require.Empty(t, waits)
	woken, _ := h.wk.wakes()
	require.Empty(t, woken, "a sealed fork has nothing to wake")

	out, err := h.x.Resume(context.Background(), fork.ID)
	require.NoError(t, err)
	require.True(t, out.Terminal)
}

func TestMigrateInstanceRepinsVersion(t *testing.T) {
	mk := func(version, result string) workflow.Kind {
		return workflow.Kind{
			Name:    "nda",
			Version: version,
			Initial: "Draft",
			States: map[workflow.State]workflow.StateDef{
				"Draft": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
					if _, err := ctx.WaitEvent("countersigned"); err != nil {
						return workflow.Transition{}, err
					}
					return workflow.Complete(result), nil
				}},
			},
		}
	}
	v1, v2, v3 := mk("1", "v1"), mk("2", "v2"), mk("3", "v3")
	v3.States["Escalated"] = workflow.StateDef{Handler: func(workflow.Context) (workflow.Transition, error) {
		return workflow.Stay(), nil
	}}
	h := newHarness(t, v1, v2, v3)
	h.create(t, "i1", "nda", nil)
	h.resume(t, "i1")

	// The target reshapes the state machine; refused without force.
	err := h.in.MigrateInstance(context.Background(), "i1", "3", false)
	require.True(t, faults.Is(err, faults.KindValidation))
	require.Contains(t, err.Error(), "adds states")
	require.Equal(t, "1", h.instance(t, "i1").KindVersion)

	require.NoError(t, h.in.MigrateInstance(context.Background(), "i1", "2", false))
	inst := h.instance(t, "i1")
	require.Equal(t, "2", inst.KindVersion)
	h.requireRowMatchesReplay(t, "i1")

	entries := h.entries(t, "i1")
	last := entries[len(entries)-1]
	require.Equal(t, journal.KindCheckpoint, last.Kind)
	var pl journal.CheckpointPayload
	require.NoError(t, last.Decode(&pl))
	require.Equal(t, "migrate", pl.Label)
	require.JSONEq(t, `{"from":"1","to":"2"}`, string(pl.Data))

	// Later cycles resolve the repinned version's handlers.
	h.deliver(t, "i1", "countersigned", 0, nil)
	out := h.resume(t, "i1")
	require.True(t, out.Terminal)
	require.JSONEq(t, `"v2"`, string(h.instance(t, "i1").Output))

	require.ErrorIs(t, h.in.MigrateInstance(context.Background(), "i1", "3", false), store.ErrTerminal)

	h.create(t, "i2", "nda", nil)
	h.resume(t, "i2")
	require.NoError(t, h.in.MigrateInstance(context.Background(), "i2", "3", true))
	require.Equal(t, "3", h.instance(t, "i2").KindVersion)
	head := h.instance(t, "i2").LogHead
	require.NoError(t, h.in.MigrateInstance(context.Background(), "i2", "3", false))
	require.Equal(t, head, h.instance(t, "i2").LogHead, "migrating to the pinned version is a no-op")
}

func TestMonitorMetersInstanceWork(t *testing.T) {
	clk := clock.NewFake(t0)
	mon := NewMonitor(inmem.New(clk), clk, Limits{}, nil, nil)
	k := workflow.Kind{
		Name:    "meter",
		Initial: "Work",
		States: map[workflow.State]workflow.StateDef{
			"Work": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.Run("crunch", func(context.Context, workflow.StepInfo) (any, error) {
					clk.Advance(3 * time.Second)
					return "ok", nil
				}); err != nil {
					return workflow.Transition{}, err
				}
				if err := ctx.Sleep("cool", time.Minute); err != nil {
					return workflow.Transition{}, err
				}
				if _, err := ctx.WaitEvent("go"); err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete("done"), nil
			}},
		},
	}
	m := kindsMap{}
	k.Version = "1"
	m[k.Ref()] = k
	x := exec.New(mon, m, exec.WithClock(clk), exec.WithLogger(telemetry.NewNoopLogger()))
	ctx := context.Background()

	require.NoError(t, mon.CreateInstance(ctx, store.Instance{
		ID: "i1", Kind: "meter", KindVersion: "1", Status: journal.StatusPending,
	}, nil))
	out, err := x.Resume(ctx, "i1")
	require.NoError(t, err)
	require.True(t, out.Suspended)

	clk.Advance(time.Minute)
	fired := journal.MustNew("i1", journal.KindSleepFired, clk.Now(), journal.SleepFiredPayload{Purpose: "cool", Ordinal: 0})
	stamped, err := mon.FireSleep(ctx, "i1", timerRowID("sleep", "i1", journal.SleepKey("cool", 0)), fired)
	require.NoError(t, err)
	require.NotNil(t, stamped)
	_, err = x.Resume(ctx, "i1")
	require.NoError(t, err)

	arrived := journal.MustNew("i1", journal.KindEventArrived, clk.Now(), journal.EventArrivedPayload{
		Event: "go", Ordinal: 0, Payload: json.RawMessage(`{}`),
	})
	stamped, err = mon.SatisfyWait(ctx, "i1", journal.WaitKey("go", 0), arrived)
	require.NoError(t, err)
	require.NotNil(t, stamped)
	out, err = x.Resume(ctx, "i1")
	require.NoError(t, err)
	require.True(t, out.Terminal)

	u := mon.Usage("i1")
	require.Equal(t, int64(3), u.Cycles)
	require.Equal(t, int64(1), u.StepsExecuted)
	require.Equal(t, int64(1), u.EventsConsumed)
	require.Equal(t, int64(1), u.TimersFired)
	require.Equal(t, 3*time.Second, u.CycleTime, "measured from row load to commit")
	require.Greater(t, u.StoreReads, int64(0))
	require.GreaterOrEqual(t, u.StoreWrites, int64(6))

	in := New(mon, m, WithClock(clk), WithMonitor(mon))
	rep, err := in.Inspect(ctx, "i1")
	require.NoError(t, err)
	require.NotNil(t, rep.Usage)
	require.Equal(t, int64(3), rep.Usage.Cycles)

	mon.Forget("i1")
	require.Equal(t, Usage{}, mon.Usage("i1"))
}

type memLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *memLogger) Debug(context.Context, string, ...any) {}
func (l *memLogger) Info(context.Context, string, ...any)  {}
func (l *memLogger) Error(context.Context, string, ...any) {}
func (l *memLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *memLogger) warned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

type memMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (m *memMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	m.counts[name] += value
	m.mu.Unlock()
}

func (m *memMetrics) RecordTimer(string, time.Duration, ...string) {}
func (m *memMetrics) RecordGauge(string, float64, ...string)       {}

func (m *memMetrics) count(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func TestMonitorWarnsOncePerInterval(t *testing.T) {
	clk := clock.NewFake(t0)
	lg := &memLogger{}
	mm := &memMetrics{counts: make(map[string]float64)}
	mon := NewMonitor(inmem.New(clk), clk, Limits{MaxSteps: 2}, lg, mm)
	k := workflow.Kind{
		Name:    "busy",
		Initial: "Work",
		States: map[workflow.State]workflow.StateDef{
			"Work": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				for _, name := range []string{"a", "b", "c"} {
					if _, err := ctx.Run(name, func(context.Context, workflow.StepInfo) (any, error) {
						return "ok", nil
					}); err != nil {
						return workflow.Transition{}, err
					}
				}
				return workflow.Complete(nil), nil
			}},
		},
	}
	m := kindsMap{}
	k.Version = "1"
	m[k.Ref()] = k
	x := exec.New(mon, m, exec.WithClock(clk), exec.WithLogger(telemetry.NewNoopLogger()))
	ctx := context.Background()

	require.NoError(t, mon.CreateInstance(ctx, store.Instance{
		ID: "i1", Kind: "busy", KindVersion: "1", Status: journal.StatusPending,
	}, nil))
	out, err := x.Resume(ctx, "i1")
	require.NoError(t, err)
	require.True(t, out.Terminal)

	require.Equal(t, []string{"instance over resource budget"}, lg.warned())
	require.Equal(t, float64(1), mm.count(telemetry.MetricResourceViolations))

	// Still over budget, but the warning is throttled.
	_, err = mon.StepRecords(ctx, "i1")
	require.NoError(t, err)
	_, err = mon.Journal(ctx, "i1", 0, 0)
	require.NoError(t, err)
	require.Len(t, lg.warned(), 1)
	require.Equal(t, float64(1), mm.count(telemetry.MetricResourceViolations))
}
