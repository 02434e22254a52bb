// Package inspect is the operator's window into workflow instances: reports,
// time travel over the journal, divergence comparison, a stuck scan with
// recovery verbs, dead-letter retries, and snapshot forking. Read paths never
// mutate. Verbs that do mutate commit through the same head-fenced cycle API
// the executor uses, so they respect the journal's density and terminal seal
// and lose cleanly to a concurrent cycle with store.ErrConflict.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/dispatch"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// Definitions resolves workflow kinds. The sealed catalog implements it.
	Definitions interface {
		Resolve(name, version string) (workflow.Kind, error)
	}

	// Waker hands freshly persisted work to the live dispatcher: wakes for
	// instances whose journal grew, arming for timer rows inserted outside
	// a resume cycle. The dispatcher implements it. With a nil waker the
	// verbs still commit; pickup waits for the next recovery scan or timer
	// reload.
	Waker interface {
		Wake(instanceID string, cause dispatch.Cause)
		Arm(timers []store.PendingTimer)
	}

	// Inspector reads and repairs workflow instances.
	Inspector struct {
		store   store.Store
		defs    Definitions
		waker   Waker
		monitor *Monitor
		clk     clock.Clock
		logger  telemetry.Logger
		metrics telemetry.Metrics

		stuckAfter time.Duration
		tailLen    int
		pageSize   int
	}

	// Option configures an Inspector.
	Option func(*Inspector)

	// Report is everything known about one instance: the materialised row,
	// its durable rows, the newest journal entries, and resource usage when
	// a Monitor is attached.
	Report struct {
		Instance store.Instance       `json:"instance"`
		Steps    []store.StepRecord   `json:"steps,omitempty"`
		Waits    []store.PendingWait  `json:"waits,omitempty"`
		Timers   []store.PendingTimer `json:"timers,omitempty"`
		// Tail holds the newest journal entries in ascending ordinal order,
		// capped at the configured tail length.
		Tail []journal.Entry `json:"tail,omitempty"`
		// Parked is the dead-letter record when the instance sits in the
		// queue, nil otherwise.
		Parked *store.DLQEntry `json:"parked,omitempty"`
		// Usage is per-instance consumption, nil without a Monitor.
		Usage *Usage `json:"usage,omitempty"`
	}

	// Span is one visit to a state.
	Span struct {
		State     string    `json:"state"`
		Cause     string    `json:"cause,omitempty"`
		EnteredAt time.Time `json:"enteredAt"`
		// LeftAt is nil while the instance still sits in the state.
		LeftAt   *time.Time    `json:"leftAt,omitempty"`
		Duration time.Duration `json:"duration"`
	}

	// Diff locates the first step divergence between two instances of the
	// same kind. Equal is set when their step outcome sequences match
	// entirely.
	Diff struct {
		Equal   bool     `json:"equal"`
		Step    string   `json:"step,omitempty"`
		Ordinal int      `json:"ordinal,omitempty"`
		A       DiffSide `json:"a"`
		B       DiffSide `json:"b"`
	}

	// DiffSide is one instance's outcome at the divergence point. Present
	// is false when that instance's log ends before the point.
	DiffSide struct {
		InstanceID string          `json:"instanceId"`
		Present    bool            `json:"present"`
		Failed     bool            `json:"failed"`
		Output     json.RawMessage `json:"output,omitempty"`
		Failure    *faults.Info    `json:"failure,omitempty"`
	}

	// StuckInstance is a non-terminal instance whose journal has been quiet
	// past the stuck threshold, with a diagnosis of what it waits on.
	StuckInstance struct {
		Instance  store.Instance       `json:"instance"`
		IdleFor   time.Duration        `json:"idleFor"`
		Diagnosis string               `json:"diagnosis"`
		Waits     []store.PendingWait  `json:"waits,omitempty"`
		Timers    []store.PendingTimer `json:"timers,omitempty"`
		Parked    bool                 `json:"parked"`
	}

	// ReplayHooks observes a replay entry by entry.
	ReplayHooks struct {
		// OnEntry runs after each entry folds in. The projection is the
		// live accumulator and must not be retained across calls; a
		// returned error aborts the replay.
		OnEntry func(e journal.Entry, p *journal.Projection) error
	}

	// RetryPolicy shapes a dead-letter retry's budget.
	RetryPolicy struct {
		// ResetAttempts rewinds the step's attempt counter, granting the
		// full declared budget again.
		ResetAttempts bool `json:"resetAttempts"`
		// MaxAttempts grants that many further attempts against the
		// declared budget. Zero grants one.
		MaxAttempts int `json:"maxAttempts"`
	}

	// DLQStats summarises the dead-letter queue.
	DLQStats struct {
		Depth  int            `json:"depth"`
		ByKind map[string]int `json:"byKind,omitempty"`
		// ByFault buckets records by failure kind; records without a
		// recorded failure count under "unknown".
		ByFault map[string]int `json:"byFault,omitempty"`
		// Oldest is the earliest MovedAt, nil when the queue is empty.
		Oldest *time.Time `json:"oldest,omitempty"`
	}
)

// Correlation keys recording a restored fork's lineage.
const (
	// ForkOfKey holds the source instance's ID on a restored fork.
	ForkOfKey = "forkOf"
	// SnapshotKey holds the snapshot label a fork was restored from.
	SnapshotKey = "snapshot"
)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(in *Inspector) {
		in.clk = clk
	}
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(in *Inspector) {
		in.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(in *Inspector) {
		in.metrics = m
	}
}

// WithWaker connects the live dispatcher so recovery verbs take effect
// immediately instead of at the next restart.
func WithWaker(w Waker) Option {
	return func(in *Inspector) {
		in.waker = w
	}
}

// WithMonitor attaches the resource monitor whose usage shows up in reports.
func WithMonitor(m *Monitor) Option {
	return func(in *Inspector) {
		in.monitor = m
	}
}

// WithStuckThreshold sets how long an instance's journal may stay quiet
// before the stuck scan flags it. Defaults to 10 minutes.
func WithStuckThreshold(d time.Duration) Option {
	return func(in *Inspector) {
		if d > 0 {
			in.stuckAfter = d
		}
	}
}

// WithTailLength sets how many trailing journal entries a report carries.
// Defaults to 20.
func WithTailLength(n int) Option {
	return func(in *Inspector) {
		if n > 0 {
			in.tailLen = n
		}
	}
}

// New constructs an Inspector over the store and definition resolver.
func New(st store.Store, defs Definitions, opts ...Option) *Inspector {
	in := &Inspector{
		store:      st,
		defs:       defs,
		clk:        clock.System(),
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		stuckAfter: 10 * time.Minute,
		tailLen:    20,
		pageSize:   500,
	}
	for _, o := range opts {
		if o != nil {
			o(in)
		}
	}
	return in
}

// Inspect assembles the full report for one instance.
func (in *Inspector) Inspect(ctx context.Context, id string) (Report, error) {
	inst, err := in.store.LoadInstance(ctx, id)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Instance: inst}
	if rep.Steps, err = in.store.StepRecords(ctx, id); err != nil {
		return Report{}, err
	}
	if rep.Waits, err = in.store.ListWaits(ctx, id); err != nil {
		return Report{}, err
	}
	timers, err := in.store.ListTimers(ctx)
	if err != nil {
		return Report{}, err
	}
	for _, t := range timers {
		if t.InstanceID == id {
			rep.Timers = append(rep.Timers, t)
		}
	}
	from := uint64(1)
	if inst.LogHead > uint64(in.tailLen) {
		from = inst.LogHead - uint64(in.tailLen) + 1
	}
	page, err := in.store.Journal(ctx, id, from, in.tailLen)
	if err != nil {
		return Report{}, err
	}
	rep.Tail = page.Entries
	dlq, err := in.store.ListDLQ(ctx)
	if err != nil {
		return Report{}, err
	}
	for i := range dlq {
		if dlq[i].InstanceID == id {
			rep.Parked = &dlq[i]
			break
		}
	}
	if in.monitor != nil {
		u := in.monitor.Usage(id)
		rep.Usage = &u
	}
	return rep, nil
}

// StateAtTime replays the journal prefix whose entries carry timestamps at
// or before the instant, reconstructing what the instance knew then.
func (in *Inspector) StateAtTime(ctx context.Context, id string, at time.Time) (*journal.Projection, error) {
	entries, err := in.journalAll(ctx, id)
	if err != nil {
		return nil, err
	}
	p := journal.NewProjection(id)
	for _, e := range entries {
		if e.Timestamp.After(at) {
			break
		}
		if err := p.Apply(e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Ordinal, err)
		}
	}
	return p, nil
}

// Timeline derives the instance's state visits from its transition entries.
// The last span stays open, with its duration running, until a further
// transition or the terminal entry closes it.
func (in *Inspector) Timeline(ctx context.Context, id string) ([]Span, error) {
	entries, err := in.journalAll(ctx, id)
	if err != nil {
		return nil, err
	}
	var spans []Span
	closeLast := func(at time.Time) {
		if len(spans) == 0 || spans[len(spans)-1].LeftAt != nil {
			return
		}
		s := &spans[len(spans)-1]
		left := at
		s.LeftAt = &left
		s.Duration = at.Sub(s.EnteredAt)
	}
	for _, e := range entries {
		switch e.Kind {
		case journal.KindStateTransition:
			var pl journal.StateTransitionPayload
			if err := e.Decode(&pl); err != nil {
				return nil, err
			}
			closeLast(e.Timestamp)
			spans = append(spans, Span{State: pl.To, Cause: pl.Cause, EnteredAt: e.Timestamp})
		case journal.KindTerminal:
			closeLast(e.Timestamp)
		}
	}
	if n := len(spans); n > 0 && spans[n-1].LeftAt == nil {
		spans[n-1].Duration = in.clk.Now().Sub(spans[n-1].EnteredAt)
	}
	return spans, nil
}

// Replay re-drives the instance's log through the reducer, invoking the
// hooks per entry, and returns the resulting projection. It performs no
// side effects; tests use it to assert a stored row agrees with its log.
func (in *Inspector) Replay(ctx context.Context, id string, hooks ReplayHooks) (*journal.Projection, error) {
	entries, err := in.journalAll(ctx, id)
	if err != nil {
		return nil, err
	}
	p := journal.NewProjection(id)
	for _, e := range entries {
		if err := p.Apply(e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Ordinal, err)
		}
		if hooks.OnEntry != nil {
			if err := hooks.OnEntry(e, p); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Compare walks two same-kind instances' step outcomes in execution order
// and reports the first divergence: a different step, a different result,
// or one log ending before the other. Matching sequences return Equal.
func (in *Inspector) Compare(ctx context.Context, aID, bID string) (Diff, error) {
	a, err := in.store.LoadInstance(ctx, aID)
	if err != nil {
		return Diff{}, err
	}
	b, err := in.store.LoadInstance(ctx, bID)
	if err != nil {
		return Diff{}, err
	}
	if a.Kind != b.Kind {
		return Diff{}, faults.Validationf("cannot compare %s instance %s with %s instance %s", a.Kind, aID, b.Kind, bID)
	}
	sa, err := in.stepMarks(ctx, aID)
	if err != nil {
		return Diff{}, err
	}
	sb, err := in.stepMarks(ctx, bID)
	if err != nil {
		return Diff{}, err
	}
	for i := 0; i < len(sa) || i < len(sb); i++ {
		switch {
		case i >= len(sa):
			m := sb[i]
			return Diff{Step: m.step, Ordinal: m.ordinal, A: DiffSide{InstanceID: aID}, B: m.side(bID)}, nil
		case i >= len(sb):
			m := sa[i]
			return Diff{Step: m.step, Ordinal: m.ordinal, A: m.side(aID), B: DiffSide{InstanceID: bID}}, nil
		case !sa[i].equal(sb[i]):
			return Diff{Step: sa[i].step, Ordinal: sa[i].ordinal, A: sa[i].side(aID), B: sb[i].side(bID)}, nil
		}
	}
	return Diff{Equal: true, A: DiffSide{InstanceID: aID, Present: true}, B: DiffSide{InstanceID: bID, Present: true}}, nil
}

// stepMark is one settled step outcome in log order.
type stepMark struct {
	step    string
	ordinal int
	failed  bool
	output  json.RawMessage
	failure *faults.Info
}

func (m stepMark) side(instanceID string) DiffSide {
	return DiffSide{InstanceID: instanceID, Present: true, Failed: m.failed, Output: m.output, Failure: m.failure}
}

// equal compares settled outcomes: completions by output bytes, failures by
// failure kind. Messages often embed instance-specific detail and are not
// compared.
func (m stepMark) equal(o stepMark) bool {
	if m.step != o.step || m.ordinal != o.ordinal || m.failed != o.failed {
		return false
	}
	if m.failed {
		return faultKind(m.failure) == faultKind(o.failure)
	}
	return bytes.Equal(m.output, o.output)
}

func faultKind(info *faults.Info) faults.Kind {
	if info == nil {
		return ""
	}
	return info.Kind
}

func (in *Inspector) stepMarks(ctx context.Context, id string) ([]stepMark, error) {
	entries, err := in.journalAll(ctx, id)
	if err != nil {
		return nil, err
	}
	var marks []stepMark
	for _, e := range entries {
		switch e.Kind {
		case journal.KindStepCompleted:
			var pl journal.StepCompletedPayload
			if err := e.Decode(&pl); err != nil {
				return nil, err
			}
			marks = append(marks, stepMark{step: pl.Step, ordinal: pl.Ordinal, output: pl.Output})
		case journal.KindStepFailed:
			var pl journal.StepFailedPayload
			if err := e.Decode(&pl); err != nil {
				return nil, err
			}
			marks = append(marks, stepMark{step: pl.Step, ordinal: pl.Ordinal, failed: true, failure: pl.Failure})
		}
	}
	return marks, nil
}

// Stuck scans for running or suspended instances whose journal has been
// quiet past the threshold and diagnoses what each one waits on. Instances
// legitimately sleeping on a long timer show up too; their diagnosis names
// the timer so the operator can tell them from the truly stranded.
func (in *Inspector) Stuck(ctx context.Context) ([]StuckInstance, error) {
	insts, err := in.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []journal.Status{journal.StatusRunning, journal.StatusSuspended},
	})
	if err != nil {
		return nil, err
	}
	now := in.clk.Now()
	var timers []store.PendingTimer
	var dlq []store.DLQEntry
	if len(insts) > 0 {
		if timers, err = in.store.ListTimers(ctx); err != nil {
			return nil, err
		}
		if dlq, err = in.store.ListDLQ(ctx); err != nil {
			return nil, err
		}
	}
	parked := make(map[string]*store.DLQEntry, len(dlq))
	for i := range dlq {
		parked[dlq[i].InstanceID] = &dlq[i]
	}
	var stuck []StuckInstance
	for _, inst := range insts {
		last := inst.LastLogAt
		if last.IsZero() {
			last = inst.CreatedAt
		}
		idle := now.Sub(last)
		if idle <= in.stuckAfter {
			continue
		}
		s := StuckInstance{Instance: inst, IdleFor: idle}
		for _, t := range timers {
			if t.InstanceID == inst.ID {
				s.Timers = append(s.Timers, t)
			}
		}
		if s.Waits, err = in.store.ListWaits(ctx, inst.ID); err != nil {
			return nil, err
		}
		rec := parked[inst.ID]
		s.Parked = rec != nil
		s.Diagnosis = diagnose(inst, rec, s.Waits, s.Timers, now)
		stuck = append(stuck, s)
	}
	return stuck, nil
}

// diagnose names the instance's wake source, or its absence. Parked
// instances come first: they have an operator verb. An overdue timer means
// the scheduler lost it; a quiet instance with neither rows nor a log ahead
// of its last commit cannot resume on its own.
func diagnose(inst store.Instance, parked *store.DLQEntry, waits []store.PendingWait, timers []store.PendingTimer, now time.Time) string {
	if parked != nil {
		return fmt.Sprintf("parked in the dead-letter queue; step %s exhausted %d attempts", parked.Step, parked.Attempts)
	}
	if len(timers) > 0 {
		t := timers[0]
		if t.FireAt.After(now) {
			return fmt.Sprintf("waiting on %s timer %s due in %s", t.Purpose, t.Key, t.FireAt.Sub(now))
		}
		return fmt.Sprintf("timer %s was due %s ago and has not fired", t.Key, now.Sub(t.FireAt))
	}
	if len(waits) > 0 {
		w := waits[0]
		if w.Scope != "" {
			return fmt.Sprintf("waiting on review %q with no deadline", w.Scope)
		}
		if w.Deadline != nil {
			return fmt.Sprintf("waiting on event %q until %s", w.Event, w.Deadline.Format(time.RFC3339))
		}
		return fmt.Sprintf("waiting on event %q with no deadline", w.Event)
	}
	if inst.LastLogAt.After(inst.UpdatedAt) {
		return "journal grew after the last commit and no cycle consumed it"
	}
	return "no pending wake source; the instance cannot resume on its own"
}

// DLQ lists the dead-letter queue, oldest first.
func (in *Inspector) DLQ(ctx context.Context) ([]store.DLQEntry, error) {
	return in.store.ListDLQ(ctx)
}

// DLQStats summarises the dead-letter queue by workflow kind and failure kind.
func (in *Inspector) DLQStats(ctx context.Context) (DLQStats, error) {
	recs, err := in.store.ListDLQ(ctx)
	if err != nil {
		return DLQStats{}, err
	}
	stats := DLQStats{
		Depth:   len(recs),
		ByKind:  make(map[string]int),
		ByFault: make(map[string]int),
	}
	for _, r := range recs {
		stats.ByKind[r.Kind]++
		fk := "unknown"
		if r.Failure != nil {
			fk = string(r.Failure.Kind)
		}
		stats.ByFault[fk]++
		if stats.Oldest == nil || r.MovedAt.Before(*stats.Oldest) {
			moved := r.MovedAt
			stats.Oldest = &moved
		}
	}
	return stats, nil
}

// journalAll pages the full log into memory in ordinal order.
func (in *Inspector) journalAll(ctx context.Context, id string) ([]journal.Entry, error) {
	var entries []journal.Entry
	from := uint64(0)
	for {
		page, err := in.store.Journal(ctx, id, from, in.pageSize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Entries...)
		if page.NextOrdinal == 0 {
			return entries, nil
		}
		from = page.NextOrdinal
	}
}

// sortedKeys lists map keys in stable order so rebuilt rows and staged
// deletions come out deterministic.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
