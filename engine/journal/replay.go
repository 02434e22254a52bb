package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/faults"
)

// ErrAfterTerminal is returned when an entry follows a Terminal entry.
// Terminal logs are sealed; the reducer enforces it independently of the
// store.
var ErrAfterTerminal = errors.New("journal: entry after terminal")

type (
	// Projection is the materialised state derived from an instance's log.
	// The executor maintains one incrementally with Apply; Replay folds a
	// stored log into a fresh one. The two must always agree.
	Projection struct {
		InstanceID      string
		Status          Status
		State           string
		Output          json.RawMessage
		Failure         *faults.Info
		CancelRequested bool
		CancelReason    string
		// Parked is set while the instance sits in the dead-letter queue
		// after an uncaught step failure; ParkedStep is the occurrence key.
		// A Retry entry for that step reopens it and clears both.
		Parked      bool
		ParkedStep  string
		LastOrdinal uint64
		LastAt      time.Time

		// Steps, Sleeps, Waits, and Reviews are keyed by the occurrence
		// keys from StepKey, SleepKey, WaitKey, and ReviewKey.
		Steps   map[string]*StepOutcome
		Sleeps  map[string]*SleepOutcome
		Waits   map[string]*WaitOutcome
		Reviews map[string]*ReviewOutcome

		Checkpoints []CheckpointPayload
		Transitions []StateTransitionPayload
		// Entered lists states in first-entry order; compensation runs over
		// it in reverse.
		Entered []string

		open int
	}

	// StepOutcome is the durable result of a step occurrence.
	StepOutcome struct {
		Step         string
		Ordinal      int
		Attempts     int
		Done         bool
		Failed       bool
		Output       json.RawMessage
		Failure      *faults.Info
		RetryPending bool
		RetryFireAt  time.Time
	}

	// SleepOutcome is the durable progress of a sleep occurrence.
	SleepOutcome struct {
		Purpose string
		Ordinal int
		FireAt  time.Time
		Fired   bool
	}

	// WaitOutcome is the durable progress of an event wait occurrence.
	WaitOutcome struct {
		Event          string
		Ordinal        int
		CorrelationKey string
		Deadline       *time.Time
		Arrived        bool
		TimedOut       bool
		Payload        json.RawMessage
	}

	// ReviewOutcome is the durable progress of a review wait occurrence.
	ReviewOutcome struct {
		Scope     string
		Ordinal   int
		Reviewers []string
		Deadline  *time.Time
		Responded bool
		Action    string
		Reviewer  string
		Comment   string
		Edited    json.RawMessage
	}
)

// NewProjection returns an empty projection for the instance.
func NewProjection(instanceID string) *Projection {
	return &Projection{
		InstanceID: instanceID,
		Status:     StatusPending,
		Steps:      make(map[string]*StepOutcome),
		Sleeps:     make(map[string]*SleepOutcome),
		Waits:      make(map[string]*WaitOutcome),
		Reviews:    make(map[string]*ReviewOutcome),
	}
}

// Replay folds entries into a fresh projection. Entries must be the complete
// log in ascending ordinal order.
func Replay(instanceID string, entries []Entry) (*Projection, error) {
	p := NewProjection(instanceID)
	for _, e := range entries {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Apply folds one entry into the projection. An entry with ordinal zero is
// treated as the next position; this is how the executor applies entries
// before the store has assigned ordinals. Density violations and entries
// after a terminal entry are errors.
func (p *Projection) Apply(e Entry) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s at ordinal %d", ErrAfterTerminal, e.Kind, e.Ordinal)
	}
	next := p.LastOrdinal + 1
	if e.Ordinal != 0 && e.Ordinal != next {
		return fmt.Errorf("journal: ordinal gap: got %d, want %d", e.Ordinal, next)
	}
	if err := p.apply(e); err != nil {
		return err
	}
	p.LastOrdinal = next
	p.LastAt = e.Timestamp
	if !p.Status.Terminal() {
		p.Status = p.deriveStatus()
	}
	return nil
}

func (p *Projection) apply(e Entry) error {
	switch e.Kind {
	case KindStepStarted:
		var pl StepStartedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := StepKey(pl.Step, pl.Ordinal)
		st := p.step(key, pl.Step, pl.Ordinal)
		st.Attempts = pl.Attempt
		if st.RetryPending {
			st.RetryPending = false
			p.open--
		}

	case KindStepCompleted:
		var pl StepCompletedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		st := p.step(StepKey(pl.Step, pl.Ordinal), pl.Step, pl.Ordinal)
		st.Done = true
		st.Output = pl.Output
		if st.RetryPending {
			// Branch results complete without a StepStarted, so a reopened
			// one resolves its pending retry here.
			st.RetryPending = false
			p.open--
		}

	case KindStepFailed:
		var pl StepFailedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		st := p.step(StepKey(pl.Step, pl.Ordinal), pl.Step, pl.Ordinal)
		st.Done = true
		st.Failed = true
		st.Failure = pl.Failure
		st.Attempts = pl.Attempts
		if st.RetryPending {
			st.RetryPending = false
			p.open--
		}

	case KindRetry:
		var pl RetryPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := StepKey(pl.Step, pl.Ordinal)
		st := p.step(key, pl.Step, pl.Ordinal)
		if st.Done {
			// Dead-letter retry reopens a recorded failure. The reset is an
			// appended entry, never a rewrite, so replay stays exact.
			st.Done = false
			st.Failed = false
			st.Failure = nil
		}
		if p.Parked && p.ParkedStep == key {
			p.Parked = false
			p.ParkedStep = ""
			p.Failure = nil
			p.open--
		}
		if !st.RetryPending {
			st.RetryPending = true
			p.open++
		}
		st.RetryFireAt = pl.FireAt
		if pl.Attempt > 0 {
			// The payload names the attempt that will run, so the count
			// rewinds when an operator retry resets the budget.
			st.Attempts = pl.Attempt - 1
		}

	case KindSleepStarted:
		var pl SleepStartedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := SleepKey(pl.Purpose, pl.Ordinal)
		if _, ok := p.Sleeps[key]; ok {
			return fmt.Errorf("journal: duplicate sleep registration %q", key)
		}
		p.Sleeps[key] = &SleepOutcome{Purpose: pl.Purpose, Ordinal: pl.Ordinal, FireAt: pl.FireAt}
		p.open++

	case KindSleepFired:
		var pl SleepFiredPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := SleepKey(pl.Purpose, pl.Ordinal)
		sl, ok := p.Sleeps[key]
		if !ok {
			return fmt.Errorf("journal: sleep fired without registration %q", key)
		}
		if !sl.Fired {
			sl.Fired = true
			p.open--
		}

	case KindEventAwaited:
		var pl EventAwaitedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := WaitKey(pl.Event, pl.Ordinal)
		if _, ok := p.Waits[key]; ok {
			return fmt.Errorf("journal: duplicate wait registration %q", key)
		}
		p.Waits[key] = &WaitOutcome{
			Event:          pl.Event,
			Ordinal:        pl.Ordinal,
			CorrelationKey: pl.CorrelationKey,
			Deadline:       pl.Deadline,
		}
		p.open++

	case KindEventArrived:
		var pl EventArrivedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := WaitKey(pl.Event, pl.Ordinal)
		w, ok := p.Waits[key]
		if !ok {
			return fmt.Errorf("journal: arrival without registration %q", key)
		}
		if w.Arrived || w.TimedOut {
			return fmt.Errorf("journal: wait %q satisfied twice", key)
		}
		w.Arrived = true
		w.Payload = pl.Payload
		p.open--

	case KindErrorRaised:
		var pl ErrorRaisedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		switch {
		case pl.Wait != "":
			// Wait timeout: satisfies the wait with a timeout outcome.
			w, ok := p.Waits[pl.Wait]
			if !ok {
				return fmt.Errorf("journal: timeout for unknown wait %q", pl.Wait)
			}
			if w.Arrived || w.TimedOut {
				return fmt.Errorf("journal: wait %q satisfied twice", pl.Wait)
			}
			w.TimedOut = true
			p.open--
		case pl.Step != "":
			// Uncaught step failure: the instance parks in the dead-letter
			// queue until an operator retries it.
			if !p.Parked {
				p.Parked = true
				p.open++
			}
			p.ParkedStep = pl.Step
			p.Failure = pl.Failure
		default:
			p.Failure = pl.Failure
		}

	case KindReviewRequested:
		var pl ReviewRequestedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := ReviewKey(pl.Scope, pl.Ordinal)
		if _, ok := p.Reviews[key]; ok {
			return fmt.Errorf("journal: duplicate review registration %q", key)
		}
		p.Reviews[key] = &ReviewOutcome{
			Scope:     pl.Scope,
			Ordinal:   pl.Ordinal,
			Reviewers: pl.Reviewers,
			Deadline:  pl.Deadline,
		}
		p.open++

	case KindReviewResponded:
		var pl ReviewRespondedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		key := ReviewKey(pl.Scope, pl.Ordinal)
		r, ok := p.Reviews[key]
		if !ok {
			return fmt.Errorf("journal: response for unknown review %q", key)
		}
		if r.Responded {
			return fmt.Errorf("journal: review %q responded twice", key)
		}
		r.Responded = true
		r.Action = pl.Action
		r.Reviewer = pl.Reviewer
		r.Comment = pl.Comment
		r.Edited = pl.Edited
		p.open--

	case KindStateTransition:
		var pl StateTransitionPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		p.State = pl.To
		p.Transitions = append(p.Transitions, pl)
		entered := false
		for _, s := range p.Entered {
			if s == pl.To {
				entered = true
				break
			}
		}
		if !entered {
			p.Entered = append(p.Entered, pl.To)
		}

	case KindCheckpoint:
		var pl CheckpointPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		p.Checkpoints = append(p.Checkpoints, pl)

	case KindCancelRequested:
		var pl CancelRequestedPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		p.CancelRequested = true
		p.CancelReason = pl.Reason

	case KindTerminal:
		var pl TerminalPayload
		if err := e.Decode(&pl); err != nil {
			return err
		}
		if !pl.Status.Terminal() {
			return fmt.Errorf("journal: terminal entry with non-terminal status %q", pl.Status)
		}
		p.Status = pl.Status
		if pl.State != "" {
			p.State = pl.State
		}
		p.Output = pl.Output
		p.Failure = pl.Failure
		// Suspensions die with the instance. Zeroing here keeps the
		// projection in agreement with the stored row, which also drops
		// its open count when the log seals.
		p.open = 0

	default:
		return fmt.Errorf("journal: unknown entry kind %q at ordinal %d", e.Kind, e.Ordinal)
	}
	return nil
}

// deriveStatus computes the non-terminal status from suspension bookkeeping.
func (p *Projection) deriveStatus() Status {
	if p.LastOrdinal == 0 {
		return StatusPending
	}
	if p.CancelRequested {
		return StatusRunning
	}
	if p.open > 0 {
		return StatusSuspended
	}
	return StatusRunning
}

// OpenSuspensions reports how many registered suspensions are unsatisfied.
func (p *Projection) OpenSuspensions() int { return p.open }

func (p *Projection) step(key, name string, ordinal int) *StepOutcome {
	st, ok := p.Steps[key]
	if !ok {
		st = &StepOutcome{Step: name, Ordinal: ordinal}
		p.Steps[key] = st
	}
	return st
}

// Clone returns a deep copy. Inspection endpoints hand copies out so callers
// cannot mutate executor state.
func (p *Projection) Clone() *Projection {
	cp := *p
	cp.Steps = make(map[string]*StepOutcome, len(p.Steps))
	for k, v := range p.Steps {
		s := *v
		cp.Steps[k] = &s
	}
	cp.Sleeps = make(map[string]*SleepOutcome, len(p.Sleeps))
	for k, v := range p.Sleeps {
		s := *v
		cp.Sleeps[k] = &s
	}
	cp.Waits = make(map[string]*WaitOutcome, len(p.Waits))
	for k, v := range p.Waits {
		s := *v
		cp.Waits[k] = &s
	}
	cp.Reviews = make(map[string]*ReviewOutcome, len(p.Reviews))
	for k, v := range p.Reviews {
		s := *v
		cp.Reviews[k] = &s
	}
	cp.Checkpoints = append([]CheckpointPayload(nil), p.Checkpoints...)
	cp.Transitions = append([]StateTransitionPayload(nil), p.Transitions...)
	cp.Entered = append([]string(nil), p.Entered...)
	return &cp
}
