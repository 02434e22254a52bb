// Package workflow is the authoring surface for durable workflows. A Kind
// declares a finite state machine: named states with ingress handlers, the
// events the workflow consumes, retry defaults, and timeout policy. Handlers
// drive all progress through the Context primitives (Run, Sleep, WaitEvent,
// WaitApproval, Parallel) and return a Transition telling the executor where
// to go next.
//
// Handlers must be deterministic with respect to the instance journal: all
// side effects, clock reads, and randomness belong inside Run step bodies so
// replay reproduces the same decisions from the recorded outcomes.
package workflow

import (
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
)

type (
	// State names one node of a workflow's state machine.
	State string

	// Kind is an immutable workflow definition. Kinds are registered with the
	// catalog at startup and shared read-only by every instance of the kind;
	// running instances pin the version they were created with.
	Kind struct {
		// Name identifies the kind, e.g. "pitch.investment".
		Name string
		// Version tags the definition. Defaults to "1" at registration.
		Version string
		// Description documents the workflow for listings.
		Description string
		// Initial is the state entered when an instance is created.
		Initial State
		// States declares the state set. Every non-terminal state needs a
		// Handler.
		States map[State]StateDef
		// Events declares the external events the workflow consumes, with
		// optional payload schemas compiled by the catalog.
		Events []EventDecl
		// Steps optionally declares the step names handlers use, for
		// documentation and inspection.
		Steps []string
		// Timers optionally declares named durations handlers sleep on, so
		// operational knobs live on the definition instead of in code.
		Timers []TimerDecl
		// InputSchema optionally declares a JSON schema for instance input,
		// validated at creation.
		InputSchema []byte
		// Retry is the kind-wide default retry policy for steps. Zero fields
		// fall back to the engine defaults.
		Retry faults.RetryPolicy
		// OverallTimeout bounds an instance's total lifetime. Zero falls back
		// to the engine default.
		OverallTimeout time.Duration
	}

	// StateDef declares one state of the machine.
	StateDef struct {
		// Handler runs on entry and at every resume while the instance is in
		// this state. Required unless Terminal is set.
		Handler Handler
		// Compensate optionally undoes this state's effects. When an instance
		// fails or cancels, the compensations of previously entered states run
		// in reverse entry order, each as a memoised step.
		Compensate CompensateFunc
		// Timeout bounds how long an instance may remain in this state. When
		// it elapses the executor abandons the state's open suspensions and
		// transitions to OnTimeout, or fails the instance with a timeout fault
		// when OnTimeout is empty.
		Timeout time.Duration
		// OnTimeout is the state entered when Timeout elapses.
		OnTimeout State
		// Terminal marks a final state. Entering it ends the instance with
		// TerminalStatus; a terminal state with a Handler may still produce
		// the final output via Complete.
		Terminal bool
		// TerminalStatus is the status a terminal state ends with. Defaults
		// to completed.
		TerminalStatus journal.Status
	}

	// Handler is a state's ingress function. It may call any Context
	// primitive and returns the transition to take, or an error which fails
	// the instance after compensation.
	Handler func(Context) (Transition, error)

	// CompensateFunc undoes a state's effects during failure or cancellation.
	// It runs as a memoised step with cancellation checks disabled.
	CompensateFunc func(Context) error

	// EventDecl declares an external event the workflow consumes.
	EventDecl struct {
		// Name is the published event name, e.g. "funds_received".
		Name string
		// Schema optionally declares a JSON schema for the event payload.
		// The catalog compiles it and the bus validates publishes against it.
		Schema []byte
	}

	// TimerDecl declares a named duration for handlers to sleep on.
	TimerDecl struct {
		// Purpose names the timer, e.g. "nda_expiry".
		Purpose string
		// Duration is how long the timer sleeps.
		Duration time.Duration
	}
)

// Validate checks the definition's static consistency: the initial state is
// declared, non-terminal states have handlers, timeout targets exist, and
// declared names are unique. Handler-driven transitions are validated at
// runtime when they occur.
func (k Kind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("kind name is required")
	}
	if len(k.States) == 0 {
		return fmt.Errorf("kind %q declares no states", k.Name)
	}
	if k.Initial == "" {
		return fmt.Errorf("kind %q: initial state is required", k.Name)
	}
	if _, ok := k.States[k.Initial]; !ok {
		return fmt.Errorf("kind %q: initial state %q is not declared", k.Name, k.Initial)
	}
	for name, def := range k.States {
		if name == "" {
			return fmt.Errorf("kind %q declares an unnamed state", k.Name)
		}
		if !def.Terminal && def.Handler == nil {
			return fmt.Errorf("kind %q: state %q has no handler and is not terminal", k.Name, name)
		}
		if def.Terminal && def.Timeout > 0 {
			return fmt.Errorf("kind %q: terminal state %q declares a timeout", k.Name, name)
		}
		if def.Terminal && def.TerminalStatus != "" && !def.TerminalStatus.Terminal() {
			return fmt.Errorf("kind %q: state %q terminal status %q is not terminal", k.Name, name, def.TerminalStatus)
		}
		if def.OnTimeout != "" {
			if def.Timeout <= 0 {
				return fmt.Errorf("kind %q: state %q sets OnTimeout without a timeout", k.Name, name)
			}
			if _, ok := k.States[def.OnTimeout]; !ok {
				return fmt.Errorf("kind %q: state %q timeout target %q is not declared", k.Name, name, def.OnTimeout)
			}
		}
	}
	seenEvents := make(map[string]bool, len(k.Events))
	for _, ev := range k.Events {
		if ev.Name == "" {
			return fmt.Errorf("kind %q declares an unnamed event", k.Name)
		}
		if seenEvents[ev.Name] {
			return fmt.Errorf("kind %q declares event %q twice", k.Name, ev.Name)
		}
		seenEvents[ev.Name] = true
	}
	seenSteps := make(map[string]bool, len(k.Steps))
	for _, s := range k.Steps {
		if s == "" {
			return fmt.Errorf("kind %q declares an unnamed step", k.Name)
		}
		if seenSteps[s] {
			return fmt.Errorf("kind %q declares step %q twice", k.Name, s)
		}
		seenSteps[s] = true
	}
	seenTimers := make(map[string]bool, len(k.Timers))
	for _, t := range k.Timers {
		if t.Purpose == "" {
			return fmt.Errorf("kind %q declares an unnamed timer", k.Name)
		}
		if t.Duration <= 0 {
			return fmt.Errorf("kind %q: timer %q has no duration", k.Name, t.Purpose)
		}
		if seenTimers[t.Purpose] {
			return fmt.Errorf("kind %q declares timer %q twice", k.Name, t.Purpose)
		}
		seenTimers[t.Purpose] = true
	}
	return nil
}

// Ref returns the catalog key "name@version".
func (k Kind) Ref() string { return Ref(k.Name, k.Version) }

// Ref builds the catalog key for a kind name and version.
func Ref(name, version string) string { return name + "@" + version }

// TerminalStates returns the declared terminal state names.
func (k Kind) TerminalStates() []State {
	var out []State
	for name, def := range k.States {
		if def.Terminal {
			out = append(out, name)
		}
	}
	return out
}

// TimerDuration returns the declared duration for the named timer, or the
// given fallback when the kind does not declare it.
func (k Kind) TimerDuration(purpose string, fallback time.Duration) time.Duration {
	for _, t := range k.Timers {
		if t.Purpose == purpose {
			return t.Duration
		}
	}
	return fallback
}

// DeclaresEvent reports whether the kind declares the named event.
func (k Kind) DeclaresEvent(name string) bool {
	for _, ev := range k.Events {
		if ev.Name == name {
			return true
		}
	}
	return false
}
