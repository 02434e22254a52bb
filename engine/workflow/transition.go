package workflow

import "fmt"

type (
	// Transition is the command a handler returns to the executor. Build one
	// with Stay, GoTo, Complete, or Fail; a zero Transition is invalid and
	// fails the instance with a validation fault.
	Transition struct {
		kind   TransitionKind
		target State
		output any
		err    error
	}

	// TransitionKind identifies what a Transition commands.
	TransitionKind string
)

const (
	// TransitionStay leaves the instance in its current state, typically
	// after registering a suspension that will resume it later.
	TransitionStay TransitionKind = "stay"
	// TransitionGoTo moves the instance to another declared state and runs
	// that state's handler in the same cycle.
	TransitionGoTo TransitionKind = "goto"
	// TransitionComplete ends the instance successfully with an output.
	TransitionComplete TransitionKind = "complete"
	// TransitionFail ends the instance with a failure after compensation.
	TransitionFail TransitionKind = "fail"
)

// Stay keeps the instance in the current state.
func Stay() Transition { return Transition{kind: TransitionStay} }

// GoTo moves the instance to the named state. The target must be declared in
// the kind's States.
func GoTo(s State) Transition { return Transition{kind: TransitionGoTo, target: s} }

// Complete ends the instance successfully. The output is JSON-encoded and
// recorded on the terminal entry.
func Complete(output any) Transition { return Transition{kind: TransitionComplete, output: output} }

// Fail ends the instance with the given error after running compensations.
func Fail(err error) Transition { return Transition{kind: TransitionFail, err: err} }

// Kind returns what the transition commands.
func (t Transition) Kind() TransitionKind { return t.kind }

// Target returns the destination state of a GoTo transition.
func (t Transition) Target() State { return t.target }

// Output returns the final output of a Complete transition.
func (t Transition) Output() any { return t.output }

// Err returns the failure of a Fail transition.
func (t Transition) Err() error { return t.err }

// String renders the transition for logs.
func (t Transition) String() string {
	switch t.kind {
	case TransitionGoTo:
		return fmt.Sprintf("goto(%s)", t.target)
	case TransitionStay, TransitionComplete, TransitionFail:
		return string(t.kind)
	default:
		return "invalid"
	}
}
