package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// Context is the API handlers and step bodies see. The executor
	// implements it; every primitive is a suspension point that records its
	// effect in the instance journal and short-circuits on replay.
	Context interface {
		// Context returns the cycle's context, carrying cancellation and log
		// fields. Step bodies receive a derived context as their first
		// argument instead of reading this one.
		Context() context.Context

		// Now returns the cycle's logical time. It is stamped once per resume
		// cycle, so a handler observes the same value at every call within a
		// cycle and under replay of that cycle's entries.
		Now() time.Time

		// Logger returns the instance-scoped logger.
		Logger() telemetry.Logger

		// InstanceID returns the instance identifier.
		InstanceID() string

		// State returns the state whose handler is running.
		State() State

		// Input decodes the instance's creation input into v.
		Input(v any) error

		// Run executes fn as a memoised step. For a given occurrence of name
		// the body runs at most once for a recorded outcome: a completed
		// occurrence returns the recorded output, a permanently failed one
		// returns the recorded error, and a pending retry suspends until its
		// backoff timer fires. Transient failures are retried per the
		// resolved policy.
		Run(name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error)

		// Sleep suspends the instance for d. The deadline is durable: the
		// instance resumes after d even across restarts. Purpose names the
		// sleep for the journal and inspection.
		Sleep(purpose string, d time.Duration) error

		// WaitEvent suspends until the named event arrives and returns its
		// payload. With WithTimeout, expiry returns a timeout fault instead.
		WaitEvent(name string, opts ...WaitOption) (json.RawMessage, error)

		// WaitApproval suspends until a reviewer responds for the scope and
		// returns the decision. With WithApprovalTimeout, expiry resolves the
		// review with the configured default action.
		WaitApproval(scope string, opts ...ApprovalOption) (Decision, error)

		// Parallel runs the branches within the instance's worker slot and
		// returns their outputs in branch order. The group is a single
		// memoised occurrence: it completes when every branch has completed
		// and fails when any branch fails permanently, preserving the outputs
		// of branches that finished. Branch bodies run steps; waits, sleeps,
		// and nested groups are not available inside a branch.
		Parallel(group string, branches ...Branch) ([]json.RawMessage, error)

		// Checkpoint records a durable progress marker visible in the
		// timeline and usable as a time-travel anchor.
		Checkpoint(label string, data any) error
	}

	// StepFunc is a step body. It receives a context derived from the cycle
	// and the occurrence's identity, including the idempotency key to pass to
	// external systems.
	StepFunc func(ctx context.Context, info StepInfo) (any, error)

	// StepInfo identifies one step occurrence.
	StepInfo struct {
		// InstanceID is the owning instance.
		InstanceID string
		// Step is the step name passed to Run.
		Step string
		// Ordinal is the per-name occurrence counter, deterministic under
		// replay.
		Ordinal int
		// Attempt is the 1-based attempt number for this invocation.
		Attempt int
		// IdempotencyKey is stable across attempts and replays of this
		// occurrence. Pass it to external systems to make retried side
		// effects safe.
		IdempotencyKey string
	}

	// StepOption configures one Run call.
	StepOption func(*StepSettings)

	// StepSettings is the resolved form of a Run call's options. The executor
	// builds it with NewStepSettings.
	StepSettings struct {
		// Retry overrides the kind's retry policy for this step.
		Retry *faults.RetryPolicy
		// Input is recorded on the step record for inspection and
		// fingerprinting.
		Input any
	}

	// WaitOption configures one WaitEvent call.
	WaitOption func(*WaitSettings)

	// WaitSettings is the resolved form of a WaitEvent call's options.
	WaitSettings struct {
		// Timeout bounds the wait. Zero waits forever.
		Timeout time.Duration
		// CorrelationKey narrows delivery to publishes carrying the same
		// value.
		CorrelationKey string
	}

	// ApprovalOption configures one WaitApproval call.
	ApprovalOption func(*ApprovalSettings)

	// ApprovalSettings is the resolved form of a WaitApproval call's options.
	ApprovalSettings struct {
		// Reviewers lists who should be notified to respond.
		Reviewers []string
		// Timeout bounds the review. Zero waits forever.
		Timeout time.Duration
		// DefaultAction resolves the review when Timeout elapses, e.g.
		// ActionApprove for auto-approval.
		DefaultAction string
		// Payload is attached to the review request for the reviewer UI.
		Payload any
	}

	// Decision is a review outcome.
	Decision struct {
		// Approved is true for approve, edit, and skip actions.
		Approved bool `json:"approved"`
		// Action is the verb the reviewer chose.
		Action string `json:"action"`
		// Reviewer identifies who responded. Empty for timeout defaults.
		Reviewer string `json:"reviewer,omitempty"`
		// Comment carries the reviewer's note.
		Comment string `json:"comment,omitempty"`
		// Edited carries the revised payload for edit actions.
		Edited json.RawMessage `json:"edited,omitempty"`
	}

	// Branch is one arm of a Parallel group.
	Branch struct {
		// Name identifies the branch; step keys inside it are namespaced
		// group/branch/step.
		Name string
		// Run produces the branch output. It receives a branch-scoped Context
		// whose step names are namespaced under the group; only Run is
		// available inside a branch.
		Run func(Context) (any, error)
	}
)

// Review actions a Decision can carry.
const (
	ActionApprove = journal.ReviewApprove
	ActionReject  = journal.ReviewReject
	ActionEdit    = journal.ReviewEdit
	ActionSkip    = journal.ReviewSkip
	ActionAbort   = journal.ReviewAbort
)

// WithRetry overrides the retry policy for one step.
func WithRetry(p faults.RetryPolicy) StepOption {
	return func(s *StepSettings) {
		s.Retry = &p
	}
}

// WithStepInput records v as the step's input.
func WithStepInput(v any) StepOption {
	return func(s *StepSettings) {
		s.Input = v
	}
}

// NewStepSettings applies opts over zero settings.
func NewStepSettings(opts ...StepOption) StepSettings {
	var s StepSettings
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// WithTimeout bounds a wait; expiry returns a timeout fault.
func WithTimeout(d time.Duration) WaitOption {
	return func(s *WaitSettings) {
		s.Timeout = d
	}
}

// WithCorrelationKey narrows a wait to publishes carrying the same value.
func WithCorrelationKey(k string) WaitOption {
	return func(s *WaitSettings) {
		s.CorrelationKey = k
	}
}

// NewWaitSettings applies opts over zero settings.
func NewWaitSettings(opts ...WaitOption) WaitSettings {
	var s WaitSettings
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// WithReviewers lists who should respond to a review.
func WithReviewers(reviewers ...string) ApprovalOption {
	return func(s *ApprovalSettings) {
		s.Reviewers = reviewers
	}
}

// WithApprovalTimeout resolves the review with defaultAction when d elapses.
func WithApprovalTimeout(d time.Duration, defaultAction string) ApprovalOption {
	return func(s *ApprovalSettings) {
		s.Timeout = d
		s.DefaultAction = defaultAction
	}
}

// WithReviewPayload attaches v to the review request for reviewers.
func WithReviewPayload(v any) ApprovalOption {
	return func(s *ApprovalSettings) {
		s.Payload = v
	}
}

// NewApprovalSettings applies opts over zero settings.
func NewApprovalSettings(opts ...ApprovalOption) ApprovalSettings {
	var s ApprovalSettings
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// DecisionFor maps a review action to a Decision. Approve, edit, and skip
// count as approved.
func DecisionFor(action, reviewer, comment string, edited json.RawMessage) Decision {
	return Decision{
		Approved: action == ActionApprove || action == ActionEdit || action == ActionSkip,
		Action:   action,
		Reviewer: reviewer,
		Comment:  comment,
		Edited:   edited,
	}
}

// RunAs executes a memoised step whose output decodes into T.
func RunAs[T any](wctx Context, name string, fn func(ctx context.Context, info StepInfo) (T, error), opts ...StepOption) (T, error) {
	var zero T
	raw, err := wctx.Run(name, func(ctx context.Context, info StepInfo) (any, error) {
		return fn(ctx, info)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, faults.Newf(faults.KindPermanent, "decode step %q output: %v", name, err)
	}
	return out, nil
}

// Guardf checks a business rule. It returns nil when cond holds and a guard
// fault otherwise; guard faults fail the instance without retry.
func Guardf(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return faults.Guardf(format, args...)
}
