package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/faults"
)

type (
	// StepStartedPayload records a step body invocation. Attempt is 1-based.
	StepStartedPayload struct {
		Step    string          `json:"step"`
		Ordinal int             `json:"ordinal"`
		Attempt int             `json:"attempt"`
		Input   json.RawMessage `json:"input,omitempty"`
	}

	// StepCompletedPayload records a step's durable output. Once written the
	// step body is never invoked again for this occurrence.
	StepCompletedPayload struct {
		Step    string          `json:"step"`
		Ordinal int             `json:"ordinal"`
		Output  json.RawMessage `json:"output,omitempty"`
	}

	// StepFailedPayload records a step's permanent failure.
	StepFailedPayload struct {
		Step     string       `json:"step"`
		Ordinal  int          `json:"ordinal"`
		Attempts int          `json:"attempts"`
		Failure  *faults.Info `json:"failure"`
	}

	// SleepStartedPayload records a durable sleep registration.
	SleepStartedPayload struct {
		Purpose  string        `json:"purpose"`
		Ordinal  int           `json:"ordinal"`
		Duration time.Duration `json:"duration"`
		FireAt   time.Time     `json:"fireAt"`
	}

	// SleepFiredPayload records a sleep's timer firing.
	SleepFiredPayload struct {
		Purpose string `json:"purpose"`
		Ordinal int    `json:"ordinal"`
	}

	// EventAwaitedPayload records an event wait registration.
	EventAwaitedPayload struct {
		Event          string     `json:"event"`
		Ordinal        int        `json:"ordinal"`
		CorrelationKey string     `json:"correlationKey,omitempty"`
		Deadline       *time.Time `json:"deadline,omitempty"`
	}

	// EventArrivedPayload records the single satisfaction of a wait.
	EventArrivedPayload struct {
		Event          string          `json:"event"`
		Ordinal        int             `json:"ordinal"`
		CorrelationKey string          `json:"correlationKey,omitempty"`
		Payload        json.RawMessage `json:"payload,omitempty"`
		PublisherKey   string          `json:"publisherKey,omitempty"`
	}

	// StateTransitionPayload records movement between workflow states.
	StateTransitionPayload struct {
		From  string `json:"from,omitempty"`
		To    string `json:"to"`
		Cause string `json:"cause,omitempty"`
	}

	// RetryPayload records a scheduled retry of a step occurrence. Attempt
	// is the attempt that will run when the backoff timer fires.
	RetryPayload struct {
		Step    string        `json:"step"`
		Ordinal int           `json:"ordinal"`
		Attempt int           `json:"attempt"`
		Backoff time.Duration `json:"backoff"`
		FireAt  time.Time     `json:"fireAt"`
	}

	// ErrorRaisedPayload records a non-terminal error observation. A set
	// Wait key marks a wait timeout, synthetic or real. A set Step key
	// marks an uncaught step failure that parked the instance in the
	// dead-letter queue.
	ErrorRaisedPayload struct {
		Failure *faults.Info `json:"failure"`
		Step    string       `json:"step,omitempty"`
		Wait    string       `json:"wait,omitempty"`
	}

	// CheckpointPayload records a durable progress marker.
	CheckpointPayload struct {
		Label string          `json:"label"`
		Data  json.RawMessage `json:"data,omitempty"`
	}

	// ReviewRequestedPayload records a human review registration.
	ReviewRequestedPayload struct {
		Scope     string          `json:"scope"`
		Ordinal   int             `json:"ordinal"`
		Reviewers []string        `json:"reviewers,omitempty"`
		Deadline  *time.Time      `json:"deadline,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// ReviewRespondedPayload records the decision that satisfied a review.
	ReviewRespondedPayload struct {
		Scope    string          `json:"scope"`
		Ordinal  int             `json:"ordinal"`
		Action   string          `json:"action"`
		Reviewer string          `json:"reviewer,omitempty"`
		Comment  string          `json:"comment,omitempty"`
		Edited   json.RawMessage `json:"edited,omitempty"`
	}

	// CancelRequestedPayload records an operator cancellation request.
	CancelRequestedPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// TerminalPayload records the instance's final status, state, and
	// result. It is always the last entry of a log.
	TerminalPayload struct {
		Status  Status          `json:"status"`
		State   string          `json:"state,omitempty"`
		Output  json.RawMessage `json:"output,omitempty"`
		Failure *faults.Info    `json:"failure,omitempty"`
	}
)

// Review actions, matching the control-plane decision verbs.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
	ReviewEdit    = "edit"
	ReviewSkip    = "skip"
	ReviewAbort   = "abort"
)

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("entry %d (%s): empty payload", e.Ordinal, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload at ordinal %d: %w", e.Kind, e.Ordinal, err)
	}
	return nil
}
