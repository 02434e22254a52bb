// Package stream delivers instance lifecycle updates to external consumers.
// Stream events differ from journal entries: the journal is the authoritative
// record of execution while stream events are best-effort notifications for
// UIs, audit pipelines, and downstream services. A failed Send never fails the
// resume cycle that produced it.
//
// All event types share the Event envelope and can be safely sent concurrently
// through a Sink implementation. Implementations are responsible for marshaling
// events into their wire format (JSON over Pulse, SSE, etc.).
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitchlane/flow/engine/faults"
)

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventInstanceCreated fires when a new instance is admitted.
	EventInstanceCreated EventType = "instance_created"

	// EventStateChanged fires on every recorded state transition.
	EventStateChanged EventType = "state_changed"

	// EventStepCompleted fires when a step body finishes and its outcome is
	// committed to the journal.
	EventStepCompleted EventType = "step_completed"

	// EventStepFailed fires when a step exhausts its retry budget.
	EventStepFailed EventType = "step_failed"

	// EventInstanceSuspended fires when a resume cycle leaves the instance
	// parked on one or more open suspensions.
	EventInstanceSuspended EventType = "instance_suspended"

	// EventInstanceCompleted fires once when the instance reaches Completed.
	EventInstanceCompleted EventType = "instance_completed"

	// EventInstanceFailed fires once when the instance reaches Failed.
	EventInstanceFailed EventType = "instance_failed"

	// EventInstanceCancelled fires once when the instance reaches Cancelled.
	EventInstanceCancelled EventType = "instance_cancelled"

	// EventReviewRequested fires when a handler opens a human review gate.
	EventReviewRequested EventType = "review_requested"

	// EventDLQAdded fires when a record is parked on the dead letter queue,
	// either an exhausted step or a dropped queued event.
	EventDLQAdded EventType = "dlq_added"
)

type (
	// Event is the envelope shared by all lifecycle events. Instances of Event
	// are immutable after construction and safe to send concurrently.
	Event struct {
		// Type identifies the payload flavor.
		Type EventType `json:"type"`
		// InstanceID is the workflow instance the event describes. Every event
		// carries it so multiplexed consumers can route without decoding Payload.
		InstanceID string `json:"instance_id"`
		// Timestamp records when the underlying engine action happened, not
		// when the event was delivered.
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the type-specific data. It must be JSON-serializable.
		Payload any `json:"payload,omitempty"`
	}

	// InstanceCreatedPayload describes a newly admitted instance.
	InstanceCreatedPayload struct {
		// Kind is the workflow kind name, e.g. "pitch.investment".
		Kind string `json:"kind"`
		// KindVersion is the definition version the instance is pinned to.
		KindVersion string `json:"kind_version"`
		// CorrelationKeys are the routing keys the instance registered at
		// creation, e.g. {"pitchId": "p-42"}.
		CorrelationKeys map[string]string `json:"correlation_keys,omitempty"`
	}

	// StateChangedPayload describes a state machine transition.
	StateChangedPayload struct {
		From string `json:"from,omitempty"`
		To   string `json:"to"`
		// Cause names what drove the transition: "created" for the first
		// transition, "handler" for a GoTo, "state_timeout" for a deadline.
		Cause string `json:"cause,omitempty"`
	}

	// StepCompletedPayload describes a successful step outcome.
	StepCompletedPayload struct {
		// Step is the occurrence key, e.g. "chargeEscrow#0".
		Step  string `json:"step"`
		State string `json:"state,omitempty"`
	}

	// StepFailedPayload describes a step that exhausted its retry budget.
	StepFailedPayload struct {
		Step     string       `json:"step"`
		Attempts int          `json:"attempts"`
		Failure  *faults.Info `json:"failure,omitempty"`
	}

	// InstanceSuspendedPayload lists the suspensions an instance is parked on.
	InstanceSuspendedPayload struct {
		State string `json:"state,omitempty"`
		// Open holds the occurrence keys of every unsatisfied suspension.
		Open []string `json:"open,omitempty"`
	}

	// InstanceCompletedPayload carries the terminal output of a successful run.
	InstanceCompletedPayload struct {
		State  string          `json:"state"`
		Output json.RawMessage `json:"output,omitempty"`
	}

	// InstanceFailedPayload carries the terminal failure of an unsuccessful run.
	InstanceFailedPayload struct {
		State   string       `json:"state,omitempty"`
		Failure *faults.Info `json:"failure,omitempty"`
	}

	// InstanceCancelledPayload carries the reason recorded with the cancel request.
	InstanceCancelledPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// ReviewRequestedPayload describes a newly opened human review gate.
	ReviewRequestedPayload struct {
		// Scope is the review occurrence key, e.g. "legal-review#0".
		Scope     string     `json:"scope"`
		Reviewers []string   `json:"reviewers,omitempty"`
		Deadline  *time.Time `json:"deadline,omitempty"`
	}

	// DLQAddedPayload describes a record parked on the dead letter queue.
	DLQAddedPayload struct {
		// Step is set when an exhausted step parked the instance.
		Step    string       `json:"step,omitempty"`
		Failure *faults.Info `json:"failure,omitempty"`
		// DroppedEvent is set when queue overflow evicted an event.
		DroppedEvent string `json:"dropped_event,omitempty"`
	}
)

// Sink delivers lifecycle events to an external transport (Pulse, SSE, logs).
// Implementations must be thread-safe: the dispatcher may call Send
// concurrently from multiple workers.
type Sink interface {
	// Send publishes an event to the sink's underlying transport. The
	// implementation is responsible for marshaling the event into its wire
	// format and handling transport-specific delivery semantics.
	//
	// Send should return an error if delivery fails (connection closed,
	// serialization error, transport unavailable). Callers log Send errors;
	// they never abort the engine action that produced the event.
	Send(ctx context.Context, event Event) error

	// Close releases resources owned by the sink (connections, buffers,
	// background goroutines). After Close returns, subsequent Send calls must
	// return errors. Close is idempotent.
	//
	// The context bounds graceful shutdown. If it expires before shutdown
	// completes, implementations should abort, potentially dropping
	// unflushed events.
	Close(ctx context.Context) error
}

// New constructs an Event envelope for the given instance and payload.
func New(t EventType, instanceID string, at time.Time, payload any) Event {
	return Event{Type: t, InstanceID: instanceID, Timestamp: at, Payload: payload}
}
