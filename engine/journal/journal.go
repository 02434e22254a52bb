// Package journal defines the append-only event log that makes workflow
// instances durable. Every effect an instance performs is recorded as an
// Entry; replaying an instance's entries through the Projection reducer
// reconstructs its materialised state exactly. The executor uses the same
// reducer incrementally, so stored state and replayed state cannot diverge.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Entry is one record in an instance's log. Ordinals are dense, 1-based
	// positions assigned by the store at append time; IDs are globally
	// unique for cross-store correlation.
	Entry struct {
		ID         string          `json:"id" bson:"entry_id"`
		InstanceID string          `json:"instanceId" bson:"instance_id"`
		Ordinal    uint64          `json:"ordinal" bson:"ordinal"`
		Kind       Kind            `json:"kind" bson:"kind"`
		Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
		Payload    json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	}

	// Kind identifies what an entry records.
	Kind string

	// Page is a cursor-paginated slice of entries in ascending ordinal
	// order. NextOrdinal is zero when no further entries exist.
	Page struct {
		Entries     []Entry
		NextOrdinal uint64
	}

	// Status is an instance's lifecycle status. It is derived from the log:
	// the projection computes it and the store persists the same value.
	Status string
)

const (
	KindStepStarted     Kind = "step_started"
	KindStepCompleted   Kind = "step_completed"
	KindStepFailed      Kind = "step_failed"
	KindSleepStarted    Kind = "sleep_started"
	KindSleepFired      Kind = "sleep_fired"
	KindEventAwaited    Kind = "event_awaited"
	KindEventArrived    Kind = "event_arrived"
	KindStateTransition Kind = "state_transition"
	KindRetry           Kind = "retry"
	KindErrorRaised     Kind = "error_raised"
	KindCheckpoint      Kind = "checkpoint"
	KindReviewRequested Kind = "review_requested"
	KindReviewResponded Kind = "review_responded"
	KindCancelRequested Kind = "cancel_requested"
	KindTerminal        Kind = "terminal"
)

const (
	// StatusPending marks a created instance that has not run a cycle yet.
	StatusPending Status = "pending"
	// StatusRunning marks an instance with work available.
	StatusRunning Status = "running"
	// StatusSuspended marks an instance parked on a timer, event, or review.
	StatusSuspended Status = "suspended"
	// StatusCompleted marks successful terminal completion.
	StatusCompleted Status = "completed"
	// StatusFailed marks terminal failure.
	StatusFailed Status = "failed"
	// StatusCancelled marks terminal cancellation.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses never
// change and terminal instances accept no further entries.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// New builds an entry for the given instance. The payload is JSON-encoded;
// ordinal assignment is left to the store.
func New(instanceID string, kind Kind, at time.Time, payload any) (Entry, error) {
	e := Entry{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Kind:       kind,
		Timestamp:  at,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		e.Payload = raw
	}
	return e, nil
}

// MustNew is New for payloads the engine constructs itself, where encoding
// cannot fail.
func MustNew(instanceID string, kind Kind, at time.Time, payload any) Entry {
	e, err := New(instanceID, kind, at, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// StepKey identifies a step occurrence within an instance. The ordinal is
// the per-name occurrence counter, deterministic under replay.
func StepKey(step string, ordinal int) string { return fmt.Sprintf("%s#%d", step, ordinal) }

// SleepKey identifies a sleep occurrence by purpose.
func SleepKey(purpose string, ordinal int) string { return fmt.Sprintf("%s#%d", purpose, ordinal) }

// WaitKey identifies an event wait occurrence by event name.
func WaitKey(event string, ordinal int) string { return fmt.Sprintf("%s#%d", event, ordinal) }

// ReviewKey identifies a review wait occurrence by scope.
func ReviewKey(scope string, ordinal int) string { return fmt.Sprintf("%s#%d", scope, ordinal) }

// SplitKey reverses the key constructors, returning the name and ordinal of
// an occurrence key. Names may themselves contain '#' so the split is on the
// last separator. A key without one parses as (key, 0).
func SplitKey(key string) (string, int) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] != '#' {
			continue
		}
		var ord int
		if _, err := fmt.Sscanf(key[i+1:], "%d", &ord); err != nil {
			return key, 0
		}
		return key[:i], ord
	}
	return key, 0
}
