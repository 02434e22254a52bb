package store

import (
	"encoding/json"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
)

type (
	// Instance is the materialised row for a workflow instance. Every field
	// except Input, Kind, KindVersion, CorrelationKeys, IdempotencyKey, and
	// CreatedAt is derivable from the instance's journal; the executor keeps
	// the row in lockstep with the log at each commit.
	Instance struct {
		ID              string            `json:"id" bson:"_id"`
		Kind            string            `json:"kind" bson:"kind"`
		KindVersion     string            `json:"kindVersion" bson:"kind_version"`
		Status          journal.Status    `json:"status" bson:"status"`
		State           string            `json:"state" bson:"state"`
		Input           json.RawMessage   `json:"input,omitempty" bson:"input,omitempty"`
		Output          json.RawMessage   `json:"output,omitempty" bson:"output,omitempty"`
		Failure         *faults.Info      `json:"failure,omitempty" bson:"failure,omitempty"`
		CancelRequested bool              `json:"cancelRequested" bson:"cancel_requested"`
		CorrelationKeys map[string]string `json:"correlationKeys,omitempty" bson:"correlation_keys,omitempty"`
		IdempotencyKey  string            `json:"idempotencyKey,omitempty" bson:"idempotency_key,omitempty"`
		// OpenSuspensions mirrors the projection's unsatisfied suspension
		// count so status stays log-derived between cycles.
		OpenSuspensions int       `json:"openSuspensions" bson:"open_suspensions"`
		LogHead         uint64    `json:"logHead" bson:"log_head"`
		CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
		UpdatedAt       time.Time `json:"updatedAt" bson:"updated_at"`
		LastLogAt       time.Time `json:"lastLogAt" bson:"last_log_at"`
	}

	// StepRecord is the durable outcome of one step occurrence. The unique
	// key is (InstanceID, Step, Ordinal). Once Status is terminal the body
	// is never invoked again for this occurrence; a dead-letter retry
	// reopens the record through an appended Retry entry.
	StepRecord struct {
		InstanceID     string          `json:"instanceId" bson:"instance_id"`
		Step           string          `json:"step" bson:"step"`
		Ordinal        int             `json:"ordinal" bson:"ordinal"`
		Status         StepStatus      `json:"status" bson:"status"`
		Attempts       int             `json:"attempts" bson:"attempts"`
		Panics         int             `json:"panics" bson:"panics"`
		Input          json.RawMessage `json:"input,omitempty" bson:"input,omitempty"`
		Output         json.RawMessage `json:"output,omitempty" bson:"output,omitempty"`
		Failure        *faults.Info    `json:"failure,omitempty" bson:"failure,omitempty"`
		IdempotencyKey string          `json:"idempotencyKey" bson:"idempotency_key"`
		StartedAt      time.Time       `json:"startedAt" bson:"started_at"`
		UpdatedAt      time.Time       `json:"updatedAt" bson:"updated_at"`
	}

	// StepStatus is a step record's lifecycle status.
	StepStatus string

	// PendingTimer is a durable timer. Purpose distinguishes sleeps, retry
	// backoffs, and wait deadlines; Key carries the occurrence key the
	// timer resolves.
	PendingTimer struct {
		ID         string       `json:"id" bson:"_id"`
		InstanceID string       `json:"instanceId" bson:"instance_id"`
		Purpose    TimerPurpose `json:"purpose" bson:"purpose"`
		Key        string       `json:"key" bson:"key"`
		FireAt     time.Time    `json:"fireAt" bson:"fire_at"`
		CreatedAt  time.Time    `json:"createdAt" bson:"created_at"`
	}

	// TimerPurpose classifies what a pending timer resolves when it fires.
	TimerPurpose string

	// PendingWait is a registered, unsatisfied wait. Key is the occurrence
	// key; review waits carry Scope, Reviewers, and an optional default
	// action applied at the deadline.
	PendingWait struct {
		InstanceID     string     `json:"instanceId" bson:"instance_id"`
		Key            string     `json:"key" bson:"key"`
		Event          string     `json:"event" bson:"event"`
		Ordinal        int        `json:"ordinal" bson:"ordinal"`
		CorrelationKey string     `json:"correlationKey,omitempty" bson:"correlation_key,omitempty"`
		Deadline       *time.Time `json:"deadline,omitempty" bson:"deadline,omitempty"`
		TimerID        string     `json:"timerId,omitempty" bson:"timer_id,omitempty"`
		Scope          string     `json:"scope,omitempty" bson:"scope,omitempty"`
		Reviewers      []string   `json:"reviewers,omitempty" bson:"reviewers,omitempty"`
		DefaultAction  string     `json:"defaultAction,omitempty" bson:"default_action,omitempty"`
		CreatedAt      time.Time  `json:"createdAt" bson:"created_at"`
	}

	// QueuedEvent is an event that arrived before its wait was registered.
	// InstanceID is set for instance-targeted publishes and empty for
	// correlation-matched ones.
	QueuedEvent struct {
		ID             string          `json:"id" bson:"_id"`
		InstanceID     string          `json:"instanceId,omitempty" bson:"instance_id,omitempty"`
		Event          string          `json:"event" bson:"event"`
		CorrelationKey string          `json:"correlationKey,omitempty" bson:"correlation_key,omitempty"`
		Payload        json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
		PublisherKey   string          `json:"publisherKey,omitempty" bson:"publisher_key,omitempty"`
		EnqueuedAt     time.Time       `json:"enqueuedAt" bson:"enqueued_at"`
		ExpiresAt      time.Time       `json:"expiresAt" bson:"expires_at"`
	}

	// QueueResult reports what EnqueueEvent did.
	QueueResult struct {
		Queued bool
		// DroppedOldest is the entry evicted to the dead-letter queue when
		// the per-name bound was hit.
		DroppedOldest *QueuedEvent
		Depth         int
	}

	// DLQEntry is a dead-letter record: either a parked instance awaiting
	// operator action or an event dropped on queue overflow.
	DLQEntry struct {
		ID           string       `json:"id" bson:"_id"`
		InstanceID   string       `json:"instanceId,omitempty" bson:"instance_id,omitempty"`
		Kind         string       `json:"kind,omitempty" bson:"kind,omitempty"`
		State        string       `json:"state,omitempty" bson:"state,omitempty"`
		Step         string       `json:"step,omitempty" bson:"step,omitempty"`
		Failure      *faults.Info `json:"failure,omitempty" bson:"failure,omitempty"`
		Attempts     int          `json:"attempts,omitempty" bson:"attempts,omitempty"`
		DroppedEvent *QueuedEvent `json:"droppedEvent,omitempty" bson:"dropped_event,omitempty"`
		MovedAt      time.Time    `json:"movedAt" bson:"moved_at"`
	}

	// Snapshot captures an instance's log head and materialised state under
	// a label. Restoring forks a new instance; originals are never mutated.
	Snapshot struct {
		ID         string          `json:"id" bson:"_id"`
		InstanceID string          `json:"instanceId" bson:"instance_id"`
		Label      string          `json:"label" bson:"label"`
		LogHead    uint64          `json:"logHead" bson:"log_head"`
		State      json.RawMessage `json:"state,omitempty" bson:"state,omitempty"`
		TakenAt    time.Time       `json:"takenAt" bson:"taken_at"`
	}

	// InstanceFilter narrows ListInstances.
	InstanceFilter struct {
		Kind          string
		Statuses      []journal.Status
		LastLogBefore time.Time
		Limit         int
	}

	// InstanceUpdate carries the executor-computed row fields for a commit.
	// KindVersion is applied only when non-empty; resume cycles leave it
	// blank and only an explicit migration sets it.
	InstanceUpdate struct {
		Status          journal.Status
		State           string
		Output          json.RawMessage
		Failure         *faults.Info
		OpenSuspensions int
		KindVersion     string
	}

	// CycleUpdate is one resume cycle's atomic commit: journal entries get
	// dense ordinals following ExpectedHead, step records are upserted,
	// timers and waits are installed or removed, and the instance row is
	// brought in line with the post-cycle projection. A stale ExpectedHead
	// fails the whole batch with ErrConflict.
	CycleUpdate struct {
		InstanceID   string
		ExpectedHead uint64
		Entries      []journal.Entry
		Steps        []StepRecord
		PutTimers    []PendingTimer
		DeleteTimers []string
		PutWaits     []PendingWait
		DeleteWaits  []string
		Instance     InstanceUpdate
	}
)

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

const (
	// TimerSleep resolves a durable sleep.
	TimerSleep TimerPurpose = "sleep"
	// TimerRetry resolves a step retry backoff.
	TimerRetry TimerPurpose = "retry"
	// TimerDeadline resolves a wait or review deadline.
	TimerDeadline TimerPurpose = "deadline"
)

// Key returns the step record's occurrence key.
func (r StepRecord) Key() string { return journal.StepKey(r.Step, r.Ordinal) }

// Terminal reports whether the record's outcome is durable.
func (r StepRecord) Terminal() bool { return r.Status == StepCompleted || r.Status == StepFailed }
