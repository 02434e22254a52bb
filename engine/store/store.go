// Package store defines the persistence contract for workflow instances:
// materialised rows, the append-only journal, step records, pending timers
// and waits, queued events, leases, the dead-letter queue, and snapshots.
// Implementations live in the inmem subpackage and features/store/mongo;
// both provide the same transactional guarantees the executor relies on,
// in particular atomic cycle commits fenced by the journal head.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/journal"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a cycle commit's ExpectedHead is stale,
	// meaning entries landed out-of-band since the cycle loaded its state.
	ErrConflict = errors.New("journal head conflict")
	// ErrTerminal is returned when an operation targets an instance whose
	// log is sealed by a terminal entry.
	ErrTerminal = errors.New("instance is terminal")
)

// DuplicateKeyError is returned by CreateInstance when the idempotency key
// was already used; ExistingID identifies the instance that owns it.
type DuplicateKeyError struct {
	ExistingID string
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("idempotency key already used by instance %s", e.ExistingID)
}

// Store is the engine's persistence port.
type Store interface {
	// CreateInstance atomically persists a new instance and its seed
	// entries. A reused idempotency key returns *DuplicateKeyError.
	CreateInstance(ctx context.Context, inst Instance, entries []journal.Entry) error
	// LoadInstance returns the instance row or ErrNotFound.
	LoadInstance(ctx context.Context, id string) (Instance, error)
	// ListInstances returns rows matching the filter, newest first.
	ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error)
	// FindByCorrelation returns non-terminal instances holding the
	// correlation value.
	FindByCorrelation(ctx context.Context, value string) ([]Instance, error)

	// AppendCycle commits one resume cycle. It returns the entries with
	// their assigned ordinals. A stale ExpectedHead returns ErrConflict;
	// a sealed log returns ErrTerminal.
	AppendCycle(ctx context.Context, up CycleUpdate) ([]journal.Entry, error)
	// Journal pages an instance's log in ascending ordinal order starting
	// at fromOrdinal (0 or 1 both mean the beginning).
	Journal(ctx context.Context, id string, fromOrdinal uint64, limit int) (journal.Page, error)
	// StepRecords returns all step records of an instance.
	StepRecords(ctx context.Context, id string) ([]StepRecord, error)

	// FindWaiters returns pending waits matching the event name and, when
	// the wait declares one, the correlation key.
	FindWaiters(ctx context.Context, event, correlationKey string) ([]PendingWait, error)
	// GetWait returns the pending wait with the occurrence key, or nil.
	GetWait(ctx context.Context, instanceID, key string) (*PendingWait, error)
	// ListWaits returns an instance's pending waits.
	ListWaits(ctx context.Context, instanceID string) ([]PendingWait, error)
	// SatisfyWait consumes the wait and appends the arrival entry. It
	// returns the stamped entry, or nil when the wait no longer exists.
	SatisfyWait(ctx context.Context, instanceID, key string, entry journal.Entry) (*journal.Entry, error)
	// TimeoutWait consumes the wait and its deadline timer and appends the
	// timeout entry. Nil when the wait was already satisfied.
	TimeoutWait(ctx context.Context, instanceID, key, timerID string, entry journal.Entry) (*journal.Entry, error)

	// EnqueueEvent stores an early event under the per-name bound,
	// evicting the oldest entry to the dead-letter queue on overflow.
	EnqueueEvent(ctx context.Context, ev QueuedEvent, perNameLimit int) (QueueResult, error)
	// DequeueMatching removes and returns the oldest unexpired queued
	// event for the instance and event name, or nil.
	DequeueMatching(ctx context.Context, instanceID, event, correlationKey string) (*QueuedEvent, error)
	// PurgeExpiredQueued drops expired queued events.
	PurgeExpiredQueued(ctx context.Context) (int, error)

	// SeenPublisherKey records the key and reports whether it was already
	// present. Keys expire after ttl.
	SeenPublisherKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// PurgePublisherKeys drops expired publisher keys.
	PurgePublisherKeys(ctx context.Context) (int, error)

	// RequestCancel appends the cancellation entry and flags the row.
	// Idempotent; ErrTerminal when the log is sealed.
	RequestCancel(ctx context.Context, instanceID string, entry journal.Entry) error

	// InsertTimer persists a timer outside a cycle commit.
	InsertTimer(ctx context.Context, t PendingTimer) error
	// DeleteTimer removes a timer, reporting whether it was still present.
	// Firing and cancellation race through this; false means lost.
	DeleteTimer(ctx context.Context, timerID string) (bool, error)
	// ListTimers returns all pending timers, soonest first.
	ListTimers(ctx context.Context) ([]PendingTimer, error)
	// FireSleep consumes a sleep timer and appends its fired entry. Nil
	// when the timer was already consumed.
	FireSleep(ctx context.Context, instanceID, timerID string, entry journal.Entry) (*journal.Entry, error)

	// AcquireLease grants exclusive execution of the instance to owner
	// until ttl elapses. False when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends the lease; false when owner no longer holds it.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, instanceID, owner string) error

	// MoveToDLQ inserts a dead-letter record.
	MoveToDLQ(ctx context.Context, e DLQEntry) error
	// ListDLQ returns all dead-letter records, oldest first.
	ListDLQ(ctx context.Context) ([]DLQEntry, error)
	// TakeDLQ removes and returns the instance's dead-letter record.
	TakeDLQ(ctx context.Context, instanceID string) (*DLQEntry, error)
	// PurgeDLQ drops records moved before the cutoff.
	PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error)

	// PutSnapshot persists a snapshot.
	PutSnapshot(ctx context.Context, s Snapshot) error
	// GetSnapshot returns the snapshot or ErrNotFound.
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	// ListSnapshots returns an instance's snapshots, newest first.
	ListSnapshots(ctx context.Context, instanceID string) ([]Snapshot, error)
	// PurgeSnapshots drops snapshots taken before the cutoff.
	PurgeSnapshots(ctx context.Context, olderThan time.Time) (int, error)
}
