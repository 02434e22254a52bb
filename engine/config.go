package engine

import (
	"time"

	"github.com/pitchlane/flow/engine/faults"
)

// Config is the unified tuning surface for an Engine. The zero value is not
// usable; start from DefaultConfig and override fields as needed. Durations
// that govern retries feed the executor's default policy and apply only to
// steps that declare no policy of their own.
type Config struct {
	// MaxRetries is the default attempt budget for steps without an
	// explicit retry policy, including the first attempt.
	MaxRetries int
	// DefaultInitialBackoff is the delay before the first default retry.
	DefaultInitialBackoff time.Duration
	// DefaultBackoffMultiplier grows the default backoff after each retry.
	DefaultBackoffMultiplier float64
	// DefaultMaxBackoff caps the default delay between retries.
	DefaultMaxBackoff time.Duration
	// InstanceOverallTimeout bounds an instance's total lifetime from
	// creation. Instances past it fail with a timeout fault on their next
	// resume cycle.
	InstanceOverallTimeout time.Duration
	// LeaseDuration is how long a dispatcher worker owns an instance
	// between renewals.
	LeaseDuration time.Duration
	// WorkerCount is the number of concurrent resume workers.
	WorkerCount int
	// StuckThreshold is the idle age past which the stuck scan flags an
	// instance.
	StuckThreshold time.Duration
	// DLQRetention is how long dead-letter records are kept before the
	// retention sweep drops them.
	DLQRetention time.Duration
	// SnapshotRetention is how long snapshots are kept before the
	// retention sweep drops them.
	SnapshotRetention time.Duration
	// MaxQueuedEventsPerName bounds buffered early events per instance and
	// event name. Overflow evicts the oldest entry to the dead letter
	// queue.
	MaxQueuedEventsPerName int
	// EventQueueTTL expires buffered events that were never consumed.
	EventQueueTTL time.Duration
	// PublisherKeyTTL is the dedup window for publisher idempotency keys.
	PublisherKeyTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:               5,
		DefaultInitialBackoff:    time.Second,
		DefaultBackoffMultiplier: 2.0,
		DefaultMaxBackoff:        5 * time.Minute,
		InstanceOverallTimeout:   30 * 24 * time.Hour,
		LeaseDuration:            30 * time.Second,
		WorkerCount:              4,
		StuckThreshold:           24 * time.Hour,
		DLQRetention:             14 * 24 * time.Hour,
		SnapshotRetention:        30 * 24 * time.Hour,
		MaxQueuedEventsPerName:   1000,
		EventQueueTTL:            7 * 24 * time.Hour,
		PublisherKeyTTL:          24 * time.Hour,
	}
}

// Validate reports the first invalid field as a validation fault.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return faults.Validationf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.DefaultInitialBackoff <= 0 {
		return faults.Validationf("default initial backoff must be positive, got %s", c.DefaultInitialBackoff)
	}
	if c.DefaultBackoffMultiplier < 1 {
		return faults.Validationf("default backoff multiplier must be at least 1, got %g", c.DefaultBackoffMultiplier)
	}
	if c.DefaultMaxBackoff < c.DefaultInitialBackoff {
		return faults.Validationf("default max backoff %s is below the initial backoff %s", c.DefaultMaxBackoff, c.DefaultInitialBackoff)
	}
	if c.InstanceOverallTimeout <= 0 {
		return faults.Validationf("instance overall timeout must be positive, got %s", c.InstanceOverallTimeout)
	}
	if c.LeaseDuration <= 0 {
		return faults.Validationf("lease duration must be positive, got %s", c.LeaseDuration)
	}
	if c.WorkerCount < 1 {
		return faults.Validationf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.StuckThreshold <= 0 {
		return faults.Validationf("stuck threshold must be positive, got %s", c.StuckThreshold)
	}
	if c.DLQRetention <= 0 {
		return faults.Validationf("dlq retention must be positive, got %s", c.DLQRetention)
	}
	if c.SnapshotRetention <= 0 {
		return faults.Validationf("snapshot retention must be positive, got %s", c.SnapshotRetention)
	}
	if c.MaxQueuedEventsPerName < 1 {
		return faults.Validationf("max queued events per name must be at least 1, got %d", c.MaxQueuedEventsPerName)
	}
	if c.EventQueueTTL <= 0 {
		return faults.Validationf("event queue ttl must be positive, got %s", c.EventQueueTTL)
	}
	if c.PublisherKeyTTL <= 0 {
		return faults.Validationf("publisher key ttl must be positive, got %s", c.PublisherKeyTTL)
	}
	return nil
}
