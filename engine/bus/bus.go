// Package bus routes external events to workflow instances. An event either
// satisfies a pending wait (appending EventArrived and waking the instance),
// is queued for an instance that registered a matching correlation key but is
// not currently waiting, or is reported as unmatched.
//
// Delivery is at-least-once: publishers may retry, and the bus dedupes by
// publisher key. Consumption is at-most-once per wait: the Store's
// SatisfyWait removes the pending wait in the same serialized operation that
// appends the arrival entry, so concurrent publishes cannot satisfy one wait
// twice.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// Event is an external occurrence published into the engine.
	Event struct {
		// Name is the declared event name, e.g. "funds_received".
		Name string `json:"name"`
		// CorrelationKey narrows the target to instances that registered the
		// same value, e.g. a pitch ID. Empty matches waits that declared no
		// correlation key.
		CorrelationKey string `json:"correlation_key,omitempty"`
		// Payload is the event body, validated against the catalog schema for
		// Name when one is declared.
		Payload json.RawMessage `json:"payload,omitempty"`
		// PublisherKey is an optional idempotency token. Re-publishing with a
		// key seen within the dedup window returns Receipt.Duplicate without
		// side effects.
		PublisherKey string `json:"publisher_key,omitempty"`
	}

	// Receipt reports what Publish did with an event.
	Receipt struct {
		// InstanceID is the target instance when Delivered or Queued.
		InstanceID string `json:"instance_id,omitempty"`
		// Delivered is true when the event satisfied a pending wait.
		Delivered bool `json:"delivered"`
		// Queued is true when the event was buffered for a correlated
		// instance that is not currently waiting on it.
		Queued bool `json:"queued"`
		// Duplicate is true when the publisher key was already seen.
		Duplicate bool `json:"duplicate"`
		// NoMatch is true when no wait and no correlated instance matched.
		NoMatch bool `json:"no_match"`
		// Dropped is true when queueing evicted the oldest buffered event for
		// the same (instance, event) pair into the dead letter queue.
		Dropped bool `json:"dropped"`
	}

	// Response is a reviewer decision for a pending approval gate.
	Response struct {
		// Scope names the gate, e.g. "creator-approval".
		Scope string `json:"scope"`
		// Action is one of the journal review actions: approve, reject,
		// edit, skip, abort.
		Action string `json:"action"`
		// Reviewer identifies who responded.
		Reviewer string `json:"reviewer,omitempty"`
		// Comment carries the reviewer's note.
		Comment string `json:"comment,omitempty"`
		// Edited carries the revised payload for edit actions.
		Edited json.RawMessage `json:"edited,omitempty"`
	}

	// Waker is notified when an event satisfies a wait so the owning instance
	// gets scheduled for a resume cycle. The dispatcher implements it.
	Waker interface {
		Wake(instanceID string)
	}

	// WakerFunc adapts a plain function to the Waker interface.
	WakerFunc func(instanceID string)

	// Validator checks event payloads against declared schemas. The sealed
	// catalog implements it; a nil Validator skips validation.
	Validator interface {
		// ValidateEvent returns a validation fault when the payload violates
		// the schema declared for the event name, nil when it conforms or no
		// schema is declared.
		ValidateEvent(name string, payload []byte) error
	}

	// Bus routes published events to instances through the Store.
	Bus struct {
		store store.Store
		clk   clock.Clock

		waker     Waker
		validator Validator
		streams   stream.Bus
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		queueLimit      int
		queueTTL        time.Duration
		publisherKeyTTL time.Duration

		noMatchWarn rate.Sometimes
	}

	// Option configures a Bus.
	Option func(*Bus)
)

// Wake calls f.
func (f WakerFunc) Wake(instanceID string) { f(instanceID) }

// WithWaker sets the wake callback invoked after an event satisfies a wait.
func WithWaker(w Waker) Option {
	return func(b *Bus) {
		b.waker = w
	}
}

// WithValidator sets the payload validator, typically the sealed catalog.
func WithValidator(v Validator) Option {
	return func(b *Bus) {
		b.validator = v
	}
}

// WithStream sets the lifecycle stream bus used to report queue overflow
// evictions. When nil, evictions are only logged.
func WithStream(s stream.Bus) Option {
	return func(b *Bus) {
		b.streams = s
	}
}

// WithLogger configures the bus logger. When nil, the bus uses a noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics configures the bus metrics recorder. When nil, the bus uses a
// noop recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithQueueLimit bounds the number of buffered events per (instance, event)
// pair. Defaults to 1000.
func WithQueueLimit(n int) Option {
	return func(b *Bus) {
		b.queueLimit = n
	}
}

// WithQueueTTL bounds how long a buffered event stays deliverable. Defaults
// to 7 days.
func WithQueueTTL(d time.Duration) Option {
	return func(b *Bus) {
		b.queueTTL = d
	}
}

// WithPublisherKeyTTL bounds the publisher-key dedup window. Defaults to 24
// hours.
func WithPublisherKeyTTL(d time.Duration) Option {
	return func(b *Bus) {
		b.publisherKeyTTL = d
	}
}

// New constructs a Bus backed by the given Store.
func New(st store.Store, clk clock.Clock, opts ...Option) *Bus {
	if clk == nil {
		clk = clock.System()
	}
	b := &Bus{
		store:           st,
		clk:             clk,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		queueLimit:      1000,
		queueTTL:        7 * 24 * time.Hour,
		publisherKeyTTL: 24 * time.Hour,
		noMatchWarn:     rate.Sometimes{First: 5, Interval: time.Minute},
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

// Publish routes an event to the best matching instance. The oldest pending
// wait matching (Name, CorrelationKey) wins; otherwise the event is queued
// for the oldest non-terminal instance that registered the correlation key.
func (b *Bus) Publish(ctx context.Context, ev Event) (Receipt, error) {
	if ev.Name == "" {
		return Receipt{}, faults.Validationf("event name is required")
	}
	if err := b.validate(ev); err != nil {
		return Receipt{}, err
	}
	if dup, err := b.dedupe(ctx, ev); err != nil || dup {
		return Receipt{Duplicate: dup}, err
	}

	waiters, err := b.store.FindWaiters(ctx, ev.Name, ev.CorrelationKey)
	if err != nil {
		return Receipt{}, err
	}
	for _, w := range waiters {
		delivered, err := b.satisfy(ctx, w, ev)
		if err != nil {
			return Receipt{}, err
		}
		if delivered {
			b.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "result", "delivered", "event", ev.Name)
			return Receipt{InstanceID: w.InstanceID, Delivered: true}, nil
		}
	}

	if ev.CorrelationKey != "" {
		targets, err := b.store.FindByCorrelation(ctx, ev.CorrelationKey)
		if err != nil {
			return Receipt{}, err
		}
		if len(targets) > 0 {
			return b.enqueue(ctx, targets[0].ID, ev)
		}
	}

	b.noMatchWarn.Do(func() {
		b.logger.Warn(ctx, "event matched no instance",
			"event", ev.Name,
			"correlation_key", ev.CorrelationKey,
		)
	})
	b.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "result", "no_match", "event", ev.Name)
	return Receipt{NoMatch: true}, nil
}

// PublishTo routes an event to one specific instance, satisfying its matching
// pending wait if one exists and queueing otherwise. It returns
// store.ErrNotFound for unknown instances and store.ErrTerminal for finished
// ones.
func (b *Bus) PublishTo(ctx context.Context, instanceID string, ev Event) (Receipt, error) {
	if ev.Name == "" {
		return Receipt{}, faults.Validationf("event name is required")
	}
	if err := b.validate(ev); err != nil {
		return Receipt{}, err
	}
	inst, err := b.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return Receipt{}, err
	}
	if inst.Status.Terminal() {
		return Receipt{}, store.ErrTerminal
	}
	if dup, err := b.dedupe(ctx, ev); err != nil || dup {
		return Receipt{Duplicate: dup}, err
	}

	waits, err := b.store.ListWaits(ctx, instanceID)
	if err != nil {
		return Receipt{}, err
	}
	for _, w := range waits {
		if w.Event != ev.Name || w.Scope != "" {
			continue
		}
		if w.CorrelationKey != "" && w.CorrelationKey != ev.CorrelationKey {
			continue
		}
		delivered, err := b.satisfy(ctx, w, ev)
		if err != nil {
			return Receipt{}, err
		}
		if delivered {
			b.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "result", "delivered", "event", ev.Name)
			return Receipt{InstanceID: instanceID, Delivered: true}, nil
		}
	}
	return b.enqueue(ctx, instanceID, ev)
}

// Respond resolves the pending review gate in scope with the reviewer's
// decision and wakes the owning instance. It returns store.ErrNotFound when
// no gate is open for the scope, including when a concurrent response or an
// elapsed deadline won the race, and store.ErrTerminal for finished
// instances.
func (b *Bus) Respond(ctx context.Context, instanceID string, r Response) error {
	if r.Scope == "" {
		return faults.Validationf("review scope is required")
	}
	switch r.Action {
	case journal.ReviewApprove, journal.ReviewReject, journal.ReviewEdit, journal.ReviewSkip, journal.ReviewAbort:
	default:
		return faults.Validationf("unknown review action %q", r.Action)
	}
	waits, err := b.store.ListWaits(ctx, instanceID)
	if err != nil {
		return err
	}
	var gate *store.PendingWait
	for i := range waits {
		if waits[i].Scope == r.Scope {
			gate = &waits[i]
			break
		}
	}
	if gate == nil {
		return fmt.Errorf("review %q on instance %s: %w", r.Scope, instanceID, store.ErrNotFound)
	}
	entry, err := journal.New(instanceID, journal.KindReviewResponded, b.clk.Now(), journal.ReviewRespondedPayload{
		Scope:    r.Scope,
		Ordinal:  gate.Ordinal,
		Action:   r.Action,
		Reviewer: r.Reviewer,
		Comment:  r.Comment,
		Edited:   r.Edited,
	})
	if err != nil {
		return err
	}
	stamped, err := b.store.SatisfyWait(ctx, instanceID, gate.Key, entry)
	if err != nil {
		return err
	}
	if stamped == nil {
		return fmt.Errorf("review %q on instance %s: %w", r.Scope, instanceID, store.ErrNotFound)
	}
	b.logger.Info(ctx, "review resolved",
		"instance_id", instanceID,
		"scope", r.Scope,
		"action", r.Action,
		"reviewer", r.Reviewer,
	)
	if b.waker != nil {
		b.waker.Wake(instanceID)
	}
	return nil
}

// DeliverQueued satisfies a freshly registered wait from the instance's event
// queue. It returns true when a buffered event was consumed and the instance
// was woken. Callers invoke it after the cycle that registered the wait has
// committed, preserving event-before-wait ordering without coupling queue
// consumption to the cycle's atomic commit.
func (b *Bus) DeliverQueued(ctx context.Context, w store.PendingWait) (bool, error) {
	q, err := b.store.DequeueMatching(ctx, w.InstanceID, w.Event, w.CorrelationKey)
	if err != nil {
		return false, err
	}
	if q == nil {
		return false, nil
	}
	delivered, err := b.satisfy(ctx, w, Event{
		Name:           q.Event,
		CorrelationKey: q.CorrelationKey,
		Payload:        q.Payload,
		PublisherKey:   q.PublisherKey,
	})
	if err != nil {
		return false, err
	}
	if !delivered {
		// The wait was satisfied by a concurrent publish between dequeue and
		// satisfy. Requeue so the event stays deliverable to the next wait.
		if _, reqErr := b.store.EnqueueEvent(ctx, *q, b.queueLimit); reqErr != nil {
			return false, reqErr
		}
	}
	return delivered, nil
}

func (b *Bus) validate(ev Event) error {
	if b.validator == nil {
		return nil
	}
	return b.validator.ValidateEvent(ev.Name, ev.Payload)
}

func (b *Bus) dedupe(ctx context.Context, ev Event) (bool, error) {
	if ev.PublisherKey == "" {
		return false, nil
	}
	seen, err := b.store.SeenPublisherKey(ctx, ev.PublisherKey, b.publisherKeyTTL)
	if err != nil {
		return false, err
	}
	if seen {
		b.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "result", "duplicate", "event", ev.Name)
	}
	return seen, nil
}

// satisfy appends EventArrived for the given wait. It returns false without
// error when the wait was already consumed.
func (b *Bus) satisfy(ctx context.Context, w store.PendingWait, ev Event) (bool, error) {
	now := b.clk.Now()
	entry, err := journal.New(w.InstanceID, journal.KindEventArrived, now, journal.EventArrivedPayload{
		Event:          w.Event,
		Ordinal:        w.Ordinal,
		CorrelationKey: ev.CorrelationKey,
		Payload:        ev.Payload,
		PublisherKey:   ev.PublisherKey,
	})
	if err != nil {
		return false, err
	}
	stamped, err := b.store.SatisfyWait(ctx, w.InstanceID, w.Key, entry)
	if err != nil {
		return false, err
	}
	if stamped == nil {
		return false, nil
	}
	if b.waker != nil {
		b.waker.Wake(w.InstanceID)
	}
	return true, nil
}

func (b *Bus) enqueue(ctx context.Context, instanceID string, ev Event) (Receipt, error) {
	now := b.clk.Now()
	res, err := b.store.EnqueueEvent(ctx, store.QueuedEvent{
		InstanceID:     instanceID,
		Event:          ev.Name,
		CorrelationKey: ev.CorrelationKey,
		Payload:        ev.Payload,
		PublisherKey:   ev.PublisherKey,
		EnqueuedAt:     now,
		ExpiresAt:      now.Add(b.queueTTL),
	}, b.queueLimit)
	if err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{InstanceID: instanceID, Queued: true}
	b.metrics.IncCounter(telemetry.MetricEventsQueued, 1, "event", ev.Name)
	if res.DroppedOldest != nil {
		receipt.Dropped = true
		b.metrics.IncCounter(telemetry.MetricEventsDropped, 1, "event", res.DroppedOldest.Event)
		b.logger.Warn(ctx, "event queue overflow",
			"instance_id", instanceID,
			"event", res.DroppedOldest.Event,
			"depth", res.Depth,
		)
		if b.streams != nil {
			evt := stream.New(stream.EventDLQAdded, instanceID, now, stream.DLQAddedPayload{
				DroppedEvent: res.DroppedOldest.Event,
			})
			if err := b.streams.Publish(ctx, evt); err != nil {
				b.logger.Error(ctx, "stream publish failed", "instance_id", instanceID, "error", err)
			}
		}
	}
	return receipt, nil
}
