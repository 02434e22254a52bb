package stream

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans lifecycle events out to registered sinks. The bus is
	// thread-safe and supports concurrent Publish, Register, and subscription
	// Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first sink error. Publishers treat the returned
	// error as an observability signal to log, never as a reason to abort the
	// engine action that produced the event.
	Bus interface {
		// Publish delivers the event to every currently registered sink.
		// Iteration stops at the first error returned by any sink.
		Publish(ctx context.Context, event Event) error

		// Register adds a sink to the bus and returns a Subscription that can
		// be closed to unregister. Register returns an error if sink is nil.
		Register(sink Sink) (Subscription, error)
	}

	// Subscription represents an active registration on a Bus. Calling Close
	// removes the sink from the bus, ensuring it receives no further events.
	//
	// Subscriptions are safe to close multiple times; subsequent Close calls
	// are no-ops.
	Subscription interface {
		// Close removes the sink from the bus. The method is idempotent and
		// thread-safe. Events already in progress may still be delivered if
		// Close is called during a Publish operation.
		Close() error
	}

	// SinkFunc adapts a function to the Sink interface with a no-op Close.
	SinkFunc func(ctx context.Context, event Event) error

	bus struct {
		mu    sync.RWMutex
		sinks map[*subscription]Sink
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// Send invokes the function.
func (f SinkFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }

// Close is a no-op.
func (f SinkFunc) Close(context.Context) error { return nil }

// NewBus constructs an in-memory fan-out bus for lifecycle events. The
// returned bus is thread-safe and ready for immediate use.
//
// Typical usage:
//
//	bus := stream.NewBus()
//	sub, _ := bus.Register(stream.SinkFunc(func(ctx context.Context, evt stream.Event) error {
//	    log.Printf("received: %s", evt.Type)
//	    return nil
//	}))
//	defer sub.Close()
//
//	bus.Publish(ctx, stream.New(stream.EventStateChanged, id, now, payload))
func NewBus() Bus {
	return &bus{sinks: make(map[*subscription]Sink)}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sink Sink) (Subscription, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.sinks[s] = sink
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.sinks, s)
		s.bus.mu.Unlock()
	})
	return nil
}
