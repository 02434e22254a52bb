package pulse

import (
	"context"
	"errors"

	"github.com/pitchlane/flow/engine/stream"
	clientspulse "github.com/pitchlane/flow/features/stream/pulse/clients/pulse"
)

// Streams wires a caller-provided Pulse client into the engine. It owns a
// publishing sink (registered on the engine's lifecycle bus) and can spawn
// subscribers and inbound sources that reuse the same client, so daemons do
// not need to manage multiple Redis connections.
type Streams struct {
	sink   *Sink
	client clientspulse.Client
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for publishing and subscribing. It is
	// required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling, publish callback). Leave zero-valued for
	// defaults.
	Sink Options
}

// NewStreams constructs helpers for publishing lifecycle events to Pulse and
// consuming the resulting streams. Callers register the returned sink on the
// engine's lifecycle bus and keep the helper around to create subscribers
// (e.g. SSE fan-out) or an inbound source later on.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can register it on the
// engine's lifecycle bus.
func (s *Streams) Sink() stream.Sink {
	return s.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the
// helper's client. This keeps stream publishing and consumption on the same
// Redis connection pool.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// NewSource constructs an inbound event source that reuses the helper's
// client.
func (s *Streams) NewSource(opts SourceOptions) (*Source, error) {
	opts.Client = s.client
	return NewSource(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers and
// sources have been canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
