// Package pulse streams workflow lifecycle events over goa.design/pulse. It
// mirrors the layering used by existing Pulse deployments: services build a
// Redis client, pass it to the Pulse client, and register the resulting sink
// on the engine's lifecycle bus. The package also provides the inverse
// direction, a Source that consumes an inbound Redis stream and publishes the
// messages as workflow events.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/stream"
	"github.com/pitchlane/flow/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `flow/<InstanceID>`.
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization
		// (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished is invoked after each successful publish with the Redis
		// entry ID. Optional; an error fails the Send.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent reports a successfully published lifecycle event.
	PublishedEvent struct {
		// Event is the lifecycle event that was published.
		Event stream.Event
		// StreamID is the Pulse stream the event was written to.
		StreamID string
		// EntryID is the Redis-assigned stream entry ID.
		EntryID string
	}

	// Sink publishes lifecycle events into per-instance Pulse streams. It
	// implements stream.Sink and is safe for concurrent Send calls.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(stream.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope is the wire form of a lifecycle event. The timestamp is the
	// event's own, when the engine action happened, not when it was published.
	envelope struct {
		// Type identifies the event kind (e.g. "state_changed").
		Type string `json:"type"`
		// InstanceID links the event to a workflow instance.
		InstanceID string `json:"instance_id"`
		// Timestamp records when the underlying engine action happened (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed lifecycle sink. The Client field in opts
// is required; StreamID and MarshalEnvelope default to the built-in
// implementations if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it to JSON, and publishes it
// via the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:       string(event.Type),
		InstanceID: event.InstanceID,
		Timestamp:  event.Timestamp.UTC(),
		Payload:    event.Payload,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// InstanceStream names the Pulse stream carrying one instance's lifecycle
// events. The sink writes here by default and Subscriber.Instance reads from
// the same name.
func InstanceStream(instanceID string) string {
	return fmt.Sprintf("flow/%s", instanceID)
}

// defaultStreamID derives the Pulse stream name from the event's instance.
// Returns an error if the instance ID is empty.
func defaultStreamID(event stream.Event) (string, error) {
	if event.InstanceID == "" {
		return "", errors.New("stream event missing instance id")
	}
	return InstanceStream(event.InstanceID), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
