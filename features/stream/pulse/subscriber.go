package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/pitchlane/flow/engine/stream"
	clientspulse "github.com/pitchlane/flow/features/stream/pulse/clients/pulse"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into lifecycle
	// events. The default understands the envelope the sink writes; override
	// it to consume foreign formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "flow_subscriber".
		SinkName string
		// Buffer is the per-feed event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber opens lifecycle feeds over the per-instance Pulse streams
	// the sink writes. A daemon keeps one Subscriber and opens a feed per
	// connected client, typically to fan events out over SSE.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// Subscription is one open lifecycle feed. Events closes when the feed
	// ends; Err then reports the consumption failure, nil after a clean
	// Close or context end.
	Subscription struct {
		events chan stream.Event
		cancel context.CancelFunc
		sink   clientspulse.Sink

		mu  sync.Mutex
		err error
	}
)

// NewSubscriber builds a subscriber over the given Pulse client. Only the
// Client field is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client: opts.Client,
		buffer: opts.Buffer,
		name:   opts.SinkName,
		decode: opts.Decoder,
	}
	if s.name == "" {
		s.name = "flow_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEnvelope
	}
	return s, nil
}

// Instance opens a feed on one workflow instance's lifecycle stream. The
// stream name is derived the same way the sink derives it, so a feed opened
// here sees exactly what the engine publishes for that instance.
func (s *Subscriber) Instance(ctx context.Context, instanceID string, opts ...streamopts.Sink) (*Subscription, error) {
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}
	return s.open(ctx, InstanceStream(instanceID), opts...)
}

// Stream opens a feed on an explicit Pulse stream name, for deployments that
// override the sink's stream derivation.
func (s *Subscriber) Stream(ctx context.Context, streamID string, opts ...streamopts.Sink) (*Subscription, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	return s.open(ctx, streamID, opts...)
}

func (s *Subscriber) open(ctx context.Context, streamID string, opts ...streamopts.Sink) (*Subscription, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan stream.Event, s.buffer),
		cancel: cancel,
		sink:   sink,
	}
	go s.pump(runCtx, sink, sub)
	return sub, nil
}

// pump moves events from the Pulse sink into the feed until the context ends
// or consumption fails. Events are acked after emission, so a consumer crash
// between the two re-delivers: feeds are at-least-once.
func (s *Subscriber) pump(ctx context.Context, sink clientspulse.Sink, sub *Subscription) {
	defer close(sub.events)
	ch := sink.Subscribe()
	for {
		var evt *streaming.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			evt = e
		}
		ev, err := s.decode(evt.Payload)
		if err != nil {
			sub.fail(fmt.Errorf("pulse decode payload: %w", err))
			return
		}
		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return
		}
		if err := sink.Ack(ctx, evt); err != nil {
			sub.fail(fmt.Errorf("pulse ack: %w", err))
			return
		}
	}
}

// Events emits decoded lifecycle events in stream order until the feed
// closes.
func (s *Subscription) Events() <-chan stream.Event { return s.events }

// Err reports why the feed ended. It is meaningful once Events is closed and
// stays nil after a clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the feed and releases the consumer group member.
func (s *Subscription) Close() {
	s.cancel()
	s.sink.Close(context.Background())
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// decodeEnvelope reads the sink's JSON envelope. The payload stays raw so
// consumers unmarshal only the event types they care about.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type       string          `json:"type"`
		InstanceID string          `json:"instance_id"`
		Timestamp  time.Time       `json:"timestamp"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	ev := stream.Event{
		Type:       stream.EventType(env.Type),
		InstanceID: env.InstanceID,
		Timestamp:  env.Timestamp,
	}
	if len(env.Payload) > 0 {
		ev.Payload = env.Payload
	}
	return ev, nil
}
