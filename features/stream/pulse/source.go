package pulse

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/pulse/streaming"

	"github.com/pitchlane/flow/engine/bus"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/telemetry"
	clientspulse "github.com/pitchlane/flow/features/stream/pulse/clients/pulse"
)

type (
	// Publisher routes inbound events into the engine. Both *bus.Bus and the
	// assembled engine satisfy it.
	Publisher interface {
		// Publish routes an event by correlation key.
		Publish(ctx context.Context, ev bus.Event) (bus.Receipt, error)
		// PublishTo routes an event to one explicit instance.
		PublishTo(ctx context.Context, instanceID string, ev bus.Event) (bus.Receipt, error)
	}

	// SourceOptions configures the inbound event source.
	SourceOptions struct {
		// Client is the Pulse client used to consume the inbound stream.
		// Required.
		Client clientspulse.Client
		// Publisher receives the decoded events. Required.
		Publisher Publisher
		// StreamName is the inbound Redis stream external systems write to.
		// Defaults to "flow/events/in".
		StreamName string
		// SinkName identifies the Pulse consumer group. Defaults to
		// "flow_engine".
		SinkName string
		// Logger records skipped messages and publish outcomes. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
	}

	// Source consumes an inbound Pulse stream and publishes each message as a
	// workflow event, so external systems can reach waiting instances through
	// Redis streams as well as HTTP. Delivery is at-least-once: messages are
	// acked only after the engine accepted them, and the bus dedupes retries
	// by publisher key.
	Source struct {
		client    clientspulse.Client
		publisher Publisher
		stream    string
		name      string
		logger    telemetry.Logger
	}

	// inboundEvent is the wire form external systems write to the inbound
	// stream. InstanceID targets one instance directly; without it the event
	// routes by correlation key.
	inboundEvent struct {
		Name           string          `json:"name"`
		InstanceID     string          `json:"instance_id,omitempty"`
		CorrelationKey string          `json:"correlation_key,omitempty"`
		Payload        json.RawMessage `json:"payload,omitempty"`
		PublisherKey   string          `json:"publisher_key,omitempty"`
	}
)

const (
	defaultInboundStream = "flow/events/in"
	defaultSourceSink    = "flow_engine"
)

// NewSource constructs an inbound event source. The Client and Publisher
// fields in opts are required; StreamName and SinkName default to the engine
// conventions.
func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	streamName := opts.StreamName
	if streamName == "" {
		streamName = defaultInboundStream
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = defaultSourceSink
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Source{
		client:    opts.Client,
		publisher: opts.Publisher,
		stream:    streamName,
		name:      sinkName,
		logger:    logger,
	}, nil
}

// Run consumes the inbound stream until ctx is canceled or the sink channel
// closes. Malformed messages and permanently rejected events are acked and
// skipped so they cannot wedge the consumer group; transient publish failures
// leave the message pending for redelivery.
func (s *Source) Run(ctx context.Context) error {
	str, err := s.client.Stream(s.stream)
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, s.name)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			s.deliver(ctx, sink, evt)
		}
	}
}

// deliver decodes one stream entry and hands it to the publisher.
func (s *Source) deliver(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	var in inboundEvent
	if err := json.Unmarshal(evt.Payload, &in); err != nil {
		s.logger.Warn(ctx, "dropping malformed inbound event",
			"entry_id", evt.ID,
			"err", err,
		)
		s.ack(ctx, sink, evt)
		return
	}
	ev := bus.Event{
		Name:           in.Name,
		CorrelationKey: in.CorrelationKey,
		Payload:        in.Payload,
		PublisherKey:   in.PublisherKey,
	}
	var (
		rcpt bus.Receipt
		err  error
	)
	if in.InstanceID != "" {
		rcpt, err = s.publisher.PublishTo(ctx, in.InstanceID, ev)
	} else {
		rcpt, err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		if permanentRejection(err) {
			s.logger.Warn(ctx, "dropping rejected inbound event",
				"event", in.Name,
				"entry_id", evt.ID,
				"err", err,
			)
			s.ack(ctx, sink, evt)
			return
		}
		// Left unacked so the consumer group redelivers once the backend
		// recovers.
		s.logger.Error(ctx, "inbound event publish failed",
			"event", in.Name,
			"entry_id", evt.ID,
			"err", err,
		)
		return
	}
	s.logger.Debug(ctx, "inbound event published",
		"event", in.Name,
		"instance_id", rcpt.InstanceID,
		"delivered", rcpt.Delivered,
		"queued", rcpt.Queued,
		"duplicate", rcpt.Duplicate,
		"no_match", rcpt.NoMatch,
	)
	s.ack(ctx, sink, evt)
}

func (s *Source) ack(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	if err := sink.Ack(ctx, evt); err != nil {
		s.logger.Error(ctx, "inbound event ack failed",
			"entry_id", evt.ID,
			"err", err,
		)
	}
}

// permanentRejection reports whether a publish error can never succeed for
// this message: schema or guard rejections, unknown targets, and finished
// instances. Everything else is assumed transient.
func permanentRejection(err error) bool {
	if faults.Is(err, faults.KindValidation) || faults.Is(err, faults.KindGuard) {
		return true
	}
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTerminal)
}
