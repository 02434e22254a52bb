// Package pulse wraps Pulse streams for the workflow engine. Callers build a
// Redis client, pass it to New, and receive a typed interface exposing only
// the operations the lifecycle sink and the inbound event source need, so
// both can be exercised against mocks.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// StreamOptions returns additional stream options to apply when opening
		// a stream. It is invoked once per Stream call with the stream name.
		//
		// Returning nil means "no additional options".
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the lifecycle sink
	// and the inbound event source. It doubles as a health pinger so daemons
	// can surface Redis connectivity on their health endpoint.
	Client interface {
		health.Pinger
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed. Handles are shared: repeated calls for one name return the
		// same handle.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. Callers typically own
		// the Redis connection and may provide a no-op implementation.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish lifecycle events and
	// create sinks (consumer groups).
	Stream interface {
		// Add publishes an event with the given name and payload to the
		// stream, returning the event ID assigned by Redis (e.g.
		// "1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a Pulse sink (consumer group) on this stream for
		// reading events.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the entire stream and all its messages from Redis.
		Destroy(ctx context.Context) error
	}

	// Sink mirrors the subset of goa.design/pulse streaming sinks required by
	// the subscriber and the inbound source. It represents a consumer group
	// reading from a Pulse stream.
	Sink interface {
		// Subscribe returns a channel that emits events as they arrive from
		// the stream.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event, removing it
		// from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}
)

const clientName = "pulse"

// client opens streams over one Redis connection. The sink and the source
// each ask for their stream at startup; handles is keyed by stream name so
// they share handles when the names coincide.
type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration

	mu      sync.Mutex
	handles map[string]*handle
}

// New builds a Pulse client over opts.Redis. Only the Redis field is
// required.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
		handles:      make(map[string]*handle),
	}, nil
}

// Name identifies the pinger on health endpoints.
func (c *client) Name() string { return clientName }

// Ping verifies the backing Redis connection is reachable.
func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Stream returns the handle for name, opening the underlying Pulse stream on
// first use. Options given here apply after the client-wide ones, so callers
// can override per stream.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[name]; ok {
		return h, nil
	}
	all := make([]streamopts.Stream, 0, len(opts)+2)
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		all = append(all, c.streamOptsFn(name)...)
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	h := &handle{stream: str, timeout: c.timeout}
	c.handles[name] = h
	return h, nil
}

// Close is a no-op; the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error { return nil }

// handle applies the client's operation timeout to one Pulse stream.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	ctx, cancel := h.bound(ctx)
	defer cancel()
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// bound caps ctx with the operation timeout when one is configured.
func (h *handle) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.timeout)
}

// sinkAdapter narrows streaming.Sink's Close to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
