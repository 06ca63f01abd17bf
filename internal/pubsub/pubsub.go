// Package pubsub links broker nodes over an optional bus so published
// events, metrics gathers and user terminations reach every node hosting an
// application. Each node subscribes to the shared channel and also receives
// its own publishes, which is what drives local delivery in distributed mode.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// Provider is one concrete bus transport. Implementations reconnect on their
// own and re-establish the subscription after a drop.
type Provider interface {
	Connect(ctx context.Context) error

	// Publish sends one payload to every subscribed node, the publisher
	// included. The receiver count is returned when the transport reports
	// it, zero otherwise.
	Publish(ctx context.Context, payload []byte) (int, error)

	// Listen delivers every inbound bus payload to handler until ctx ends.
	Listen(ctx context.Context, handler func(payload []byte)) error

	Close() error
}

// Options selects and configures the bus transport.
type Options struct {
	Driver       string
	Channel      string
	RedisURL     string
	NATSURL      string
	KafkaBrokers []string
}

// NewProvider builds the transport named by opts.Driver.
func NewProvider(logger zerolog.Logger, opts Options) (Provider, error) {
	switch opts.Driver {
	case "redis":
		return NewRedisProvider(logger, opts.RedisURL, opts.Channel)
	case "nats":
		return NewNATSProvider(logger, opts.NATSURL, opts.Channel)
	case "kafka":
		return NewKafkaProvider(logger, opts.KafkaBrokers, opts.Channel)
	default:
		return nil, fmt.Errorf("unknown pubsub driver: %s", opts.Driver)
	}
}

// Bus wraps a Provider with an outbound FIFO queue. Publishes that fail
// while the transport is down are queued and flushed in order once traffic
// flows again, so no envelope overtakes an earlier one from this node.
type Bus struct {
	logger   zerolog.Logger
	provider Provider

	mu    sync.Mutex
	queue [][]byte
}

func NewBus(logger zerolog.Logger, provider Provider) *Bus {
	return &Bus{
		logger:   logger.With().Str("component", "pubsub").Logger(),
		provider: provider,
	}
}

// Start connects the provider, begins routing inbound payloads to route, and
// spawns the retry loop for queued publishes.
func (b *Bus) Start(ctx context.Context, route func(payload []byte)) error {
	if err := b.provider.Connect(ctx); err != nil {
		return fmt.Errorf("connecting pubsub provider: %w", err)
	}
	if err := b.provider.Listen(ctx, route); err != nil {
		return fmt.Errorf("subscribing to bus: %w", err)
	}
	go b.flushLoop(ctx)
	b.logger.Info().Msg("Pubsub bus started")
	return nil
}

// Publish serializes and sends one envelope. A transport failure queues the
// payload instead of surfacing an error; queued traffic reports zero
// receivers, which downgrades metrics gathers to their deadline path.
func (b *Bus) Publish(ctx context.Context, env Envelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encoding envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) > 0 {
		b.flushLocked(ctx)
	}
	if len(b.queue) > 0 {
		b.enqueueLocked(payload)
		return 0, nil
	}

	receivers, err := b.provider.Publish(ctx, payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("type", env.Type).Msg("Bus publish failed, payload queued")
		b.enqueueLocked(payload)
		return 0, nil
	}
	monitoring.IncrementBusPublished(env.Type)
	return receivers, nil
}

func (b *Bus) Close() error {
	return b.provider.Close()
}

func (b *Bus) enqueueLocked(payload []byte) {
	b.queue = append(b.queue, payload)
	monitoring.IncrementBusQueued()
}

func (b *Bus) flushLocked(ctx context.Context) {
	for len(b.queue) > 0 {
		if _, err := b.provider.Publish(ctx, b.queue[0]); err != nil {
			return
		}
		b.queue = b.queue[1:]
	}
}

func (b *Bus) flushLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(b.logger, "pubsub_flush", nil)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			b.flushLocked(ctx)
			b.mu.Unlock()
		}
	}
}
