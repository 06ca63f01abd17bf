package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// RedisProvider rides Redis PUBLISH/SUBSCRIBE. It is the default driver
// because PUBLISH reports the subscriber count, which lets metrics gathers
// close on an exact quorum instead of waiting out the deadline.
type RedisProvider struct {
	logger  zerolog.Logger
	client  *redis.Client
	channel string
	sub     *redis.PubSub
}

func NewRedisProvider(logger zerolog.Logger, url, channel string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisProvider{
		logger:  logger.With().Str("component", "pubsub_redis").Logger(),
		client:  redis.NewClient(opts),
		channel: channel,
	}, nil
}

func (p *RedisProvider) Connect(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

func (p *RedisProvider) Publish(ctx context.Context, payload []byte) (int, error) {
	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to redis: %w", err)
	}
	return int(receivers), nil
}

func (p *RedisProvider) Listen(ctx context.Context, handler func(payload []byte)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribing to %s: %w", p.channel, err)
	}
	p.sub = sub

	// The message channel survives reconnects; go-redis resubscribes on its
	// own.
	go func() {
		defer monitoring.RecoverPanic(p.logger, "redis_listener", map[string]any{"channel": p.channel})

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (p *RedisProvider) Close() error {
	if p.sub != nil {
		_ = p.sub.Close()
	}
	return p.client.Close()
}
