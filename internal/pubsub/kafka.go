package pubsub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// KafkaProvider rides one Kafka topic. Every node consumes the topic without
// a consumer group so each record reaches each node; consumption starts at
// the end because only live traffic matters to a broker that just booted.
type KafkaProvider struct {
	logger zerolog.Logger
	topic  string
	client *kgo.Client
}

func NewKafkaProvider(logger zerolog.Logger, brokers []string, topic string) (*KafkaProvider, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka driver requires at least one broker")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &KafkaProvider{
		logger: logger.With().Str("component", "pubsub_kafka").Logger(),
		topic:  topic,
		client: client,
	}, nil
}

func (p *KafkaProvider) Connect(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("pinging kafka brokers: %w", err)
	}
	return nil
}

func (p *KafkaProvider) Publish(ctx context.Context, payload []byte) (int, error) {
	record := &kgo.Record{Topic: p.topic, Value: payload}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return 0, fmt.Errorf("producing to %s: %w", p.topic, err)
	}
	return 0, nil
}

func (p *KafkaProvider) Listen(ctx context.Context, handler func(payload []byte)) error {
	go func() {
		defer monitoring.RecoverPanic(p.logger, "kafka_listener", map[string]any{"topic": p.topic})

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			fetches := p.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				p.logger.Error().Err(err).
					Str("topic", topic).
					Int32("partition", partition).
					Msg("Kafka fetch error")
			})
			fetches.EachRecord(func(record *kgo.Record) {
				handler(record.Value)
			})
		}
	}()
	return nil
}

func (p *KafkaProvider) Close() error {
	p.client.Close()
	return nil
}
