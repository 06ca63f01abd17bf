package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSProvider rides core NATS publish/subscribe on one subject. NATS does
// not report receiver counts, so gathers over this driver always run to
// their deadline.
type NATSProvider struct {
	logger  zerolog.Logger
	url     string
	subject string
	conn    *nats.Conn
	sub     *nats.Subscription
}

func NewNATSProvider(logger zerolog.Logger, url, subject string) (*NATSProvider, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return &NATSProvider{
		logger:  logger.With().Str("component", "pubsub_nats").Logger(),
		url:     url,
		subject: subject,
	}, nil
}

func (p *NATSProvider) Connect(_ context.Context) error {
	conn, err := nats.Connect(p.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	p.conn = conn
	return nil
}

func (p *NATSProvider) Publish(_ context.Context, payload []byte) (int, error) {
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return 0, fmt.Errorf("publishing to nats: %w", err)
	}
	return 0, nil
}

func (p *NATSProvider) Listen(_ context.Context, handler func(payload []byte)) error {
	sub, err := p.conn.Subscribe(p.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", p.subject, err)
	}
	p.sub = sub
	return nil
}

func (p *NATSProvider) Close() error {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.conn != nil {
		return p.conn.Drain()
	}
	return nil
}
