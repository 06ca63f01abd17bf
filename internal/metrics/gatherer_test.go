package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// asyncLoopProvider redelivers publishes to the subscribed handler on a new
// goroutine, mimicking a broker's self-receipt without re-entering the bus
// from inside a publish.
type asyncLoopProvider struct {
	mu      sync.Mutex
	handler func([]byte)
}

func (p *asyncLoopProvider) Connect(ctx context.Context) error { return nil }

func (p *asyncLoopProvider) Publish(ctx context.Context, payload []byte) (int, error) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		go handler(payload)
	}
	return 1, nil
}

func (p *asyncLoopProvider) Listen(ctx context.Context, handler func([]byte)) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return nil
}

func (p *asyncLoopProvider) Close() error { return nil }

func TestGatherer_SingleNode(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	gatherer := NewGatherer(zerolog.Nop(), f.local, nil)

	results, err := gatherer.Gather(context.Background(), f.app, TypeConnections, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 1, MergeConnections(results).Connections)
}

func TestGatherer_SingleNodeUnknownType(t *testing.T) {
	f := newFixture(t)
	gatherer := NewGatherer(zerolog.Nop(), f.local, nil)

	_, err := gatherer.Gather(context.Background(), f.app, "averages", Options{})
	assert.Error(t, err)
}

func TestGatherer_FleetRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.connect(t)

	registry, err := apps.NewRegistry([]apps.Application{
		{ID: "app-1", Key: "key-1", Secret: "secret-1"},
	})
	require.NoError(t, err)

	bus := pubsub.NewBus(zerolog.Nop(), &asyncLoopProvider{})
	gatherer := NewGatherer(zerolog.Nop(), f.local, bus)

	router := &pubsub.Router{
		Logger:           zerolog.Nop(),
		Apps:             registry,
		OnMetricsRequest: gatherer.HandleRequest,
		OnMetricsRetrieved: func(_ *apps.Application, key string, data json.RawMessage) {
			gatherer.HandleRetrieved(key, data)
		},
	}
	require.NoError(t, bus.Start(context.Background(), router.Route))

	// The loopback is the only "node", so the gather completes at the
	// receiver quorum of one.
	results, err := gatherer.Gather(context.Background(), f.app, TypeConnections, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, MergeConnections(results).Connections)
}

func TestGatherer_FleetChannelGather(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.subscribe(t, conn, "orders")

	registry, err := apps.NewRegistry([]apps.Application{
		{ID: "app-1", Key: "key-1", Secret: "secret-1"},
	})
	require.NoError(t, err)

	bus := pubsub.NewBus(zerolog.Nop(), &asyncLoopProvider{})
	gatherer := NewGatherer(zerolog.Nop(), f.local, bus)

	router := &pubsub.Router{
		Logger:           zerolog.Nop(),
		Apps:             registry,
		OnMetricsRequest: gatherer.HandleRequest,
		OnMetricsRetrieved: func(_ *apps.Application, key string, data json.RawMessage) {
			gatherer.HandleRetrieved(key, data)
		},
	}
	require.NoError(t, bus.Start(context.Background(), router.Route))

	results, err := gatherer.Gather(context.Background(), f.app, TypeChannel, Options{
		Channel: "orders",
		Info:    []string{InfoOccupied, InfoSubscriptionCount},
	})
	require.NoError(t, err)

	merged := MergeChannel(results)
	require.NotNil(t, merged.Occupied)
	assert.True(t, *merged.Occupied)
	assert.Equal(t, 1, *merged.SubscriptionCount)
}

func TestGatherer_LateAnswerIsDropped(t *testing.T) {
	f := newFixture(t)
	bus := pubsub.NewBus(zerolog.Nop(), &asyncLoopProvider{})
	gatherer := NewGatherer(zerolog.Nop(), f.local, bus)

	// No gather is pending under this key; the answer must be ignored.
	gatherer.HandleRetrieved("expired-key", json.RawMessage(`{"connections":3}`))
}
