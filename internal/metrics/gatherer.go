package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// gatherTimeout bounds how long a fleet gather waits for stragglers.
const gatherTimeout = 10 * time.Second

// Gatherer runs metrics collection across the fleet. A request publishes a
// keyed envelope; every node, the requester included, answers with its local
// data; the inbox closes at the receiver quorum when the transport reports
// one, else at the deadline. Whatever arrived by then is the answer.
type Gatherer struct {
	logger zerolog.Logger
	local  *Local
	bus    *pubsub.Bus // nil on a single node

	mu      sync.Mutex
	pending map[string]*inbox
}

type inbox struct {
	expected int
	results  []json.RawMessage
	done     chan struct{}
	closed   bool
}

func NewGatherer(logger zerolog.Logger, local *Local, bus *pubsub.Bus) *Gatherer {
	return &Gatherer{
		logger:  logger.With().Str("component", "metrics").Logger(),
		local:   local,
		bus:     bus,
		pending: make(map[string]*inbox),
	}
}

// Gather collects one metric for the application across every node.
func (g *Gatherer) Gather(ctx context.Context, app *apps.Application, metricsType string, opts Options) ([]json.RawMessage, error) {
	if g.bus == nil {
		data, err := g.local.Collect(app, metricsType, opts)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding local metrics: %w", err)
		}
		return []json.RawMessage{raw}, nil
	}

	key := uuid.NewString()
	box := &inbox{done: make(chan struct{})}

	g.mu.Lock()
	g.pending[key] = box
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}()

	env, err := pubsub.NewMetricsEnvelope(app, key, metricsType, opts)
	if err != nil {
		return nil, err
	}
	receivers, err := g.bus.Publish(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("publishing metrics request: %w", err)
	}
	if receivers > 0 {
		g.mu.Lock()
		box.expected = receivers
		g.closeIfCompleteLocked(box)
		g.mu.Unlock()
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-box.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	g.mu.Lock()
	results := make([]json.RawMessage, len(box.results))
	copy(results, box.results)
	g.mu.Unlock()
	return results, nil
}

// HandleRequest answers a fleet metrics request with this node's data.
func (g *Gatherer) HandleRequest(app *apps.Application, key, metricsType string, options json.RawMessage) {
	var opts Options
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			g.logger.Warn().Err(err).Str("key", key).Msg("Ignoring malformed metrics options")
		}
	}

	data, err := g.local.Collect(app, metricsType, opts)
	if err != nil {
		g.logger.Warn().Err(err).Str("type", metricsType).Msg("Cannot answer metrics request")
		return
	}
	env, err := pubsub.NewMetricsRetrievedEnvelope(app, key, data)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("Cannot encode metrics answer")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.bus.Publish(ctx, env); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("Cannot publish metrics answer")
	}
}

// HandleRetrieved accumulates one node's answer into the outstanding gather.
// Answers landing after the deadline find no inbox and are dropped.
func (g *Gatherer) HandleRetrieved(key string, data json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()

	box, ok := g.pending[key]
	if !ok {
		return
	}
	box.results = append(box.results, data)
	g.closeIfCompleteLocked(box)
}

func (g *Gatherer) closeIfCompleteLocked(box *inbox) {
	if box.closed || box.expected == 0 || len(box.results) < box.expected {
		return
	}
	box.closed = true
	close(box.done)
}
