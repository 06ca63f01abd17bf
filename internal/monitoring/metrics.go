package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the operational surface. These are node-local
// counters and gauges; protocol-level fleet stats live in internal/metrics.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revurb_connections_active",
		Help: "Currently open WebSocket connections",
	})

	connectionsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_connections_pruned_total",
		Help: "Connections closed by the stale-connection prune job",
	})

	connectionRateLimitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revurb_connection_rate_limit_total",
		Help: "Connection attempts rejected by rate limiting",
	}, []string{"scope"})

	messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_messages_received_total",
		Help: "Client frames received",
	})

	messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_messages_sent_total",
		Help: "Frames delivered to client send queues",
	})

	messagesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_messages_dropped_total",
		Help: "Frames dropped because a client send queue was full",
	})

	channelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revurb_channels_active",
		Help: "Currently occupied channels across all applications",
	})

	channelsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_channels_created_total",
		Help: "Channels created on first subscription",
	})

	channelsRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_channels_removed_total",
		Help: "Channels removed after their last subscriber left",
	})

	subscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revurb_subscriptions_total",
		Help: "Successful channel subscriptions",
	}, []string{"channel_type"})

	eventsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_events_dispatched_total",
		Help: "Events routed through the dispatcher",
	})

	busPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revurb_bus_published_total",
		Help: "Envelopes published to the pub/sub bus",
	}, []string{"type"})

	busReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revurb_bus_received_total",
		Help: "Envelopes received from the pub/sub bus",
	}, []string{"type"})

	busQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revurb_bus_queued_total",
		Help: "Envelopes queued while the bus was disconnected",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsPrunedTotal,
		connectionRateLimitTotal,
		messagesReceivedTotal,
		messagesSentTotal,
		messagesDroppedTotal,
		channelsActive,
		channelsCreatedTotal,
		channelsRemovedTotal,
		subscriptionsTotal,
		eventsDispatchedTotal,
		busPublishedTotal,
		busReceivedTotal,
		busQueuedTotal,
	)
}

func IncrementConnections() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func DecrementConnections() {
	connectionsActive.Dec()
}

func IncrementConnectionsPruned() {
	connectionsPrunedTotal.Inc()
}

// IncrementConnectionRateLimit records a rejected connection attempt.
// Scope is "per_ip" or "global".
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimitTotal.WithLabelValues(scope).Inc()
}

func IncrementMessagesReceived() {
	messagesReceivedTotal.Inc()
}

func IncrementMessagesSent() {
	messagesSentTotal.Inc()
}

func IncrementMessagesDropped() {
	messagesDroppedTotal.Inc()
}

func IncrementChannelsCreated() {
	channelsCreatedTotal.Inc()
	channelsActive.Inc()
}

func IncrementChannelsRemoved() {
	channelsRemovedTotal.Inc()
	channelsActive.Dec()
}

func IncrementSubscriptions(channelType string) {
	subscriptionsTotal.WithLabelValues(channelType).Inc()
}

func IncrementEventsDispatched() {
	eventsDispatchedTotal.Inc()
}

func IncrementBusPublished(envelopeType string) {
	busPublishedTotal.WithLabelValues(envelopeType).Inc()
}

func IncrementBusReceived(envelopeType string) {
	busReceivedTotal.WithLabelValues(envelopeType).Inc()
}

func IncrementBusQueued() {
	busQueuedTotal.Inc()
}
