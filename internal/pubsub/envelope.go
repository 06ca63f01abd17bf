package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
)

// Envelope types carried over the bus.
const (
	TypeMessage          = "message"
	TypeMetrics          = "metrics"
	TypeMetricsRetrieved = "metrics-retrieved"
	TypeTerminate        = "terminate"
)

// Envelope is the unit of inter-node traffic. Every node on the bus,
// publisher included, receives every envelope and acts only on the parts
// relevant to it.
type Envelope struct {
	Type        string           `json:"type"`
	Application apps.Application `json:"application"`
	Key         string           `json:"key,omitempty"`       // metrics correlation
	SocketID    string           `json:"socket_id,omitempty"` // sender to exclude on message fan-out
	Payload     json.RawMessage  `json:"payload,omitempty"`
}

// MetricsPayload is the body of a metrics request envelope.
type MetricsPayload struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// TerminatePayload names the user whose connections every node must drop.
type TerminatePayload struct {
	UserID string `json:"user_id"`
}

// NewMessageEnvelope wraps one already encoded wire frame for fan-out.
func NewMessageEnvelope(app *apps.Application, frame []byte, exceptSocketID string) Envelope {
	return Envelope{
		Type:        TypeMessage,
		Application: *app,
		SocketID:    exceptSocketID,
		Payload:     json.RawMessage(frame),
	}
}

// NewMetricsEnvelope asks the fleet for metrics of the given type, correlated
// by key.
func NewMetricsEnvelope(app *apps.Application, key, metricsType string, options any) (Envelope, error) {
	body := MetricsPayload{Type: metricsType}
	if options != nil {
		raw, err := json.Marshal(options)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding metrics options: %w", err)
		}
		body.Options = raw
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding metrics payload: %w", err)
	}
	return Envelope{Type: TypeMetrics, Application: *app, Key: key, Payload: payload}, nil
}

// NewMetricsRetrievedEnvelope answers an outstanding metrics request.
func NewMetricsRetrievedEnvelope(app *apps.Application, key string, data any) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding metrics data: %w", err)
	}
	return Envelope{Type: TypeMetricsRetrieved, Application: *app, Key: key, Payload: payload}, nil
}

// NewTerminateEnvelope tells every node to drop the user's connections.
func NewTerminateEnvelope(app *apps.Application, userID string) (Envelope, error) {
	payload, err := json.Marshal(TerminatePayload{UserID: userID})
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding terminate payload: %w", err)
	}
	return Envelope{Type: TypeTerminate, Application: *app, Payload: payload}, nil
}
