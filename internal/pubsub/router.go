package pubsub

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

// Router demultiplexes inbound envelopes by type. The application named in
// an envelope re-resolves through the local registry, so a node never acts
// for a tenant it does not host.
type Router struct {
	Logger zerolog.Logger
	Apps   *apps.Registry

	OnMessage          func(app *apps.Application, frame []byte, exceptSocketID string)
	OnMetricsRequest   func(app *apps.Application, key, metricsType string, options json.RawMessage)
	OnMetricsRetrieved func(app *apps.Application, key string, data json.RawMessage)
	OnTerminate        func(app *apps.Application, userID string)
}

// Route parses one bus payload and invokes the matching handler.
func (r *Router) Route(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.Logger.Warn().Err(err).Msg("Dropping undecodable bus payload")
		return
	}
	monitoring.IncrementBusReceived(env.Type)

	app, err := r.Apps.FindByID(env.Application.ID)
	if err != nil {
		r.Logger.Warn().Str("app_id", env.Application.ID).Msg("Dropping bus payload for unknown application")
		return
	}

	switch env.Type {
	case TypeMessage:
		if r.OnMessage != nil {
			r.OnMessage(app, env.Payload, env.SocketID)
		}
	case TypeMetrics:
		if r.OnMetricsRequest == nil {
			return
		}
		var body MetricsPayload
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			r.Logger.Warn().Err(err).Msg("Dropping metrics request with bad payload")
			return
		}
		r.OnMetricsRequest(app, env.Key, body.Type, body.Options)
	case TypeMetricsRetrieved:
		if r.OnMetricsRetrieved != nil {
			r.OnMetricsRetrieved(app, env.Key, env.Payload)
		}
	case TypeTerminate:
		if r.OnTerminate == nil {
			return
		}
		var body TerminatePayload
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			r.Logger.Warn().Err(err).Msg("Dropping terminate request with bad payload")
			return
		}
		r.OnTerminate(app, body.UserID)
	default:
		r.Logger.Warn().Str("type", env.Type).Msg("Dropping bus payload with unknown type")
	}
}
