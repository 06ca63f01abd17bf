// Package events routes one published payload to its target channels,
// applying sender exclusion. It is the single funnel for traffic from the
// control API, from relayed client events and from the bus.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// Payload is one event to deliver. Channel and Channels are alternatives;
// Channels wins when both are set.
type Payload struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// TargetChannels lists the channels this payload addresses.
func (p Payload) TargetChannels() []string {
	if len(p.Channels) > 0 {
		return p.Channels
	}
	if p.Channel != "" {
		return []string{p.Channel}
	}
	return nil
}

// frameFor builds the wire frame for one target channel. The plural channels
// field never reaches subscribers.
func (p Payload) frameFor(channel string) ([]byte, error) {
	data, err := normalizeData(p.Data)
	if err != nil {
		return nil, err
	}
	return protocol.Message{Event: p.Event, Channel: channel, Data: data}.Encode()
}

// normalizeData coerces the data field to its wire form. A JSON string
// passes through untouched; any other JSON value is stringified.
func normalizeData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '"' {
		return json.RawMessage(trimmed), nil
	}
	return protocol.EncodeData(json.RawMessage(trimmed))
}

// Dispatcher fans payloads out to channel subscribers. With a bus attached
// it publishes the envelope and lets self-receipt drive the local delivery,
// so an event reaches each node, this one included, exactly once.
type Dispatcher struct {
	logger  zerolog.Logger
	manager *channels.Manager
	bus     *pubsub.Bus // nil when scaling is off
}

func NewDispatcher(logger zerolog.Logger, manager *channels.Manager, bus *pubsub.Bus) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		manager: manager,
		bus:     bus,
	}
}

// Dispatch delivers the payload to every node hosting the application.
// exceptSocketID skips the named local subscriber; remote nodes resolve it
// to nothing, which is correct since they never host the sender.
func (d *Dispatcher) Dispatch(ctx context.Context, app *apps.Application, payload Payload, exceptSocketID string) error {
	if d.bus == nil {
		d.DispatchLocally(app, payload, exceptSocketID)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	if _, err := d.bus.Publish(ctx, pubsub.NewMessageEnvelope(app, raw, exceptSocketID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// DispatchLocally fans the payload out to local subscribers only. Targets
// with no live channel on this node are skipped silently.
func (d *Dispatcher) DispatchLocally(app *apps.Application, payload Payload, exceptSocketID string) {
	for _, name := range payload.TargetChannels() {
		ch, ok := d.manager.Find(app, name)
		if !ok {
			continue
		}
		frame, err := payload.frameFor(name)
		if err != nil {
			d.logger.Warn().Err(err).
				Str("app_id", app.ID).
				Str("channel", name).
				Msg("Skipping undeliverable event")
			continue
		}
		ch.Broadcast(frame, exceptSocketID)
		monitoring.IncrementEventsDispatched()
	}
}

// HandleBusMessage is the receive side of Dispatch, fed by the bus router.
func (d *Dispatcher) HandleBusMessage(app *apps.Application, raw []byte, exceptSocketID string) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.logger.Warn().Err(err).Str("app_id", app.ID).Msg("Dropping undecodable bus event")
		return
	}
	d.DispatchLocally(app, payload, exceptSocketID)
}
