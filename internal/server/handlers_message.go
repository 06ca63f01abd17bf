package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

const dispatchTimeout = 5 * time.Second

// handleMessage interprets one inbound frame. Any parseable frame counts as
// activity, so the connection is touched before dispatch.
func (s *Server) handleMessage(app *apps.Application, conn *connection.Conn, frame []byte) {
	msg, err := protocol.Parse(frame)
	if err != nil {
		_ = conn.SendError(protocol.CodeInvalidMessage, "Invalid message")
		return
	}

	conn.Touch()

	switch {
	case msg.Event == protocol.EventPing:
		_ = conn.SendMessage(protocol.NewPong())
	case msg.Event == protocol.EventPong:
		// Touch already recorded the activity.
	case msg.Event == protocol.EventSubscribe:
		s.handleSubscribe(app, conn, msg)
	case msg.Event == protocol.EventUnsubscribe:
		s.handleUnsubscribe(app, conn, msg)
	case protocol.IsClientEvent(msg.Event):
		s.handleClientEvent(app, conn, msg)
	default:
		_ = conn.SendError(protocol.CodeInvalidMessage, fmt.Sprintf("Unknown event: %s", msg.Event))
	}
}

// handleSubscribe joins a channel and acknowledges. Auth failures answer
// with pusher:error and leave the connection open so the client can retry
// with a fresh signature.
func (s *Server) handleSubscribe(app *apps.Application, conn *connection.Conn, msg protocol.Message) {
	var payload protocol.SubscribePayload
	if err := protocol.DecodeData(msg.Data, &payload); err != nil || payload.Channel == "" {
		_ = conn.SendError(protocol.CodeInvalidMessage, "Subscription requires a channel")
		return
	}

	ch, err := s.channels.Subscribe(app, conn, payload.Channel, payload.Auth, payload.ChannelData)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			_ = conn.SendError(perr.Code, perr.Message)
		} else {
			_ = conn.SendError(protocol.CodeSubscriptionFailed, "Subscription failed")
		}
		return
	}

	data, err := protocol.EncodeData(ch.SubscriptionData())
	if err != nil {
		s.logger.Error().Err(err).Str("channel", ch.Name()).Msg("Failed to encode subscription data")
		return
	}
	_ = conn.SendMessage(protocol.Message{
		Event:   protocol.EventSubscriptionSucceeded,
		Channel: ch.Name(),
		Data:    data,
	})

	if holder, ok := ch.(channels.CacheHolder); ok {
		if cached, found := holder.CachedPayload(); found {
			_ = conn.Send(cached)
		} else {
			_ = conn.SendMessage(protocol.NewCacheMiss(ch.Name()))
		}
	}
}

func (s *Server) handleUnsubscribe(app *apps.Application, conn *connection.Conn, msg protocol.Message) {
	var payload protocol.UnsubscribePayload
	if err := protocol.DecodeData(msg.Data, &payload); err != nil || payload.Channel == "" {
		_ = conn.SendError(protocol.CodeInvalidMessage, "Unsubscribe requires a channel")
		return
	}
	s.channels.Unsubscribe(app, conn, payload.Channel)
}

// handleClientEvent relays a client-* event to channel peers. Events on
// channels the sender is not authorized for are dropped without a reply;
// answering would leak which channels exist.
func (s *Server) handleClientEvent(app *apps.Application, conn *connection.Conn, msg protocol.Message) {
	if msg.Channel == "" {
		_ = conn.SendError(protocol.CodeInvalidEventData, "Client events require a channel")
		return
	}
	if !channels.RequiresAuth(msg.Channel) {
		return
	}
	ch, ok := s.channels.Find(app, msg.Channel)
	if !ok || !ch.IsSubscribed(conn.ID()) {
		return
	}

	payload := events.Payload{Event: msg.Event, Channel: msg.Channel, Data: msg.Data}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(ctx, app, payload, conn.ID()); err != nil {
		s.logger.Warn().Err(err).
			Str("app_id", app.ID).
			Str("channel", msg.Channel).
			Str("event", msg.Event).
			Msg("Client event dispatch failed")
	}
}
