// Package protocol defines the Pusher wire protocol surface: frame shapes,
// event names, close codes, and the data-encoding rules shared by the
// WebSocket server, the channel subsystem, and the HTTP API.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Client-originated events.
const (
	EventSubscribe   = "pusher:subscribe"
	EventUnsubscribe = "pusher:unsubscribe"
	EventPing        = "pusher:ping"
	EventPong        = "pusher:pong"
)

// Server-originated events.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventCacheMiss             = "pusher:cache_miss"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// ClientEventPrefix marks subscriber-originated events relayed to channel
// peers.
const ClientEventPrefix = "client-"

// Close codes. 4000-4099 tell the client not to reconnect; 4100-4199 to back
// off before reconnecting; 4200-4299 to reconnect immediately.
const (
	CodeSSLRequired             = 4000
	CodeApplicationNotFound     = 4001
	CodeConnectionLimitExceeded = 4004
	CodeUnauthorized            = 4009
	CodeInvalidEventData        = 4100
	CodeInvalidMessage          = 4200
	CodePongTimeout             = 4201
	CodeMaxMessageSize          = 4300
	CodeSubscriptionFailed      = 4301
)

// Error is a protocol failure carrying the code delivered to the client in a
// pusher:error frame. Whether the connection also closes is decided at the
// call site: handshake failures close, subscription failures reply only.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// NewError builds a protocol error value.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Message is a single wire frame. Data holds either a JSON object (client
// frames may send one) or a JSON-encoded string (all server-originated
// frames).
type Message struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Channels []string        `json:"channels,omitempty"`
}

// Parse decodes an inbound client frame. A frame without an event name is
// invalid.
func Parse(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, NewError(CodeInvalidMessage, "Invalid message format")
	}
	if msg.Event == "" {
		return Message{}, NewError(CodeInvalidMessage, "Message is missing an event name")
	}
	return msg, nil
}

// DecodeData unmarshals a frame's data into v, accepting both the object form
// and the JSON-string-encoded form clients are allowed to send.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty data")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		return json.Unmarshal([]byte(inner), v)
	}
	return json.Unmarshal(data, v)
}

// EncodeData renders v as the JSON-string-encoded data field used by every
// server-originated frame.
func EncodeData(v any) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}
	return outer, nil
}

// SubscribePayload is the data object of pusher:subscribe. ChannelData
// arrives as a JSON-encoded string and participates verbatim in the auth
// signature.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data"`
}

// UnsubscribePayload is the data object of pusher:unsubscribe.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// IsClientEvent reports whether the event name marks a subscriber-originated
// relay event.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// NewConnectionEstablished builds the frame completing the handshake.
// ActivityTimeout is the application's activity timeout in seconds.
func NewConnectionEstablished(socketID string, activityTimeout int) (Message, error) {
	data, err := EncodeData(map[string]any{
		"socket_id":        socketID,
		"activity_timeout": activityTimeout,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Event: EventConnectionEstablished, Data: data}, nil
}

// NewErrorMessage builds a pusher:error frame.
func NewErrorMessage(code int, message string) Message {
	data, err := EncodeData(map[string]any{
		"code":    code,
		"message": message,
	})
	if err != nil {
		data = json.RawMessage(`"{}"`)
	}
	return Message{Event: EventError, Data: data}
}

// NewPing builds the server-initiated activity probe.
func NewPing() Message {
	return Message{Event: EventPing, Data: json.RawMessage(`"{}"`)}
}

// NewPong builds the reply to a client ping.
func NewPong() Message {
	return Message{Event: EventPong, Data: json.RawMessage(`"{}"`)}
}

// NewCacheMiss builds the frame telling a cache-channel subscriber that no
// payload has been broadcast yet.
func NewCacheMiss(channel string) Message {
	return Message{Event: EventCacheMiss, Channel: channel}
}

// Encode renders the frame for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewSocketID draws the public connection identifier, two random 63-bit
// integers joined by a dot. Collisions across a process are improbable enough
// that no registry check backs this up.
func NewSocketID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read cannot fail on supported platforms.
		panic(err)
	}
	hi := binary.BigEndian.Uint64(buf[0:8]) >> 1
	lo := binary.BigEndian.Uint64(buf[8:16]) >> 1
	return fmt.Sprintf("%d.%d", hi, lo)
}
