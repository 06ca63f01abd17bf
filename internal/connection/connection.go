// Package connection models one client of the broker: socket identity,
// activity accounting, and the send/close contract every other component
// relies on. The WebSocket framing itself lives behind the Transport
// interface so the core never touches a socket directly.
package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

// ErrTransportClosed reports a send on a connection whose transport has
// completed its close sequence. Callers treat it as a signal to unsubscribe,
// never as a propagating failure.
var ErrTransportClosed = errors.New("transport closed")

// NormalClosure is the WebSocket status for an orderly disconnect.
const NormalClosure = 1000

// Transport is the framing layer a Conn writes through. The server
// implements it over a WebSocket; tests implement it in memory. Write
// delivers one text frame best-effort; Close ends the underlying stream with
// the given status code and is safe to call more than once.
type Transport interface {
	Write(frame []byte) error
	Close(code int, reason string) error
}

// Conn is one live client connection.
type Conn struct {
	app       *apps.Application
	origin    string
	transport Transport

	idOnce sync.Once
	id     string

	maxMessageSize int

	lastSeen  atomic.Int64 // unix nanoseconds
	pinged    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New binds a transport to an application. The message size limit is copied
// from the application so later registry changes can never affect live
// connections.
func New(app *apps.Application, transport Transport, origin string) *Conn {
	c := &Conn{
		app:            app,
		origin:         origin,
		transport:      transport,
		maxMessageSize: app.MaxMessageSize,
	}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// ID returns the public socket id, generated on first use and stable
// afterwards.
func (c *Conn) ID() string {
	c.idOnce.Do(func() {
		c.id = protocol.NewSocketID()
	})
	return c.id
}

func (c *Conn) App() *apps.Application { return c.app }

func (c *Conn) Origin() string { return c.origin }

func (c *Conn) MaxMessageSize() int { return c.maxMessageSize }

// Send forwards one encoded frame to the transport. Once the transport has
// failed or closed, every call returns ErrTransportClosed.
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	if err := c.transport.Write(frame); err != nil {
		// Transport failures are terminal for the connection.
		c.Terminate(NormalClosure, "")
		return ErrTransportClosed
	}
	monitoring.IncrementMessagesSent()
	return nil
}

// SendMessage encodes and sends a protocol frame.
func (c *Conn) SendMessage(msg protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// SendError delivers a pusher:error frame. The connection stays open; closing
// is the caller's decision.
func (c *Conn) SendError(code int, message string) error {
	return c.SendMessage(protocol.NewErrorMessage(code, message))
}

// Touch records inbound activity: refreshes last-seen and clears the pending
// ping flag.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.pinged.Store(false)
}

// LastSeen reports the time of the last inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IsActive reports whether the client has produced traffic within the
// application's ping interval.
func (c *Conn) IsActive() bool {
	return time.Since(c.LastSeen()) < c.app.PingDuration()
}

// IsStale reports whether a pinged client has stayed silent past the
// activity timeout.
func (c *Conn) IsStale() bool {
	return c.pinged.Load() && time.Since(c.LastSeen()) >= c.app.ActivityDuration()
}

// Ping probes an inactive client. The prune job, not this call, decides the
// client's fate.
func (c *Conn) Ping() error {
	err := c.SendMessage(protocol.NewPing())
	c.pinged.Store(true)
	return err
}

// HasBeenPinged reports whether a ping is outstanding.
func (c *Conn) HasBeenPinged() bool {
	return c.pinged.Load()
}

// Terminate closes the transport with the given status code. Idempotent.
func (c *Conn) Terminate(code int, reason string) {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		_ = c.transport.Close(code, reason)
	})
}

// Disconnect closes the transport with a normal closure status. Idempotent.
func (c *Conn) Disconnect() {
	c.Terminate(NormalClosure, "")
}

// IsClosed reports whether the connection has completed its close sequence.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
