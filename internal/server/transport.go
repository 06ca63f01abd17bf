package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

const (
	// writeWait bounds any single socket write.
	writeWait = 10 * time.Second

	// sendQueueSize is the per-connection outbound buffer. A client that
	// falls this far behind is disconnected rather than allowed to stall
	// broadcast fan-out.
	sendQueueSize = 256
)

// wsTransport frames outbound traffic for one client. Every socket write,
// including the close frame, happens on the write pump goroutine so frames
// never interleave. Close enqueues a request instead of writing directly;
// the pump flushes queued frames first, which is what lets an error frame
// reach the client ahead of the close that follows it.
type wsTransport struct {
	logger zerolog.Logger
	conn   net.Conn

	send    chan []byte
	closeCh chan closeRequest

	closed atomic.Bool
	once   sync.Once
}

type closeRequest struct {
	code   int
	reason string
}

func newWSTransport(logger zerolog.Logger, conn net.Conn) *wsTransport {
	return &wsTransport{
		logger:  logger,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		closeCh: make(chan closeRequest, 1),
	}
}

// Write queues one text frame. It never blocks: a full queue means the
// client cannot keep up, so it is told to reconnect and cut off.
func (t *wsTransport) Write(frame []byte) error {
	if t.closed.Load() {
		return connection.ErrTransportClosed
	}
	select {
	case t.send <- frame:
		return nil
	default:
		monitoring.IncrementMessagesDropped()
		t.logger.Warn().Msg("Send queue full, disconnecting slow consumer")
		_ = t.Close(protocol.CodeInvalidMessage, "Reconnect immediately")
		return connection.ErrTransportClosed
	}
}

// Close hands the pump a close request. Frames queued before the call are
// still delivered. Safe to call any number of times; only the first wins.
func (t *wsTransport) Close(code int, reason string) error {
	t.once.Do(func() {
		t.closed.Store(true)
		t.closeCh <- closeRequest{code: code, reason: reason}
	})
	return nil
}

// writePump is the sole writer on the socket. Bursts are batched through a
// buffered writer and flushed once the queue momentarily empties.
func (t *wsTransport) writePump() {
	defer monitoring.RecoverPanic(t.logger, "write_pump", nil)
	defer t.conn.Close()

	writer := bufio.NewWriter(t.conn)

	for {
		select {
		case req := <-t.closeCh:
			t.flushPending(writer)
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusCode(req.code), req.reason)
			_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, body)
			return

		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !t.writeFrame(writer, frame) {
				return
			}
			n := len(t.send)
			for i := 0; i < n; i++ {
				if !t.writeFrame(writer, <-t.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				t.logger.Debug().Err(err).Msg("Socket flush failed")
				t.closed.Store(true)
				return
			}
		}
	}
}

func (t *wsTransport) writeFrame(writer *bufio.Writer, frame []byte) bool {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
		t.logger.Debug().Err(err).Msg("Socket write failed")
		t.closed.Store(true)
		return false
	}
	return true
}

// flushPending drains frames queued ahead of a close request so they are on
// the wire before the close frame.
func (t *wsTransport) flushPending(writer *bufio.Writer) {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	n := len(t.send)
	for i := 0; i < n; i++ {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, <-t.send); err != nil {
			return
		}
	}
	_ = writer.Flush()
}
