package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

// handleWebSocket upgrades /app/{appKey} and runs the connection until the
// socket drops. Application checks happen after the upgrade so their
// failures can be reported in-band as pusher:error frames, the only error
// surface Pusher clients understand.
func (s *Server) handleWebSocket(c *gin.Context) {
	r := c.Request
	ip := clientIP(r)

	if s.draining.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}
	if s.limiter != nil && !s.limiter.Allow(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts"})
		return
	}

	appKey := c.Param("appKey")
	origin := r.Header.Get("Origin")

	netConn, _, _, err := ws.UpgradeHTTP(r, c.Writer)
	if err != nil {
		s.logger.Debug().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	app, err := s.apps.FindByKey(appKey)
	if err != nil {
		s.rejectSocket(netConn, protocol.CodeApplicationNotFound, "Application does not exist")
		return
	}
	if !app.OriginAllowed(origin) {
		s.rejectSocket(netConn, protocol.CodeUnauthorized, "Origin not allowed")
		return
	}
	if !app.Unlimited() && s.connections.Count(app.ID) >= app.MaxConnections {
		s.rejectSocket(netConn, protocol.CodeConnectionLimitExceeded, "Application is over its connection quota")
		return
	}

	transport := newWSTransport(s.logger.With().Str("app_id", app.ID).Logger(), netConn)
	conn := connection.New(app, transport, origin)
	s.connections.Register(conn)
	go transport.writePump()

	established, err := protocol.NewConnectionEstablished(conn.ID(), app.ActivityTimeout)
	if err != nil {
		s.cleanup(app, conn)
		return
	}
	if err := conn.SendMessage(established); err != nil {
		s.cleanup(app, conn)
		return
	}

	s.logger.Debug().
		Str("app_id", app.ID).
		Str("socket_id", conn.ID()).
		Str("client_ip", ip).
		Msg("Connection established")

	s.readPump(app, conn, transport)
}

// readPump reads frames until the socket drops, then releases everything
// the connection holds. It runs on the HTTP handler goroutine; gin gets the
// hijacked connection back only by this returning.
func (s *Server) readPump(app *apps.Application, conn *connection.Conn, t *wsTransport) {
	defer monitoring.RecoverPanic(s.logger, "read_pump", map[string]any{"socket_id": conn.ID()})
	defer s.cleanup(app, conn)

	for {
		frame, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		monitoring.IncrementMessagesReceived()

		if conn.MaxMessageSize() > 0 && len(frame) > conn.MaxMessageSize() {
			_ = conn.SendError(protocol.CodeMaxMessageSize, "Max message size exceeded")
			conn.Terminate(protocol.CodeMaxMessageSize, "Max message size exceeded")
			return
		}

		s.handleMessage(app, conn, frame)
	}
}

// cleanup tears down one connection's footprint. Unsubscribing first lets
// presence departures gossip while the channel state is still consistent.
func (s *Server) cleanup(app *apps.Application, conn *connection.Conn) {
	s.channels.UnsubscribeFromAll(app, conn)
	s.connections.Unregister(conn)
	conn.Disconnect()
	s.logger.Debug().
		Str("app_id", app.ID).
		Str("socket_id", conn.ID()).
		Msg("Connection closed")
}

// rejectSocket reports a handshake failure in-band and closes. Direct
// writes are safe here: a rejected socket never starts a write pump.
func (s *Server) rejectSocket(netConn net.Conn, code int, message string) {
	defer netConn.Close()
	_ = netConn.SetWriteDeadline(time.Now().Add(writeWait))

	if frame, err := protocol.NewErrorMessage(code, message).Encode(); err == nil {
		_ = wsutil.WriteServerMessage(netConn, ws.OpText, frame)
	}
	body := ws.NewCloseFrameBody(ws.StatusCode(code), message)
	_ = wsutil.WriteServerMessage(netConn, ws.OpClose, body)
}

// clientIP prefers forwarding headers so rate limiting sees the real client
// behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
