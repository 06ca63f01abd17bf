// Package server binds the broker's surfaces to one listener: the WebSocket
// endpoint on /app/{appKey}, the signed HTTP control API, and the Prometheus
// and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/api"
	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/config"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/jobs"
	"github.com/tomnagengast/revurb-sub002/internal/limits"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// Deps are the components the server serves. Bus, Limiter and Jobs may be
// nil; the matching feature is then off.
type Deps struct {
	Config      *config.Config
	Apps        *apps.Registry
	Connections *connection.Registry
	Channels    *channels.Manager
	Dispatcher  *events.Dispatcher
	Local       *metrics.Local
	Gatherer    *metrics.Gatherer
	Bus         *pubsub.Bus
	Limiter     *limits.ConnectionRateLimiter
	Jobs        *jobs.Runner
}

// Server owns the HTTP listener and the connection lifecycle.
type Server struct {
	logger      zerolog.Logger
	cfg         *config.Config
	apps        *apps.Registry
	connections *connection.Registry
	channels    *channels.Manager
	dispatcher  *events.Dispatcher
	gatherer    *metrics.Gatherer
	bus         *pubsub.Bus
	limiter     *limits.ConnectionRateLimiter
	jobs        *jobs.Runner

	httpSrv  *http.Server
	draining atomic.Bool
}

func New(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		logger:      logger.With().Str("component", "server").Logger(),
		cfg:         deps.Config,
		apps:        deps.Apps,
		connections: deps.Connections,
		channels:    deps.Channels,
		dispatcher:  deps.Dispatcher,
		gatherer:    deps.Gatherer,
		bus:         deps.Bus,
		limiter:     deps.Limiter,
		jobs:        deps.Jobs,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET(wsRoute(deps.Config.Path), s.handleWebSocket)

	api.NewHandler(logger, api.Deps{
		Apps:           deps.Apps,
		Connections:    deps.Connections,
		Channels:       deps.Channels,
		Dispatcher:     deps.Dispatcher,
		Local:          deps.Local,
		Gatherer:       deps.Gatherer,
		Bus:            deps.Bus,
		TerminateLocal: s.TerminateUser,
		MaxRequestSize: deps.Config.MaxRequestSize,
	}).Register(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              deps.Config.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// wsRoute prefixes the WebSocket endpoint with the configured server path.
// The control API keeps its standard paths regardless.
func wsRoute(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path + "/app/:appKey"
}

// Run starts the bus, the background jobs and the listener, blocking until
// the listener stops.
func (s *Server) Run(ctx context.Context) error {
	if s.bus != nil {
		router := &pubsub.Router{
			Logger:           s.logger,
			Apps:             s.apps,
			OnMessage:        s.dispatcher.HandleBusMessage,
			OnMetricsRequest: s.gatherer.HandleRequest,
			OnMetricsRetrieved: func(_ *apps.Application, key string, data json.RawMessage) {
				s.gatherer.HandleRetrieved(key, data)
			},
			OnTerminate: func(app *apps.Application, userID string) {
				s.TerminateUser(app, userID)
			},
		}
		if err := s.bus.Start(ctx, router.Route); err != nil {
			return fmt.Errorf("starting pubsub bus: %w", err)
		}
	}
	if s.jobs != nil {
		s.jobs.Start()
	}

	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in order: refuse new handshakes, stop the jobs, leave the
// bus, tell every client to reconnect, then stop the listener. Clients get
// the error frame before their close frame.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info().Msg("Shutting down")

	if s.jobs != nil {
		s.jobs.Stop()
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	conns := s.connections.All()
	for _, conn := range conns {
		_ = conn.SendError(protocol.CodeInvalidMessage, "Server closed. Reconnect immediately.")
		conn.Terminate(protocol.CodeInvalidMessage, "Server closed")
	}
	if len(conns) > 0 {
		s.logger.Info().Int("connections", len(conns)).Msg("Drained client connections")
	}

	return s.httpSrv.Shutdown(ctx)
}

// TerminateUser closes every local connection holding a presence membership
// for the user and reports how many it closed. On a cluster the bus fans
// the same request out to the other nodes.
func (s *Server) TerminateUser(app *apps.Application, userID string) int {
	targets := make(map[string]*connection.Conn)
	for _, ch := range s.channels.Channels(app) {
		for _, sub := range ch.Connections() {
			if sub.Member != nil && sub.Member.UserID == userID {
				targets[sub.Conn.ID()] = sub.Conn
			}
		}
	}
	for _, conn := range targets {
		conn.Disconnect()
	}
	if len(targets) > 0 {
		s.logger.Info().
			Str("app_id", app.ID).
			Str("user_id", userID).
			Int("connections", len(targets)).
			Msg("Terminated user connections")
	}
	return len(targets)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"system": monitoring.Snapshot(),
	})
}
