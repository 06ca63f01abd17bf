// Package api is the signed HTTP control surface: event publishing, channel
// and connection inspection, and user termination.
package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// Context keys set by the middleware chain.
const (
	ctxApp  = "app"
	ctxBody = "body"
)

// Deps wires the handler to the rest of the broker.
type Deps struct {
	Apps        *apps.Registry
	Connections *connection.Registry
	Channels    *channels.Manager
	Dispatcher  *events.Dispatcher
	Local       *metrics.Local
	Gatherer    *metrics.Gatherer
	Bus         *pubsub.Bus // nil on a single node

	// TerminateLocal drops this node's connections of one user and reports
	// how many it closed.
	TerminateLocal func(app *apps.Application, userID string) int

	MaxRequestSize int64
}

// Handler serves the control API.
type Handler struct {
	logger zerolog.Logger
	deps   Deps
}

func NewHandler(logger zerolog.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger.With().Str("component", "api").Logger(),
		deps:   deps,
	}
}

// Register mounts the control routes. Liveness stays unauthenticated; the
// rest resolves the application and checks the signature first.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/up", h.up)

	scoped := router.Group("/apps/:appId")
	scoped.GET("/up", h.up)

	signed := scoped.Group("", h.resolveApp, h.verifySignature)
	signed.POST("/events", h.publishEvent)
	signed.POST("/batch_events", h.publishBatch)
	signed.GET("/channels", h.listChannels)
	signed.GET("/channels/:channelName", h.channelInfo)
	signed.GET("/channels/:channelName/users", h.channelUsers)
	signed.GET("/connections", h.connections)
	signed.POST("/users/:userId/terminate_connections", h.terminateUserConnections)
}

func (h *Handler) resolveApp(c *gin.Context) {
	id := c.Param("appId")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Application id is required"})
		return
	}
	app, err := h.deps.Apps.FindByID(id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Application not found"})
		return
	}
	c.Set(ctxApp, app)
	c.Next()
}

func (h *Handler) verifySignature(c *gin.Context) {
	app := appFrom(c)

	body, ok := h.readBody(c)
	if !ok {
		return
	}

	if err := VerifySignature(app, c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), body); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Signature mismatch"})
		return
	}
	c.Set(ctxBody, body)
	c.Next()
}

// readBody drains the request body up to the configured cap. Anything
// larger aborts with 413 before signature work happens.
func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	if c.Request.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.deps.MaxRequestSize+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Cannot read request body"})
		return nil, false
	}
	if int64(len(body)) > h.deps.MaxRequestSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body exceeds maximum size"})
		return nil, false
	}
	return body, true
}

func appFrom(c *gin.Context) *apps.Application {
	return c.MustGet(ctxApp).(*apps.Application)
}

func bodyFrom(c *gin.Context) []byte {
	if v, ok := c.Get(ctxBody); ok {
		return v.([]byte)
	}
	return nil
}
