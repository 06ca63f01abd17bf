package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
)

// eventRequest is one publish item, from /events or a /batch_events entry.
type eventRequest struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Info     string          `json:"info,omitempty"`
}

func (r eventRequest) targetChannels() []string {
	if len(r.Channels) > 0 {
		return r.Channels
	}
	if r.Channel != "" {
		return []string{r.Channel}
	}
	return nil
}

func (r eventRequest) payload() events.Payload {
	return events.Payload{
		Event:    r.Name,
		Channel:  r.Channel,
		Channels: r.Channels,
		Data:     r.Data,
	}
}

func (h *Handler) up(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"health": "OK"})
}

func (h *Handler) publishEvent(c *gin.Context) {
	app := appFrom(c)

	var req eventRequest
	if err := json.Unmarshal(bodyFrom(c), &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Request body is not valid JSON"})
		return
	}
	if errs := validateEvent(app, req); errs != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "The given data was invalid.", "errors": errs})
		return
	}

	if err := h.dispatch(c, app, req); err != nil {
		return
	}

	if req.Info == "" {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	fields := splitInfo(req.Info)
	channelsInfo := make(map[string]metrics.ChannelInfo)
	for _, name := range req.targetChannels() {
		channelsInfo[name] = h.localChannelInfo(app, name, fields)
	}
	c.JSON(http.StatusOK, gin.H{"channels": channelsInfo})
}

func (h *Handler) publishBatch(c *gin.Context) {
	app := appFrom(c)

	var req struct {
		Batch []eventRequest `json:"batch"`
	}
	if err := json.Unmarshal(bodyFrom(c), &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Request body is not valid JSON"})
		return
	}

	errs := make(fieldErrors)
	switch {
	case len(req.Batch) == 0:
		errs.add("batch", "The batch field is required.")
	case len(req.Batch) > maxBatchSize:
		errs.add("batch", "The batch may not have more than 10 items.")
	default:
		for i, item := range req.Batch {
			errs.merge(fmtBatchPrefix(i), validateEvent(app, item))
		}
	}
	if len(errs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "The given data was invalid.", "errors": errs})
		return
	}

	infos := make([]metrics.ChannelInfo, 0, len(req.Batch))
	for _, item := range req.Batch {
		if err := h.dispatch(c, app, item); err != nil {
			return
		}
		var info metrics.ChannelInfo
		if targets := item.targetChannels(); item.Info != "" && len(targets) == 1 {
			info = h.localChannelInfo(app, targets[0], splitInfo(item.Info))
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, gin.H{"batch": infos})
}

func (h *Handler) dispatch(c *gin.Context, app *apps.Application, req eventRequest) error {
	err := h.deps.Dispatcher.Dispatch(c.Request.Context(), app, req.payload(), req.SocketID)
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", app.ID).Str("event", req.Name).Msg("Event dispatch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Event dispatch failed"})
	}
	return err
}

func (h *Handler) listChannels(c *gin.Context) {
	app := appFrom(c)

	opts := metrics.Options{
		Prefix: c.Query("filter_by_prefix"),
		Info:   splitInfo(c.Query("info")),
	}
	if !metrics.InfoAllowed(opts.Info) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": "The given data was invalid.",
			"errors":  fieldErrors{"info": {"The info field contains an unknown attribute."}},
		})
		return
	}
	if slices.Contains(opts.Info, metrics.InfoUserCount) && !strings.HasPrefix(opts.Prefix, "presence-") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The user_count attribute requires a presence channel prefix"})
		return
	}

	results, err := h.deps.Gatherer.Gather(c.Request.Context(), app, metrics.TypeChannels, opts)
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", app.ID).Msg("Channel listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Channel listing failed"})
		return
	}
	c.JSON(http.StatusOK, metrics.MergeChannels(results))
}

func (h *Handler) channelInfo(c *gin.Context) {
	app := appFrom(c)
	name := c.Param("channelName")

	fields := splitInfo(c.Query("info"))
	if !metrics.InfoAllowed(fields) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": "The given data was invalid.",
			"errors":  fieldErrors{"info": {"The info field contains an unknown attribute."}},
		})
		return
	}
	if slices.Contains(fields, metrics.InfoUserCount) && !strings.HasPrefix(name, "presence-") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The user_count attribute requires a presence channel"})
		return
	}
	// Occupancy is always part of single-channel info.
	if !slices.Contains(fields, metrics.InfoOccupied) {
		fields = append([]string{metrics.InfoOccupied}, fields...)
	}

	results, err := h.deps.Gatherer.Gather(c.Request.Context(), app, metrics.TypeChannel, metrics.Options{Channel: name, Info: fields})
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", app.ID).Str("channel", name).Msg("Channel info failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Channel info failed"})
		return
	}
	c.JSON(http.StatusOK, metrics.MergeChannel(results))
}

func (h *Handler) channelUsers(c *gin.Context) {
	app := appFrom(c)
	name := c.Param("channelName")

	if !strings.HasPrefix(name, "presence-") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User listings require a presence channel"})
		return
	}

	results, err := h.deps.Gatherer.Gather(c.Request.Context(), app, metrics.TypeChannelUsers, metrics.Options{Channel: name})
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", app.ID).Str("channel", name).Msg("Channel users failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Channel users failed"})
		return
	}

	merged := metrics.MergeUsers(results)
	users := make([]gin.H, 0, len(merged.Users))
	for _, id := range merged.Users {
		users = append(users, gin.H{"id": id})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) connections(c *gin.Context) {
	app := appFrom(c)

	results, err := h.deps.Gatherer.Gather(c.Request.Context(), app, metrics.TypeConnections, metrics.Options{})
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", app.ID).Msg("Connection count failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Connection count failed"})
		return
	}
	c.JSON(http.StatusOK, metrics.MergeConnections(results))
}

func (h *Handler) terminateUserConnections(c *gin.Context) {
	app := appFrom(c)
	userID := c.Param("userId")

	if h.deps.Bus != nil {
		env, err := pubsub.NewTerminateEnvelope(app, userID)
		if err == nil {
			_, err = h.deps.Bus.Publish(c.Request.Context(), env)
		}
		if err != nil {
			h.logger.Error().Err(err).Str("app_id", app.ID).Str("user_id", userID).Msg("Terminate publish failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Terminate failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	closed := h.deps.TerminateLocal(app, userID)
	h.logger.Info().Str("app_id", app.ID).Str("user_id", userID).Int("connections", closed).Msg("Terminated user connections")
	c.JSON(http.StatusOK, gin.H{})
}

// localChannelInfo answers the info attached to publish responses from this
// node's state alone.
func (h *Handler) localChannelInfo(app *apps.Application, name string, fields []string) metrics.ChannelInfo {
	data, err := h.deps.Local.Collect(app, metrics.TypeChannel, metrics.Options{Channel: name, Info: fields})
	if err != nil {
		return metrics.ChannelInfo{}
	}
	info, ok := data.(metrics.ChannelInfo)
	if !ok {
		return metrics.ChannelInfo{}
	}
	return info
}

func fmtBatchPrefix(i int) string {
	return "batch." + strconv.Itoa(i) + "."
}
