// Package jobs runs the periodic connection maintenance the protocol
// expects: pinging quiet clients and pruning the ones that never answer.
package jobs

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

const schedule = "@every 60s"

// Runner owns the maintenance schedule. Whether a client is quiet or stale
// is judged per application, from each connection's own ping interval and
// activity timeout.
type Runner struct {
	logger      zerolog.Logger
	connections *connection.Registry
	channels    *channels.Manager
	cron        *cron.Cron
}

func NewRunner(logger zerolog.Logger, connections *connection.Registry, channels *channels.Manager) *Runner {
	r := &Runner{
		logger:      logger.With().Str("component", "jobs").Logger(),
		connections: connections,
		channels:    channels,
		cron:        cron.New(),
	}
	_, _ = r.cron.AddFunc(schedule, r.PingInactive)
	_, _ = r.cron.AddFunc(schedule, r.PruneStale)
	return r
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info().Str("schedule", schedule).Msg("Background jobs started")
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Background jobs stopped")
}

// PingInactive sends pusher:ping to every client with no traffic inside its
// application's ping interval. The prune pass decides what happens to
// clients that stay silent.
func (r *Runner) PingInactive() {
	defer monitoring.RecoverPanic(r.logger, "ping_inactive", nil)

	pinged := 0
	for _, conn := range r.connections.All() {
		if conn.IsClosed() || conn.IsActive() {
			continue
		}
		if err := conn.Ping(); err != nil {
			continue
		}
		pinged++
	}
	if pinged > 0 {
		r.logger.Debug().Int("pinged", pinged).Msg("Pinged inactive connections")
	}
}

// PruneStale disconnects clients that ignored a ping past their activity
// timeout. The error frame goes out ahead of the close so the client learns
// why it was dropped.
func (r *Runner) PruneStale() {
	defer monitoring.RecoverPanic(r.logger, "prune_stale", nil)

	pruned := 0
	for _, conn := range r.connections.All() {
		if !conn.IsStale() {
			continue
		}
		_ = conn.SendError(protocol.CodePongTimeout, "Pong reply not received in time")
		conn.Terminate(protocol.CodePongTimeout, "Pong reply not received in time")
		r.channels.UnsubscribeFromAll(conn.App(), conn)
		r.connections.Unregister(conn)
		monitoring.IncrementConnectionsPruned()
		pruned++
	}
	if pruned > 0 {
		r.logger.Info().Int("pruned", pruned).Msg("Pruned stale connections")
	}
}
