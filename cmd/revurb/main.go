package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/config"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/events"
	"github.com/tomnagengast/revurb-sub002/internal/jobs"
	"github.com/tomnagengast/revurb-sub002/internal/limits"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
	"github.com/tomnagengast/revurb-sub002/internal/pubsub"
	"github.com/tomnagengast/revurb-sub002/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides REVERB_LOG_LEVEL)")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	applications, err := cfg.Applications()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load applications")
	}
	appRegistry, err := apps.NewRegistry(applications)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid application configuration")
	}
	cfg.LogConfig(logger, len(applications))

	connRegistry := connection.NewRegistry(appRegistry)
	channelManager := channels.NewManager(logger, appRegistry)

	var bus *pubsub.Bus
	if cfg.ScalingEnabled {
		provider, err := pubsub.NewProvider(logger, pubsub.Options{
			Driver:       cfg.ScalingDriver,
			Channel:      cfg.ScalingChannel,
			RedisURL:     cfg.RedisURL,
			NATSURL:      cfg.NATSURL,
			KafkaBrokers: cfg.KafkaBrokers,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create pubsub provider")
		}
		bus = pubsub.NewBus(logger, provider)
	}

	dispatcher := events.NewDispatcher(logger, channelManager, bus)
	local := metrics.NewLocal(channelManager, connRegistry)
	gatherer := metrics.NewGatherer(logger, local, bus)

	var limiter *limits.ConnectionRateLimiter
	if cfg.RateLimitEnabled {
		limiter = limits.NewConnectionRateLimiter(logger, limits.RateLimiterConfig{
			IPRate:      cfg.RateLimitIPRate,
			IPBurst:     cfg.RateLimitIPBurst,
			GlobalRate:  cfg.RateLimitGlobalRate,
			GlobalBurst: cfg.RateLimitGlobalBurst,
		})
	}

	runner := jobs.NewRunner(logger, connRegistry, channelManager)

	srv := server.New(logger, server.Deps{
		Config:      cfg,
		Apps:        appRegistry,
		Connections: connRegistry,
		Channels:    channelManager,
		Dispatcher:  dispatcher,
		Local:       local,
		Gatherer:    gatherer,
		Bus:         bus,
		Limiter:     limiter,
		Jobs:        runner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
	cancel()
	logger.Info().Msg("Server stopped")
}
