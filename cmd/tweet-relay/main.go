package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/fernwood/tweet-relay/internal/bus"
	"github.com/fernwood/tweet-relay/internal/config"
	"github.com/fernwood/tweet-relay/internal/logging"
	"github.com/fernwood/tweet-relay/internal/relay"
	"github.com/fernwood/tweet-relay/internal/twitter"
)

// busCapacity bounds how far any single session may fall behind the
// upstream stream before it starts losing tweets.
const busCapacity = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tweet-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "tweet-relay")
	cfg.LogConfig(logger)

	tweets := bus.New[*twitter.Tweet](busCapacity)

	consumer := twitter.NewConsumer(twitter.Credentials{
		ConsumerKey:       cfg.ConsumerKey,
		ConsumerSecret:    cfg.ConsumerSecret,
		AccessToken:       cfg.AccessToken,
		AccessTokenSecret: cfg.AccessTokenSecret,
	}, tweets, logger)

	supervisor := twitter.NewSupervisor(twitter.SupervisorConfig{
		AlwaysRestart:    cfg.AlwaysRestart,
		FollowsCachePath: cfg.FollowsCache,
	}, consumer.Run, logger)

	lifeline := relay.NewLifeline()
	server := relay.NewServer(relay.Config{
		ListenAddr:  cfg.ListenAddr,
		DebugFanout: cfg.DebugFanout,
	}, supervisor.Deltas(), tweets, lifeline, logger)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedFollowsCache(cfg.FollowsCache, supervisor, logger)

	supErr := make(chan error, 1)
	go func() {
		supErr <- supervisor.Run(ctx)
		// No more tweets will ever arrive; unblock every session.
		tweets.Close()
	}()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.Serve(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("Shutting down")
	case <-lifeline.Done():
		logger.Info().Msg("Shutting down on client request")
	case err := <-supErr:
		supErr = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			cancel()
			<-srvErr
			return fmt.Errorf("supervisor: %w", err)
		}
	case err := <-srvErr:
		srvErr = nil
		if err != nil {
			cancel()
			<-supErr
			return fmt.Errorf("server: %w", err)
		}
	}

	cancel()
	if supErr != nil {
		if err := <-supErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("Supervisor exited with error")
		}
	}
	if srvErr != nil {
		if err := <-srvErr; err != nil {
			logger.Warn().Err(err).Msg("Server exited with error")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// seedFollowsCache replays the previous run's follow filter so the
// upstream stream warms up before any client reconnects.
func seedFollowsCache(path string, supervisor *twitter.Supervisor, logger zerolog.Logger) {
	if path == "" {
		return
	}
	follows, err := twitter.ReadFollowsCache(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read follows cache")
		}
		return
	}
	if len(follows) == 0 {
		return
	}
	logger.Info().Int("follows", len(follows)).Str("path", path).Msg("Seeding follows from cache")
	supervisor.Deltas() <- twitter.Delta{Client: "startup-cache", Follows: follows}
}
