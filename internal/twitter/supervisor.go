package twitter

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernwood/tweet-relay/internal/metrics"
)

const (
	// New follows are coalesced into one restart over this window.
	restartDelay = 10 * time.Second

	// Interest deltas buffered ahead of the supervisor loop.
	deltaChannelCapacity = 16
)

// Runner opens one upstream stream for the given follow set and blocks
// until it fails or ctx is cancelled. It never returns nil on its own.
type Runner func(ctx context.Context, follows []uint64) error

// SupervisorConfig tunes the supervisor. Zero values take defaults.
type SupervisorConfig struct {
	// Restart the consumer whenever follows disappear from the interest
	// map, not only when new ones appear.
	AlwaysRestart bool

	// Debounce window for interest-driven restarts. Defaults to 10s.
	RestartDelay time.Duration

	// Optional path the interest map's key set is persisted to on exit.
	FollowsCachePath string
}

// runningConsumer tracks the single live upstream consumer.
type runningConsumer struct {
	cancel  context.CancelFunc
	done    chan error
	follows []uint64
}

// Supervisor owns the authoritative follow-id to subscribers mapping,
// coalesces interest changes into upstream restarts, and recovers
// upstream failures under a per-class backoff. All state is confined to
// the Run goroutine; sessions talk to it only through the delta channel.
type Supervisor struct {
	cfg    SupervisorConfig
	run    Runner
	logger zerolog.Logger

	deltas chan Delta

	// Loop-owned state, never touched outside Run.
	interests  map[uint64]map[string]struct{}
	backingOff bool
	backoff    uint32
	restart    *time.Timer
	consumer   *runningConsumer
}

// NewSupervisor builds a supervisor driving run.
func NewSupervisor(cfg SupervisorConfig, run Runner, logger zerolog.Logger) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = restartDelay
	}
	return &Supervisor{
		cfg:       cfg,
		run:       run,
		logger:    logger.With().Str("component", "supervisor").Logger(),
		deltas:    make(chan Delta, deltaChannelCapacity),
		interests: make(map[uint64]map[string]struct{}),
	}
}

// Deltas is the send side sessions report interest changes on.
func (s *Supervisor) Deltas() chan<- Delta {
	return s.deltas
}

// Run is the supervisor event loop. It returns when ctx is cancelled or
// the delta channel is closed, after tearing down any live consumer.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.persistCache()

	for {
		// Nil channels block forever, which disables the select arms for
		// sources that do not currently exist.
		var restartC <-chan time.Time
		if s.restart != nil {
			restartC = s.restart.C
		}
		var consumerC chan error
		if s.consumer != nil {
			consumerC = s.consumer.done
		}

		select {
		case <-ctx.Done():
			s.stopConsumer()
			return ctx.Err()

		case delta, ok := <-s.deltas:
			if !ok {
				s.stopConsumer()
				return errors.New("interest delta channel closed")
			}
			if s.applyDelta(delta) && !s.backingOff {
				s.logger.Info().
					Dur("delay", s.cfg.RestartDelay).
					Msg("Follow set changed, restart scheduled")
				s.scheduleRestart(s.cfg.RestartDelay)
			}

		case <-restartC:
			s.restart = nil
			s.backingOff = false
			s.restartConsumer(ctx)

		case err := <-consumerC:
			s.consumer = nil
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				// Shutdown in flight; the ctx.Done arm will run next.
				continue
			}
			s.handleConsumerFailure(err)
		}
	}
}

// applyDelta replaces one client's interests and reports whether the
// upstream filter must be rebuilt.
func (s *Supervisor) applyDelta(d Delta) bool {
	shrunk := 0
	for fid, subs := range s.interests {
		if d.Follows.Contains(fid) {
			continue
		}
		if _, ok := subs[d.Client]; !ok {
			continue
		}
		delete(subs, d.Client)
		if len(subs) == 0 {
			delete(s.interests, fid)
			shrunk++
		}
	}

	grew := 0
	for fid := range d.Follows {
		subs, ok := s.interests[fid]
		if !ok {
			subs = make(map[string]struct{})
			s.interests[fid] = subs
			grew++
		}
		subs[d.Client] = struct{}{}
	}

	metrics.InterestedFollows.Set(float64(len(s.interests)))
	s.logger.Debug().
		Str("client", d.Client).
		Int("client_follows", len(d.Follows)).
		Int("total_follows", len(s.interests)).
		Int("grew", grew).
		Int("shrunk", shrunk).
		Msg("Applied interest delta")

	switch {
	case grew > 0:
		return true
	case s.consumer != nil && len(s.interests) == 0:
		// The running stream's filter is now entirely stale.
		return true
	case s.cfg.AlwaysRestart && shrunk > 0:
		return true
	default:
		return false
	}
}

// scheduleRestart arms the restart timer, replacing any timer already
// armed so rapid edits coalesce into a single restart.
func (s *Supervisor) scheduleRestart(delay time.Duration) {
	if s.restart != nil {
		s.logger.Info().Msg("Replacing an existing scheduled restart")
		s.restart.Stop()
	}
	s.restart = time.NewTimer(delay)
}

// restartConsumer tears down the running consumer, if any, and starts a
// fresh one over the current interest map snapshot. With no interests
// left it returns to idle.
func (s *Supervisor) restartConsumer(ctx context.Context) {
	s.stopConsumer()

	if len(s.interests) == 0 {
		s.logger.Info().Msg("No follows requested, staying idle")
		return
	}

	follows := make([]uint64, 0, len(s.interests))
	for fid := range s.interests {
		follows = append(follows, fid)
	}
	sort.Slice(follows, func(i, j int) bool { return follows[i] < follows[j] })

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	run := s.run
	go func() {
		done <- run(cctx, follows)
	}()

	s.consumer = &runningConsumer{cancel: cancel, done: done, follows: follows}
	metrics.UpstreamStarts.Inc()
	s.logger.Info().Int("follows", len(follows)).Msg("Started upstream consumer")
}

// stopConsumer cancels the live consumer and waits for it to wind down.
func (s *Supervisor) stopConsumer() {
	if s.consumer == nil {
		return
	}
	s.consumer.cancel()
	err := <-s.consumer.done
	s.logger.Debug().AnErr("cause", err).Msg("Upstream consumer stopped")
	s.consumer = nil
}

// handleConsumerFailure classifies a stream failure and schedules the
// next restart under the class's backoff.
func (s *Supervisor) handleConsumerFailure(err error) {
	class := Classify(err)
	delay, next := nextBackoff(class, s.backoff)
	s.backoff = next
	s.backingOff = true
	metrics.UpstreamFailures.WithLabelValues(class.String()).Inc()

	s.logger.Error().
		Err(err).
		Str("class", class.String()).
		Uint32("backoff", s.backoff).
		Dur("delay", delay).
		Msg("Upstream stream failed, restarting after backoff")

	s.scheduleRestart(delay)
}

// persistCache writes the current follow filter for the next run.
func (s *Supervisor) persistCache() {
	if s.cfg.FollowsCachePath == "" {
		return
	}
	follows := make(FollowSet, len(s.interests))
	for fid := range s.interests {
		follows.Insert(fid)
	}
	if err := WriteFollowsCache(s.cfg.FollowsCachePath, follows); err != nil {
		s.logger.Warn().Err(err).Str("path", s.cfg.FollowsCachePath).Msg("Failed to write follows cache")
	}
}
