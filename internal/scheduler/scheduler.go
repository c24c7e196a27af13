package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMinInterval is the shortest interval accepted when Options leave it unset.
const DefaultMinInterval = time.Second

// TickFunc is invoked on every interval with the time the tick was scheduled for.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	MinInterval  time.Duration
	StartupDelay time.Duration
}

// Scheduler drives periodic monitoring cycles. The interval can be changed
// while running; ticks execute synchronously in the run loop, so a change
// applies from the next tick and never interrupts the one in progress.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	interval time.Duration
	resets   chan time.Duration
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	s := &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		resets: make(chan time.Duration, 1),
	}
	s.interval = s.clamp(opts.Interval)
	return s
}

// Interval returns the interval currently in effect.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Reset replaces the interval, clamped to the configured floor, and returns
// the value that will be used. The pending timer is rearmed from now.
func (s *Scheduler) Reset(interval time.Duration) time.Duration {
	interval = s.clamp(interval)

	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	// keep only the latest request
	select {
	case <-s.resets:
	default:
	}
	select {
	case s.resets <- interval:
	default:
	}
	return interval
}

// Run blocks, invoking tick at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	interval := s.Interval()
	next := time.Now().Add(interval)
	for {
		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_tick", next).Dur("interval", interval).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case interval = <-s.resets:
			timer.Stop()
			next = time.Now().Add(interval)
			s.logger.Info().Dur("interval", interval).Msg("interval changed, timer rearmed")
			continue
		case <-timer.C:
		}

		if err := tick(ctx, next); err != nil {
			s.logger.Error().Err(err).Time("tick", next).Msg("tick execution failed")
		}

		// a reset delivered during the tick is picked up by the select above
		next = next.Add(interval)
		if now := time.Now(); next.Before(now) {
			next = now.Add(interval)
		}
	}
}

func (s *Scheduler) clamp(interval time.Duration) time.Duration {
	if interval < s.opts.MinInterval {
		return s.opts.MinInterval
	}
	return interval
}
