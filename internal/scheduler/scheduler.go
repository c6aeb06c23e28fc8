// Package scheduler triggers matchmaking passes on a fixed interval and on demand.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/matchmaking"
)

// Runner executes one matchmaking pass.
type Runner interface {
	RunPass(ctx context.Context) matchmaking.PassSummary
}

// Scheduler runs passes as a gocron singleton job: a trigger that arrives
// while a pass is in flight is dropped rather than queued.
type Scheduler struct {
	cron    gocron.Scheduler
	job     gocron.Job
	runner  Runner
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Each pass is bounded by timeout.
func New(runner Runner, interval, timeout time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s", interval)
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron,
		runner:  runner,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.job, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.run),
		gocron.WithName("matchmaking-pass"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = cron.Shutdown()
		return nil, fmt.Errorf("failed to schedule matchmaking job: %w", err)
	}
	return s, nil
}

// Start begins scheduled execution.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Str("job", s.job.Name()).Msg("Matchmaking scheduler started")
}

// Trigger requests an immediate pass without waiting for it.
func (s *Scheduler) Trigger() {
	if err := s.job.RunNow(); err != nil {
		log.Warn().Err(err).Msg("Failed to trigger matchmaking pass")
	}
}

// Stop cancels any in-flight pass and shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Matchmaking pass panicked")
		}
	}()

	s.runner.RunPass(ctx)
}
