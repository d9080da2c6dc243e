package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// Runner executes one complete collection run.
type Runner interface {
	RunOnce(ctx context.Context) (model.ScanRun, error)
}

// Cleaner repairs runs left behind by killed processes.
type Cleaner interface {
	CleanupStuck(ctx context.Context, threshold time.Duration) (int64, error)
}

type Options struct {
	Schedule *model.Schedule
	// Every is used when Schedule defines nothing
	Every time.Duration
	// StaleAfter enables the stuck-run cleanup at startup
	StaleAfter time.Duration
	// Immediate triggers a run as soon as Do starts
	Immediate bool
}

// Supervisor triggers runs on a schedule. Runs never overlap: a trigger that
// arrives while a run is in progress is coalesced into one pending start.
type Supervisor struct {
	start      chan struct{}
	runner     Runner
	cleaner    Cleaner
	staleAfter time.Duration
	immediate  bool
	scheduler  gocron.Scheduler
}

func NewSupervisor(ctx context.Context, runner Runner, cleaner Cleaner, opts Options) (*Supervisor, error) {
	supervisor := &Supervisor{
		start:      make(chan struct{}, 1),
		runner:     runner,
		cleaner:    cleaner,
		staleAfter: opts.StaleAfter,
		immediate:  opts.Immediate,
	}
	scheduler, err := newScheduler(ctx, opts.Schedule, opts.Every, supervisor.Start)
	if err != nil {
		return nil, &model.ConfigError{Field: "service.schedule", Err: err}
	}
	supervisor.scheduler = scheduler
	return supervisor, nil
}

// Start asks for a run. It never blocks.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop until ctx is cancelled. A cancellation
// during a run is passed to the run, which reaches a terminal state before Do
// returns. Configuration errors, such as rejected credentials, stop the loop
// and are returned; other run failures are logged.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	defer func() {
		err := s.scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	if s.cleaner != nil && s.staleAfter > 0 {
		if _, err := s.cleaner.CleanupStuck(ctx, s.staleAfter); err != nil {
			return fmt.Errorf("cleaning up stuck runs: %w", err)
		}
	}

	s.scheduler.Start()

	if s.immediate {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.run(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) run(ctx context.Context) error {
	run, err := s.runner.RunOnce(ctx)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "scheduled run completed", "run_id", run.ID)
		if next, ok := s.nextRun(); ok {
			slog.DebugContext(ctx, "next run scheduled", "at", next)
		}
		return nil
	case ctx.Err() != nil:
		slog.InfoContext(ctx, "run terminated", "run_id", run.ID)
		return nil
	case model.IsConfig(err):
		return err
	case errors.Is(err, model.ErrNoTargetSucceeded):
		slog.WarnContext(ctx, "run failed: no target succeeded", "run_id", run.ID)
		return nil
	default:
		slog.ErrorContext(ctx, "run failed", "run_id", run.ID, "error", err)
		return nil
	}
}

func (s *Supervisor) nextRun() (time.Time, bool) {
	jobs := s.scheduler.Jobs()
	if len(jobs) == 0 {
		return time.Time{}, false
	}
	next, err := jobs[0].NextRun()
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}
