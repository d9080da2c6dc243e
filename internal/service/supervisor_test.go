package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	calls   atomic.Int32
	onRun   func(ctx context.Context, n int32) error
	running atomic.Int32
	overlap atomic.Bool
}

func (f *fakeRunner) RunOnce(ctx context.Context) (model.ScanRun, error) {
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)
	n := f.calls.Add(1)
	var err error
	if f.onRun != nil {
		err = f.onRun(ctx, n)
	}
	return model.ScanRun{ID: "run"}, err
}

type fakeCleaner struct {
	mu         sync.Mutex
	thresholds []time.Duration
	err        error
}

func (f *fakeCleaner) CleanupStuck(_ context.Context, threshold time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = append(f.thresholds, threshold)
	return 0, f.err
}

func TestSupervisor(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	runner := &fakeRunner{}
	runner.onRun = func(_ context.Context, n int32) error {
		if n == 3 {
			cancel()
		}
		if n == 2 {
			return errors.New("database is locked")
		}
		return nil
	}
	cleaner := &fakeCleaner{}

	supervisor, err := service.NewSupervisor(ctx, runner, cleaner, service.Options{
		Schedule:   &model.Schedule{Every: "20ms"},
		StaleAfter: 2 * time.Hour,
		Immediate:  true,
	})
	require.NoError(t, err)

	// a failing run does not stop the loop
	require.NoError(t, supervisor.Do(ctx))
	require.GreaterOrEqual(t, runner.calls.Load(), int32(3))
	require.False(t, runner.overlap.Load())
	require.Equal(t, []time.Duration{2 * time.Hour}, cleaner.thresholds)
}

func TestSupervisor_RunReachesTerminalState(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var finished atomic.Bool
	runner := &fakeRunner{onRun: func(ctx context.Context, _ int32) error {
		cancel()
		<-ctx.Done()
		// the run fails itself with reason terminated
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}}

	supervisor, err := service.NewSupervisor(ctx, runner, nil, service.Options{Every: time.Hour, Immediate: true})
	require.NoError(t, err)
	require.NoError(t, supervisor.Do(ctx))
	require.True(t, finished.Load())
	require.Equal(t, int32(1), runner.calls.Load())
}

func TestSupervisor_ConfigErrorStops(t *testing.T) {
	runner := &fakeRunner{onRun: func(context.Context, int32) error {
		return &model.ConfigError{Field: "provider.api_key", Err: model.ErrUnauthorized}
	}}
	supervisor, err := service.NewSupervisor(t.Context(), runner, nil, service.Options{Every: time.Hour, Immediate: true})
	require.NoError(t, err)

	err = supervisor.Do(t.Context())
	require.ErrorIs(t, err, model.ErrUnauthorized)
	require.Equal(t, int32(1), runner.calls.Load())
}

func TestSupervisor_CleanupFailure(t *testing.T) {
	runner := &fakeRunner{}
	cleaner := &fakeCleaner{err: &model.PersistenceError{Op: "cleanup stuck runs", Err: errors.New("unreachable")}}
	supervisor, err := service.NewSupervisor(t.Context(), runner, cleaner, service.Options{Every: time.Hour, StaleAfter: time.Hour})
	require.NoError(t, err)

	err = supervisor.Do(t.Context())
	require.True(t, model.IsPersistence(err))
	require.Zero(t, runner.calls.Load())
}

func TestNewSupervisor_Fail(t *testing.T) {
	cases := []struct {
		scenario string
		given    service.Options
	}{
		{scenario: "no schedule", given: service.Options{}},
		{scenario: "bad cron", given: service.Options{Schedule: &model.Schedule{Cron: "* * *"}}},
		{scenario: "bad every", given: service.Options{Schedule: &model.Schedule{Every: "soon"}}},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := service.NewSupervisor(t.Context(), &fakeRunner{}, nil, tc.given)
			require.True(t, model.IsConfig(err))
		})
	}
}
