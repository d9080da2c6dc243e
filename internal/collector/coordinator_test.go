package collector_test

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-intel/sentinel/internal/collector"
	"github.com/sentinel-intel/sentinel/internal/model"
)

func TestCoordinator_FailTwice(t *testing.T) {
	c := &clock{now: t0}
	s := newStore(t, c)
	coord := collector.NewCoordinator(s, collector.WithClock(c.Now), collector.WithIDs(ids()))
	ctx := t.Context()

	h, err := coord.Begin(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "run-1", h.ID())
	require.Equal(t, t0, h.Started())

	c.now = t0.Add(time.Minute)
	require.NoError(t, coord.Fail(ctx, h, "boom", model.RunCounts{}))
	// no-ops on a terminal run
	c.now = t0.Add(time.Hour)
	require.NoError(t, coord.Fail(ctx, h, "again", model.RunCounts{}))
	require.NoError(t, coord.Finish(ctx, h, model.RunCounts{TargetsProcessed: 9}))

	run, err := s.GetRun(ctx, h.ID())
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)
	require.Equal(t, "boom", *run.FailureReason)
	require.Equal(t, t0.Add(time.Minute), *run.FinishedAt)
	require.Zero(t, run.Counts.TargetsProcessed)
}

func TestCoordinator_FailLongReason(t *testing.T) {
	c := &clock{now: t0}
	s := newStore(t, c)
	coord := collector.NewCoordinator(s, collector.WithClock(c.Now), collector.WithIDs(ids()))
	ctx := t.Context()

	h, err := coord.Begin(ctx, "")
	require.NoError(t, err)
	// multi byte runes straddle the column width
	reason := "x" + strings.Repeat("č", 200)
	require.NoError(t, coord.Fail(ctx, h, reason, model.RunCounts{}))

	run, err := s.GetRun(ctx, h.ID())
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)
	require.LessOrEqual(t, len(*run.FailureReason), 255)
	require.True(t, utf8.ValidString(*run.FailureReason))
	require.True(t, strings.HasPrefix(reason, *run.FailureReason))
	require.Len(t, *run.FailureReason, 255)
}

func TestCoordinator_FinishTwice(t *testing.T) {
	c := &clock{now: t0}
	s := newStore(t, c)
	coord := collector.NewCoordinator(s, collector.WithClock(c.Now), collector.WithIDs(ids()))
	ctx := t.Context()

	h, err := coord.Begin(ctx, `{"targets":2}`)
	require.NoError(t, err)
	counts := model.RunCounts{TargetsProcessed: 2, ServicesCreated: 5}
	require.NoError(t, coord.Finish(ctx, h, counts))
	require.NoError(t, coord.Finish(ctx, h, model.RunCounts{}))
	require.NoError(t, coord.Fail(ctx, h, model.ReasonTerminated, model.RunCounts{}))

	run, err := s.GetRun(ctx, h.ID())
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)
	require.Equal(t, counts, run.Counts)
	require.Nil(t, run.FailureReason)
}

func TestCoordinator_InvalidHandle(t *testing.T) {
	c := &clock{now: t0}
	coord := collector.NewCoordinator(newStore(t, c))
	require.Error(t, coord.Finish(t.Context(), model.RunHandle{}, model.RunCounts{}))
	require.Error(t, coord.Fail(t.Context(), model.RunHandle{}, "x", model.RunCounts{}))
	require.ErrorIs(t, coord.Finish(t.Context(), model.NewRunHandle("nope", t0), model.RunCounts{}), model.ErrNotFound)
}

func TestCoordinator_CleanupStuck(t *testing.T) {
	const threshold = 2 * time.Hour

	var testCases = []struct {
		scenario string
		given    time.Duration
		then     int64
		status   model.RunStatus
	}{
		{scenario: "one hour later", given: time.Hour, then: 0, status: model.RunRunning},
		{scenario: "three hours later", given: 3 * time.Hour, then: 1, status: model.RunFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			c := &clock{now: t0}
			s := newStore(t, c)
			coord := collector.NewCoordinator(s, collector.WithClock(c.Now), collector.WithIDs(ids()))
			ctx := t.Context()

			// the process running this run was killed
			h, err := coord.Begin(ctx, "")
			require.NoError(t, err)

			c.now = t0.Add(tc.given)
			// a fresh run that is still executing
			fresh, err := coord.Begin(ctx, "")
			require.NoError(t, err)

			n, err := coord.CleanupStuck(ctx, threshold)
			require.NoError(t, err)
			require.Equal(t, tc.then, n)

			run, err := s.GetRun(ctx, h.ID())
			require.NoError(t, err)
			require.Equal(t, tc.status, run.Status)
			if tc.status == model.RunFailed {
				require.Equal(t, model.ReasonInterrupted, *run.FailureReason)
			}

			young, err := s.GetRun(ctx, fresh.ID())
			require.NoError(t, err)
			require.Equal(t, model.RunRunning, young.Status)
		})
	}
}

func TestCoordinator_CleanupInvalidThreshold(t *testing.T) {
	c := &clock{now: t0}
	coord := collector.NewCoordinator(newStore(t, c))
	_, err := coord.CleanupStuck(t.Context(), 0)
	require.True(t, model.IsConfig(err))
}
