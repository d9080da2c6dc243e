package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// maxReasonLen is the width of scan_runs.failure_reason.
const maxReasonLen = 255

// finalizeTimeout bounds the terminal write issued after the run context is
// cancelled.
const finalizeTimeout = 5 * time.Second

// RunStore persists run state transitions.
type RunStore interface {
	CreateRun(ctx context.Context, id string, startedAt time.Time, metadata string) error
	FinishRun(ctx context.Context, id string, finishedAt time.Time, counts model.RunCounts) error
	FailRun(ctx context.Context, id string, finishedAt time.Time, reason string, counts model.RunCounts) error
	CleanupStuck(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Coordinator owns the run state machine: pending -> running -> completed or
// failed. Terminal runs are never re-entered.
type Coordinator struct {
	store RunStore
	now   func() time.Time
	newID func() string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithIDs(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

func NewCoordinator(store RunStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin persists a new running run and returns its handle.
func (c *Coordinator) Begin(ctx context.Context, metadata string) (model.RunHandle, error) {
	id := c.newID()
	started := c.now().UTC()
	if err := c.store.CreateRun(ctx, id, started, metadata); err != nil {
		return model.RunHandle{}, err
	}
	slog.InfoContext(ctx, "run started", "run_id", id)
	return model.NewRunHandle(id, started), nil
}

// Finish completes the run. Finishing a run that is already terminal is a
// no-op.
func (c *Coordinator) Finish(ctx context.Context, h model.RunHandle, counts model.RunCounts) error {
	if !h.Valid() {
		return errors.New("finish: invalid run handle")
	}
	err := c.store.FinishRun(ctx, h.ID(), c.now().UTC(), counts)
	if errors.Is(err, model.ErrAlreadyFinished) {
		slog.DebugContext(ctx, "run already terminal: ignoring finish", "run_id", h.ID())
		return nil
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "run completed",
		"run_id", h.ID(),
		"duration", c.now().Sub(h.Started()).Round(time.Millisecond),
		slog.Group("counts",
			"targets_processed", counts.TargetsProcessed,
			"targets_failed", counts.TargetsFailed,
			"services_created", counts.ServicesCreated,
			"services_updated", counts.ServicesUpdated,
			"records_skipped", counts.RecordsSkipped,
		),
	)
	return nil
}

// Fail marks the run failed. It works on a context detached from ctx's
// cancellation so it can be called from a termination path. Failing a run
// that is already terminal is a no-op.
func (c *Coordinator) Fail(ctx context.Context, h model.RunHandle, reason string, counts model.RunCounts) error {
	if !h.Valid() {
		return errors.New("fail: invalid run handle")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if len(reason) > maxReasonLen {
		slog.DebugContext(ctx, "failure reason truncated", "run_id", h.ID(), "reason", reason)
		reason = truncate(reason, maxReasonLen)
	}
	err := c.store.FailRun(ctx, h.ID(), c.now().UTC(), reason, counts)
	if errors.Is(err, model.ErrAlreadyFinished) {
		slog.DebugContext(ctx, "run already terminal: ignoring fail", "run_id", h.ID())
		return nil
	}
	if err != nil {
		return err
	}
	slog.WarnContext(ctx, "run failed", "run_id", h.ID(), "reason", reason)
	return nil
}

// CleanupStuck fails runs that have been running for longer than threshold
// with reason interrupted. Younger runs are never touched.
func (c *Coordinator) CleanupStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, &model.ConfigError{Field: "storage.stale_after", Problems: []string{"threshold must be positive"}}
	}
	now := c.now().UTC()
	n, err := c.store.CleanupStuck(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.WarnContext(ctx, "repaired stuck runs", "count", n, "threshold", threshold)
	}
	return n, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
