package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/sentinel-intel/sentinel/internal/log"
	"github.com/sentinel-intel/sentinel/internal/model"
)

var errInvalidHandle = errors.New("invalid run handle")

// Fetcher drives an Index: it paginates every target to exhaustion, spaces
// all provider requests by a single global delay and retries transient
// failures with exponential backoff.
type Fetcher struct {
	index      Index
	limiter    *rate.Limiter
	maxRetries int
	newBackOff func() backoff.BackOff
}

func NewFetcher(idx Index, delay time.Duration, maxRetries int) *Fetcher {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Fetcher{
		index:      idx,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: max(maxRetries, 0),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = max(delay, time.Second)
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Ping verifies provider connectivity if the underlying index supports it.
func (f *Fetcher) Ping(ctx context.Context) error {
	p, ok := f.index.(Pinger)
	if !ok {
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Ping(ctx)
}

// Target fetches every page of a target. A transient failure restarts the
// pagination from the first page, so the records returned always come from a
// single complete pass. On error no records are returned.
func (f *Fetcher) Target(ctx context.Context, handle model.RunHandle, target model.Target) ([]model.RawRecord, error) {
	if !handle.Valid() {
		return nil, errInvalidHandle
	}
	ctx = log.ContextAttrs(ctx, slog.String("target", target.String()))

	var records []model.RawRecord
	attempt := 0
	op := func() error {
		attempt++
		var recs []model.RawRecord
		for page, err := range f.pages(ctx, target) {
			if err != nil {
				if model.IsTransient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			recs = append(recs, page.Records...)
		}
		records = recs
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "transient provider failure",
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	slog.DebugContext(ctx, "target fetched", "records", len(records), "attempts", attempt)
	return records, nil
}

// Targets fetches the targets one after another. Each element is either a
// complete batch or the error that made the target fail; iteration goes on
// after per-target failures and stops when the caller breaks or the context
// is done.
func (f *Fetcher) Targets(ctx context.Context, handle model.RunHandle, targets []model.Target) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for _, t := range targets {
			if err := ctx.Err(); err != nil {
				yield(Batch{Target: t}, err)
				return
			}
			records, err := f.Target(ctx, handle, t)
			if !yield(Batch{Target: t, Records: records}, err) {
				return
			}
		}
	}
}

func (f *Fetcher) pages(ctx context.Context, target model.Target) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		cursor := ""
		for {
			if err := f.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(Page{}, err)
				return
			}
			page, err := f.index.Page(ctx, target, cursor)
			if err != nil {
				yield(Page{}, err)
				return
			}
			if !yield(page, nil) || page.Done() {
				return
			}
			if page.Next == cursor {
				yield(Page{}, fmt.Errorf("cursor %q did not advance", cursor))
				return
			}
			cursor = page.Next
		}
	}
}
