// Package collector runs the collection pipeline: it begins a run, fetches
// every target, normalizes and persists the records, mirrors the raw data and
// finalizes the run with aggregate counts.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/sentinel-intel/sentinel/internal/index"
	"github.com/sentinel-intel/sentinel/internal/log"
	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/normalize"
	"github.com/sentinel-intel/sentinel/internal/sink"
)

type Fetcher interface {
	Targets(ctx context.Context, handle model.RunHandle, targets []model.Target) iter.Seq2[index.Batch, error]
}

// EntityStore persists normalized entities.
type EntityStore interface {
	UpsertTarget(ctx context.Context, handle model.RunHandle, attrs model.TargetAttrs) (int64, error)
	UpsertService(ctx context.Context, handle model.RunHandle, targetID int64, attrs model.ServiceAttrs) (int64, bool, error)
	ApplyRetention(ctx context.Context, handle model.RunHandle, policy string, addresses []string) (int64, error)
}

type Store interface {
	RunStore
	EntityStore
}

type Config struct {
	Targets   []model.Target
	Retention string
	// Mirror is optional
	Mirror sink.Sink
}

type Collector struct {
	coordinator *Coordinator
	fetcher     Fetcher
	store       EntityStore
	mirror      sink.Sink
	targets     []model.Target
	retention   string
	now         func() time.Time
}

func New(store Store, fetcher Fetcher, cfg Config, opts ...Option) *Collector {
	coordinator := NewCoordinator(store, opts...)
	return &Collector{
		coordinator: coordinator,
		fetcher:     fetcher,
		store:       store,
		mirror:      cfg.Mirror,
		targets:     cfg.Targets,
		retention:   cfg.Retention,
		now:         coordinator.now,
	}
}

func (c *Collector) Coordinator() *Coordinator {
	return c.coordinator
}

type runMetadata struct {
	Targets   int    `json:"targets"`
	Retention string `json:"retention,omitempty"`
	Mirror    bool   `json:"mirror"`
}

// RunOnce executes one complete run and returns its final state. Per-target
// fetch failures are counted and do not fail the run. The run fails on
// rejected credentials, a persistence error, cancellation of ctx or when no
// target succeeds; the returned error then describes the cause.
func (c *Collector) RunOnce(ctx context.Context) (model.ScanRun, error) {
	if len(c.targets) == 0 {
		return model.ScanRun{}, &model.ConfigError{Field: "targets", Problems: []string{"no targets configured"}}
	}
	meta, err := json.Marshal(runMetadata{Targets: len(c.targets), Retention: c.retention, Mirror: c.mirror != nil})
	if err != nil {
		return model.ScanRun{}, err
	}

	h, err := c.coordinator.Begin(ctx, string(meta))
	if err != nil {
		return model.ScanRun{}, fmt.Errorf("beginning run: %w", err)
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", h.ID()))

	run := model.ScanRun{ID: h.ID(), StartedAt: h.Started(), Status: model.RunRunning, Metadata: string(meta)}
	var addresses []string
	counted := map[serviceKey]struct{}{}
	fatal := func() error {
		for batch, err := range c.fetcher.Targets(ctx, h, c.targets) {
			if err != nil {
				if ctx.Err() != nil || model.IsConfig(err) {
					return err
				}
				run.Counts.TargetsFailed++
				slog.WarnContext(ctx, "target failed", "target", batch.Target.String(), "error", err)
				continue
			}
			covered, err := c.persist(ctx, h, batch, counted, &run.Counts)
			if err != nil {
				return err
			}
			addresses = append(addresses, covered...)
			run.Counts.TargetsProcessed++
		}
		if run.Counts.TargetsProcessed == 0 {
			return model.ErrNoTargetSucceeded
		}
		return nil
	}()

	if fatal != nil {
		reason := fatal.Error()
		if ctx.Err() != nil {
			reason = model.ReasonTerminated
		}
		return c.fail(ctx, h, run, reason, fatal)
	}

	// all persistence is done: finalize even if ctx was cancelled meanwhile
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if n, err := c.store.ApplyRetention(fctx, h, c.retention, addresses); err != nil {
		return c.fail(ctx, h, run, err.Error(), err)
	} else if n > 0 {
		slog.InfoContext(ctx, "retention applied", "policy", c.retention, "services", n)
	}

	if err := c.coordinator.Finish(fctx, h, run.Counts); err != nil {
		return c.fail(ctx, h, run, err.Error(), err)
	}
	finished := c.now().UTC()
	run.Status = model.RunCompleted
	run.FinishedAt = &finished
	return run, nil
}

func (c *Collector) fail(ctx context.Context, h model.RunHandle, run model.ScanRun, reason string, cause error) (model.ScanRun, error) {
	if err := c.coordinator.Fail(ctx, h, reason, run.Counts); err != nil {
		cause = errors.Join(cause, fmt.Errorf("failing run: %w", err))
	}
	finished := c.now().UTC()
	run.Status = model.RunFailed
	run.FinishedAt = &finished
	run.FailureReason = &reason
	return run, fmt.Errorf("run %s failed: %w", h.ID(), cause)
}

// serviceKey identifies a service within a run. Overlapping targets, such as
// an address and a hostname resolving to it, report the same service twice.
type serviceKey struct {
	address   string
	port      int
	transport string
}

// persist stores every record of a fully fetched target and returns the
// addresses it covers. A service is counted as created or updated only on its
// first sighting in the run.
func (c *Collector) persist(ctx context.Context, h model.RunHandle, batch index.Batch, counted map[serviceKey]struct{}, counts *model.RunCounts) ([]string, error) {
	ctx = log.ContextAttrs(ctx, slog.String("target", batch.Target.String()))

	var addresses []string
	if batch.Target.Kind == model.TargetAddress {
		addresses = append(addresses, batch.Target.Name)
	}
	targetIDs := map[string]int64{}
	for _, raw := range batch.Records {
		obs, err := normalize.Normalize(batch.Target, raw)
		if err != nil {
			counts.RecordsSkipped++
			slog.DebugContext(ctx, "skipping record", "error", err)
			continue
		}

		targetID, ok := targetIDs[obs.Target.Address]
		if !ok {
			targetID, err = c.store.UpsertTarget(ctx, h, obs.Target)
			if err != nil {
				return nil, err
			}
			targetIDs[obs.Target.Address] = targetID
			addresses = append(addresses, obs.Target.Address)
		}

		_, created, err := c.store.UpsertService(ctx, h, targetID, obs.Service)
		if err != nil {
			return nil, err
		}
		key := serviceKey{address: obs.Target.Address, port: obs.Service.Port, transport: obs.Service.Transport}
		if _, ok := counted[key]; ok {
			continue
		}
		counted[key] = struct{}{}
		if created {
			counts.ServicesCreated++
		} else {
			counts.ServicesUpdated++
		}
	}
	slog.DebugContext(ctx, "target persisted", "records", len(batch.Records), "hosts", len(targetIDs))

	c.mirrorBatch(ctx, h, batch)
	return addresses, nil
}

// mirrorBatch is best effort: the structured write has already succeeded.
func (c *Collector) mirrorBatch(ctx context.Context, h model.RunHandle, batch index.Batch) {
	if c.mirror == nil || len(batch.Records) == 0 {
		return
	}
	err := c.mirror.Put(ctx, sink.Batch{
		RunID:       h.ID(),
		Target:      batch.Target.String(),
		CollectedAt: c.now().UTC(),
		Records:     batch.Records,
	})
	if err != nil {
		slog.WarnContext(ctx, "mirroring raw records failed", "error", err)
	}
}
