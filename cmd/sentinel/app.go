package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinel-intel/sentinel/internal/collector"
	"github.com/sentinel-intel/sentinel/internal/index"
	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/sink"
	"github.com/sentinel-intel/sentinel/internal/store"
	"github.com/sentinel-intel/sentinel/internal/targets"
)

// app is the wired collection pipeline built from the loaded config.
type app struct {
	store     *store.Store
	mirror    sink.Multi
	collector *collector.Collector
	settings  runSettings
}

type runSettings struct {
	staleAfter time.Duration
	retention  string
}

func newRunSettings() (runSettings, error) {
	staleAfter, err := config.Storage.StaleThreshold()
	if err != nil {
		return runSettings{}, &model.ConfigError{Field: "storage.stale_after", Err: err}
	}
	if staleAfter <= 0 {
		return runSettings{}, &model.ConfigError{Field: "storage.stale_after", Problems: []string{"must be positive"}}
	}
	return runSettings{
		staleAfter: staleAfter,
		retention:  config.Storage.Retention,
	}, nil
}

func loadTargets() ([]model.Target, error) {
	return targets.Load(config.Targets, config.Queries)
}

func newFetcher() (*index.Fetcher, error) {
	delay, err := config.Provider.Delay()
	if err != nil {
		return nil, &model.ConfigError{Field: "provider.request_delay", Err: err}
	}
	timeout, err := config.Provider.RequestTimeout()
	if err != nil {
		return nil, &model.ConfigError{Field: "provider.timeout", Err: err}
	}
	shodan, err := index.NewShodan(config.Provider.BaseURL, config.Provider.APIKey, timeout)
	if err != nil {
		return nil, err
	}
	return index.NewFetcher(shodan, delay, config.Provider.MaxRetries), nil
}

type storeMode int

const (
	// storeProbe opens read-only and touches no table
	storeProbe storeMode = iota
	// storeRead opens read-only and requires the schema
	storeRead
	// storeWrite creates the schema if absent
	storeWrite
)

func openStore(ctx context.Context, mode storeMode) (*store.Store, error) {
	var opts []store.Option
	if mode != storeWrite {
		opts = append(opts, store.ReadOnly())
	}
	db, err := store.Open(ctx, config.Storage.Driver, config.Storage.DSN, opts...)
	if err != nil {
		return nil, err
	}
	switch mode {
	case storeRead:
		err = db.CheckSchema(ctx)
	case storeWrite:
		err = db.Migrate(ctx)
		if err != nil {
			err = fmt.Errorf("migrating store: %w", err)
		}
	}
	if err != nil {
		closeStore(ctx, db)
		return nil, err
	}
	return db, nil
}

func closeStore(ctx context.Context, db *store.Store) {
	if err := db.Close(); err != nil {
		slog.WarnContext(ctx, "closing store failed", "error", err)
	}
}

// newApp validates the whole configuration before opening any resource, so
// configuration errors are reported before a run begins.
func newApp(ctx context.Context) (*app, error) {
	tgts, err := loadTargets()
	if err != nil {
		return nil, err
	}
	settings, err := newRunSettings()
	if err != nil {
		return nil, err
	}
	fetcher, err := newFetcher()
	if err != nil {
		return nil, err
	}

	db, err := openStore(ctx, storeWrite)
	if err != nil {
		return nil, err
	}

	mirror, err := sink.New(ctx, config.Mirror)
	if err != nil {
		closeStore(ctx, db)
		return nil, err
	}

	cfg := collector.Config{
		Targets:   tgts,
		Retention: settings.retention,
	}
	if len(mirror) > 0 {
		cfg.Mirror = mirror
	}

	return &app{
		store:     db,
		mirror:    mirror,
		collector: collector.New(db, fetcher, cfg),
		settings:  settings,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.mirror.Close(); err != nil {
		slog.WarnContext(ctx, "closing mirror failed", "error", err)
	}
	closeStore(ctx, a.store)
}
