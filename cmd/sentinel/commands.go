package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-intel/sentinel/internal/collector"
	"github.com/sentinel-intel/sentinel/internal/log"
	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/report"
	"github.com/sentinel-intel/sentinel/internal/service"
)

var (
	flagJSON      bool   // value of stats --json
	flagOlderThan string // value of cleanup --older-than
	flagOutput    string // value of export --output
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "validates the configuration and probes the store and the provider without writing",
	RunE:  doCheck,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "executes one collection run over all configured targets",
	RunE:  doRun,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "executes collection runs on the configured schedule until interrupted",
	RunE:  doWatch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "prints statistics about the collected data",
	RunE:  doStats,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "marks runs stuck in running state as failed",
	RunE:  doCleanup,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "exports the stored inventory as a CycloneDX BOM",
	RunE:  doExport,
}

func commandContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("sentinel",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doCheck(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	tgts, err := loadTargets()
	if err != nil {
		return err
	}
	fetcher, err := newFetcher()
	if err != nil {
		return err
	}
	if _, err := newRunSettings(); err != nil {
		return err
	}

	db, err := openStore(ctx, storeProbe)
	if err != nil {
		return err
	}
	defer closeStore(ctx, db)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := db.Ping(gctx); err != nil {
			return fmt.Errorf("store %s: %w", db.Driver(), err)
		}
		return nil
	})
	g.Go(func() error {
		if err := fetcher.Ping(gctx); err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.InfoContext(ctx, "check passed", "targets", len(tgts), "driver", db.Driver())
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d targets, store %s reachable, provider reachable\n", len(tgts), db.Driver())
	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	run, err := app.collector.RunOnce(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "run completed", "run", run.String(), "counts", run.Counts)
	return nil
}

func doWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	supervisor, err := service.NewSupervisor(ctx, app.collector, app.collector.Coordinator(), service.Options{
		Schedule:   config.Service.Schedule,
		Every:      defaultEvery,
		StaleAfter: app.settings.staleAfter,
		Immediate:  true,
	})
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	db, err := openStore(ctx, storeRead)
	if err != nil {
		return err
	}
	defer closeStore(ctx, db)

	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return report.StatsJSON(cmd.OutOrStdout(), stats)
	}
	return report.StatsTable(cmd.OutOrStdout(), stats)
}

func doCleanup(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	settings, err := newRunSettings()
	if err != nil {
		return err
	}
	threshold := settings.staleAfter
	if flagOlderThan != "" {
		threshold, err = service.ParseInterval(flagOlderThan)
		if err != nil {
			return &model.ConfigError{Field: "--older-than", Err: err}
		}
	}

	db, err := openStore(ctx, storeWrite)
	if err != nil {
		return err
	}
	defer closeStore(ctx, db)

	n, err := collector.NewCoordinator(db).CleanupStuck(ctx, threshold)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d stuck runs marked as failed\n", n)
	return nil
}

func doExport(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	db, err := openStore(ctx, storeRead)
	if err != nil {
		return err
	}
	defer closeStore(ctx, db)

	hosts, err := db.Inventory(ctx)
	if err != nil {
		return err
	}
	completed, err := db.Runs(ctx, model.RunCompleted, 1)
	if err != nil {
		return err
	}
	builder := report.NewBuilder().
		AppendHosts(hosts...).
		AppendProperties(report.ExportProperties(config.Storage.Driver, completed)...)

	if flagOutput == "" {
		return builder.AsJSON(cmd.OutOrStdout())
	}

	f, err := os.Create(flagOutput)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", flagOutput, err)
	}
	if err := builder.AsJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing BOM: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", flagOutput, err)
	}
	slog.InfoContext(ctx, "inventory exported", "hosts", len(hosts), "path", flagOutput)
	return nil
}

const defaultEvery = 6 * time.Hour
