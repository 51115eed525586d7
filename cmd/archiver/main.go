// Package main provides the archiver CLI entrypoint.
//
// Usage:
//
//	archiver --roster <path|url> [options]
//
// Exit codes (spec §6):
//   - 0: cycle completed, failure rate below the warning threshold
//   - 1: cycle completed, failure rate at/above the warning threshold
//   - 2: cycle completed, failure rate at/above the critical threshold
//   - 130: interrupted (SIGINT/SIGTERM)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/esdrasrenan/projeto-xml/internal/applog"
	"github.com/esdrasrenan/projeto-xml/internal/commit"
	"github.com/esdrasrenan/projeto-xml/internal/config"
	"github.com/esdrasrenan/projeto-xml/internal/cycle"
	"github.com/esdrasrenan/projeto-xml/internal/fetch"
	"github.com/esdrasrenan/projeto-xml/internal/placement"
	"github.com/esdrasrenan/projeto-xml/internal/roster"
	"github.com/esdrasrenan/projeto-xml/internal/statestore"
	"github.com/esdrasrenan/projeto-xml/internal/telemetry"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
	"github.com/esdrasrenan/projeto-xml/types"
)

// Exit codes per spec §6.
const (
	exitOK          = 0
	exitWarning     = 1
	exitCritical    = 2
	exitInterrupted = 130
)

// completedRetention is how long a retired transaction record stays
// under completed/ before CleanupCompleted removes it.
const completedRetention = 30 * 24 * time.Hour

func main() {
	app := &cli.App{
		Name:           "archiver",
		Usage:          "Incremental fetcher and archive manager for NFe/CTe fiscal documents",
		Version:        types.Version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to YAML config file"},
			&cli.StringFlag{Name: "roster", Usage: "Company roster source: local path or HTTP(S) URL"},
			&cli.IntFlag{Name: "limit", Usage: "Process only the first N roster rows (0 = no limit)"},
			&cli.BoolFlag{Name: "seed", Usage: "Reset every company's cursors before this run's first cycle"},
			&cli.BoolFlag{Name: "loop", Usage: "Run continuously instead of a single cycle"},
			&cli.DurationFlag{Name: "loop-interval", Usage: "Pause between cycles in loop mode (e.g. 5m)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error", Value: "info"},
			&cli.BoolFlag{Name: "ignore-failure-rates", Usage: "Always exit 0 regardless of cycle failure rate"},
			&cli.Float64Flag{Name: "failure-threshold", Usage: "Critical company-failure percentage (default 50)"},
			&cli.StringFlag{Name: "migrate-v1-state", Usage: "Path to a legacy monolithic state.json to split into this store's per-month partitions, then exit"},
		},
		Action: runAction,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runAction(c *cli.Context) error {
	var cfg *config.Config
	if configPath := c.String("config"); configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to load config: %v", err), exitCritical)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	rosterSource := resolveString(c, "roster", cfg.Roster.Source)
	if rosterSource == "" {
		return cli.Exit("--roster is required (provide via CLI flag or config file)", exitCritical)
	}
	limit := resolveInt(c, "limit", cfg.Roster.Limit)
	seed := resolveBool(c, "seed", cfg.Cycle.Seed)
	loop := resolveBool(c, "loop", cfg.Cycle.Loop)
	loopInterval := resolveDuration(c, "loop-interval", cfg.Cycle.LoopInterval.Duration)
	logLevel := resolveString(c, "log-level", cfg.LogLevel)
	ignoreFailureRates := resolveBool(c, "ignore-failure-rates", cfg.Cycle.IgnoreFailureRates)
	cfg.Cycle.FailureThresholdPct = resolveFloat(c, "failure-threshold", cfg.Cycle.FailureThresholdPct)

	level, err := applog.ParseLevel(logLevel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --log-level: %v", err), exitCritical)
	}
	runMeta := &types.RunMeta{RunID: uuid.New().String()}
	logger := applog.NewLoggerAtLevel(runMeta, level)

	companies, err := roster.OpenWithLimit(rosterSource, limit)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load roster: %v", err), exitCritical)
	}

	if cfg.Storage.PrimaryRoot == "" || cfg.Storage.StateRoot == "" {
		return cli.Exit("storage.primary_root and storage.state_root must be set in the config file", exitCritical)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		cancel()
	}()

	var opts []commit.Option
	if cfg.Storage.S3 != nil {
		mirror, err := commit.NewS3Mirror(ctx, cfg.Storage.S3.ToCommitConfig())
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to configure S3 mirror: %v", err), exitCritical)
		}
		opts = append(opts, commit.WithMirror(mirror))
	}
	committer, err := commit.New(cfg.Storage.PrimaryRoot, opts...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open committer: %v", err), exitCritical)
	}
	// Replay any transaction left under pending/ by a prior crash before
	// this run stages anything new (spec's commit-recovery scenario).
	if err := committer.Recover(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("commit recovery failed: %v", err), exitCritical)
	}

	store, err := statestore.Open(cfg.Storage.StateRoot)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open state store: %v", err), exitCritical)
	}

	if legacyPath := c.String("migrate-v1-state"); legacyPath != "" {
		stats, err := store.MigrateFromV1(legacyPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("v1 state migration failed: %v", err), exitCritical)
		}
		if err := store.SaveCurrentMonth(); err != nil {
			return cli.Exit(fmt.Sprintf("v1 state migration: save failed: %v", err), exitCritical)
		}
		logger.Info("v1 state migration complete", map[string]any{
			"months_created": stats.MonthsCreated, "companies_migrated": stats.CompaniesMigrated,
			"skip_counts_migrated": stats.SkipCountsMigrated, "pendencies_migrated": stats.PendenciesMigrated,
		})
		return cli.Exit("", exitOK)
	}

	client, err := upstream.New(cfg.Upstream.ToClientConfig())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to configure upstream client: %v", err), exitCritical)
	}

	deps := cycle.Deps{
		Fetch: fetch.Deps{
			Upstream:  client,
			Committer: committer,
			Store:     store,
			Roots: placement.Roots{
				Primary: cfg.Storage.PrimaryRoot,
				Flat:    cfg.Storage.FlatRoot,
				Cancel:  cfg.Storage.CancelRoot,
			},
		},
		Telemetry: telemetry.NewCollector(runMeta.RunID),
		Logger:    logger,
	}
	circuits := make(map[string]*types.CircuitState, len(companies))

	cleanupCompleted := func() {
		if err := committer.CleanupCompleted(time.Now(), completedRetention); err != nil {
			logger.Error("cleanup of completed transaction records failed", map[string]any{"error": err.Error()})
		}
	}

	if loop {
		cycle.RunLoop(ctx, deps, companies, circuits, time.Now, seed, cycle.LoopOptions{
			Interval:        loopInterval,
			OnCycleComplete: func(cycle.Result) { cleanupCompleted() },
		})
		if interrupted.Load() {
			return cli.Exit("", exitInterrupted)
		}
		return cli.Exit("", exitOK)
	}

	result := cycle.Run(ctx, deps, companies, circuits, time.Now(), seed)
	cleanupCompleted()
	if err := store.SaveCurrentMonth(); err != nil {
		logger.Error("final state save failed", map[string]any{"error": err.Error()})
	}
	if interrupted.Load() {
		return cli.Exit("", exitInterrupted)
	}

	logger.Info("cycle complete", map[string]any{
		"total": result.Total, "success": result.Success,
		"failed": result.Failed, "failure_rate": result.FailureRate,
	})

	if ignoreFailureRates {
		return cli.Exit("", exitOK)
	}
	failurePct := result.FailureRate * 100
	if failurePct >= cfg.Cycle.FailureThresholdOrDefault() {
		return cli.Exit(fmt.Sprintf("cycle failure rate %.1f%% at/above critical threshold", failurePct), exitCritical)
	}
	if failurePct >= cfg.Cycle.WarningThreshold() {
		return cli.Exit(fmt.Sprintf("cycle failure rate %.1f%% at/above warning threshold", failurePct), exitWarning)
	}
	return cli.Exit("", exitOK)
}

func resolveString(c *cli.Context, name, fallback string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if fallback != "" {
		return fallback
	}
	return c.String(name)
}

func resolveInt(c *cli.Context, name string, fallback int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	return fallback
}

func resolveBool(c *cli.Context, name string, fallback bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return fallback
}

func resolveFloat(c *cli.Context, name string, fallback float64) float64 {
	if c.IsSet(name) {
		return c.Float64(name)
	}
	return fallback
}

func resolveDuration(c *cli.Context, name string, fallback time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	return fallback
}
