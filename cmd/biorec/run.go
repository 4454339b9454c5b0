package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/config"
	"github.com/srg/biorec/internal/events"
	"github.com/srg/biorec/internal/groutine"
	"github.com/srg/biorec/internal/orchestrator"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/schedule"
	"github.com/srg/biorec/internal/sink"
	"github.com/srg/biorec/internal/store"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the recording daemon",
	Long: `Execute the schedules of --config until interrupted.

On startup every occurrence missed since the last stored result is recorded
as an Error result, and the current occurrence is recorded late when it has
not been recorded yet. Results are stored in PostgreSQL when database.dsn is
set (in memory otherwise) and published on NATS when nats.url is set.`,
	RunE: runDaemon,
}

var runConfigPath string

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "biorec.yaml", "Configuration file")
}

// publisher is the part of events.Publisher used by the daemon.
type publisher interface {
	PublishResult(r record.Result) error
	PublishEvent(ev orchestrator.DeviceEvent) error
	Close() error
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	if flagged, _ := cmd.Flags().GetString("log-level"); flagged != "" || cmd.Flags().Changed("verbose") {
		if logger, err = configureLogger(cmd, logger.GetLevel()); err != nil {
			return err
		}
	}
	cmd.SilenceUsage = true

	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}
	signers, err := cfg.Signers()
	if err != nil {
		return err
	}
	transport, err := transportFor(cmd, cfg.Transport, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close result store")
		}
	}()

	var pub publisher
	if cfg.NATS.URL != "" {
		nc, err := events.Dial(events.Options{
			URL:               cfg.NATS.URL,
			Username:          cfg.NATS.Username,
			Password:          cfg.NATS.Password,
			MaxReconnects:     cfg.NATS.MaxReconnects,
			ReconnectInterval: cfg.NATS.ReconnectInterval,
		}, logger)
		if err != nil {
			return err
		}
		pub = events.NewPublisher(nc, cfg.NATS.Prefix, logger)
		defer pub.Close()
		logger.WithField("url", cfg.NATS.URL).Info("Publishing results on NATS")
	}

	ocfg := cfg.OrchestratorConfig()
	orch := orchestrator.New(ocfg, transport, signers, &sink.Factory{Dir: cfg.OutputDir, Logger: logger}, logger)
	engine := schedule.NewEngine(orch, history, logger)
	for _, d := range defs {
		if err := engine.Add(d); err != nil {
			return err
		}
	}

	onPanic := func(name string, r any, stack []byte) {
		logger.WithFields(logrus.Fields{"goroutine": name, "panic": r, "stack": string(stack)}).Error("Forwarder panicked")
	}
	var wg sync.WaitGroup
	wg.Add(2)
	groutine.GoRecover(context.Background(), "result-forwarder", func(ctx context.Context) {
		defer wg.Done()
		for r := range orch.Results() {
			_ = engine.HandleResult(ctx, r)
			if pub != nil {
				_ = pub.PublishResult(r)
			}
		}
	}, onPanic)
	groutine.GoRecover(context.Background(), "event-forwarder", func(context.Context) {
		defer wg.Done()
		for ev := range orch.Events() {
			if pub != nil {
				_ = pub.PublishEvent(ev)
			}
		}
	}, onPanic)

	orch.Start(ctx)

	backfilled, err := engine.Reconcile(ctx, time.Now())
	if err != nil {
		logger.WithField("error", err).Error("Failed to reconcile schedule history")
	}
	if pub != nil {
		for _, r := range backfilled {
			_ = pub.PublishResult(r)
		}
	}

	logger.WithFields(logrus.Fields{
		"schedules": len(defs),
		"workers":   ocfg.Workers,
	}).Info("Recorder running")

	runErr := engine.Run(ctx)

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ocfg.TeardownTimeout+5*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("Orchestrator did not shut down in time")
	} else {
		wg.Wait()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("No database configured, results are kept in memory only")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	return pg, nil
}
