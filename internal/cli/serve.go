package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/configloader"
	"github.com/RevCBH/switchyard/internal/connection"
	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/executor"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/keys"
	"github.com/RevCBH/switchyard/internal/merger"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/nodepool"
	"github.com/RevCBH/switchyard/internal/results"
	"github.com/RevCBH/switchyard/internal/scheduler"
	"github.com/RevCBH/switchyard/internal/timedb"
	"github.com/RevCBH/switchyard/internal/web"
)

// NewServeCmd creates the serve command that runs the scheduler process
func NewServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler process",
		Long: `Serve runs the scheduler: webhook ingress, the pipeline event loop,
the worker gateway and the status/control API, until a graceful exit is
requested via signal or the exit command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.ConfigPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	return cmd
}

// serve wires the process and blocks until the scheduler loop exits.
func serve(ctx context.Context, cfg *config.Config) error {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	logger, err := buildLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	registry, err := connection.FromConfig(cfg.Connections, log)
	if err != nil {
		return err
	}

	timeDB, err := timedb.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening time database: %w", err)
	}
	defer timeDB.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := scheduler.NewStats(promReg)

	bus := events.NewBus(64)
	defer bus.Close()

	gw := gateway.New(log)
	keyReg := keys.NewRegistry(filepath.Join(cfg.StateDir, "keys"))

	var store *results.Store
	if cfg.Results.DSN != "" {
		store, err = results.Open(ctx, cfg.Results.DSN, log)
		if err != nil {
			return fmt.Errorf("opening results database: %w", err)
		}
		defer store.Close()
	}

	sched := scheduler.New(scheduler.Options{
		Log:      log,
		StateDir: cfg.StateDir,
		TimeDB:   timeDB,
		Bus:      bus,
		Stats:    stats,
		Results:  store,
	})

	// The gateway clients feed the scheduler's result queue, and the
	// loader fetches trusted in-repo configuration through the merger.
	mergerClient := merger.New(log, gw, sched.ResultQueue())
	executorClient := executor.New(log, gw, sched.ResultQueue())
	nodes := nodepool.NewStatic(log, sched.ResultQueue())
	loader := configloader.New(log, cfg.TenantConfig, registry, mergerClient, cfg.Web.BaseURL)
	sched.SetClients(loader, mergerClient, executorClient, nodes)

	registry.OnEvent(func(ev *model.TriggerEvent) {
		sched.AddTriggerEvent(ev)
	})

	if err := sched.Prime(); err != nil {
		return err
	}

	server := web.New(web.Options{
		Log:      log,
		Listen:   cfg.Web.Listen,
		Sched:    sched,
		Bus:      bus,
		Registry: registry,
		Gateway:  gw,
		Keys:     keyReg,
		Results:  store,
		Level:    level,
		Metrics:  promReg,
	})
	if err := server.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if store != nil {
		go store.Run(runCtx)
	}

	// First signal requests a graceful exit: builds finish and the
	// trigger queue snapshots to disk. A second signal stops the loop
	// immediately.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infow("signal received, exiting gracefully", "signal", sig)
			sched.Exit()
		case <-runCtx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			log.Warnw("second signal received, stopping now", "signal", sig)
			sched.Stop()
		case <-runCtx.Done():
		}
	}()

	runErr := sched.Run(runCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warnw("web server shutdown failed", "error", err)
	}
	return runErr
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildLogger builds the process logger on the shared atomic level so the
// verbose control endpoint can flip it at runtime.
func buildLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zcfg.Build()
}
