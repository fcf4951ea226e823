package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fielddaq"
	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/logger"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the acquisition daemon",
		Long: `Start the acquisition daemon. Instruments are configured, the
scheduler is aligned to the next wall-clock grid and every pipeline job
runs until SIGINT or SIGTERM.

Examples:
  fielddaq serve --config=fielddaq.toml
  fielddaq serve fielddaq.toml --simulate      # no hardware needed
  fielddaq serve --daemonize --pidfile=/run/fielddaq.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Simulate, "simulate", false, "replace every instrument with the simulated driver")
	cmd.Flags().BoolVar(&serveFlags.NoAlign, "no-align", false, "start the scheduler immediately instead of on the next grid minute")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=fielddaq.toml or provide as argument")
	}

	cfg, err := fielddaq.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := logger.Setup(logConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	for _, dir := range []string{cfg.Paths.Data, cfg.Paths.Staging} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	rec, err := fielddaq.NewRecorder(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open history sinks: %w", err)
	}
	defer func() { _ = rec.Close() }()

	fleet, err := fielddaq.NewFleet(cfg, fielddaq.Deps{Log: log, Recorder: rec, Simulate: flags.Simulate})
	if err != nil {
		return err
	}
	if err := fleet.Register(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if err := fielddaq.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "err", err)
		}
		msrv := fielddaq.NewMetricsServer(cfg.Metrics.Listen)
		go listen(log, "metrics", msrv)
		defer func() { _ = msrv.Close() }()
	}
	if cfg.Server.Listen != "" {
		srv, err := fielddaq.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, fleet)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		log.Info("status API listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath)
		defer func() { _ = srv.Close() }()
	}

	fleet.Configure(ctx)

	if !flags.NoAlign {
		d := clock.DelayToNextGrid(time.Now(), cfg.Scheduler.AlignMinutes)
		log.Info("waiting for the next grid minute", "delay", d.Round(time.Millisecond), "align_minutes", cfg.Scheduler.AlignMinutes)
		if !clock.SleepUntil(clock.Real(), d, ctx.Done()) {
			log.Info("stopped before the scheduler started")
			return nil
		}
	}

	log.Info("scheduler started", "instruments", len(fleet.Stations()), "jobs", len(fleet.Jobs()))
	if err := fleet.Scheduler().Run(ctx); err != nil {
		return err
	}

	log.Info("shutting down, flushing buffers")
	if err := fleet.SaveAll(context.Background()); err != nil {
		log.Error("final flush failed", "err", err)
	}
	return nil
}

func listen(log *slog.Logger, name string, srv *http.Server) {
	log.Info(name+" server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(name+" server error", "err", err)
	}
}
