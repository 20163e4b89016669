package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/dbhelm/internal/config"
	"github.com/loykin/dbhelm/internal/logger"
	"github.com/loykin/dbhelm/internal/manager"
	"github.com/loykin/dbhelm/internal/server"
)

const shutdownTimeout = 30 * time.Second

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the instance manager and its HTTP API",
		Long: `Run the manager: clean up orphans, reconcile the state file, auto-start
flagged instances, then follow the state file and serve the API until
interrupted. Every tracked instance is stopped on shutdown.

Examples:
  dbhelm serve                     # defaults, or --config
  dbhelm serve config.toml
  dbhelm serve --daemonize --pidfile=/tmp/dbhelm.pid --logfile=/tmp/dbhelm.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := g.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath, f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(configPath string, f *ServeFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	defer func() { _ = removePidFile(f.PidFile) }()

	log, closer, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	mgr, err := manager.New(cfg, manager.Options{Version: version, Logger: log, ConfigPath: configPath})
	if err != nil {
		return err
	}
	srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, cfg.Metrics.Enabled, mgr)
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	log.Info("dbhelm serving", "version", version, "listen", srv.Addr, "base_path", cfg.Server.BasePath, "data_dir", cfg.Paths.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := mgr.Run(ctx)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, server.Shutdown(srv, 5*time.Second), mgr.Shutdown(shutdownCtx))
}
