package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/dbhelm/internal/config"
	"github.com/loykin/dbhelm/internal/helper"
	"github.com/loykin/dbhelm/internal/ipc"
	"github.com/loykin/dbhelm/internal/logger"
	"github.com/loykin/dbhelm/internal/manager"
	"github.com/loykin/dbhelm/pkg/client"
)

func createHelperCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "helper",
		Short: "Manage the privileged helper daemon",
		Long: `The helper daemon runs under the OS service manager (systemd or launchd),
sweeps orphaned engine processes and answers port queries over a local socket.

Examples:
  dbhelm helper install
  dbhelm helper status
  dbhelm helper ping          # ask the daemon directly, no server needed`,
	}
	for _, action := range []string{"install", "start", "stop", "restart", "uninstall"} {
		cmd.AddCommand(createHelperActionCommand(g, action))
	}
	cmd.AddCommand(
		createHelperStatusCommand(g),
		createHelperPingCommand(g),
		createHelperRunCommand(g),
	)
	return cmd
}

func createHelperActionCommand(g *GlobalFlags, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("%s the helper service", action),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				st, err := c.HelperAction(ctx, action)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func createHelperStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"health"},
		Short:   "Show helper install state and liveness",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				h, err := c.HelperHealth(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), h)
				return nil
			})
		},
	}
}

func helperAddress(cfg *config.Config) string {
	if cfg.Helper.Socket != "" {
		return cfg.Helper.Socket
	}
	return ipc.DefaultAddress()
}

func createHelperPingCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the helper daemon answers on its socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			c := ipc.NewClient(helperAddress(cfg), cfg.Helper.Timeout)
			rtt, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", c.Address(), rtt)
			return nil
		},
	}
}

// createHelperRunCommand is what the service descriptor executes.
func createHelperRunCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the helper daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHelper(g.ConfigPath)
		},
	}
}

func runHelper(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	handler, err := manager.NewHelperHandler(cfg, manager.Options{Version: version, Logger: log})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := helper.NewDaemon(helper.DaemonOptions{
		Addr:            helperAddress(cfg),
		LockPath:        cfg.Helper.LockFile,
		Handler:         handler,
		CleanupInterval: cfg.Helper.CleanupInterval,
		Timeout:         cfg.Helper.Timeout,
		CleanupTimeout:  cfg.CleanupTimeout(),
		Logger:          log,
	})
	log.Info("helper starting", "version", version, "addr", helperAddress(cfg))
	return d.Run(ctx)
}
