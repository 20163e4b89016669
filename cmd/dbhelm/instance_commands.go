package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/dbhelm/pkg/client"
)

func createListCommand(g *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				list, err := c.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					printJSON(cmd.OutOrStdout(), list)
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "NAME\tENGINE\tVERSION\tPORT\tSTATUS\tPID\tAUTOSTART")
				for _, in := range list {
					pid := "-"
					if in.PID != nil {
						pid = fmt.Sprint(*in.PID)
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
						in.Name, in.EngineType, in.Version, in.Port, in.Status, pid, in.AutoStart)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createGetCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|name>",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				in, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), in)
				return nil
			})
		},
	}
}

func createAddCommand(g *GlobalFlags) *cobra.Command {
	f := &AddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stopped instance",
		Long: `Add a database instance. The port is checked for conflicts and the
password, when given, is stored in the system keychain.

Examples:
  dbhelm add --name=pg --engine=postgresql --version=16 --port=5432 --password=secret
  dbhelm add --name=cache --engine=redis --port=6379 --autostart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				in, err := c.Add(ctx, client.AddRequest{
					Name:       f.Name,
					EngineType: f.Engine,
					Version:    f.Version,
					Port:       f.Port,
					AutoStart:  f.AutoStart,
					Username:   f.Username,
					Password:   f.Password,
					DataPath:   f.DataPath,
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) on port %d\n", in.Name, in.ID, in.Port)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "instance name")
	cmd.Flags().StringVar(&f.Engine, "engine", "", "postgresql, mysql, redis or mongodb")
	cmd.Flags().StringVar(&f.Version, "version", "", "engine version")
	cmd.Flags().IntVar(&f.Port, "port", 0, "listen port")
	cmd.Flags().BoolVar(&f.AutoStart, "autostart", false, "start when the manager starts")
	cmd.Flags().StringVar(&f.Username, "username", "", "database user")
	cmd.Flags().StringVar(&f.Password, "password", "", "database password")
	cmd.Flags().StringVar(&f.DataPath, "data-path", "", "absolute data directory (defaults under the data dir)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("engine")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

// updateRequest keeps only the flags the user actually set.
func updateRequest(cmd *cobra.Command, f *UpdateFlags) client.UpdateRequest {
	var req client.UpdateRequest
	fl := cmd.Flags()
	if fl.Changed("name") {
		req.Name = &f.Name
	}
	if fl.Changed("version") {
		req.Version = &f.Version
	}
	if fl.Changed("port") {
		req.Port = &f.Port
	}
	if fl.Changed("autostart") {
		req.AutoStart = &f.AutoStart
	}
	if fl.Changed("username") {
		req.Username = &f.Username
	}
	if fl.Changed("password") {
		req.Password = &f.Password
	}
	return req
}

func createUpdateCommand(g *GlobalFlags) *cobra.Command {
	f := &UpdateFlags{}
	cmd := &cobra.Command{
		Use:   "update <id|name>",
		Short: "Edit a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := updateRequest(cmd, f)
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				in, err := c.Update(ctx, args[0], req)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), in)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "new name")
	cmd.Flags().StringVar(&f.Version, "version", "", "engine version")
	cmd.Flags().IntVar(&f.Port, "port", 0, "listen port")
	cmd.Flags().BoolVar(&f.AutoStart, "autostart", false, "start when the manager starts")
	cmd.Flags().StringVar(&f.Username, "username", "", "database user")
	cmd.Flags().StringVar(&f.Password, "password", "", "database password")
	return cmd
}

func createDeleteCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id|name>",
		Aliases: []string{"rm"},
		Short:   "Stop and remove an instance",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				if err := c.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id|name>",
		Short: "Start an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				if err := c.Start(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", args[0])
				return nil
			})
		},
	}
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id|name>",
		Short: "Stop an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				if err := c.Stop(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
				return nil
			})
		},
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status <id|name>",
		Short: "Show the observed status of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				st, err := c.Status(ctx, args[0], f.Verify)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.Verify, "verify", false, "also probe the port")
	return cmd
}

func createCleanupCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate orphaned engine processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				rep, err := c.Cleanup(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
}

func createReconcileCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				res, err := c.Reconcile(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}
