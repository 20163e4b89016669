package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/dbhelm/pkg/client"
)

func createPortCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Port checks and the ban list",
		Long: `Inspect ports and manage ports that must never be used.

Examples:
  dbhelm port check 5432
  dbhelm port find 5432 --max=50
  dbhelm port ban 6379
  dbhelm port banned`,
	}
	cmd.AddCommand(
		createPortCheckCommand(g),
		createPortFindCommand(g),
		createPortBanCommand(g),
		createPortUnbanCommand(g),
		createPortBannedCommand(g),
	)
	return cmd
}

func createPortCheckCommand(g *GlobalFlags) *cobra.Command {
	f := &CheckPortFlags{}
	cmd := &cobra.Command{
		Use:   "check <port>",
		Short: "Report who listens on a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				conflict, err := c.CheckPort(ctx, p, f.Exclude)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), conflict)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Exclude, "exclude", "", "instance id whose own listener is not a conflict")
	return cmd
}

func createPortFindCommand(g *GlobalFlags) *cobra.Command {
	f := &FindPortFlags{}
	cmd := &cobra.Command{
		Use:   "find <start>",
		Short: "Find the first free port at or after start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				p, err := c.FindPort(ctx, start, f.Max)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Max, "max", 0, "maximum ports to try (server default when 0)")
	return cmd
}

func createPortBanCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ban <port>",
		Short: "Never allocate this port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				return c.Ban(ctx, p)
			})
		},
	}
}

func createPortUnbanCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <port>",
		Short: "Remove a port from the ban list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				return c.Unban(ctx, p)
			})
		},
	}
}

func createPortBannedCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "banned",
		Short: "List banned ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				ports, err := c.Banned(ctx)
				if err != nil {
					return err
				}
				for _, p := range ports {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
}
