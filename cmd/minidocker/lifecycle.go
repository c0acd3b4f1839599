package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func stopCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop CONTAINER",
		Short: "Stop a running container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.engine.Stop(args[0])
		},
	}
}

func startCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start CONTAINER",
		Short: "Start a stopped container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.engine.Start(args[0], terminal())
		},
	}
}

func rmCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm CONTAINER",
		Short: "Remove a stopped container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.engine.Remove(args[0])
		},
	}
}

func logCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "log CONTAINER",
		Aliases: []string{"logs"},
		Short:   "Print the output of a detached container",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.engine.Logs(args[0], cmd.OutOrStdout())
		},
	}
}

func pruneCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove all stopped containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.engine.Prune()
			for _, id := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
}
