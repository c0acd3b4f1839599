package main

import (
	"github.com/criyle/minidocker/cmd/formatter"
	"github.com/spf13/cobra"
)

type psOptions struct {
	all bool
}

func psCommand(c *cli) *cobra.Command {
	opts := psOptions{}
	cmd := &cobra.Command{
		Use:   "ps [OPTIONS]",
		Short: "List containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(c, cmd, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.all, "all", "a", false, "Show all containers (default shows just running)")
	return cmd
}

func runPs(c *cli, cmd *cobra.Command, opts psOptions) error {
	list, err := c.engine.List(opts.all)
	if err != nil {
		return err
	}
	return formatter.Containers(cmd.OutOrStdout(), list)
}
